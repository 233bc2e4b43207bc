package auth

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/pkg/errors"
)

const SchemeDigest = "digest"

// CnonceFunc produces client nonces.
type CnonceFunc func() string

type DigestFactory struct {
	cnonce CnonceFunc
}

// NewDigestFactory uses cnonce for client nonces, or random ones if nil.
func NewDigestFactory(cnonce CnonceFunc) DigestFactory {
	if cnonce == nil {
		cnonce = randomCnonce
	}
	return DigestFactory{cnonce: cnonce}
}

func randomCnonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (DigestFactory) Scheme() string { return SchemeDigest }
func (DigestFactory) Rank() int      { return 2 }

func (f DigestFactory) NewHandler(ch Challenge, _ Origin) (Handler, error) {
	h := &digestHandler{cnonce: f.cnonce}
	if f.cnonce == nil {
		h.cnonce = randomCnonce
	}
	if err := h.parse(ch); err != nil {
		return nil, err
	}
	return h, nil
}

type digestAlgorithm struct {
	name string
	new  func() hash.Hash
	sess bool
}

var digestAlgorithms = map[string]digestAlgorithm{
	"":             {"", md5.New, false},
	"md5":          {"MD5", md5.New, false},
	"md5-sess":     {"MD5-sess", md5.New, true},
	"sha-256":      {"SHA-256", sha256.New, false},
	"sha-256-sess": {"SHA-256-sess", sha256.New, true},
}

type digestHandler struct {
	challenge Challenge
	cnonce    CnonceFunc

	nonce     string
	opaque    string
	algorithm digestAlgorithm
	qopAuth   bool
	stale     bool

	nonceCount uint32
}

func (h *digestHandler) parse(ch Challenge) error {
	nonce, ok := ch.Param("nonce")
	if !ok {
		return errors.Wrap(ErrInvalidChallenge, "digest without nonce")
	}
	if _, ok := ch.Param("realm"); !ok {
		return errors.Wrap(ErrInvalidChallenge, "digest without realm")
	}

	algName, _ := ch.Param("algorithm")
	alg, ok := digestAlgorithms[strings.ToLower(algName)]
	if !ok {
		return errors.Wrapf(ErrUnsupportedScheme, "digest algorithm %q", algName)
	}

	qopAuth := false
	if qop, ok := ch.Param("qop"); ok {
		for _, q := range strings.Split(qop, ",") {
			if strings.EqualFold(strings.TrimSpace(q), "auth") {
				qopAuth = true
			}
		}
		if !qopAuth {
			return errors.Wrapf(ErrUnsupportedScheme, "digest qop %q", qop)
		}
	}

	stale, _ := ch.Param("stale")

	h.challenge = ch
	h.nonce = nonce
	h.opaque, _ = ch.Param("opaque")
	h.algorithm = alg
	h.qopAuth = qopAuth
	h.stale = strings.EqualFold(stale, "true")
	h.nonceCount = 0
	return nil
}

func (h *digestHandler) Scheme() string        { return SchemeDigest }
func (h *digestHandler) Realm() string         { return h.challenge.Realm }
func (h *digestHandler) Challenge() Challenge  { return h.challenge }
func (h *digestHandler) ConnectionBased() bool { return false }

// A stale nonce keeps the identity that was already tried.
func (h *digestHandler) NeedsIdentity() bool { return !h.stale }

func (h *digestHandler) HandleAnotherChallenge(ch Challenge) Result {
	if ch.Scheme != SchemeDigest {
		return ResultInvalid
	}

	stale, _ := ch.Param("stale")
	if strings.EqualFold(stale, "true") {
		if err := h.parse(ch); err != nil {
			return ResultInvalid
		}
		return ResultStale
	}

	if ch.Realm != h.challenge.Realm {
		return ResultDifferentRealm
	}
	return ResultReject
}

func (h *digestHandler) GenerateToken(_ context.Context, creds *Credentials, req Request) (string, error) {
	if err := requireCreds(creds); err != nil {
		return "", err
	}

	h.nonceCount++
	nc := fmt.Sprintf("%08x", h.nonceCount)
	cnonce := h.cnonce()
	realm := h.challenge.Realm

	ha1 := h.hash(creds.Username + ":" + realm + ":" + creds.Password)
	if h.algorithm.sess {
		ha1 = h.hash(ha1 + ":" + h.nonce + ":" + cnonce)
	}
	ha2 := h.hash(req.Method + ":" + req.URI)

	var response string
	if h.qopAuth {
		response = h.hash(strings.Join([]string{ha1, h.nonce, nc, cnonce, "auth", ha2}, ":"))
	} else {
		response = h.hash(ha1 + ":" + h.nonce + ":" + ha2)
	}

	var sb strings.Builder
	sb.WriteString("Digest ")
	fmt.Fprintf(&sb, "username=%s, realm=%s, nonce=%s, uri=%s",
		quote(creds.Username), quote(realm), quote(h.nonce), quote(req.URI))
	if h.algorithm.name != "" {
		sb.WriteString(", algorithm=" + h.algorithm.name)
	}
	sb.WriteString(", response=" + quote(response))
	if h.opaque != "" {
		sb.WriteString(", opaque=" + quote(h.opaque))
	}
	if h.qopAuth {
		sb.WriteString(", qop=auth, nc=" + nc + ", cnonce=" + quote(cnonce))
	}
	return sb.String(), nil
}

func (h *digestHandler) hash(s string) string {
	sum := h.algorithm.new()
	sum.Write([]byte(s))
	return hex.EncodeToString(sum.Sum(nil))
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
