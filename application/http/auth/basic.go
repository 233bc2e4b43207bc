package auth

import (
	"context"
	"encoding/base64"
)

const SchemeBasic = "basic"

type BasicFactory struct{}

func (BasicFactory) Scheme() string { return SchemeBasic }
func (BasicFactory) Rank() int      { return 1 }

func (BasicFactory) NewHandler(ch Challenge, _ Origin) (Handler, error) {
	return &basicHandler{challenge: ch}, nil
}

type basicHandler struct {
	challenge Challenge
}

func (h *basicHandler) Scheme() string        { return SchemeBasic }
func (h *basicHandler) Realm() string         { return h.challenge.Realm }
func (h *basicHandler) Challenge() Challenge  { return h.challenge }
func (h *basicHandler) NeedsIdentity() bool   { return true }
func (h *basicHandler) ConnectionBased() bool { return false }

func (h *basicHandler) GenerateToken(_ context.Context, creds *Credentials, _ Request) (string, error) {
	if err := requireCreds(creds); err != nil {
		return "", err
	}
	raw := creds.Username + ":" + creds.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// A second Basic challenge means the credentials were refused, unless
// the realm changed.
func (h *basicHandler) HandleAnotherChallenge(ch Challenge) Result {
	if ch.Scheme != SchemeBasic {
		return ResultInvalid
	}
	if ch.Realm != h.challenge.Realm {
		return ResultDifferentRealm
	}
	return ResultReject
}
