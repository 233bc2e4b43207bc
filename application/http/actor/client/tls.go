package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"http-engine/application/http"
	"http-engine/transport"
	"sync"

	"github.com/pkg/errors"
)

// TLSChannel secures connections with crypto/tls. Verification runs
// after the handshake, so a certificate error comes with a usable
// connection.
type TLSChannel struct {
	// Base supplies roots, versions and the like. Verification and client
	// certificate fields are overridden.
	Base *tls.Config
}

var _ SecureChannel = (*TLSChannel)(nil)

func (tc *TLSChannel) Secure(ctx context.Context, conn transport.Conn, cfg SecureConfig) (transport.Conn, error) {
	config := &tls.Config{}
	if tc.Base != nil {
		config = tc.Base.Clone()
	}
	config.ServerName = cfg.ServerName
	config.InsecureSkipVerify = true

	var (
		mu        sync.Mutex
		requested *tls.CertificateRequestInfo
	)
	config.GetClientCertificate = func(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
		mu.Lock()
		defer mu.Unlock()
		requested = info
		if cfg.CertificateChosen && cfg.Certificate != nil {
			return cfg.Certificate, nil
		}
		return &tls.Certificate{}, nil
	}

	tlsConn := tls.Client(transport.NetConn(conn), config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		mu.Lock()
		defer mu.Unlock()

		endpoint := http.Origin{Scheme: "https", Host: cfg.ServerName}
		switch {
		case requested != nil && !cfg.CertificateChosen:
			return nil, &ClientCertRequiredError{
				Endpoint:      endpoint,
				AcceptableCAs: requested.AcceptableCAs,
			}
		case requested != nil && cfg.Certificate != nil:
			return nil, errors.Wrap(ErrBadClientCertificate, err.Error())
		}
		return nil, errors.Wrap(err, "tls handshake")
	}

	secured := transport.WrapNetConn(tlsConn)
	state := tlsConn.ConnectionState()
	if err := tc.verify(state, cfg.ServerName); err != nil {
		var leaf *x509.Certificate
		if len(state.PeerCertificates) > 0 {
			leaf = state.PeerCertificates[0]
		}
		if cfg.Allows(leaf) {
			return secured, nil
		}
		return nil, &CertificateError{
			Endpoint:    http.Origin{Scheme: "https", Host: cfg.ServerName},
			Err:         err,
			Conn:        secured,
			Certificate: leaf,
		}
	}
	return secured, nil
}

func (tc *TLSChannel) verify(state tls.ConnectionState, serverName string) error {
	if len(state.PeerCertificates) == 0 {
		return errors.New("no peer certificate")
	}

	opts := x509.VerifyOptions{
		DNSName:       serverName,
		Intermediates: x509.NewCertPool(),
	}
	if tc.Base != nil {
		opts.Roots = tc.Base.RootCAs
		if tc.Base.Time != nil {
			opts.CurrentTime = tc.Base.Time()
		}
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	_, err := state.PeerCertificates[0].Verify(opts)
	return err
}
