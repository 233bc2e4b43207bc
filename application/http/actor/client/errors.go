package client

import (
	"crypto/x509"
	"fmt"
	"http-engine/application/http"
	"http-engine/transport"

	"github.com/pkg/errors"
)

var (
	ErrTunnelConnectionFailed = errors.New("tunnel connection failed")
	ErrTooManyAuthRounds      = errors.New("too many authentication rounds")
	ErrUnsupportedScheme      = errors.New("unsupported url scheme")
	ErrUnsupportedProxy       = errors.New("unsupported proxy scheme")
	ErrTransactionClosed      = errors.New("transaction is closed")
	ErrAlreadyStarted         = errors.New("transaction already started")
	ErrBusy                   = errors.New("transaction has an operation in flight")
	ErrNoResponse             = errors.New("no response headers")
	ErrNoPendingChallenge     = errors.New("no pending auth challenge")
	ErrNoCertificateError     = errors.New("no certificate error to ignore")
	ErrNoCertificateRequest   = errors.New("no client certificate request")
	// ErrBadClientCertificate is returned by a secure channel when the
	// peer refused the client certificate that was sent.
	ErrBadClientCertificate = errors.New("client certificate rejected")
)

// CertificateError reports a server certificate that failed
// verification. Conn is the handshaken connection, if the channel kept
// it, so the transaction can go on with it when told to ignore the
// error.
type CertificateError struct {
	Endpoint http.Origin
	Err      error
	Conn     transport.Conn
	// Certificate is the server's leaf certificate, if it sent one.
	Certificate *x509.Certificate
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate of %s: %v", e.Endpoint.HostPort(), e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// ClientCertRequiredError reports that the server asked for a client
// certificate and none was chosen for the endpoint yet.
type ClientCertRequiredError struct {
	Endpoint http.Origin
	// AcceptableCAs are the distinguished names the server listed.
	AcceptableCAs [][]byte
}

func (e *ClientCertRequiredError) Error() string {
	return fmt.Sprintf("client certificate required by %s", e.Endpoint.HostPort())
}

// CertificateRequest extracts the request from err, if any.
func CertificateRequest(err error) (*ClientCertRequiredError, bool) {
	var target *ClientCertRequiredError
	ok := errors.As(err, &target)
	return target, ok
}
