package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"http-engine/transport"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func selfSigned(t *testing.T, name string) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

// secureAgainst runs the channel against a server presenting cert. The
// server reads until the connection goes away.
func secureAgainst(t *testing.T, channel *TLSChannel, cert tls.Certificate, cfg SecureConfig) (transport.Conn, error) {
	c1, c2 := net.Pipe()

	handshaken := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		server := tls.Server(c2, &tls.Config{
			Certificates:           []tls.Certificate{cert},
			SessionTicketsDisabled: true,
		})
		err := server.Handshake()
		close(handshaken)
		if err == nil {
			_, _ = io.Copy(io.Discard, server)
		}
	}()
	t.Cleanup(func() {
		c2.Close()
		<-done
	})

	conn, err := channel.Secure(context.Background(), transport.WrapNetConn(c1), cfg)
	<-handshaken
	return conn, err
}

func TestTLSChannelVerification(t *testing.T) {
	defer goleak.VerifyNone(t)

	served := selfSigned(t, "example.com")
	other := selfSigned(t, "example.com")

	roots := x509.NewCertPool()
	roots.AddCert(served.Leaf)

	tests := []struct {
		desc    string
		base    *tls.Config
		allowed []*x509.Certificate
		wantErr bool
	}{
		{
			desc:    "self-signed certificate fails verification",
			wantErr: true,
		},
		{
			desc: "trusted root passes",
			base: &tls.Config{RootCAs: roots},
		},
		{
			desc:    "accepted certificate passes",
			allowed: []*x509.Certificate{served.Leaf},
		},
		{
			desc:    "accepting another certificate does not help",
			allowed: []*x509.Certificate{other.Leaf},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			channel := &TLSChannel{Base: tt.base}
			cfg := SecureConfig{ServerName: "example.com", AllowedBadCerts: tt.allowed}

			conn, err := secureAgainst(t, channel, served, cfg)
			if !tt.wantErr {
				require.NoError(t, err)
				conn.Close()
				return
			}

			var certErr *CertificateError
			require.ErrorAs(t, err, &certErr)
			require.NotNil(t, certErr.Certificate)
			assert.Equal(t, served.Leaf.Raw, certErr.Certificate.Raw)
			assert.Equal(t, "example.com", certErr.Endpoint.Host)
			require.NotNil(t, certErr.Conn)
			certErr.Conn.Close()
		})
	}
}

func TestSecureConfigAllows(t *testing.T) {
	a := &x509.Certificate{Raw: []byte("a")}
	b := &x509.Certificate{Raw: []byte("b")}

	cfg := SecureConfig{AllowedBadCerts: []*x509.Certificate{a}}
	assert.True(t, cfg.Allows(&x509.Certificate{Raw: []byte("a")}))
	assert.False(t, cfg.Allows(b))
	assert.False(t, cfg.Allows(nil))
	assert.False(t, SecureConfig{}.Allows(a))
}
