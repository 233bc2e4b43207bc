package client

import (
	"http-engine/application/http/actor/client/pool"
	"http-engine/application/http/altsvc"
	"http-engine/application/http/parser"
	"http-engine/application/http/transfer"
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Options struct {
	Send    SendOptions    `yaml:"send"`
	Receive ReceiveOptions `yaml:"receive"`
	Retry   RetryOptions   `yaml:"retry"`
	Auth    AuthOptions    `yaml:"auth"`
	Tunnel  TunnelOptions  `yaml:"tunnel"`
	Drain   DrainOptions   `yaml:"drain"`
	AltSvc  altsvc.Options `yaml:"alt_svc"`
	Pool    pool.Options   `yaml:"pool"`
}

type SendOptions struct {
	// UserAgent is added unless the request carries one.
	UserAgent string `yaml:"user_agent"`
	// MaxMergedBodyBytes is the largest in-memory body written together
	// with the request head.
	MaxMergedBodyBytes int `yaml:"max_merged_body_bytes"`
	// MaxChunkSize bounds chunks of a chunked upload.
	MaxChunkSize int `yaml:"max_chunk_size"`
}

type ReceiveOptions struct {
	// MaxJunkBytes may precede the status line.
	MaxJunkBytes int `yaml:"max_junk_bytes"`
	// MaxHeaderBytes bounds a response head.
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

type RetryOptions struct {
	// MaxRetries is how many silent retries a transaction gets for
	// failures of reused connections.
	MaxRetries int `yaml:"max_retries"`
}

type AuthOptions struct {
	// MaxRounds bounds challenge rounds per transaction.
	MaxRounds int `yaml:"max_rounds"`
}

type TunnelOptions struct {
	// MaxAuthBody is how much of a 407 body is drained to keep the
	// proxy connection for the next round.
	MaxAuthBody int64 `yaml:"max_auth_body"`
}

type DrainOptions struct {
	// MaxBytes bounds background draining of an unread body.
	MaxBytes int64 `yaml:"max_bytes"`
	// Timeout bounds background draining in time.
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultOptions() Options {
	return Options{
		Send: SendOptions{
			MaxMergedBodyBytes: 1400,
			MaxChunkSize:       transfer.DefaultMaxChunkSize,
		},
		Receive: ReceiveOptions{
			MaxJunkBytes:   parser.DefaultOptions().MaxJunkBytes,
			MaxHeaderBytes: parser.DefaultOptions().MaxHeaderBytes,
		},
		Retry:  RetryOptions{MaxRetries: 1},
		Auth:   AuthOptions{MaxRounds: 10},
		Tunnel: TunnelOptions{MaxAuthBody: 64 << 10},
		Drain: DrainOptions{
			MaxBytes: 64 << 10,
			Timeout:  5 * time.Second,
		},
		AltSvc: altSvcDefaults(),
		Pool:   pool.DefaultOptions(),
	}
}

// altSvcDefaults restricts alternates to what a transaction speaks.
func altSvcDefaults() altsvc.Options {
	opts := altsvc.DefaultOptions()
	opts.Protocols = []string{"http/1.1"}
	return opts
}

// LoadOptions reads YAML over the defaults. Unknown keys are an error.
func LoadOptions(r io.Reader) (Options, error) {
	opts := DefaultOptions()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, errors.Wrap(err, "decoding options")
	}

	return opts, nil
}
