// Package tls builds the listener-side TLS configuration for the TCP
// receiver. The AWS SDK manages its own transport security, so there is no
// client half here.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config declares TLS for the receiver listener. Setting ClientCAFile
// turns on mutual TLS: connections without a client certificate signed by
// that CA are rejected.
type Config struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// ServerConfig returns the tls.Config for the listener, or nil when TLS is
// disabled.
func ServerConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA %s contains no certificates", cfg.ClientCAFile)
		}
		out.ClientCAs = pool
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return out, nil
}
