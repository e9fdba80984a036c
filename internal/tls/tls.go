// Package tls builds the listener configuration for the validation service:
// server certificates and optional client certificate verification.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Config names the PEM files used to terminate TLS.
type Config struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientCAFile enables mTLS: clients must present a certificate signed by
	// one of these CAs.
	ClientCAFile string `yaml:"client_ca_file"`
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks that the certificate and key are supplied together.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}
	if c.ClientCAFile != "" && !c.Enabled() {
		return errors.New("tls client_ca_file requires cert_file and key_file")
	}
	return nil
}

// BuildServer constructs a TLS configuration for the HTTP listener.
func BuildServer(cfg Config) (*tls.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCAFile != "" {
		caPool, err := loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

// Listen wraps inner with TLS when cfg is enabled and returns it unchanged
// otherwise.
func Listen(inner net.Listener, cfg Config) (net.Listener, error) {
	if !cfg.Enabled() {
		return inner, nil
	}
	serverConfig, err := BuildServer(cfg)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(inner, serverConfig), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)

	// #nosec G304 -- CA bundle path is supplied by the operator
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
