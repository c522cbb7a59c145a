// Package tlsconfig builds the client TLS settings used towards SMTP relays.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when a CA file holds no usable certificate.
var ErrNoCertificates = errors.New("no certificates found")

// Options configures ClientConfig.
type Options struct {
	ServerName string
	// CAFile is a PEM bundle trusted in addition to nothing else; empty
	// means the system roots.
	CAFile string
	// Insecure disables certificate verification. For test relays only.
	Insecure bool
}

// ClientConfig returns a TLS 1.2+ client configuration.
func ClientConfig(opts Options) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         opts.ServerName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.Insecure,
	}
	if opts.CAFile == "" {
		return conf, nil
	}
	pemData, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("tls: %s: %w", opts.CAFile, ErrNoCertificates)
	}
	conf.RootCAs = pool
	return conf, nil
}

// ForHost returns a copy of base with ServerName set to host when base does
// not name one.
func ForHost(base *tls.Config, host string) *tls.Config {
	if base == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	conf := base.Clone()
	if conf.ServerName == "" {
		conf.ServerName = host
	}
	return conf
}
