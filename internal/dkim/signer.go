// Package dkim signs composed messages before they are spooled.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"mailerd/internal/email"
)

// signedHeaders are the fields the composer writes. From is listed twice
// so that a second From added downstream invalidates the signature.
var signedHeaders = []string{
	"From", "From", "Reply-To", "To", "Subject", "Date",
	"Message-Id", "Mime-Version", "Content-Type",
}

// Options configures a Signer. A zero Options disables signing.
type Options struct {
	Selector string
	// KeyPath names a PEM file; PrivateKey holds the PEM inline and wins
	// over KeyPath.
	KeyPath    string
	PrivateKey string
	// Domain overrides the domain taken from the sender address.
	Domain string
}

func (o Options) zero() bool {
	return strings.TrimSpace(o.Selector+o.KeyPath+o.PrivateKey+o.Domain) == ""
}

// Signer adds a DKIM-Signature header to composed messages. A nil Signer
// is valid and signs nothing.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// New builds a Signer from opts. It returns nil, nil when opts is empty.
func New(opts Options) (*Signer, error) {
	if opts.zero() {
		return nil, nil
	}
	selector := strings.TrimSpace(opts.Selector)
	if selector == "" {
		return nil, errors.New("dkim: selector is required")
	}
	key, err := loadKey(opts)
	if err != nil {
		return nil, err
	}
	return &Signer{
		domain:   strings.ToLower(strings.TrimSpace(opts.Domain)),
		selector: selector,
		key:      key,
	}, nil
}

// Sign returns message with a signature header prepended. The message must
// use CRLF line endings, as the composer writes them. The signing domain
// is the configured one or else the domain of from.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}
	domain := s.domain
	if domain == "" {
		d, err := email.Domain(from)
		if err != nil {
			return nil, fmt.Errorf("dkim: signing domain: %w", err)
		}
		domain = strings.ToLower(d)
	}

	var out bytes.Buffer
	out.Grow(len(message) + 512)
	err := msgauthdkim.Sign(&out, bytes.NewReader(message), &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}
	return out.Bytes(), nil
}

// loadKey reads the first PEM block of the configured key. Only RSA and
// Ed25519 keys can sign DKIM.
func loadKey(opts Options) (crypto.Signer, error) {
	data := []byte(opts.PrivateKey)
	if len(data) == 0 {
		path := strings.TrimSpace(opts.KeyPath)
		if path == "" {
			return nil, errors.New("dkim: a key path or an inline key is required")
		}
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("dkim: read key: %w", err)
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("dkim: key is not PEM encoded")
	}
	var (
		key any
		err error
	)
	if block.Type == "RSA PRIVATE KEY" {
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	} else {
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: parse %s: %w", block.Type, err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("dkim: unsupported key type %T", key)
}
