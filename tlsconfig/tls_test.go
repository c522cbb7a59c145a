package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientConfigDefaults(t *testing.T) {
	conf, err := ClientConfig(Options{ServerName: "relay.test"})
	if err != nil {
		t.Fatalf("ClientConfig error: %v", err)
	}
	if conf.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected MinVersion TLS1.2, got %d", conf.MinVersion)
	}
	if conf.RootCAs != nil {
		t.Fatalf("expected system roots when no CA file is set")
	}
	if conf.InsecureSkipVerify {
		t.Fatalf("expected verification enabled by default")
	}
}

func TestClientConfigCAFile(t *testing.T) {
	certPath, _ := generateSelfSignedCert(t, t.TempDir())

	conf, err := ClientConfig(Options{CAFile: certPath})
	if err != nil {
		t.Fatalf("ClientConfig error: %v", err)
	}
	if conf.RootCAs == nil {
		t.Fatalf("expected custom root pool")
	}
}

func TestClientConfigBadCAFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := ClientConfig(Options{CAFile: filepath.Join(dir, "missing.pem")}); err == nil {
		t.Fatalf("expected error for missing CA file")
	}

	_, keyPath := generateSelfSignedCert(t, dir)
	if _, err := ClientConfig(Options{CAFile: keyPath}); !errors.Is(err, ErrNoCertificates) {
		t.Fatalf("expected ErrNoCertificates, got %v", err)
	}
}

func TestForHost(t *testing.T) {
	base, err := ClientConfig(Options{Insecure: true})
	if err != nil {
		t.Fatalf("ClientConfig error: %v", err)
	}
	conf := ForHost(base, "mx.example.com")
	if conf.ServerName != "mx.example.com" || !conf.InsecureSkipVerify {
		t.Fatalf("unexpected config %+v", conf)
	}
	if base.ServerName != "" {
		t.Fatalf("base config was modified")
	}
	if ForHost(nil, "a.test").ServerName != "a.test" {
		t.Fatalf("expected server name on fresh config")
	}
}

func generateSelfSignedCert(t *testing.T, dir string) (string, string) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "relay.test",
			Organization: []string{"mailerd"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	certOut, err := os.Create(filepath.Join(dir, "cert.pem"))
	if err != nil {
		t.Fatalf("Create cert file: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("Encode cert: %v", err)
	}
	if err := certOut.Close(); err != nil {
		t.Fatalf("Close cert file: %v", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	keyOut, err := os.Create(filepath.Join(dir, "key.pem"))
	if err != nil {
		t.Fatalf("Create key file: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("Encode key: %v", err)
	}
	if err := keyOut.Close(); err != nil {
		t.Fatalf("Close key file: %v", err)
	}

	return certOut.Name(), keyOut.Name()
}
