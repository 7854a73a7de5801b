package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned generates a throwaway certificate pair under dir and
// returns the cert and key paths.
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "logship-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func TestServerConfigDisabled(t *testing.T) {
	cfg, err := ServerConfig(Config{})
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg != nil {
		t.Error("disabled TLS should yield a nil config")
	}
}

func TestServerConfigLoadsCertificate(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	cfg, err := ServerConfig(Config{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != stdtls.VersionTLS12 {
		t.Errorf("min version: got %x", cfg.MinVersion)
	}
	if cfg.ClientAuth != stdtls.NoClientCert {
		t.Errorf("client auth without CA: got %v", cfg.ClientAuth)
	}
}

func TestServerConfigEnablesMutualTLS(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	cfg, err := ServerConfig(Config{
		Enabled:      true,
		CertFile:     certPath,
		KeyFile:      keyPath,
		ClientCAFile: certPath,
	})
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.ClientAuth != stdtls.RequireAndVerifyClientCert {
		t.Errorf("client auth: got %v", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Error("client CA pool not set")
	}
}

func TestServerConfigRejectsMissingFiles(t *testing.T) {
	if _, err := ServerConfig(Config{Enabled: true, CertFile: "nope.pem", KeyFile: "nope.key"}); err == nil {
		t.Error("expected error for missing certificate files")
	}

	certPath, keyPath := writeSelfSigned(t, t.TempDir())
	junk := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(junk, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ServerConfig(Config{
		Enabled: true, CertFile: certPath, KeyFile: keyPath, ClientCAFile: junk,
	}); err == nil {
		t.Error("expected error for unparseable client CA")
	}
}
