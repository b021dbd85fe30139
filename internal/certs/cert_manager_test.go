package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir, name, cn string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notAfter.Add(-48 * time.Hour),
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, name), pemBytes, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestTLSConfigSkipsExpired(t *testing.T) {
	dir := t.TempDir()
	writeSelfSigned(t, dir, "good.crt", "campus-ca", time.Now().Add(24*time.Hour))
	writeSelfSigned(t, dir, "old.pem", "retired-ca", time.Now().Add(-time.Hour))
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0600); err != nil {
		t.Fatal(err)
	}

	cm := NewCertManager(dir)
	certs, err := cm.LoadCertificates()
	if err != nil {
		t.Fatalf("LoadCertificates: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("loaded %d certs, want 2", len(certs))
	}

	cfg, skipped, err := cm.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatalf("RootCAs not set")
	}
	if len(skipped) != 1 || skipped[0] != "retired-ca" {
		t.Fatalf("skipped = %v, want [retired-ca]", skipped)
	}
}

func TestLoadCertificatesRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.pem"), []byte("not a cert"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCertManager(dir).LoadCertificates(); err == nil {
		t.Fatalf("expected error for garbage PEM")
	}
}
