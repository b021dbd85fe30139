package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertManager loads extra CA certificates for talking to a backend behind a
// private or self-signed CA.
type CertManager struct {
	certDir string
	now     func() time.Time
}

// NewCertManager creates a new CertManager for the given directory.
func NewCertManager(certDir string) *CertManager {
	return &CertManager{certDir: certDir, now: time.Now}
}

// LoadCertificates loads all .crt/.pem certificates from the cert directory.
// A PEM file may hold several certificates.
func (cm *CertManager) LoadCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	err := filepath.WalkDir(cm.certDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".crt") && !strings.HasSuffix(d.Name(), ".pem") {
			return nil
		}
		loaded, err := loadCertificates(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		certs = append(certs, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	if len(out) == 0 {
		return nil, errors.New("failed to parse certificate PEM")
	}
	return out, nil
}

// IsExpired checks if a certificate is expired.
func (cm *CertManager) IsExpired(cert *x509.Certificate) bool {
	return cert.NotAfter.Before(cm.now())
}

// TLSConfig returns a client TLS config trusting the system roots plus every
// unexpired certificate in the directory. Expired ones are reported in skipped.
func (cm *CertManager) TLSConfig() (cfg *tls.Config, skipped []string, err error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	certs, err := cm.LoadCertificates()
	if err != nil {
		return nil, nil, err
	}
	for _, c := range certs {
		if cm.IsExpired(c) {
			skipped = append(skipped, c.Subject.CommonName)
			continue
		}
		pool.AddCert(c)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, skipped, nil
}
