package httpfront

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"
)

// CAConfig locates the interception CA keypair on disk.
type CAConfig struct {
	CertFile      string
	KeyFile       string
	Organization  string
	ValidityYears int
}

// CAManager owns the CA that signs per-host leaf certificates for
// intercepted HTTPS connections. Clients must trust the CA cert for
// interception to work; the PEM file on disk is what they import.
type CAManager struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	logger *slog.Logger
}

// NewCAManager loads the CA from disk, or generates and persists a new
// one when neither file exists. One file without the other is an error:
// silently regenerating would invalidate every client trust store.
func NewCAManager(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	certExists := fileExists(cfg.CertFile)
	keyExists := fileExists(cfg.KeyFile)

	switch {
	case certExists && keyExists:
		return loadCA(cfg, logger)
	case !certExists && !keyExists:
		return generateCA(cfg, logger)
	default:
		return nil, fmt.Errorf("httpfront: inconsistent CA state: cert=%v key=%v", certExists, keyExists)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("httpfront: load CA keypair: %w", err)
	}
	caCert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("httpfront: parse CA cert: %w", err)
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("httpfront: CA key is %T, want ECDSA", pair.PrivateKey)
	}
	logger.Info("loaded interception CA", "cert", cfg.CertFile, "serial", caCert.SerialNumber)
	return &CAManager{caCert: caCert, caKey: key, logger: logger}, nil
}

func generateCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("httpfront: generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	years := cfg.ValidityYears
	if years <= 0 {
		years = 10
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.Organization + " Interception CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(years, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("httpfront: self-sign CA: %w", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	if err := writePEM(cfg.CertFile, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("httpfront: marshal CA key: %w", err)
	}
	if err := writePEM(cfg.KeyFile, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	logger.Info("generated interception CA", "cert", cfg.CertFile, "valid_years", years)
	return &CAManager{caCert: caCert, caKey: key, logger: logger}, nil
}

// GenerateCert mints a short-lived leaf certificate for one host,
// signed by the CA. host may be a DNS name or an IP literal.
func (cm *CAManager) GenerateCert(host string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("httpfront: generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &leafKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("httpfront: sign leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  leafKey,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("httpfront: serial: %w", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("httpfront: write %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("httpfront: encode %s: %w", path, err)
	}
	return nil
}
