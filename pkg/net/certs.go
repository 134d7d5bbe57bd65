package net

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base32"
	"math/big"
	"time"

	"github.com/cockroachdb/errors"
)

// alpn is the application protocol negotiated by server and client.
const alpn = "dynarec-debug/1"

var nameEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// generateTLSConfig creates a TLS 1.3 config with a self-signed Ed25519
// certificate for key. A client config with a non-nil peer only accepts a
// server presenting that key.
func generateTLSConfig(priv ed25519.PrivateKey, server bool, peer ed25519.PublicKey) (*tls.Config, error) {
	certDER, err := generateCertificate(priv)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
		}},
		NextProtos:             []string{alpn},
		MinVersion:             tls.VersionTLS13,
		CurvePreferences:       []tls.CurveID{tls.X25519},
		SessionTicketsDisabled: true,
	}
	if server {
		return cfg, nil
	}
	// Self-signed certificates cannot be verified against a CA; identity
	// comes from the pinned key.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no certificate provided by peer")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errors.Wrap(err, "parse peer certificate")
		}
		if cert.PublicKeyAlgorithm != x509.Ed25519 {
			return errors.New("peer certificate does not use Ed25519")
		}
		key, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return errors.New("peer certificate public key is not Ed25519")
		}
		if cert.Subject.CommonName != alternativeName(key) {
			return errors.New("peer certificate does not have the expected name")
		}
		if peer != nil && !bytes.Equal(key, peer) {
			return errors.New("peer key does not match the pinned key")
		}
		return nil
	}
	return cfg, nil
}

// generateCertificate creates a self-signed certificate named after the
// public key of priv.
func generateCertificate(priv ed25519.PrivateKey) ([]byte, error) {
	pub := priv.Public().(ed25519.PublicKey)
	name := alternativeName(pub)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	// KeyUsage as a non-critical extension.
	keyUsage, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0x80}, BitLength: 8})
	if err != nil {
		return nil, errors.Wrap(err, "marshal key usage")
	}
	template.ExtraExtensions = []pkix.Extension{{
		Id:    asn1.ObjectIdentifier{2, 5, 29, 15},
		Value: keyUsage,
	}}
	return x509.CreateCertificate(rand.Reader, template, template, pub, priv)
}

// alternativeName derives the certificate name from a public key.
func alternativeName(pub ed25519.PublicKey) string {
	return "e" + nameEncoding.EncodeToString(pub)
}
