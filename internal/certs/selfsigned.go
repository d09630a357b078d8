// Package certs issues short-lived self-signed ECDSA P-256 certificates for
// the QUIC publisher and verifies them on the player side by fingerprint.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// MaxValidity caps the lifetime of generated certificates.
const MaxValidity = 14 * 24 * time.Hour

// ErrFingerprintMismatch is returned when a peer certificate does not match
// the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// Generate creates a self-signed certificate for localhost plus any extra
// hosts. Hosts that parse as IP addresses become IP SANs.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > MaxValidity || validity <= 0 {
		validity = MaxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "liveedge"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// PinnedVerifier returns a tls.Config VerifyPeerCertificate callback that
// accepts only a leaf whose SHA-256 matches the base64 fingerprint. Use it
// together with InsecureSkipVerify.
func PinnedVerifier(fingerprint string) (func([][]byte, [][]*x509.Certificate) error, error) {
	want, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("decode fingerprint: %w", err)
	}
	if len(want) != sha256.Size {
		return nil, fmt.Errorf("fingerprint must be %d bytes, got %d", sha256.Size, len(want))
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrFingerprintMismatch
		}
		got := sha256.Sum256(rawCerts[0])
		if subtle.ConstantTimeCompare(got[:], want) != 1 {
			return ErrFingerprintMismatch
		}
		return nil
	}, nil
}
