// Package ca abstracts the X.509 signing backend.
package ca

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"time"
)

// SigningOption mutates the certificate template before signing.
type SigningOption func(*x509.Certificate) error

// CertificateAuthority signs certificate requests. The production backend
// is an external CA; tests use the in-process mock. Implementations must
// honor the context so callers can bound the signing call.
type CertificateAuthority interface {
	IssuerCertificate() *x509.Certificate
	SignCertificateRequest(ctx context.Context, csr *x509.CertificateRequest, subject pkix.Name, opts ...SigningOption) (*x509.Certificate, error)
}

// WithServerUsage marks the certificate for TLS server authentication
// (OpenVPN server and unattended computer profiles).
func WithServerUsage(dnsNames ...string) SigningOption {
	return func(tmpl *x509.Certificate) error {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.KeyUsage |= x509.KeyUsageKeyEncipherment
		tmpl.DNSNames = dnsNames
		return nil
	}
}

// WithLifetime overrides the default certificate validity window.
func WithLifetime(d time.Duration) SigningOption {
	return func(tmpl *x509.Certificate) error {
		tmpl.NotAfter = tmpl.NotBefore.Add(d)
		return nil
	}
}

// EncodeCertToPEM encodes a X.509 certificate to PEM format.
func EncodeCertToPEM(cert *x509.Certificate) (string, error) {
	certPem := new(bytes.Buffer)
	err := pem.Encode(certPem, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
	if err != nil {
		return "", err
	}
	return certPem.String(), nil
}
