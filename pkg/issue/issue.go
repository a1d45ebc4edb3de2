// Package issue creates certificates through the CA collaborator and
// records them in the certificate store.
package issue

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/openvpn-manager/vpnmanager/pkg/ca"
	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
)

// ErrDuplicateRequest is returned when an identical issuance request is
// already in flight. Rapid double submits never silently mint two
// certificates; the caller must re-request explicitly.
var ErrDuplicateRequest = errors.New("identical issuance request already in flight")

type Service struct {
	authority ca.CertificateAuthority
	store     *certstore.Store

	// VPN endpoint advertised in rendered profiles
	remoteHost string
	remotePort int

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewService(authority ca.CertificateAuthority, store *certstore.Store, remoteHost string, remotePort int) *Service {
	if remotePort == 0 {
		remotePort = 1194
	}
	return &Service{
		authority:  authority,
		store:      store,
		remoteHost: remoteHost,
		remotePort: remotePort,
		inflight:   make(map[string]struct{}),
	}
}

// Issued is one signing result: the stored record plus the PEM material
// needed to render a profile. The private key is generated here, handed
// to the caller once and never persisted.
type Issued struct {
	Record  *certstore.Record
	CertPEM string
	KeyPEM  string
	CAPEM   string
}

// IssueClient signs a client certificate owned by the given identity.
func (s *Service) IssueClient(ctx context.Context, ownerSubject, commonName string) (*Issued, error) {
	return s.issue(ctx, certstore.CertTypeClient, commonName, &ownerSubject)
}

// IssueServer signs a server certificate for a PSK-authenticated host.
// Server certificates are not user-owned.
func (s *Service) IssueServer(ctx context.Context, hostname string) (*Issued, error) {
	return s.issue(ctx, certstore.CertTypeServer, hostname, nil, ca.WithServerUsage(hostname))
}

// IssueComputer signs an unattended computer profile certificate.
func (s *Service) IssueComputer(ctx context.Context, hostname string) (*Issued, error) {
	return s.issue(ctx, certstore.CertTypeComputer, hostname, nil)
}

func (s *Service) issue(ctx context.Context, typ certstore.CertType, commonName string, owner *string, opts ...ca.SigningOption) (*Issued, error) {
	if commonName == "" {
		return nil, fmt.Errorf("common name must not be empty")
	}

	key := string(typ) + "/" + commonName
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return nil, ErrDuplicateRequest
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("unable to generate key: %w", err)
	}

	subject := pkix.Name{CommonName: commonName}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, prk)
	if err != nil {
		return nil, fmt.Errorf("unable to create csr: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("unable to parse csr: %w", err)
	}

	crt, err := s.authority.SignCertificateRequest(ctx, csr, subject, opts...)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	rec := &certstore.Record{
		Fingerprint:  certstore.Fingerprint(crt),
		Type:         typ,
		SubjectDN:    crt.Subject.String(),
		IssuerDN:     crt.Issuer.String(),
		OwnerSubject: owner,
		NotBefore:    crt.NotBefore,
		NotAfter:     crt.NotAfter,
	}

	certPEM, err := ca.EncodeCertToPEM(crt)
	if err != nil {
		return nil, fmt.Errorf("unable to encode certificate: %w", err)
	}
	rec.PEM = certPEM

	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("unable to record certificate: %w", err)
	}

	keyPEM, err := encodeKeyToPEM(prk)
	if err != nil {
		return nil, err
	}
	caPEM, err := ca.EncodeCertToPEM(s.authority.IssuerCertificate())
	if err != nil {
		return nil, fmt.Errorf("unable to encode issuer certificate: %w", err)
	}

	return &Issued{
		Record:  rec,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		CAPEM:   caPEM,
	}, nil
}

func encodeKeyToPEM(prk *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(prk)
	if err != nil {
		return "", fmt.Errorf("unable to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}
