package ca

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/custodia/certauth/internal/uuid"
	"github.com/custodia/certauth/keystore"
)

// Manager owns authority lifecycle and certificate issuance. All signing
// goes through it; the keystore's serial counter guarantees serial
// uniqueness, and the manager's lock ensures authority replacement cannot
// race an in-flight issuance.
type Manager struct {
	registry *Registry
	keys     *keystore.Store
	log      *slog.Logger
	now      func() time.Time

	// Issuance takes a read lock; replacing the authority takes the write
	// lock so no certificate is signed with a half-swapped key.
	mu sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithManagerClock overrides the manager's time source, for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager over the given registry and keystore.
func NewManager(registry *Registry, keys *keystore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		keys:     keys,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issued is the result of a successful issuance: the registry record plus
// the PEM material handed back to the caller. KeyPEM is sensitive.
type Issued struct {
	Certificate *Certificate
	CertPEM     string
	KeyPEM      []byte
}

func subjectName(policy Policy) pkix.Name {
	name := pkix.Name{CommonName: policy.CommonName}
	if policy.Organization != "" {
		name.Organization = []string{policy.Organization}
	}
	if policy.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{policy.OrganizationalUnit}
	}
	if policy.Country != "" {
		name.Country = []string{policy.Country}
	}
	return name
}

func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func parseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("invalid certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func contentHash(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// CreateAuthority creates a new self-signed authority. If an active
// authority exists it fails with ErrAuthorityExists unless force is set, in
// which case the old authority is retired (kept for verifying certificates
// it signed) and the new one becomes active.
func (m *Manager) CreateAuthority(policy Policy, force bool) (*Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.registry.ActiveAuthority()
	if err != nil && !errors.Is(err, ErrAuthorityUnavailable) {
		return nil, err
	}
	if existing != nil {
		if !force {
			return nil, ErrAuthorityExists
		}
		retiredAt := m.now().UTC()
		existing.Active = false
		existing.RetiredAt = &retiredAt
		if err := m.registry.PutAuthority(existing); err != nil {
			return nil, fmt.Errorf("retiring authority %s: %w", existing.ID, err)
		}
		// A retired authority never issues again; its serial counter goes
		// with it.
		if err := m.keys.ResetSerial(existing.ID); err != nil {
			return nil, fmt.Errorf("clearing serial counter for %s: %w", existing.ID, err)
		}
		m.log.Info("retired certificate authority", "authority_id", existing.ID)
	}

	authorityID := uuid.New()
	keyID := "authority-" + authorityID
	if err := m.keys.GenerateKey(keyID); err != nil {
		return nil, fmt.Errorf("generating authority key: %w", err)
	}
	signer, err := m.keys.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting authority signer: %w", err)
	}

	validityYears := policy.ValidityYears
	if validityYears <= 0 {
		validityYears = 10
	}
	now := m.now().UTC()
	notAfter := now.AddDate(validityYears, 0, 0)
	subject := subjectName(policy)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("creating authority certificate: %w", err)
	}

	authority := &Authority{
		ID:        authorityID,
		Subject:   subjectString(subject),
		CertPEM:   encodeCertPEM(der),
		KeyID:     keyID,
		NotBefore: now,
		NotAfter:  notAfter,
		Active:    true,
		CreatedAt: now,
	}
	if err := m.registry.PutAuthority(authority); err != nil {
		return nil, err
	}
	if err := m.registry.SetActiveAuthority(authorityID); err != nil {
		return nil, err
	}

	m.log.Info("created certificate authority",
		"authority_id", authorityID,
		"subject", authority.Subject,
		"not_after", notAfter)
	return authority, nil
}

// IssueCertificate allocates the next serial, generates an end-entity key
// pair, signs a client certificate bound to the identity, records its
// content hash, and returns the certificate and private key bundle.
func (m *Manager) IssueCertificate(identityRef, commonName string, validityDays int) (*Issued, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.issueLocked(identityRef, commonName, validityDays, 0)
}

func (m *Manager) issueLocked(identityRef, commonName string, validityDays int, previousSerial int64) (*Issued, error) {
	authority, err := m.registry.ActiveAuthority()
	if err != nil {
		return nil, err
	}
	caCert, err := parseCertPEM(authority.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing authority certificate: %w", err)
	}
	caSigner, err := m.keys.Signer(authority.KeyID)
	if err != nil {
		return nil, fmt.Errorf("loading authority key: %w", err)
	}

	serial, err := m.keys.NextSerial(authority.ID)
	if err != nil {
		return nil, err
	}

	leafKeyID := fmt.Sprintf("leaf-%s-%d", authority.ID, serial)
	if err := m.keys.GenerateKey(leafKeyID); err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}
	leafSigner, err := m.keys.Signer(leafKeyID)
	if err != nil {
		return nil, fmt.Errorf("loading leaf key: %w", err)
	}

	if validityDays <= 0 {
		validityDays = 365
	}
	now := m.now().UTC()
	notAfter := now.AddDate(0, 0, validityDays)
	subject := pkix.Name{CommonName: commonName}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, leafSigner.Public(), caSigner)
	if err != nil {
		return nil, fmt.Errorf("signing certificate %d: %w", serial, err)
	}

	keyPEM, err := m.keys.ExportKeyPEM(leafKeyID)
	if err != nil {
		return nil, fmt.Errorf("exporting leaf key: %w", err)
	}

	cert := &Certificate{
		Serial:         serial,
		AuthorityID:    authority.ID,
		IdentityRef:    identityRef,
		SubjectCN:      commonName,
		SubjectDN:      subjectString(subject),
		CertPEM:        encodeCertPEM(der),
		ContentHash:    contentHash(der),
		KeyID:          leafKeyID,
		NotBefore:      now,
		NotAfter:       notAfter,
		PreviousSerial: previousSerial,
	}
	if err := m.registry.PutCertificate(cert); err != nil {
		return nil, err
	}

	m.log.Info("issued certificate",
		"serial", serial,
		"identity", identityRef,
		"subject", cert.SubjectDN,
		"not_after", notAfter)
	return &Issued{Certificate: cert, CertPEM: cert.CertPEM, KeyPEM: keyPEM}, nil
}

// RevokeCertificate marks a certificate revoked with a timestamp. Revoking
// an already-revoked certificate is a no-op success; revocation is never
// undone.
func (m *Manager) RevokeCertificate(serial int64, reason int) error {
	cert, err := m.registry.Certificate(serial)
	if err != nil {
		return err
	}
	if cert.Revoked {
		return nil
	}
	revokedAt := m.now().UTC()
	cert.Revoked = true
	cert.RevokedAt = &revokedAt
	cert.RevocationReason = reason
	if err := m.registry.PutCertificate(cert); err != nil {
		return err
	}
	m.log.Info("revoked certificate", "serial", serial, "reason", reason)
	return nil
}

// RenewCertificate issues a replacement certificate for the same identity
// and subject, then revokes the old one with reason Superseded. Issue before
// revoke: if issuance fails, the old certificate stays valid.
func (m *Manager) RenewCertificate(serial int64, validityDays int) (*Issued, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	old, err := m.registry.Certificate(serial)
	if err != nil {
		return nil, err
	}

	issued, err := m.issueLocked(old.IdentityRef, old.SubjectCN, validityDays, old.Serial)
	if err != nil {
		return nil, fmt.Errorf("renewing certificate %d: %w", serial, err)
	}
	if err := m.RevokeCertificate(old.Serial, ReasonSuperseded); err != nil {
		return nil, fmt.Errorf("revoking superseded certificate %d: %w", serial, err)
	}
	return issued, nil
}

// IssueForNewIdentity is the post-creation hook the identity-management
// collaborator calls after creating an identity. It is a no-op when the
// identity already holds a usable certificate.
func (m *Manager) IssueForNewIdentity(identityRef, commonName string, validityDays int) (*Issued, error) {
	has, err := m.registry.HasUsableCertificate(identityRef, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if has {
		return nil, nil
	}
	return m.IssueCertificate(identityRef, commonName, validityDays)
}

// ExportCRL produces a signed revocation list of all revoked, unexpired
// serials for the active authority, as PEM. It takes the write lock: the
// CRL number on the authority record must increment once per export so
// consecutive lists are strictly ordered.
func (m *Manager) ExportCRL() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	authority, err := m.registry.ActiveAuthority()
	if err != nil {
		return nil, err
	}
	caCert, err := parseCertPEM(authority.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing authority certificate: %w", err)
	}
	caSigner, err := m.keys.Signer(authority.KeyID)
	if err != nil {
		return nil, fmt.Errorf("loading authority key: %w", err)
	}

	now := m.now().UTC()
	revoked, err := m.registry.RevokedUnexpired(authority.ID, now)
	if err != nil {
		return nil, err
	}

	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, c := range revoked {
		revokedAt := now
		if c.RevokedAt != nil {
			revokedAt = *c.RevokedAt
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(c.Serial),
			RevocationTime: revokedAt,
			ReasonCode:     c.RevocationReason,
		})
	}

	authority.CRLNumber++
	template := &x509.RevocationList{
		Number:                    big.NewInt(authority.CRLNumber),
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, caCert, caSigner)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	if err := m.registry.PutAuthority(authority); err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER}), nil
}

// ExportAuthorityPEM returns the active authority's certificate PEM for
// distribution to the TLS terminator's trust store.
func (m *Manager) ExportAuthorityPEM() (string, error) {
	authority, err := m.registry.ActiveAuthority()
	if err != nil {
		return "", err
	}
	return authority.CertPEM, nil
}

// ListCertificates returns every issued certificate with its current status.
func (m *Manager) ListCertificates() ([]CertificateInfo, error) {
	certs, err := m.registry.Certificates()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := make([]CertificateInfo, 0, len(certs))
	for _, c := range certs {
		out = append(out, CertificateInfo{
			Serial:      c.Serial,
			IdentityRef: c.IdentityRef,
			SubjectDN:   c.SubjectDN,
			Status:      c.Status(now),
			NotAfter:    c.NotAfter,
		})
	}
	return out, nil
}

// RenewalCandidates returns unrevoked certificates expiring within the
// window.
func (m *Manager) RenewalCandidates(window time.Duration) ([]*Certificate, error) {
	return m.registry.ExpiringWithin(window, m.now().UTC())
}

// CertificateInfo is the listing view of an issued certificate.
type CertificateInfo struct {
	Serial      int64     `json:"serial"`
	IdentityRef string    `json:"identity_ref"`
	SubjectDN   string    `json:"subject_dn"`
	Status      string    `json:"status"`
	NotAfter    time.Time `json:"not_after"`
}
