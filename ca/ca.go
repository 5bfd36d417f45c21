// Package ca implements the internal certificate authority: authority
// lifecycle, end-entity issuance, revocation, renewal, CRL export, and
// verification of presented certificates against the registry.
//
// The authority's private key and serial counters live in the keystore;
// certificate metadata lives in encrypted registry records. The Manager is
// the only writer of serial numbers and the only signer.
package ca

import (
	"errors"
	"time"
)

// Storage scope for registry records.
const registryScope = "registry"

const (
	recordTypeAuthority = "AUTHORITY"
	recordTypeCert      = "CERT"
	recordTypeActive    = "ACTIVE"
)

var (
	// ErrAuthorityExists is returned by CreateAuthority when an active
	// authority is already present and force was not requested.
	ErrAuthorityExists = errors.New("an active certificate authority already exists")

	// ErrAuthorityUnavailable is returned when an operation requires an
	// active authority and none exists. Issuance must halt on it.
	ErrAuthorityUnavailable = errors.New("no active certificate authority")

	// ErrUnknownCertificate is returned when no certificate with the given
	// serial has been issued.
	ErrUnknownCertificate = errors.New("unknown certificate serial")

	// ErrNoPrivateKey is returned when a bundle export is requested for a
	// certificate whose private key was never held by this system.
	ErrNoPrivateKey = errors.New("no private key held for certificate")
)

// Revocation reason codes (RFC 5280 CRLReason).
const (
	ReasonUnspecified   = 0
	ReasonKeyCompromise = 1
	ReasonSuperseded    = 4
)

// Policy describes the subject and validity of a new authority.
type Policy struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	ValidityYears      int
}

// Authority is the persistent record of a certificate authority. Retired
// authorities are kept so certificates they signed remain verifiable.
type Authority struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	CertPEM   string     `json:"cert_pem"`
	KeyID     string     `json:"key_id"`
	NotBefore time.Time  `json:"not_before"`
	NotAfter  time.Time  `json:"not_after"`
	Active    bool       `json:"active"`
	CRLNumber int64      `json:"crl_number"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// Certificate is the registry record for an issued end-entity certificate.
// ContentHash is the hex SHA-256 of the certificate DER, computed at
// issuance; verification compares it against the hash presented by the TLS
// terminator to detect silent substitution.
type Certificate struct {
	Serial           int64      `json:"serial"`
	AuthorityID      string     `json:"authority_id"`
	IdentityRef      string     `json:"identity_ref"`
	SubjectCN        string     `json:"subject_cn"`
	SubjectDN        string     `json:"subject_dn"`
	CertPEM          string     `json:"cert_pem"`
	ContentHash      string     `json:"content_hash"`
	KeyID            string     `json:"key_id,omitempty"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason int        `json:"revocation_reason,omitempty"`
	PreviousSerial   int64      `json:"previous_serial,omitempty"`
}

// Certificate status values reported by listings.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

// Status returns the certificate's status at the given time. Revocation wins
// over expiry.
func (c *Certificate) Status(now time.Time) string {
	if c.Revoked {
		return StatusRevoked
	}
	if now.Before(c.NotBefore) || now.After(c.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}
