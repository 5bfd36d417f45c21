package ca

import (
	"crypto/x509"
	"fmt"

	"github.com/custodia/certauth/internal/util"
	"software.sslmate.com/src/go-pkcs12"
)

// ExportBundle builds a password-protected PKCS#12 bundle containing the
// certificate, its private key, and the issuing authority's certificate, for
// installation into a browser or client store. The password is NFKD
// normalized before use, matching passphrase handling elsewhere.
func (m *Manager) ExportBundle(serial int64, password string) ([]byte, error) {
	cert, err := m.registry.Certificate(serial)
	if err != nil {
		return nil, err
	}
	if cert.KeyID == "" {
		return nil, fmt.Errorf("certificate %d: %w", serial, ErrNoPrivateKey)
	}

	leafCert, err := parseCertPEM(cert.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %d: %w", serial, err)
	}
	leafKey, err := m.keys.Signer(cert.KeyID)
	if err != nil {
		return nil, fmt.Errorf("loading key for certificate %d: %w", serial, err)
	}

	authority, err := m.registry.Authority(cert.AuthorityID)
	if err != nil {
		return nil, err
	}
	caCert, err := parseCertPEM(authority.CertPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing authority certificate: %w", err)
	}

	bundle, err := pkcs12.Modern.Encode(leafKey, leafCert, []*x509.Certificate{caCert}, util.Normalize(password))
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12 bundle for %d: %w", serial, err)
	}
	return bundle, nil
}
