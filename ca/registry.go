package ca

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage"
)

// Registry maps serial numbers and identities to issued certificates and
// tracks authority records. Records are sealed under the keystore's master
// key; the registry itself holds no key material.
type Registry struct {
	repo storage.Repository
	keys *keystore.Store
}

// NewRegistry returns a Registry over the given storage backend.
func NewRegistry(repo storage.Repository, keys *keystore.Store) *Registry {
	return &Registry{repo: repo, keys: keys}
}

func serialID(serial int64) string {
	return strconv.FormatInt(serial, 10)
}

func (r *Registry) putRecord(recordType, recordID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env, err := r.keys.SealIn(registryScope, recordType, recordID, data)
	if err != nil {
		return err
	}
	return r.repo.Put(registryScope, recordType, recordID, env)
}

func (r *Registry) getRecord(recordType, recordID string, v any) error {
	env, err := r.repo.Get(registryScope, recordType, recordID)
	if err != nil {
		return err
	}
	data, err := r.keys.OpenIn(registryScope, recordType, recordID, env)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutAuthority stores an authority record.
func (r *Registry) PutAuthority(a *Authority) error {
	if err := r.putRecord(recordTypeAuthority, a.ID, a); err != nil {
		return fmt.Errorf("storing authority %s: %w", a.ID, err)
	}
	return nil
}

// SetActiveAuthority records which authority is currently active.
func (r *Registry) SetActiveAuthority(authorityID string) error {
	return r.putRecord(recordTypeActive, "current", authorityID)
}

// Authority loads an authority record by ID.
func (r *Registry) Authority(authorityID string) (*Authority, error) {
	var a Authority
	if err := r.getRecord(recordTypeAuthority, authorityID, &a); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, ErrAuthorityUnavailable
		}
		return nil, fmt.Errorf("loading authority %s: %w", authorityID, err)
	}
	return &a, nil
}

// ActiveAuthority returns the currently active authority, or
// ErrAuthorityUnavailable if none has been created.
func (r *Registry) ActiveAuthority() (*Authority, error) {
	var id string
	if err := r.getRecord(recordTypeActive, "current", &id); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, ErrAuthorityUnavailable
		}
		return nil, fmt.Errorf("loading active authority pointer: %w", err)
	}
	a, err := r.Authority(id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrAuthorityUnavailable
	}
	return a, nil
}

// PutCertificate stores a certificate record keyed by serial.
func (r *Registry) PutCertificate(c *Certificate) error {
	if err := r.putRecord(recordTypeCert, serialID(c.Serial), c); err != nil {
		return fmt.Errorf("storing certificate %d: %w", c.Serial, err)
	}
	return nil
}

// Certificate loads a certificate record by serial.
func (r *Registry) Certificate(serial int64) (*Certificate, error) {
	var c Certificate
	if err := r.getRecord(recordTypeCert, serialID(serial), &c); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCertificate, serial)
		}
		return nil, fmt.Errorf("loading certificate %d: %w", serial, err)
	}
	return &c, nil
}

// Certificates returns all certificate records ordered by serial.
func (r *Registry) Certificates() ([]*Certificate, error) {
	ids, err := r.repo.List(registryScope, recordTypeCert)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	certs := make([]*Certificate, 0, len(ids))
	for _, id := range ids {
		serial, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		c, err := r.Certificate(serial)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].Serial < certs[j].Serial })
	return certs, nil
}

// CertificatesForIdentity returns all certificates bound to an identity.
func (r *Registry) CertificatesForIdentity(identityRef string) ([]*Certificate, error) {
	all, err := r.Certificates()
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, c := range all {
		if c.IdentityRef == identityRef {
			out = append(out, c)
		}
	}
	return out, nil
}

// HasUsableCertificate reports whether the identity holds an unrevoked,
// unexpired certificate at the given time.
func (r *Registry) HasUsableCertificate(identityRef string, now time.Time) (bool, error) {
	certs, err := r.CertificatesForIdentity(identityRef)
	if err != nil {
		return false, err
	}
	for _, c := range certs {
		if c.Status(now) == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

// RevokedUnexpired returns revoked certificates whose validity window has not
// yet passed, for CRL generation.
func (r *Registry) RevokedUnexpired(authorityID string, now time.Time) ([]*Certificate, error) {
	all, err := r.Certificates()
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, c := range all {
		if c.AuthorityID == authorityID && c.Revoked && now.Before(c.NotAfter) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ExpiringWithin returns unrevoked certificates that expire within the given
// window, the renewal candidates.
func (r *Registry) ExpiringWithin(window time.Duration, now time.Time) ([]*Certificate, error) {
	all, err := r.Certificates()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(window)
	var out []*Certificate
	for _, c := range all {
		if !c.Revoked && now.Before(c.NotAfter) && c.NotAfter.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}
