package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/custodia/certauth/ca"
)

func serialParam(r *http.Request) (int64, bool) {
	serial, err := strconv.ParseInt(chi.URLParam(r, "serial"), 10, 64)
	return serial, err == nil && serial > 0
}

// CreateAuthority creates the signing authority. Force retires an existing
// one; without it an existing authority is a conflict.
func (a *API) CreateAuthority(w http.ResponseWriter, r *http.Request) {
	var req AuthorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CommonName == "" {
		writeError(w, http.StatusBadRequest, "common_name is required")
		return
	}

	authority, err := a.manager.CreateAuthority(ca.Policy{
		CommonName:         req.CommonName,
		Organization:       req.Organization,
		OrganizationalUnit: req.OrganizationalUnit,
		Country:            req.Country,
		ValidityYears:      req.ValidityYears,
	}, req.Force)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditAuthorityCreated, r,
		slog.String("authority_id", authority.ID),
		slog.String("subject", authority.Subject),
		slog.Bool("force", req.Force))
	writeJSON(w, http.StatusCreated, AuthorityResponse{
		ID:       authority.ID,
		Subject:  authority.Subject,
		NotAfter: rfc3339(authority.NotAfter),
	})
}

// ExportCA returns the active authority certificate for distribution to the
// TLS terminator's trust store.
func (a *API) ExportCA(w http.ResponseWriter, r *http.Request) {
	certPEM, err := a.manager.ExportAuthorityPEM()
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write([]byte(certPEM))
}

// ExportCRL returns a freshly signed revocation list.
func (a *API) ExportCRL(w http.ResponseWriter, r *http.Request) {
	crlPEM, err := a.manager.ExportCRL()
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r)
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(crlPEM)
}

// ListCertificates lists every issued certificate with its current status.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	infos, err := a.manager.ListCertificates()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// ExpiringCertificates lists unrevoked certificates expiring within the
// requested number of days (default 30).
func (a *API) ExpiringCertificates(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	certs, err := a.manager.RenewalCandidates(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		mapError(w, err)
		return
	}
	now := time.Now().UTC()
	infos := make([]ca.CertificateInfo, 0, len(certs))
	for _, c := range certs {
		infos = append(infos, ca.CertificateInfo{
			Serial:      c.Serial,
			IdentityRef: c.IdentityRef,
			SubjectDN:   c.SubjectDN,
			Status:      c.Status(now),
			NotAfter:    c.NotAfter,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// IssueCertificate issues a client certificate for an identity. The private
// key appears once, in this response, and is never retrievable again.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdentityRef == "" || req.CommonName == "" {
		writeError(w, http.StatusBadRequest, "identity_ref and common_name are required")
		return
	}

	issued, err := a.manager.IssueCertificate(req.IdentityRef, req.CommonName, req.ValidityDays)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logIdentity(AuditCertIssued, r, req.IdentityRef,
		slog.Int64("serial", issued.Certificate.Serial))
	a.audit.logIdentity(AuditPrivateKeyAccessed, r, req.IdentityRef,
		slog.Int64("serial", issued.Certificate.Serial))
	writeJSON(w, http.StatusCreated, IssueResponse{
		Serial:   issued.Certificate.Serial,
		CertPEM:  issued.CertPEM,
		KeyPEM:   string(issued.KeyPEM),
		NotAfter: rfc3339(issued.Certificate.NotAfter),
	})
}

// RevokeCertificate permanently revokes a certificate. Repeat revocations
// succeed without effect.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid serial")
		return
	}
	var req RevokeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := a.manager.RevokeCertificate(serial, req.Reason); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertRevoked, r,
		slog.Int64("serial", serial), slog.Int("reason", req.Reason))
	w.WriteHeader(http.StatusNoContent)
}

// RenewCertificate issues a replacement and revokes the old certificate as
// superseded.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid serial")
		return
	}
	var req RenewRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	issued, err := a.manager.RenewCertificate(serial, req.ValidityDays)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logIdentity(AuditCertRenewed, r, issued.Certificate.IdentityRef,
		slog.Int64("old_serial", serial),
		slog.Int64("new_serial", issued.Certificate.Serial))
	writeJSON(w, http.StatusCreated, IssueResponse{
		Serial:   issued.Certificate.Serial,
		CertPEM:  issued.CertPEM,
		KeyPEM:   string(issued.KeyPEM),
		NotAfter: rfc3339(issued.Certificate.NotAfter),
	})
}

// ExportBundle returns the certificate, its key and the authority chain as
// an encrypted PKCS#12 archive for installation into a browser or OS store.
func (a *API) ExportBundle(w http.ResponseWriter, r *http.Request) {
	serial, ok := serialParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid serial")
		return
	}
	var req BundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	bundle, err := a.manager.ExportBundle(serial, req.Password)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditBundleExported, r, slog.Int64("serial", serial))
	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", "attachment; filename=\"certificate.p12\"")
	w.Write(bundle)
}

// IssueForIdentity is the hook called right after an identity is created.
// An identity that already holds a usable certificate gets nothing new.
func (a *API) IssueForIdentity(w http.ResponseWriter, r *http.Request) {
	identityRef := chi.URLParam(r, "identityRef")
	if identityRef == "" {
		writeError(w, http.StatusBadRequest, "identity reference is required")
		return
	}
	var req IdentityIssueRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	commonName := req.CommonName
	if commonName == "" {
		commonName = identityRef
	}

	issued, err := a.manager.IssueForNewIdentity(identityRef, commonName, req.ValidityDays)
	if err != nil {
		mapError(w, err)
		return
	}
	if issued == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_provisioned"})
		return
	}

	a.audit.logIdentity(AuditCertIssued, r, identityRef,
		slog.Int64("serial", issued.Certificate.Serial))
	writeJSON(w, http.StatusCreated, IssueResponse{
		Serial:   issued.Certificate.Serial,
		CertPEM:  issued.CertPEM,
		KeyPEM:   string(issued.KeyPEM),
		NotAfter: rfc3339(issued.Certificate.NotAfter),
	})
}

// ResetSecondFactor clears an identity's enrolled secret so it must enroll
// again on its next authentication.
func (a *API) ResetSecondFactor(w http.ResponseWriter, r *http.Request) {
	identityRef := chi.URLParam(r, "identityRef")
	if identityRef == "" {
		writeError(w, http.StatusBadRequest, "identity reference is required")
		return
	}
	if err := a.enrollment.Reset(identityRef); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logIdentity(AuditSecondFactorReset, r, identityRef)
	w.WriteHeader(http.StatusNoContent)
}
