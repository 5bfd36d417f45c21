package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCertPresented      AuditEvent = "cert_presented"
	AuditCertRejected       AuditEvent = "cert_rejected"
	AuditHashMismatch       AuditEvent = "cert_hash_mismatch"
	AuditEnrollmentStarted  AuditEvent = "enrollment_started"
	AuditEnrollmentDone     AuditEvent = "enrollment_confirmed"
	AuditChallengePassed    AuditEvent = "challenge_passed"
	AuditCodeFailure        AuditEvent = "code_failure"
	AuditCodeRateLimited    AuditEvent = "code_rate_limited"
	AuditSessionRejected    AuditEvent = "session_rejected"
	AuditLogout             AuditEvent = "logout"
	AuditAuthorityCreated   AuditEvent = "authority_created"
	AuditCertIssued         AuditEvent = "cert_issued"
	AuditCertRevoked        AuditEvent = "cert_revoked"
	AuditCertRenewed        AuditEvent = "cert_renewed"
	AuditCRLGenerated       AuditEvent = "crl_generated"
	AuditBundleExported     AuditEvent = "bundle_exported"
	AuditSecondFactorReset  AuditEvent = "second_factor_reset"
	AuditPrivateKeyAccessed AuditEvent = "private_key_accessed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Identity references and serials
// are stable identifiers safe for logs; raw secrets and codes never appear.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logIdentity is a convenience for events tied to an identity.
func (al *auditLogger) logIdentity(event AuditEvent, r *http.Request, identityRef string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("identity_ref", identityRef),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication step.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
