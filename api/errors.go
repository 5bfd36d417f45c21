package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/custodia/certauth/auth"
	"github.com/custodia/certauth/ca"
	"github.com/custodia/certauth/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError converts domain errors to HTTP responses. Failure messages stay
// deliberately terse so a caller probing the API learns nothing about why a
// credential was refused.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ca.ErrAuthorityExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ca.ErrAuthorityUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ca.ErrUnknownCertificate):
		writeError(w, http.StatusNotFound, "certificate not found")
	case errors.Is(err, ca.ErrNoPrivateKey):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNoPendingEnrollment),
		errors.Is(err, auth.ErrEnrollmentExpired),
		errors.Is(err, auth.ErrNotEnrolled),
		errors.Is(err, auth.ErrWrongStage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "code not valid")
	case errors.Is(err, auth.ErrAttemptLimitExceeded):
		writeError(w, http.StatusForbidden, "attempt limit exceeded")
	case errors.Is(err, auth.ErrUnknownSession):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, auth.ErrStaleSession):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
