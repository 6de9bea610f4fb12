package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// Error codes used in the response envelope. Clients switch on these, so
// they are part of the API contract.
const (
	errUnauthorized        = "unauthorized"
	errForbidden           = "forbidden"
	errNotFound            = "not_found"
	errValidation          = "validation_error"
	errConflict            = "conflict"
	errRateLimited         = "rate_limited"
	errQuotaExceeded       = "quota_exceeded"
	errUpgradeRequired     = "upgrade_required"
	errPrerequisiteMissing = "prerequisite_missing"
	errConfigMissing       = "configuration_missing"
	errFlowEngine          = "langflow_error"
	errExternalService     = "external_service_error"
	errTimeout             = "timeout"
	errInternal            = "internal_error"
	errServiceUnavailable  = "service_unavailable"
)

type apiError struct {
	Error      string         `json:"error"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	e := apiError{
		Error:      code,
		Message:    message,
		StatusCode: status,
		Details:    details,
	}
	if r != nil {
		e.RequestID = middleware.GetReqID(r.Context())
	}
	writeJSON(w, status, e)
}

func writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logError(r.Context(), msg, err)
	writeError(w, r, http.StatusInternalServerError, errInternal, "internal error")
}
