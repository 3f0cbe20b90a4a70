package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/esglens/esglens/pkg/analysis"
	"github.com/esglens/esglens/pkg/auth"
	"github.com/esglens/esglens/pkg/export"
	"github.com/esglens/esglens/pkg/fetch"
	"github.com/esglens/esglens/pkg/governor"
	"github.com/esglens/esglens/pkg/store"
)

// Stable machine codes carried in the error envelope. Clients branch
// on these, so they change only with the API version.
const (
	codeInvalidRequest      = "invalid_request"
	codeUnauthorized        = "unauthorized"
	codeNotFound            = "not_found"
	codeMethodNotAllowed    = "method_not_allowed"
	codeRateLimited         = "rate_limited"
	codeBusy                = "busy"
	codeInsufficientCredits = "insufficient_credits"
	codeFeatureLocked       = "feature_locked"
	codeFetchFailed         = "fetch_failed"
	codeUnprocessable       = "unprocessable_content"
	codeStoreUnavailable    = "store_unavailable"
	codeInternal            = "internal"
)

// ErrorBody is the wire error envelope. Reason carries the acquisition
// sub-reason on fetch failures; RetryAfter is seconds.
type ErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: code, Message: message})
}

func writeRateLimited(w http.ResponseWriter, e *governor.RateError) {
	d := e.Decision
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	secs := int64(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:      codeRateLimited,
		Message:    e.Error(),
		RetryAfter: &secs,
	})
}

func writeBusy(w http.ResponseWriter) {
	secs := int64(1)
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:      codeBusy,
		Message:    "too many concurrent analyses, retry shortly",
		RetryAfter: &secs,
	})
}

// writeDomainError maps a pipeline error to its wire form. Anything
// unrecognized is a 500 with the detail kept server-side.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr  *analysis.ValidationError
		rErr  *governor.RateError
		cErr  *governor.CreditError
		fErr  *export.FeatureError
		aqErr *fetch.Error
		pErr  *analysis.PersistenceError
	)
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, vErr.Error())
	case errors.As(err, &rErr):
		writeRateLimited(w, rErr)
	case errors.Is(err, analysis.ErrBusy):
		writeBusy(w)
	case errors.As(err, &cErr):
		writeJSON(w, http.StatusPaymentRequired, ErrorBody{
			Error:      codeInsufficientCredits,
			Message:    cErr.Error(),
			UpgradeURL: s.upgradeURL,
		})
	case errors.Is(err, store.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, ErrorBody{
			Error:      codeInsufficientCredits,
			Message:    "insufficient credits",
			UpgradeURL: s.upgradeURL,
		})
	case errors.As(err, &fErr):
		writeJSON(w, http.StatusForbidden, ErrorBody{
			Error:      codeFeatureLocked,
			Message:    fErr.Error(),
			UpgradeURL: s.upgradeURL,
		})
	case errors.Is(err, fetch.ErrNoContent):
		writeError(w, http.StatusUnprocessableEntity, codeUnprocessable,
			"document yielded no analyzable text")
	case errors.As(err, &aqErr):
		writeJSON(w, http.StatusBadGateway, ErrorBody{
			Error:   codeFetchFailed,
			Message: aqErr.Error(),
			Reason:  aqErr.Reason,
		})
	case errors.As(err, &pErr):
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable,
			"analysis could not be persisted, credits were refunded")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "resource not found")
	default:
		s.writeInternal(w, r, err)
	}
}

// writeInternal logs the cause with the request correlation id and
// returns an opaque body. The id is already on the response headers.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.ErrorContext(r.Context(), "request failed",
		"error", err,
		"request_id", auth.GetRequestID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}
