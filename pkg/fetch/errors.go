package fetch

import (
	"errors"
	"fmt"
)

// Sub-reason codes carried to the wire on acquisition failures.
const (
	ReasonDisallowed  = "disallowed"
	ReasonTooLarge    = "too_large"
	ReasonTimeout     = "timeout"
	ReasonUpstream4xx = "upstream_4xx"
	ReasonUpstream5xx = "upstream_5xx"
)

// Guard and policy errors.
var (
	ErrSchemeNotAllowed  = errors.New("scheme not allowed")
	ErrHostNotAllowed    = errors.New("host not allowed")
	ErrAddressNotAllowed = errors.New("address not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrBodyTooLarge      = errors.New("body exceeds size limit")
	ErrUnsupportedType   = errors.New("unsupported content type")

	// ErrNoContent marks a fetched body that yielded no extractable
	// text. It is an input problem, not an upstream failure.
	ErrNoContent = errors.New("no extractable text content")
)

// Error is the typed acquisition failure. Reason is one of the
// sub-reason constants above.
type Error struct {
	Reason string
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Reason, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason extracts the sub-reason code from an acquisition error chain.
func Reason(err error) (string, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason, true
	}
	return "", false
}
