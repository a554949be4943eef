package esimaccess

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTransport  Kind = "transport"
	KindHTTPStatus Kind = "http_status"
	KindDecode     Kind = "decode"
	KindBusiness   Kind = "business"
	KindTimeout    Kind = "timeout"
)

var (
	// ErrTransport matches network failures, non-2xx statuses and unparseable bodies.
	ErrTransport = errors.New("esimaccess: transport error")
	// ErrBusiness matches envelopes reporting success=false or a non-zero errorCode.
	ErrBusiness = errors.New("esimaccess: upstream business error")
	// ErrTimeout matches calls aborted by the caller's deadline or cancellation.
	ErrTimeout = errors.New("esimaccess: request timed out")
)

// Error is returned by every failing upstream call. Code and Message carry the
// upstream errorCode/errorMsg verbatim when the envelope supplied them.
type Error struct {
	Kind    Kind
	Path    string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "esimaccess: %s %s", e.Path, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the error onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport || e.Kind == KindHTTPStatus || e.Kind == KindDecode
	case ErrBusiness:
		return e.Kind == KindBusiness
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// AsError extracts the upstream *Error from err.
func AsError(err error) (*Error, bool) {
	var upstream *Error
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}

// ConfigurationError reports a client that cannot be constructed. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("esimaccess: invalid configuration %s: %s", e.Field, e.Reason)
}
