package datafeed

import (
	"context"
	"errors"
	"fmt"

	"github.com/mgazza/meter-datafeeds/internal/statemachine"
)

// ErrorKind classifies why a run failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConfiguration is a precondition violated before any scraper is constructed.
	KindConfiguration
	// KindLogin is an authentication failure against the external source.
	KindLogin
	// KindAPI is an unexpected response from the external source.
	KindAPI
	// KindDataIntegrity is data the source returned that is internally inconsistent.
	KindDataIntegrity
	// KindTimeout is a deadline exceeded while talking to the source.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindLogin:
		return "login"
	case KindAPI:
		return "api"
	case KindDataIntegrity:
		return "data_integrity"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LoginError marks err as an authentication failure.
func LoginError(op string, err error) error {
	return &Error{Kind: KindLogin, Op: op, Err: err}
}

// APIError marks err as an unexpected response from a source.
func APIError(op string, err error) error {
	return &Error{Kind: KindAPI, Op: op, Err: err}
}

// DataIntegrityError marks err as inconsistent source data.
func DataIntegrityError(op string, err error) error {
	return &Error{Kind: KindDataIntegrity, Op: op, Err: err}
}

// ConfigurationError marks err as a violated precondition.
func ConfigurationError(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified deadline errors are KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, statemachine.ErrStateTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsLogin reports whether err is an authentication failure.
func IsLogin(err error) bool {
	return KindOf(err) == KindLogin
}
