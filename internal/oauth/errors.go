package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"golang.org/x/oauth2"
)

var (
	ErrEmptyCode         = errors.New("authorization code is required")
	ErrInvalidGrant      = errors.New("invalid_grant")
	ErrMalformedResponse = errors.New("malformed token response")
	ErrNetwork           = errors.New("token endpoint unreachable")
	ErrPersistence       = errors.New("credential persistence failed")
)

// ExchangeError reports a failed code exchange or refresh. Kind is one of the
// sentinels above; errors.Is matches against it.
type ExchangeError struct {
	Kind         error
	StatusCode   int
	ProviderCode string
	Err          error
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

func (e *ExchangeError) Is(target error) bool {
	return target == e.Kind
}

// Message is the operator-facing text for the failure.
func (e *ExchangeError) Message() string {
	switch e.Kind {
	case ErrInvalidGrant:
		return "The authorization code was rejected as invalid or already used. Start the connection again."
	case ErrMalformedResponse:
		return "The CRM returned an unexpected token response. Try connecting again later."
	case ErrPersistence:
		return "The CRM connection succeeded but the credential could not be saved."
	case ErrNetwork:
		return "The CRM token service could not be reached. Try again shortly."
	default:
		return "The CRM connection failed."
	}
}

// classifyTokenError maps an x/oauth2 failure onto the exchange taxonomy.
func classifyTokenError(err error) *ExchangeError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		kind := ErrInvalidGrant
		if status >= 500 {
			kind = ErrNetwork
		}
		return &ExchangeError{Kind: kind, StatusCode: status, ProviderCode: retrieveErr.ErrorCode, Err: err}
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ExchangeError{Kind: ErrNetwork, Err: err}
	}
	return &ExchangeError{Kind: ErrMalformedResponse, Err: err}
}
