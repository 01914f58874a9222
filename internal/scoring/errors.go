package scoring

import (
	"errors"
	"fmt"
)

// FailureKind classifies a transient provider failure.
type FailureKind string

// Transient provider failure kinds. All of them are retried by the orchestrator.
const (
	FailureTimeout           FailureKind = "provider_timeout"
	FailureUnavailable       FailureKind = "provider_unavailable"
	FailureMalformedResponse FailureKind = "provider_malformed_response"
)

// ErrUnknownProvider indicates a provider name outside the supported set.
var ErrUnknownProvider = errors.New("unknown scoring provider")

// ProviderError is the typed failure returned by scoring providers.
type ProviderError struct {
	Kind     FailureKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Timeout builds a ProviderTimeout failure.
func Timeout(provider string, err error) error {
	return &ProviderError{Kind: FailureTimeout, Provider: provider, Err: err}
}

// Unavailable builds a ProviderUnavailable failure.
func Unavailable(provider string, err error) error {
	return &ProviderError{Kind: FailureUnavailable, Provider: provider, Err: err}
}

// Malformed builds a ProviderMalformedResponse failure.
func Malformed(provider string, err error) error {
	return &ProviderError{Kind: FailureMalformedResponse, Provider: provider, Err: err}
}

// KindOf returns the failure kind of err and whether err is a provider failure.
func KindOf(err error) (FailureKind, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}
