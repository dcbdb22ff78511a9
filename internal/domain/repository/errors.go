package repository

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the harvesting pipeline.
var (
	ErrTransient     = errors.New("transient fetch failure")
	ErrRateLimited   = errors.New("rate limited")
	ErrInvalid       = errors.New("invalid candle data")
	ErrAbandoned     = errors.New("retry deadline exceeded")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// FetchKind classifies a failed fetch.
type FetchKind string

const (
	KindTransient   FetchKind = "transient"
	KindRateLimited FetchKind = "rate_limited"
	KindInvalid     FetchKind = "invalid"
)

// FetchError is returned by exchange adapters and the harvester. Cooldown is an
// optional extra delay hint for RateLimited errors.
type FetchError struct {
	Kind     FetchKind
	Op       string
	Cooldown time.Duration
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case KindTransient:
		return target == ErrTransient
	case KindRateLimited:
		return target == ErrRateLimited
	case KindInvalid:
		return target == ErrInvalid
	}
	return false
}

func Transient(op string, err error) *FetchError {
	return &FetchError{Kind: KindTransient, Op: op, Err: err}
}

func RateLimited(op string, cooldown time.Duration, err error) *FetchError {
	return &FetchError{Kind: KindRateLimited, Op: op, Cooldown: cooldown, Err: err}
}

func Invalid(op string, err error) *FetchError {
	return &FetchError{Kind: KindInvalid, Op: op, Err: err}
}

// AsFetchError converts any error into a FetchError. Errors that are not already
// classified are treated as transient.
func AsFetchError(op string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return Transient(op, err)
}

// ConfigurationErrorf wraps ErrConfiguration with context.
func ConfigurationErrorf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, a...))
}
