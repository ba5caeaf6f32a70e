// Package common defines shared constants and sentinel errors used across
// the ingestion service layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Capability token errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Request validation errors.
	ErrUnsafeKey     = errors.New("unsafe object key")
	ErrInvalidKind   = errors.New("invalid kind")
	ErrInvalidDevice = errors.New("invalid device id")
	ErrTooLarge      = errors.New("payload too large")
	ErrBadRequest    = errors.New("bad request")

	// Day index reconciliation ran out of CAS attempts.
	ErrRetriesExhausted = errors.New("index reconciliation retries exhausted")

	// Test-only fault harness tripped.
	ErrSimulatedFailure = errors.New("simulated failure")
)
