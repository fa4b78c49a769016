package types

import (
	"errors"
	"fmt"
)

// ErrNotFound marks identifiers the registry does not know. Terminal per
// request, never retried.
var ErrNotFound = errors.New("identifier not found")

// ResolveError covers API errors and malformed or missing metadata during
// identifier resolution. Terminal per request.
type ResolveError struct {
	Registry   Registry
	Identifier string
	Reason     string
	Err        error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s/%s: %s: %v", e.Registry, e.Identifier, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %s/%s: %s", e.Registry, e.Identifier, e.Reason)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// AuthError is surfaced distinctly from ErrNotFound so operators can tell
// "content doesn't exist" from "I'm not authorized".
type AuthError struct {
	Registry   Registry
	Identifier string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization failed for %s/%s: %v", e.Registry, e.Identifier, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IntegrityError means the downloaded bytes did not match the hash the
// registry published. The bytes are discarded, never placed.
type IntegrityError struct {
	Filename string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Filename, e.Expected, e.Actual)
}

// PlacementError wraps a failure to move a verified artifact into its
// category directory. The temp file is preserved for inspection.
type PlacementError struct {
	Path string
	Err  error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement of %s failed: %v", e.Path, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// IsTerminal reports whether err is one of the per-request error classes
// that must not be retried.
func IsTerminal(err error) bool {
	var resolveErr *ResolveError
	var authErr *AuthError
	var integrityErr *IntegrityError
	return errors.Is(err, ErrNotFound) ||
		errors.As(err, &resolveErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &integrityErr)
}
