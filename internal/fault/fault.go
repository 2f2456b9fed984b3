// Package fault carries the error taxonomy shared across the control plane.
// Handlers map these to HTTP status codes; batch operations use them to
// decide what to isolate and what to propagate.
package fault

import (
	"errors"
	"fmt"
)

// ErrValidation marks bad input or an invariant violation. Rejected before
// any mutation takes place.
var ErrValidation = errors.New("validation failed")

// ErrNotFound marks an absent app, connection, or container where absence
// is not a valid neutral state.
var ErrNotFound = errors.New("not found")

// ErrUpstream marks a failed call to the container runtime, the node
// backend, or an app endpoint.
var ErrUpstream = errors.New("upstream failure")

// ErrNotImplemented marks an operation requested for an unsupported kind,
// e.g. a build-from-source app install.
var ErrNotImplemented = errors.New("not implemented")

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func Upstreamf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUpstream)
}

func NotImplementedf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotImplemented)
}

func IsValidation(err error) bool     { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool       { return errors.Is(err, ErrNotFound) }
func IsUpstream(err error) bool       { return errors.Is(err, ErrUpstream) }
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }
