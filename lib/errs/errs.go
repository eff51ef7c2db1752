// Package errs maps the error kinds of spec §7 onto the shared
// containerd/errdefs taxonomy so callers can classify failures with
// errors.Is / errdefs.Is* instead of matching component-specific
// sentinel values.
package errs

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// InvalidArgument marks a Parse failure: a bad reference, a malformed
// digest, or manifest JSON that doesn't decode.
func InvalidArgument(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err) }

// Unauthenticated marks an Auth failure: an unparseable challenge, or a
// failed token exchange.
func Unauthenticated(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrUnauthenticated, err) }

// DataLoss marks an Integrity failure: a digest mismatch on a blob or
// layer stream.
func DataLoss(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrDataLoss, err) }

// NotFound marks a Platform failure (no manifest matches the current
// OS/architecture) or a missing resource.
func NotFound(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrNotFound, err) }

// FailedPrecondition marks a Precondition failure: pulling into an
// existing layout without force.
func FailedPrecondition(err error) error {
	return fmt.Errorf("%w: %w", errdefs.ErrFailedPrecondition, err)
}

// Unavailable marks a Transport/Protocol failure with no recovery: an
// HTTP status >= 400 the client didn't know how to handle, a missing
// header, a malformed redirect.
func Unavailable(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err) }

// Internal marks a Filesystem failure during layout write or
// apply-layer.
func Internal(err error) error { return fmt.Errorf("%w: %w", errdefs.ErrUnknown, err) }

var (
	IsInvalidArgument    = errdefs.IsInvalidArgument
	IsUnauthenticated    = errdefs.IsUnauthenticated
	IsDataLoss           = errdefs.IsDataLoss
	IsNotFound           = errdefs.IsNotFound
	IsFailedPrecondition = errdefs.IsFailedPrecondition
	IsUnavailable        = errdefs.IsUnavailable
)
