package domain

import (
	"errors"
	"fmt"

	"github.com/geo-sightings/internal/pkg/geo"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrInvalidArgument  = geo.ErrInvalidArgument
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
)

// PartialFailure reports a batch operation that completed some but not all of its items.
// It is carried inside result values rather than returned, since the next scheduled run
// picks up whatever was left.
type PartialFailure struct {
	Completed int
	Failed    int
	Cause     error
}

func (p *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure: %d completed, %d failed: %v", p.Completed, p.Failed, p.Cause)
}

func (p *PartialFailure) Unwrap() error { return p.Cause }

// Invalid wraps ErrInvalidArgument with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// Unavailable wraps err so callers can detect it with errors.Is(err, ErrStoreUnavailable).
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
