// Package careplan turns a normalized intake into a CarePlan. It has exactly
// two planners sharing one contract: the deterministic Heuristic and the
// Remote client that delegates to an external model.
package careplan

import (
	"context"
	"errors"
)

// Planner generates a care plan for an accepted intake.
type Planner interface {
	GeneratePlan(ctx context.Context, req IntakeRequest) (CarePlan, error)
}

// ErrUnavailable is matched by every failure of the remote path.
var ErrUnavailable = errors.New("remote planner unavailable")

// UnavailableError is the only error the remote planner returns. Callers treat
// it like "not configured" and fall back; it is never a clinical result.
type UnavailableError struct {
	Reason   string
	Disabled bool
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return "remote planner unavailable: " + e.Reason + ": " + e.Err.Error()
	}
	return "remote planner unavailable: " + e.Reason
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// IsDisabled reports whether err is an UnavailableError caused by
// configuration rather than a failed call.
func IsDisabled(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u) && u.Disabled
}
