package workflow

import (
	"errors"
	"fmt"
	"strings"

	"flowgate.org/internal/auth"
)

// Sentinel errors for the workflow domain.
var (
	ErrNotFound     = errors.New("workflow: not found")
	ErrConflict     = errors.New("workflow: already exists")
	ErrInvalidInput = errors.New("workflow: invalid input")
	ErrInactive     = errors.New("workflow: workflow is inactive")
)

// denied converts a negative decision into a forbidden error carrying
// the decision's reason.
func denied(d auth.Decision) error {
	return fmt.Errorf("%w: %s", auth.ErrForbidden, d.Reason)
}

// ExecutionDeniedError reports which required steps blocked an
// execution request. It satisfies errors.Is(err, auth.ErrForbidden).
type ExecutionDeniedError struct {
	Steps []string
}

func (e *ExecutionDeniedError) Error() string {
	return fmt.Sprintf("workflow: execution denied, missing execute permission on required steps: %s",
		strings.Join(e.Steps, ", "))
}

func (e *ExecutionDeniedError) Unwrap() error { return auth.ErrForbidden }
