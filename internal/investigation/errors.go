package investigation

import (
	"errors"
	"fmt"
)

// Collaborator failures are transient by default and recovered through the
// per-phase retry budget. Permanent failures (invalid target, permission
// denied) fail the investigation immediately.

// PermanentError tags a collaborator error as unrecoverable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as unrecoverable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is tagged unrecoverable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// BudgetExceededError reports an exhausted budget (retries, action cap,
// verification attempts, rollback cap) by name.
type BudgetExceededError struct {
	Budget string
	Limit  int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded (limit %d)", e.Budget, e.Limit)
}
