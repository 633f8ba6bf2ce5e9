package activation

import (
	"errors"
	"fmt"

	"github.com/buildtrack/buildtrack/internal/platform/httpx"
)

var (
	// ErrNotFound indicates a missing request or document.
	ErrNotFound = fmt.Errorf("activation: %w", httpx.ErrNotFound)
	// ErrIllegalTransition is matched by every *TransitionError.
	ErrIllegalTransition = fmt.Errorf("activation: illegal transition: %w", httpx.ErrConflict)
	// ErrExpired indicates the request lapsed; it has been moved to expired.
	ErrExpired = fmt.Errorf("activation: request expired: %w", httpx.ErrGone)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("activation: %w", httpx.ErrValidation)
	// ErrDuplicate indicates an open request for the email, or a taken slug or username on approval.
	ErrDuplicate = fmt.Errorf("activation: %w", httpx.ErrDuplicate)
)

// TransitionError names the state a request was in and the state it was asked to enter.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("activation: illegal transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) and the http conflict mapping hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition || errors.Is(ErrIllegalTransition, target)
}
