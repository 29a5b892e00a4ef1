package model

import "errors"

// Error taxonomy shared by every layer. Callers attach detail with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrNotFound              = errors.New("not found")
	ErrCapacityExceeded      = errors.New("capacity exceeded")
	ErrInvalidState          = errors.New("invalid state")
	ErrDuplicateRegistration = errors.New("already registered for this event")
)
