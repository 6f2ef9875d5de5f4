package apperrors

import "errors"

// Standardized engine errors. Handlers map these to transport status codes;
// everything else is treated as a storage/internal failure.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid order state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStorage           = errors.New("storage error")
)

// IsClientError reports whether the error was caused by the caller
// (bad input, unknown resource, illegal transition) rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState)
}
