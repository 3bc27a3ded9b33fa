package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors;
// the retry helper classifies transient vs. permanent failures by them.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Store Specific Errors
	ErrDuplicateEntry  = errors.New("store record already exists")
	ErrDBConnection    = errors.New("store connection error")
	ErrQueryFailed     = errors.New("store query failed")
	ErrUpdateFailed    = errors.New("store update failed")
	ErrDeleteFailed    = errors.New("store delete failed")
	ErrVersionConflict = errors.New("concurrent update conflict")

	// Coordination Errors
	ErrLockNotAcquired = errors.New("named lock is held by another owner")
)
