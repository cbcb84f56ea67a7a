package services

import (
	"errors"
	"net/http"
)

// Business-rule errors are terminal for the request and surfaced to the
// caller unchanged. ErrConflict and ErrStoreUnavailable indicate no partial
// state change occurred and are safe to retry with bounded backoff.
var (
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQuotaExceeded     = errors.New("active group limit reached")
	ErrAlreadyRedeemed   = errors.New("coupon already redeemed")
	ErrSelfRedemption    = errors.New("cannot redeem your own coupon")
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrYieldRegression   = errors.New("yield report below recorded value")
)

// retryable reports whether the caller may retry the operation: the error
// guarantees no partial state change happened.
func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

// httpStatus maps a service error to its HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyRedeemed),
		errors.Is(err, ErrSelfRedemption),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrYieldRegression):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
