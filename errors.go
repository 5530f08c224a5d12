package sparksdk

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation runs before
	// Connect or after Disconnect.
	ErrNotConnected = errors.New("sdk is not connected")

	// ErrPaymentNotFound is returned by payment lookups.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDepositNotFound is returned by deposit lookups.
	ErrDepositNotFound = errors.New("deposit not found")

	// ErrLiquidityUnavailable is returned when no conversion venue can
	// serve a swap.
	ErrLiquidityUnavailable = errors.New("liquidity unavailable")
)

// ValidationError marks caller-supplied data as malformed. Surfaced
// immediately, never retried.
type ValidationError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// validationErrorf builds a ValidationError.
func validationErrorf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// DepositClaimFeeExceededError reports that the operator-requested
// claim fee exceeds the configured cap. The deposit remains claimable
// once the policy changes; the sync loop is never torn down over it.
type DepositClaimFeeExceededError struct {
	Txid string
	Vout uint32

	// RequiredFeeSats is what the operators asked for.
	RequiredFeeSats uint64

	// RequiredFeeRateSatPerVByte is the equivalent rate over the
	// claim transaction size.
	RequiredFeeRateSatPerVByte uint64

	// MaxFeeSats is the configured cap, zero when no cap was set at
	// all.
	MaxFeeSats uint64
}

// Error implements the error interface.
func (e *DepositClaimFeeExceededError) Error() string {
	return fmt.Sprintf("deposit %s:%d claim fee %d sats (%d sat/vB) exceeds max %d sats",
		e.Txid, e.Vout, e.RequiredFeeSats, e.RequiredFeeRateSatPerVByte, e.MaxFeeSats)
}

// ConversionFailedError reports a rejected swap. The refunder cleans
// the funding transfer up in the background.
type ConversionFailedError struct {
	ConversionID string
	TransferID   string
	Err          error
}

// Error implements the error interface.
func (e *ConversionFailedError) Error() string {
	return fmt.Sprintf("conversion %s failed: %v", e.ConversionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConversionFailedError) Unwrap() error { return e.Err }
