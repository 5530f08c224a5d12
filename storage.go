package sparksdk

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by Storage.CacheGet for unknown keys.
var ErrCacheMiss = errors.New("object cache miss")

// Storage is the persistent store behind the SDK: payments, deposits,
// staged payment metadata, and the object cache. Several SDK instances
// may share one backing store with the same wallet seed; correctness
// across them relies on the backing database's transactional
// semantics, not on in-process locks.
type Storage interface {
	// InsertPayment inserts a payment idempotently: a row with the
	// same id is left untouched except that a pending row may be
	// completed or failed by a terminal insert.
	InsertPayment(ctx context.Context, payment *Payment) error

	// UpdatePaymentStatus flips a payment pending->completed|failed.
	UpdatePaymentStatus(ctx context.Context, id string, status PaymentStatus) error

	// MergePaymentDetails attaches late-arriving details (preimage,
	// lnurl description, conversion status) to an existing row.
	MergePaymentDetails(ctx context.Context, id string, details *PaymentDetails) error

	// GetPayment fetches a payment by id, ErrPaymentNotFound when
	// absent.
	GetPayment(ctx context.Context, id string) (*Payment, error)

	// ListPayments pages the history newest-first.
	ListPayments(ctx context.Context, offset, limit int64) ([]*Payment, error)

	// ListPaymentsByConversionStatus lists payments whose conversion
	// info is in the given state, for the refunder.
	ListPaymentsByConversionStatus(ctx context.Context,
		status ConversionStatus) ([]*Payment, error)

	// CountPayments returns the total number of payment rows.
	CountPayments(ctx context.Context) (int64, error)

	// UpsertDeposit records a detected deposit UTXO.
	UpsertDeposit(ctx context.Context, deposit *DepositInfo) error

	// ListDeposits lists tracked deposit UTXOs.
	ListDeposits(ctx context.Context) ([]*DepositInfo, error)

	// DeleteDeposit drops a deposit after it was claimed or refunded.
	DeleteDeposit(ctx context.Context, txid string, vout uint32) error

	// SetPaymentMetadata stages metadata for a payment id, possibly
	// before the payment row exists.
	SetPaymentMetadata(ctx context.Context, paymentID, metadata string) error

	// GetPaymentMetadata fetches staged metadata, empty when none.
	GetPaymentMetadata(ctx context.Context, paymentID string) (string, error)

	// CachePut stores an object cache entry.
	CachePut(ctx context.Context, key string, value []byte) error

	// CacheGet fetches an object cache entry, ErrCacheMiss when
	// absent.
	CacheGet(ctx context.Context, key string) ([]byte, error)

	// Close releases the store.
	Close() error
}

// Object cache keys used by the SDK.
const (
	// cacheKeyLastSyncTime stores the unix time of the last full
	// sync.
	cacheKeyLastSyncTime = "last_sync_time"

	// cacheKeyTransferOffset stores the committed transfer pagination
	// offset.
	cacheKeyTransferOffset = "transfer_sync_offset"

	// cacheKeyLnurlUpdatedAfter stores the lnurl metadata pagination
	// cursor.
	cacheKeyLnurlUpdatedAfter = "lnurl_metadata_updated_after"

	// cacheKeyBalance stores the last synced balance snapshot.
	cacheKeyBalance = "balance_sats"
)
