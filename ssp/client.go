// Package ssp talks to the spark service provider: lightning invoice
// issuance and settlement, cooperative exits, leaves swaps, and the
// token pool service used for bitcoin/token conversions.
package ssp

import (
	"context"

	"lukechampine.com/uint128"
)

// LightningReceiveRequest asks the provider to issue a BOLT-11 invoice
// it will settle toward this wallet.
type LightningReceiveRequest struct {
	// IdentityPublicKey is the receiving wallet's spark identity, hex.
	IdentityPublicKey string

	// AmountSats is the invoice amount; zero issues an amount-less
	// invoice.
	AmountSats uint64

	// PaymentHash is the hash the wallet's signer committed to.
	PaymentHash string

	// Description is an optional invoice description.
	Description string

	// DescriptionHash is set instead of Description for LNURL flows.
	DescriptionHash string

	// ExpirySecs bounds the invoice lifetime.
	ExpirySecs uint32

	// IncludeSparkHint asks the provider to embed the spark route
	// hint so spark-capable payers can settle without lightning fees.
	IncludeSparkHint bool
}

// LightningReceivePayment is an issued invoice.
type LightningReceivePayment struct {
	ID          string
	Invoice     string
	PaymentHash string
}

// LightningSendRequest hands an invoice to the provider for settlement
// against a fee quote.
type LightningSendRequest struct {
	IdentityPublicKey string
	Invoice           string

	// AmountSats must be set for amount-less invoices.
	AmountSats uint64

	// MaxFeeSats caps the provider fee accepted.
	MaxFeeSats uint64

	// IdempotencyKey dedupes retried sends.
	IdempotencyKey string
}

// LightningSendStatus is the provider-side lifecycle of a lightning
// send.
type LightningSendStatus string

const (
	LightningSendPending   LightningSendStatus = "PENDING"
	LightningSendCompleted LightningSendStatus = "COMPLETED"
	LightningSendFailed    LightningSendStatus = "FAILED"
)

// LightningSendPayment is an in-flight or settled lightning send.
type LightningSendPayment struct {
	ID          string
	Status      LightningSendStatus
	PaymentHash string

	// Preimage is revealed once the off-chain HTLC settles.
	Preimage string

	// FeeSats is the provider's settled fee.
	FeeSats uint64
}

// LightningSendFeeEstimate quotes the provider fee for an invoice.
type LightningSendFeeEstimate struct {
	FeeSats uint64
}

// CoopExitRequest asks the provider to broadcast an on-chain withdrawal
// against the wallet's leaves.
type CoopExitRequest struct {
	IdentityPublicKey string
	OnchainAddress    string
	AmountSats        uint64
	LeafIDs           []string
	FeeQuoteID        string
}

// CoopExitResponse carries the exit id and the provider's L1 txid once
// broadcast.
type CoopExitResponse struct {
	ID        string
	RawTxid   string
	FeeSats   uint64
	Completed bool
}

// LeavesSwapRequest swaps the wallet's leaves for a provider-selected
// denomination set, used to make exact-amount transfers possible.
type LeavesSwapRequest struct {
	IdentityPublicKey string
	AdaptorPublicKey  string
	TotalAmountSats   uint64
	TargetAmountSats  uint64
	LeafIDs           []string
}

// LeavesSwapResponse returns the provider's adaptor-signed counter
// leaves.
type LeavesSwapResponse struct {
	ID string

	// AdaptorSecret completes the wallet's adaptor pre-signatures.
	AdaptorSecret string

	LeafIDs []string
}

// TokenPool is one conversion venue as reported by the pool index.
type TokenPool struct {
	PoolID        string
	AssetAAddress string
	AssetBAddress string
	HostFeeBps    uint32
	LPFeeBps      uint32

	AssetAReserve *uint128.Uint128
	AssetBReserve *uint128.Uint128

	// CurveType distinguishes constant-product venues from
	// v3-concentrated ones.
	CurveType string

	TVLAssetB           *uint64
	Volume24hAssetB     *uint64
	PriceChangePct24h   *float64
	BondingProgressPct  *float64
	GraduationThreshold *uint64
}

// TokenSwapRequest executes a conversion against a pool.
type TokenSwapRequest struct {
	IdentityPublicKey string
	PoolID            string
	AssetInAddress    string
	AssetOutAddress   string
	AmountIn          uint128.Uint128
	MinAmountOut      uint128.Uint128
	MaxSlippageBps    uint32

	// TransferID ties the swap to the spark transfer funding it.
	TransferID string
}

// TokenSwapResponse reports the executed swap.
type TokenSwapResponse struct {
	SwapID    string
	AmountOut uint128.Uint128

	// Accepted is false when the provider rejected the swap; the
	// funding transfer must then be clawed back.
	Accepted bool

	// RefundTransferID identifies the rejected funding transfer.
	RefundTransferID string
}

// TokenSwapSimulation prices a swap without executing it.
type TokenSwapSimulation struct {
	AmountOut uint128.Uint128
	FeeBps    uint32
}

// ClawbackRequest recovers funds from a failed conversion.
type ClawbackRequest struct {
	IdentityPublicKey string
	TransferID        string
}

// MinAmounts reports the pool service's minimum conversion sizes.
type MinAmounts struct {
	MinAmountIn  uint128.Uint128
	MinAmountOut uint128.Uint128
}

// LnurlMetadata is one receive-metadata record from the lnurl server.
type LnurlMetadata struct {
	Invoice     string
	Description string
	UpdatedAt   uint64
}

// ListMetadataRequest pages lnurl receive metadata by update time.
type ListMetadataRequest struct {
	UpdatedAfter uint64
	Limit        uint32
}

// Client is the service-provider surface the SDK consumes.
type Client interface {
	// CreateLightningInvoice issues a BOLT-11 invoice.
	CreateLightningInvoice(ctx context.Context,
		req *LightningReceiveRequest) (*LightningReceivePayment, error)

	// EstimateLightningSendFee quotes the provider fee for paying an
	// invoice.
	EstimateLightningSendFee(ctx context.Context, invoice string,
		amountSats uint64) (*LightningSendFeeEstimate, error)

	// PayLightningInvoice hands an invoice to the provider.
	PayLightningInvoice(ctx context.Context,
		req *LightningSendRequest) (*LightningSendPayment, error)

	// GetLightningSendPayment polls a lightning send.
	GetLightningSendPayment(ctx context.Context,
		id string) (*LightningSendPayment, error)

	// RequestCoopExit opens a cooperative on-chain exit.
	RequestCoopExit(ctx context.Context,
		req *CoopExitRequest) (*CoopExitResponse, error)

	// CompleteCoopExit finalizes a cooperative exit.
	CompleteCoopExit(ctx context.Context, id string) (*CoopExitResponse, error)

	// RequestLeavesSwap opens an adaptor-signed leaves swap.
	RequestLeavesSwap(ctx context.Context,
		req *LeavesSwapRequest) (*LeavesSwapResponse, error)

	// CompleteLeavesSwap finalizes a leaves swap.
	CompleteLeavesSwap(ctx context.Context, id string) (*LeavesSwapResponse, error)

	// ListTokenPools lists conversion venues between two assets.
	ListTokenPools(ctx context.Context, assetIn,
		assetOut string) ([]*TokenPool, error)

	// SimulateTokenSwap prices a swap.
	SimulateTokenSwap(ctx context.Context,
		req *TokenSwapRequest) (*TokenSwapSimulation, error)

	// ExecuteTokenSwap executes a swap.
	ExecuteTokenSwap(ctx context.Context,
		req *TokenSwapRequest) (*TokenSwapResponse, error)

	// ClawbackTokenSwap recovers a failed conversion's funds.
	ClawbackTokenSwap(ctx context.Context, req *ClawbackRequest) error

	// GetMinAmounts reports minimum conversion sizes.
	GetMinAmounts(ctx context.Context, assetIn, assetOut string) (*MinAmounts, error)

	// ListLnurlMetadata pages lnurl receive metadata ascending by
	// update time.
	ListLnurlMetadata(ctx context.Context,
		req *ListMetadataRequest) ([]*LnurlMetadata, error)
}
