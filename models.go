// Package sparksdk is the client SDK for the spark off-chain Bitcoin
// scaling protocol. The SDK value owns a spark wallet engine, a
// persistent payment store, a background sync loop, and the optional
// stable-balance conversion policy; nothing lives in process globals
// except the logger sink.
package sparksdk

import (
	"time"

	"lukechampine.com/uint128"
)

// PaymentType is the direction of a payment.
type PaymentType string

const (
	// PaymentTypeSend is an outbound payment.
	PaymentTypeSend PaymentType = "send"

	// PaymentTypeReceive is an inbound payment.
	PaymentTypeReceive PaymentType = "receive"
)

// PaymentStatus is the lifecycle state of a payment. Payments are
// created pending, completed or failed and only ever move
// pending->completed or pending->failed.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentMethod is the transport a payment used.
type PaymentMethod string

const (
	PaymentMethodSpark     PaymentMethod = "spark"
	PaymentMethodLightning PaymentMethod = "lightning"
	PaymentMethodToken     PaymentMethod = "token"
	PaymentMethodDeposit   PaymentMethod = "deposit"
	PaymentMethodWithdraw  PaymentMethod = "withdraw"
)

// ConversionStatus tracks the cleanup state of a payment that was part
// of a token swap.
type ConversionStatus string

const (
	// ConversionRefundNeeded marks a rejected swap whose funding
	// transfer must be clawed back.
	ConversionRefundNeeded ConversionStatus = "refund_needed"

	// ConversionRefunded marks a clawed-back conversion.
	ConversionRefunded ConversionStatus = "refunded"

	// ConversionCompleted marks a settled conversion.
	ConversionCompleted ConversionStatus = "completed"
)

// ConversionInfo is attached to payments that were part of a swap.
type ConversionInfo struct {
	// PoolID is the venue the swap ran against.
	PoolID string `json:"pool_id"`

	// ConversionID is the UUIDv7 grouping the swap's payment rows.
	ConversionID string `json:"conversion_id"`

	// Status is the conversion cleanup state.
	Status ConversionStatus `json:"status"`

	// FeeSats is the conversion fee.
	FeeSats uint64 `json:"fee_sats"`

	// Purpose tags why the conversion ran (user swap, stable-balance
	// top-up, ...).
	Purpose string `json:"purpose,omitempty"`
}

// PaymentDetails carries the method-specific payment fields.
type PaymentDetails struct {
	// Invoice is the BOLT-11 invoice of a lightning payment.
	Invoice string `json:"invoice,omitempty"`

	// PaymentHash is the lightning payment hash, hex.
	PaymentHash string `json:"payment_hash,omitempty"`

	// Preimage is the revealed preimage, hex; arrives late on
	// lightning sends.
	Preimage string `json:"preimage,omitempty"`

	// Txid is the L1 transaction of a deposit or withdrawal.
	Txid string `json:"txid,omitempty"`

	// TransferID is the spark transfer backing the payment.
	TransferID string `json:"transfer_id,omitempty"`

	// CounterpartyPublicKey is the other side's spark identity, hex.
	CounterpartyPublicKey string `json:"counterparty_public_key,omitempty"`

	// TokenID names the token of a token payment.
	TokenID string `json:"token_id,omitempty"`

	// LnurlDescription is the LNURL metadata description, attached
	// late by the metadata sync.
	LnurlDescription string `json:"lnurl_description,omitempty"`

	// DescriptionHash marks LNURL-shaped invoices.
	DescriptionHash string `json:"description_hash,omitempty"`

	// Conversion is set on payments that were part of a swap.
	Conversion *ConversionInfo `json:"conversion,omitempty"`
}

// Payment is one row of the wallet's payment history. Rows are
// append-only except for status flips and late-arriving detail merges.
type Payment struct {
	// ID is the stable payment id, usually the transfer id.
	ID string

	// Type is the payment direction.
	Type PaymentType

	// Status is the lifecycle state.
	Status PaymentStatus

	// Amount is the paid amount; token amounts exceed 64 bits.
	Amount uint128.Uint128

	// FeeSats is the fee paid, zero for spark transfers.
	FeeSats uint64

	// Timestamp is the payment creation time.
	Timestamp time.Time

	// Method is the transport used.
	Method PaymentMethod

	// Details carries the method-specific fields.
	Details *PaymentDetails
}

// AmountSats returns the amount as satoshis for bitcoin-denominated
// payments.
func (p *Payment) AmountSats() uint64 {
	return p.Amount.Lo
}

// DepositInfo is one static-deposit UTXO the wallet knows about. It
// lives until it is either claimed into a payment or refunded.
type DepositInfo struct {
	// Txid and Vout name the UTXO.
	Txid string
	Vout uint32

	// AmountSats is the UTXO value.
	AmountSats uint64

	// RefundTx holds the signed refund transaction bytes when the
	// user chose to cancel the deposit.
	RefundTx []byte

	// ClaimError records the last claim failure, empty when none.
	ClaimError string
}

// GetInfoResponse is the wallet snapshot returned by GetInfo.
type GetInfoResponse struct {
	// IdentityPublicKey is the wallet's spark identity, hex.
	IdentityPublicKey string

	// SparkAddress is the wallet's receive address.
	SparkAddress string

	// BalanceSats is the owned bitcoin balance.
	BalanceSats uint64

	// TokenBalances maps token ids to owned amounts.
	TokenBalances map[string]uint128.Uint128
}
