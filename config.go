package sparksdk

import (
	"time"

	"github.com/flarewallet/sparksdk/chain"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
)

// claimTxSizeVBytes is the assumed size of the operator's static
// deposit claim transaction, used to convert a fee-rate cap into
// satoshis. Confirmed against the operator's published claim template.
const claimTxSizeVBytes = 191

// MaxDepositClaimFee caps the fee accepted when claiming a static
// deposit: either a fixed satoshi amount or a rate converted through
// the claim transaction size. A nil cap rejects every non-free claim.
type MaxDepositClaimFee struct {
	// FixedSats caps the fee at an absolute amount when non-zero.
	FixedSats uint64

	// RateSatPerVByte caps the fee at rate*claim-tx-vsize when
	// non-zero and FixedSats is zero.
	RateSatPerVByte uint64
}

// toSats resolves the cap into satoshis.
func (f *MaxDepositClaimFee) toSats() uint64 {
	if f.FixedSats > 0 {
		return f.FixedSats
	}
	return f.RateSatPerVByte * claimTxSizeVBytes
}

// StableBalanceConfig enables the automatic bitcoin/token conversion
// policy.
type StableBalanceConfig struct {
	// TokenID is the peg token converted into.
	TokenID string

	// ThresholdSats is added to ReservedSats to give the balance above
	// which the bitcoin beyond ReservedSats is converted to the token.
	ThresholdSats uint64

	// ReservedSats is the bitcoin floor kept unconverted for fees.
	ReservedSats uint64
}

// Config assembles an SDK instance. Signer, OperatorPool, and Storage
// are required; the rest defaults through DefaultConfig.
type Config struct {
	// Network selects mainnet or regtest.
	Network spark.Network

	// Signer holds the user's root secret.
	Signer signer.Signer

	// OperatorPool addresses the signing operators.
	OperatorPool *operator.Pool

	// Storage is the shared persistent store.
	Storage Storage

	// SspClient talks to the service provider; optional, disables
	// lightning and token conversion when nil.
	SspClient ssp.Client

	// ChainService watches L1; optional, disables the deposit sweep
	// when nil.
	ChainService chain.Service

	// SyncIntervalSecs bounds how stale the wallet may get before the
	// heartbeat forces a full sync.
	SyncIntervalSecs uint32

	// MaxDepositClaimFee caps static-deposit claim fees; nil rejects
	// all fee-bearing claims.
	MaxDepositClaimFee *MaxDepositClaimFee

	// StableBalance enables the auto-conversion policy when set.
	StableBalance *StableBalanceConfig

	// MaxSlippageBps bounds conversion slippage.
	MaxSlippageBps uint32

	// TransferExpiry bounds how long outgoing transfers stay
	// claimable.
	TransferExpiry time.Duration
}

// DefaultConfig returns the baseline configuration for a network.
func DefaultConfig(network spark.Network) *Config {
	return &Config{
		Network:          network,
		SyncIntervalSecs: 60,
		MaxSlippageBps:   50,
		TransferExpiry:   24 * time.Hour,
	}
}
