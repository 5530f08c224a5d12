package operator

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

var (
	// ErrStreamClosed is returned when reading from a closed event
	// stream.
	ErrStreamClosed = errors.New("operator: event stream closed")
)

// EventType discriminates operator stream events.
type EventType string

const (
	EventDepositConfirmed     EventType = "deposit_confirmed"
	EventStreamConnected      EventType = "stream_connected"
	EventStreamDisconnected   EventType = "stream_disconnected"
	EventSynced               EventType = "synced"
	EventTransferClaimStarted EventType = "transfer_claim_starting"
	EventTransferClaimed      EventType = "transfer_claimed"
	EventOptimization         EventType = "optimization"
)

// Event is one message from the operator event stream. Exactly the
// fields relevant to the Type are populated.
type Event struct {
	Type EventType

	// Transfer is set on the transfer-claim events.
	Transfer *Transfer

	// DepositTxid/DepositVout are set on deposit_confirmed.
	DepositTxid string
	DepositVout uint32

	// OptimizedLeaves/TotalLeaves are set on optimization progress.
	OptimizedLeaves int
	TotalLeaves     int
}

// EventStream is a live subscription to operator events. The channel
// closes when the stream drops; the SDK's event-stream loop resubscribes
// after a backoff.
type EventStream interface {
	// Events returns the stream channel.
	Events() <-chan *Event

	// Close tears the subscription down.
	Close() error
}

// Client is the semantic operator RPC surface the wallet consumes. A
// production client speaks the coordinator's wire protocol; tests
// substitute an in-memory implementation. The client is oblivious to
// protocol state.
type Client interface {
	// GenerateDepositAddress asks for a co-owned deposit address with
	// its address proof.
	GenerateDepositAddress(ctx context.Context,
		req *GenerateDepositAddressRequest) (*DepositAddressInfo, error)

	// QueryUnusedDepositAddresses lists previously generated addresses
	// that have not been funded.
	QueryUnusedDepositAddresses(ctx context.Context,
		identity *btcec.PublicKey, network spark.Network) ([]*DepositAddressInfo, error)

	// StartDepositTreeCreation begins FROST signing of a new tree
	// root.
	StartDepositTreeCreation(ctx context.Context,
		req *StartDepositTreeCreationRequest) (*StartDepositTreeCreationResponse, error)

	// FinalizeNodeSignatures submits final aggregates and returns the
	// finalized node set.
	FinalizeNodeSignatures(ctx context.Context, intent SignatureIntent,
		signatures []*NodeSignatures) ([]*spark.TreeNode, error)

	// GetSigningCommitments fetches operator round-1 commitments for
	// upcoming signing jobs, count commitment sets per node.
	GetSigningCommitments(ctx context.Context, nodeIDs []spark.LeafID,
		count int) ([]map[frost.Identifier]frost.NonceCommitment, error)

	// StartTransfer opens a transfer and returns operator round-1
	// commitments for every refund job.
	StartTransfer(ctx context.Context,
		req *StartTransferRequest) (*StartTransferResponse, error)

	// SignTransferRefunds submits the user's round-2 shares and
	// returns the operators' shares.
	SignTransferRefunds(ctx context.Context, transferID string,
		jobs []*LeafRefundTxSigningJob,
		userShares map[spark.LeafID]*RefundShareSet) ([]*LeafRefundTxSigningResult, error)

	// TweakTransferKeys completes the keyshare rotation of a transfer.
	TweakTransferKeys(ctx context.Context, req *TweakTransferKeysRequest) error

	// QueryPendingTransfers lists transfers awaiting this identity's
	// claim.
	QueryPendingTransfers(ctx context.Context,
		identity *btcec.PublicKey) ([]*Transfer, error)

	// ClaimTransfer runs the receiver's refund signing for a pending
	// transfer.
	ClaimTransfer(ctx context.Context,
		req *ClaimTransferRequest) (*ClaimTransferResponse, error)

	// ListTransfers pages the settled transfer history ascending.
	ListTransfers(ctx context.Context,
		req *ListTransfersRequest) (*ListTransfersResponse, error)

	// RenewLeaf runs one of the three renewal protocols in a single
	// RPC.
	RenewLeaf(ctx context.Context, req *RenewLeafRequest) (*RenewLeafResponse, error)

	// QueryNodes fetches tree nodes, paginated ascending.
	QueryNodes(ctx context.Context, req *QueryNodesRequest) (*QueryNodesResponse, error)

	// FetchStaticDepositClaimQuote prices claiming a static-deposit
	// UTXO.
	FetchStaticDepositClaimQuote(ctx context.Context, rawTx []byte,
		vout uint32) (*ClaimQuote, error)

	// ClaimStaticDeposit accepts a quote; the result is a transfer
	// into a leaf the wallet owns.
	ClaimStaticDeposit(ctx context.Context,
		req *ClaimStaticDepositRequest) (*Transfer, error)

	// SubscribeEvents opens the operator event stream for an identity.
	SubscribeEvents(ctx context.Context,
		identity *btcec.PublicKey) (EventStream, error)
}
