package operator

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

// SignatureIntent tells finalize_node_signatures what protocol step the
// submitted aggregates conclude.
type SignatureIntent int32

const (
	// IntentCreation finalizes a freshly created tree root.
	IntentCreation SignatureIntent = iota

	// IntentTransfer finalizes an ownership transfer.
	IntentTransfer

	// IntentRefresh finalizes a timelock renewal.
	IntentRefresh
)

// TransferStatus is the coordinator-side status of a transfer.
type TransferStatus string

const (
	// TransferStatusSenderInitiated marks a transfer whose refunds are
	// being signed.
	TransferStatusSenderInitiated TransferStatus = "SENDER_INITIATED"

	// TransferStatusSenderKeyTweaked marks a transfer whose keyshare
	// rotation has completed; the sender can no longer back out.
	TransferStatusSenderKeyTweaked TransferStatus = "SENDER_KEY_TWEAKED"

	// TransferStatusReceiverClaimStarting marks a transfer the
	// receiver has begun claiming.
	TransferStatusReceiverClaimStarting TransferStatus = "RECEIVER_CLAIM_STARTING"

	// TransferStatusCompleted marks a fully claimed transfer.
	TransferStatusCompleted TransferStatus = "COMPLETED"

	// TransferStatusExpired marks a transfer the receiver never
	// claimed before expiry.
	TransferStatusExpired TransferStatus = "EXPIRED"

	// TransferStatusReturned marks a transfer returned to the sender.
	TransferStatusReturned TransferStatus = "RETURNED"
)

// TransferType classifies what a transfer carries.
type TransferType string

const (
	// TransferTypeSpark is a plain spark transfer.
	TransferTypeSpark TransferType = "TRANSFER"

	// TransferTypePreimageSwap is the spark side of a lightning
	// payment, settled by preimage reveal.
	TransferTypePreimageSwap TransferType = "PREIMAGE_SWAP"

	// TransferTypeCooperativeExit is the spark side of an on-chain
	// withdrawal.
	TransferTypeCooperativeExit TransferType = "COOPERATIVE_EXIT"

	// TransferTypeUtxoSwap is a claimed static deposit.
	TransferTypeUtxoSwap TransferType = "UTXO_SWAP"
)

// SigningJob is one transaction the operators are asked to co-sign: the
// raw tx, the user's share public key, and the user's round-1
// commitment.
type SigningJob struct {
	SigningPublicKey       *btcec.PublicKey
	RawTx                  []byte
	SigningNonceCommitment frost.NonceCommitment
}

// SigningResult is the operators' side of one FROST signing run.
type SigningResult struct {
	// SigningNonceCommitments are the operators' round-1 commitments.
	SigningNonceCommitments map[frost.Identifier]frost.NonceCommitment

	// SignatureShares are the operators' round-2 shares. Empty until
	// the user share has been submitted.
	SignatureShares map[frost.Identifier][32]byte

	// PublicKeys are the operators' share public keys for this run.
	PublicKeys map[frost.Identifier]*btcec.PublicKey
}

// LeafRefundTxSigningJob bundles the up-to-three refund signing jobs of
// one leaf. The direct jobs are present only for direct-layout leaves
// and must then all be signed together.
type LeafRefundTxSigningJob struct {
	LeafID                           spark.LeafID
	RefundTxSigningJob               *SigningJob
	DirectRefundTxSigningJob         *SigningJob
	DirectFromCPFPRefundTxSigningJob *SigningJob
}

// LeafRefundTxSigningResult mirrors LeafRefundTxSigningJob on the
// response side.
type LeafRefundTxSigningResult struct {
	LeafID                              spark.LeafID
	VerifyingKey                        *btcec.PublicKey
	RefundTxSigningResult               *SigningResult
	DirectRefundTxSigningResult         *SigningResult
	DirectFromCPFPRefundTxSigningResult *SigningResult
}

// RefundShareSet carries the user's round-2 shares for the up-to-three
// refund variants of one leaf.
type RefundShareSet struct {
	Refund               [32]byte
	DirectRefund         [32]byte
	DirectFromCPFPRefund [32]byte

	// HasDirect reports whether the direct shares are meaningful.
	HasDirect bool
}

// NodeSignatures carries the final aggregate signatures of one node
// back to the coordinator.
type NodeSignatures struct {
	NodeID                          spark.LeafID
	NodeTxSignature                 []byte
	RefundTxSignature               []byte
	DirectNodeTxSignature           []byte
	DirectRefundTxSignature         []byte
	DirectFromCPFPRefundTxSignature []byte
}

// DepositAddressProof is the two-part proof the coordinator returns
// with a fresh deposit address: a Schnorr proof-of-possession under the
// operator aggregate's taproot key, and one ECDSA signature per
// operator over the address hash.
type DepositAddressProof struct {
	ProofOfPossessionSignature []byte
	AddressSignatures          map[frost.Identifier][]byte
}

// DepositAddressInfo describes a co-owned deposit address.
type DepositAddressInfo struct {
	Address              string
	LeafID               spark.LeafID
	UserSigningPublicKey *btcec.PublicKey
	VerifyingPublicKey   *btcec.PublicKey
	Proof                *DepositAddressProof
	IsStatic             bool
}

// GenerateDepositAddressRequest asks the coordinator for a co-owned
// deposit address.
type GenerateDepositAddressRequest struct {
	SigningPublicKey  *btcec.PublicKey
	IdentityPublicKey *btcec.PublicKey
	Network           spark.Network
	LeafID            spark.LeafID
	IsStatic          bool
}

// Utxo names a confirmed on-chain output by its raw transaction.
type Utxo struct {
	RawTx   []byte
	Vout    uint32
	Network spark.Network
}

// StartDepositTreeCreationRequest submits the unsigned root and refund
// transactions of a new tree for FROST round 1.
type StartDepositTreeCreationRequest struct {
	IdentityPublicKey  *btcec.PublicKey
	OnChainUtxo        Utxo
	RootTxSigningJob   *SigningJob
	RefundTxSigningJob *SigningJob
}

// StartDepositTreeCreationResponse carries the operators' round-1
// output for both transactions of the new root.
type StartDepositTreeCreationResponse struct {
	NodeID                spark.LeafID
	VerifyingKey          *btcec.PublicKey
	NodeTxSigningResult   *SigningResult
	RefundTxSigningResult *SigningResult
}

// TransferLeaf is one leaf inside a transfer, as reported by the
// coordinator.
type TransferLeaf struct {
	Leaf *spark.TreeNode

	// SecretCipher is the rotated keyshare, ECIES-encrypted to the
	// receiver's identity key.
	SecretCipher []byte

	// Signature is the sender's signature binding the cipher to the
	// transfer.
	Signature []byte

	// IntermediateRefundTx is the refund the sender signed to the
	// receiver's key.
	IntermediateRefundTx []byte
}

// Transfer is an in-flight or settled ownership transfer.
type Transfer struct {
	ID                        string
	SenderIdentityPublicKey   *btcec.PublicKey
	ReceiverIdentityPublicKey *btcec.PublicKey
	Status                    TransferStatus
	Type                      TransferType
	TotalValueSats            uint64
	ExpiryTime                time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	Leaves                    []*TransferLeaf
}

// StartTransferRequest opens a transfer: the refund signing jobs for
// every leaf being sent, addressed to the receiver.
type StartTransferRequest struct {
	TransferID                string
	OwnerIdentityPublicKey    *btcec.PublicKey
	ReceiverIdentityPublicKey *btcec.PublicKey
	ExpiryTime                time.Time
	LeavesToSend              []*LeafRefundTxSigningJob

	// AdaptorPublicKey turns the refund signing runs into adaptor
	// sessions; the operators need it to derive the same group
	// commitment as the user.
	AdaptorPublicKey *btcec.PublicKey
}

// StartTransferResponse returns the opened transfer plus the operators'
// round-1 commitments for every refund job.
type StartTransferResponse struct {
	Transfer       *Transfer
	SigningResults []*LeafRefundTxSigningResult
}

// LeafKeyTweak rotates one leaf's keyshare to the receiver: the VSS
// shares of the sender's signing key, encrypted per operator, plus the
// cipher for the receiver.
type LeafKeyTweak struct {
	LeafID spark.LeafID

	// SecretShares holds one verifiable share per operator, encrypted
	// to that operator's identity key and keyed by its identifier.
	SecretShares map[frost.Identifier][]byte

	// ShareProofs are the Feldman commitments validating the shares.
	ShareProofs []*btcec.PublicKey

	// SecretCipher is the signing key encrypted to the receiver.
	SecretCipher []byte

	// Signature binds the tweak to the transfer.
	Signature []byte
}

// TweakTransferKeysRequest completes the keyshare rotation of a
// transfer.
type TweakTransferKeysRequest struct {
	TransferID             string
	OwnerIdentityPublicKey *btcec.PublicKey
	LeavesToSend           []*LeafKeyTweak
}

// ClaimTransferRequest is the receiver's side: refund signing jobs
// re-targeted to the receiver's keys at the claim sequence.
type ClaimTransferRequest struct {
	TransferID             string
	OwnerIdentityPublicKey *btcec.PublicKey
	LeavesToClaim          []*LeafRefundTxSigningJob
}

// ClaimTransferResponse carries the operators' signing results for the
// claim refunds.
type ClaimTransferResponse struct {
	Transfer       *Transfer
	SigningResults []*LeafRefundTxSigningResult
}

// ListTransfersRequest pages the transfer history ascending by
// server-side offset.
type ListTransfersRequest struct {
	IdentityPublicKey *btcec.PublicKey
	Offset            int64
	Limit             int64
}

// ListTransfersResponse is one page of transfer history. NextOffset is
// negative when no further page exists.
type ListTransfersResponse struct {
	Transfers  []*Transfer
	NextOffset int64
}

// RenewLeafVariant selects which renewal protocol a renew_leaf call
// runs.
type RenewLeafVariant int

const (
	// RenewNodeTimelock inserts a zero-timelock split above the leaf
	// and resets the refund to the initial timelock.
	RenewNodeTimelock RenewLeafVariant = iota

	// RenewRefundTimelock rebuilds only the refund chain.
	RenewRefundTimelock

	// RenewZeroTimelock refreshes a leaf pinned at the minimum
	// sequence.
	RenewZeroTimelock
)

// RenewLeafSignedJob is one signed job inside a renew_leaf call: the
// rebuilt transaction, the user's round-1 commitment (inside Job), and
// the user's round-2 share. The operators complete the aggregation and
// return the renewed leaf.
type RenewLeafSignedJob struct {
	JobType   RenewSigningJobType
	UserShare [32]byte
	Job       *SigningJob
}

// RenewSigningJobType names the logical signing jobs of the renewal
// protocols.
type RenewSigningJobType int

const (
	RenewJobCPFPSplitNode RenewSigningJobType = iota
	RenewJobDirectSplitNode
	RenewJobCPFPNode
	RenewJobDirectNode
	RenewJobCPFPRefund
	RenewJobDirectRefund
	RenewJobDirectFromCPFPRefund
)

// RenewLeafRequest submits a renewal's full signed job list in one RPC.
type RenewLeafRequest struct {
	LeafID     spark.LeafID
	Variant    RenewLeafVariant
	SignedJobs []*RenewLeafSignedJob
}

// RenewLeafResponse returns the renewed leaf, which atomically replaces
// the old one.
type RenewLeafResponse struct {
	Node *spark.TreeNode
}

// QueryNodesRequest fetches nodes by id or owner, optionally including
// ancestors, paginated.
type QueryNodesRequest struct {
	NodeIDs        []spark.LeafID
	OwnerIdentity  *btcec.PublicKey
	IncludeParents bool
	Network        spark.Network
	Offset         int64
	Limit          int64
}

// QueryNodesResponse is one page of nodes. NextOffset is negative when
// no further page exists.
type QueryNodesResponse struct {
	Nodes      []*spark.TreeNode
	NextOffset int64
}

// ClaimQuote prices claiming one static-deposit UTXO. The implied fee
// is the UTXO value minus the credited amount.
type ClaimQuote struct {
	Txid             string
	Vout             uint32
	CreditAmountSats uint64
	SignatureHash    []byte
}

// ClaimStaticDepositRequest accepts a claim quote.
type ClaimStaticDepositRequest struct {
	Quote             *ClaimQuote
	IdentityPublicKey *btcec.PublicKey
	Signature         []byte
}

// Validate checks structural invariants shared by all refund signing
// jobs: the CPFP job is mandatory and the direct jobs come as a pair.
func (j *LeafRefundTxSigningJob) Validate() error {
	if j.RefundTxSigningJob == nil {
		return fmt.Errorf("leaf %s: missing cpfp refund signing job", j.LeafID)
	}
	if (j.DirectRefundTxSigningJob == nil) != (j.DirectFromCPFPRefundTxSigningJob == nil) {
		return fmt.Errorf("leaf %s: direct refund jobs must be signed together", j.LeafID)
	}
	return nil
}
