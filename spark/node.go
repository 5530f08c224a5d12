package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/flarewallet/sparksdk/frost"
)

// LeafID is the stable string identity of a tree node.
type LeafID string

// NodeStatus is the operator-reported lifecycle status of a tree node.
type NodeStatus string

const (
	// StatusAvailable marks a node whose leaf is spendable by its
	// owner.
	StatusAvailable NodeStatus = "AVAILABLE"

	// StatusTransferLocked marks a node that is part of an in-flight
	// transfer.
	StatusTransferLocked NodeStatus = "TRANSFER_LOCKED"

	// StatusSplitted marks an interior node whose value has been split
	// into children.
	StatusSplitted NodeStatus = "SPLITTED"
)

// SigningKeyshare describes the operator side of a node's aggregate
// key: which operators hold shares and how many must participate.
type SigningKeyshare struct {
	// OwnerIdentifiers lists the share-holding operators.
	OwnerIdentifiers []frost.Identifier

	// Threshold is the number of operators that must contribute to a
	// signature.
	Threshold uint32
}

// TreeNode is a node of a spark tree, either interior or leaf. A leaf
// carries the pre-signed refund chain that represents ownership; the
// relative timelock of the refund decreases with every transfer.
type TreeNode struct {
	// ID is the stable identity of the node.
	ID LeafID

	// TreeID identifies the tree the node belongs to.
	TreeID string

	// ParentID is the parent node's id, empty for the root.
	ParentID LeafID

	// Value is the node's value in satoshis.
	Value uint64

	// Vout is the output index of the parent transaction this node
	// spends.
	Vout uint32

	// NodeTx spends the parent's first output along the CPFP-anchored
	// path.
	NodeTx *wire.MsgTx

	// DirectTx spends the parent's first output along the direct path.
	// Nil for nodes that have not been upgraded to the direct layout.
	DirectTx *wire.MsgTx

	// RefundTx is the pre-signed CPFP refund paying the current owner,
	// relative-timelocked by its input sequence.
	RefundTx *wire.MsgTx

	// DirectRefundTx spends the direct node tx; present only when
	// DirectTx is.
	DirectRefundTx *wire.MsgTx

	// DirectFromCPFPRefundTx spends the CPFP node tx without carrying
	// its own anchor; present only when DirectTx is.
	DirectFromCPFPRefundTx *wire.MsgTx

	// VerifyingPublicKey is the aggregate FROST key the refunds verify
	// under.
	VerifyingPublicKey *btcec.PublicKey

	// OwnerIdentityPublicKey is the current owner's identity key.
	OwnerIdentityPublicKey *btcec.PublicKey

	// SigningKeyshare describes the operator share set.
	SigningKeyshare SigningKeyshare

	// Status is the operator-reported node status.
	Status NodeStatus
}

// IsLeaf reports whether the node carries a refund chain.
func (n *TreeNode) IsLeaf() bool {
	return n.RefundTx != nil
}

// HasDirectPath reports whether the node has been upgraded to the
// direct transaction layout. When true, all three refund variants must
// be signed and stored together.
func (n *TreeNode) HasDirectPath() bool {
	return n.DirectTx != nil
}

// RefundSequence returns the current refund input sequence.
func (n *TreeNode) RefundSequence() (uint32, error) {
	if n.RefundTx == nil || len(n.RefundTx.TxIn) == 0 {
		return 0, fmt.Errorf("node %s has no refund transaction", n.ID)
	}
	return n.RefundTx.TxIn[0].Sequence, nil
}

// NeedsRefundRenewal reports whether the leaf's refund timelock can no
// longer decrement and the leaf must be renewed before transferring.
func (n *TreeNode) NeedsRefundRenewal() (bool, error) {
	sequence, err := n.RefundSequence()
	if err != nil {
		return false, err
	}
	return NeedsRefundRenewal(sequence), nil
}

// NeedsNodeRenewal reports whether the node transaction itself is
// pinned at the minimum timelock, requiring a zero-timelock split to be
// inserted above the leaf.
func (n *TreeNode) NeedsNodeRenewal() bool {
	if n.NodeTx == nil || len(n.NodeTx.TxIn) == 0 {
		return false
	}
	sequence := n.NodeTx.TxIn[0].Sequence
	return !IsZeroTimeLock(sequence) && TimeLockFromSequence(sequence) < 2*TimeLockInterval
}

// IsZeroTimeLockNode reports whether the node tx carries no relative
// delay, the state renewed leaves are pinned at.
func (n *TreeNode) IsZeroTimeLockNode() bool {
	return n.NodeTx != nil && len(n.NodeTx.TxIn) > 0 &&
		IsZeroTimeLock(n.NodeTx.TxIn[0].Sequence)
}

// Clone returns a deep-enough copy of the node for handing out to
// callers: transactions are copied, keys are shared (immutable).
func (n *TreeNode) Clone() *TreeNode {
	clone := *n
	clone.NodeTx = copyTx(n.NodeTx)
	clone.DirectTx = copyTx(n.DirectTx)
	clone.RefundTx = copyTx(n.RefundTx)
	clone.DirectRefundTx = copyTx(n.DirectRefundTx)
	clone.DirectFromCPFPRefundTx = copyTx(n.DirectFromCPFPRefundTx)
	clone.SigningKeyshare.OwnerIdentifiers = append(
		[]frost.Identifier(nil), n.SigningKeyshare.OwnerIdentifiers...,
	)
	return &clone
}

func copyTx(tx *wire.MsgTx) *wire.MsgTx {
	if tx == nil {
		return nil
	}
	return tx.Copy()
}
