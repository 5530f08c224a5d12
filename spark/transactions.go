package spark

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Spark transactions are all version 3 with zero locktime. Fee bumping
// rides on an ephemeral anchor output appended to the CPFP variants;
// the direct variants subtract a small static fee instead.
const (
	// TxVersion is the transaction version used by every spark tx.
	TxVersion = 3

	// DefaultFeeSats is the static fee subtracted by direct-path
	// transactions that cannot be CPFP'd.
	DefaultFeeSats = 300
)

// ephemeralAnchorScript is the pay-to-anchor script OP_1 <0x4e73>.
var ephemeralAnchorScript = []byte{txscript.OP_1, 0x02, 0x4e, 0x73}

// EphemeralAnchorOutput returns the zero-value anchor output appended
// to CPFP-path transactions.
func EphemeralAnchorOutput() *wire.TxOut {
	return wire.NewTxOut(0, append([]byte(nil), ephemeralAnchorScript...))
}

// IsEphemeralAnchorOutput reports whether the output is a zero-value
// ephemeral anchor.
func IsEphemeralAnchorOutput(txOut *wire.TxOut) bool {
	return txOut.Value == 0 && bytes.Equal(txOut.PkScript, ephemeralAnchorScript)
}

// FindEphemeralAnchor returns the index of the ephemeral anchor output,
// or -1 when the transaction carries none.
func FindEphemeralAnchor(tx *wire.MsgTx) int {
	for i, txOut := range tx.TxOut {
		if IsEphemeralAnchorOutput(txOut) {
			return i
		}
	}
	return -1
}

// P2TRScript builds a taproot key-path script for the given key, used
// for node outputs and refund destinations. The key is used as the
// output key directly; no script tree is committed.
func P2TRScript(pubKey *btcec.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(pubKey)).
		Script()
}

// maybeApplyFee subtracts the static direct-path fee when the amount
// can bear it.
func maybeApplyFee(amount int64) int64 {
	if amount > DefaultFeeSats {
		return amount - DefaultFeeSats
	}
	return amount
}

func newSparkTx() *wire.MsgTx {
	tx := wire.NewMsgTx(TxVersion)
	tx.LockTime = 0
	return tx
}

// NewRootTx builds the tree root transaction spending a confirmed
// deposit output. The root carries no timelock and an ephemeral anchor
// for fee bumping.
func NewRootTx(depositOutPoint wire.OutPoint, depositTxOut *wire.TxOut) *wire.MsgTx {
	tx := newSparkTx()
	tx.AddTxIn(wire.NewTxIn(&depositOutPoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(depositTxOut.Value, depositTxOut.PkScript))
	tx.AddTxOut(EphemeralAnchorOutput())
	return tx
}

// NodeTxPair is the (cpfp, direct) pair of node transactions produced
// by the renewal protocols. Direct is nil for legacy nodes.
type NodeTxPair struct {
	CPFPTx   *wire.MsgTx
	DirectTx *wire.MsgTx
}

// NewNodeTxs builds the node tx pair spending the parent's first output
// with the given sequence. The CPFP variant carries an anchor; the
// direct variant pays the static fee instead.
func NewNodeTxs(parentTx *wire.MsgTx, sequence uint32) (NodeTxPair, error) {
	if len(parentTx.TxOut) == 0 {
		return NodeTxPair{}, fmt.Errorf("parent transaction has no outputs")
	}
	parentOut := parentTx.TxOut[0]
	outPoint := wire.OutPoint{Hash: parentTx.TxHash(), Index: 0}

	cpfp := newSparkTx()
	cpfp.AddTxIn(&wire.TxIn{PreviousOutPoint: outPoint, Sequence: sequence})
	cpfp.AddTxOut(wire.NewTxOut(parentOut.Value, parentOut.PkScript))
	cpfp.AddTxOut(EphemeralAnchorOutput())

	direct := newSparkTx()
	direct.AddTxIn(&wire.TxIn{PreviousOutPoint: outPoint, Sequence: sequence})
	direct.AddTxOut(wire.NewTxOut(maybeApplyFee(parentOut.Value), parentOut.PkScript))

	return NodeTxPair{CPFPTx: cpfp, DirectTx: direct}, nil
}

// NewZeroTimeLockNodeTxs builds the node tx pair with no relative
// delay, used by the node-renewal split and the zero-timelock refresh.
func NewZeroTimeLockNodeTxs(parentTx *wire.MsgTx) (NodeTxPair, error) {
	return NewNodeTxs(parentTx, ZeroSequence())
}

// NewInitialTimeLockNodeTxs builds the node tx pair at the initial
// timelock, inserted under a fresh zero-timelock split during node
// renewal.
func NewInitialTimeLockNodeTxs(parentTx *wire.MsgTx) (NodeTxPair, error) {
	return NewNodeTxs(parentTx, InitialSequence())
}

// NewDecrementedTimeLockNodeTxs rebuilds a node tx pair with the
// timelock decremented by one interval from the node's current
// sequence.
func NewDecrementedTimeLockNodeTxs(parentTx, nodeTx *wire.MsgTx) (NodeTxPair, error) {
	if len(nodeTx.TxIn) == 0 {
		return NodeTxPair{}, fmt.Errorf("node transaction has no inputs")
	}
	cpfpSequence, _, ok := NextSequence(nodeTx.TxIn[0].Sequence)
	if !ok {
		return NodeTxPair{}, fmt.Errorf("node timelock cannot decrement further")
	}
	return NewNodeTxs(parentTx, cpfpSequence)
}

// RefundTxSet holds the up-to-three refund variants of a leaf. CPFPTx
// is always present; the direct pair exists only for direct-layout
// leaves.
type RefundTxSet struct {
	// CPFPTx spends the CPFP node tx and carries its own anchor.
	CPFPTx *wire.MsgTx

	// DirectTx spends the direct node tx, no anchor, static fee.
	DirectTx *wire.MsgTx

	// DirectFromCPFPTx spends the CPFP node tx without an anchor.
	DirectFromCPFPTx *wire.MsgTx
}

// NewRefundTxs builds the refund set paying the receiving key, with the
// given (cpfp, direct) sequences. directNodeTx may be nil for legacy
// leaves, in which case only the CPFP refund is produced.
func NewRefundTxs(nodeTx, directNodeTx *wire.MsgTx, cpfpSequence, directSequence uint32,
	receivingPubKey *btcec.PublicKey) (RefundTxSet, error) {

	if len(nodeTx.TxOut) == 0 {
		return RefundTxSet{}, fmt.Errorf("node transaction has no outputs")
	}
	refundScript, err := P2TRScript(receivingPubKey)
	if err != nil {
		return RefundTxSet{}, fmt.Errorf("refund script: %w", err)
	}
	value := nodeTx.TxOut[0].Value
	nodeOutPoint := wire.OutPoint{Hash: nodeTx.TxHash(), Index: 0}

	cpfp := newSparkTx()
	cpfp.AddTxIn(&wire.TxIn{PreviousOutPoint: nodeOutPoint, Sequence: cpfpSequence})
	cpfp.AddTxOut(wire.NewTxOut(value, refundScript))
	cpfp.AddTxOut(EphemeralAnchorOutput())

	set := RefundTxSet{CPFPTx: cpfp}
	if directNodeTx == nil {
		return set, nil
	}

	if len(directNodeTx.TxOut) == 0 {
		return RefundTxSet{}, fmt.Errorf("direct node transaction has no outputs")
	}
	directOutPoint := wire.OutPoint{Hash: directNodeTx.TxHash(), Index: 0}

	direct := newSparkTx()
	direct.AddTxIn(&wire.TxIn{PreviousOutPoint: directOutPoint, Sequence: directSequence})
	direct.AddTxOut(wire.NewTxOut(maybeApplyFee(directNodeTx.TxOut[0].Value), refundScript))
	set.DirectTx = direct

	directFromCPFP := newSparkTx()
	directFromCPFP.AddTxIn(&wire.TxIn{PreviousOutPoint: nodeOutPoint, Sequence: directSequence})
	directFromCPFP.AddTxOut(wire.NewTxOut(maybeApplyFee(value), refundScript))
	set.DirectFromCPFPTx = directFromCPFP

	return set, nil
}

// NewInitialTimeLockRefundTxs builds the refund set at the initial
// timelock, used when a tree root is created or a leaf is renewed.
func NewInitialTimeLockRefundTxs(nodeTx, directNodeTx *wire.MsgTx,
	receivingPubKey *btcec.PublicKey) (RefundTxSet, error) {

	cpfpSequence, directSequence := CurrentSequence(InitialSequence())
	return NewRefundTxs(nodeTx, directNodeTx, cpfpSequence, directSequence, receivingPubKey)
}

// SerializeTx returns the wire encoding of a transaction.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeTx parses a wire-encoded transaction.
func DeserializeTx(b []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}
