package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Lightning payments route through HTLC-shaped refunds: the leaf's
// refund output commits to a script pair where one branch is
// hash-locked to the payment preimage and the other is
// sequence-locked to the settling party.
const htlcSequenceLockBlocks = 288

// HTLCScripts builds the two tapscript leaves of an HTLC refund
// output: the preimage branch spendable by hashLockKey with the
// payment preimage, and the timeout branch spendable by
// sequenceLockKey after a relative delay.
func HTLCScripts(paymentHash [32]byte, hashLockKey,
	sequenceLockKey *btcec.PublicKey) ([]byte, []byte, error) {

	preimageScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(paymentHash[:]).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(hashLockKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, nil, fmt.Errorf("preimage script: %w", err)
	}

	timeoutScript, err := txscript.NewScriptBuilder().
		AddInt64(htlcSequenceLockBlocks).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(sequenceLockKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, nil, fmt.Errorf("timeout script: %w", err)
	}

	return preimageScript, timeoutScript, nil
}

// HTLCOutputScript commits the two HTLC branches under a taproot output
// whose internal key is the hash-lock key.
func HTLCOutputScript(paymentHash [32]byte, hashLockKey,
	sequenceLockKey *btcec.PublicKey) ([]byte, error) {

	preimageScript, timeoutScript, err := HTLCScripts(
		paymentHash, hashLockKey, sequenceLockKey,
	)
	if err != nil {
		return nil, err
	}

	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(preimageScript),
		txscript.NewBaseTapLeaf(timeoutScript),
	)
	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(hashLockKey, rootHash[:])
	return txscript.PayToTaprootScript(outputKey)
}

// NewLightningHTLCRefundTxs builds the HTLC refund set for a lightning
// payment on the given leaf: the input sequences derive from the HTLC
// step and the outputs commit to the payment hash.
func NewLightningHTLCRefundTxs(nodeTx, directNodeTx *wire.MsgTx,
	cpfpSequence, directSequence uint32, paymentHash [32]byte,
	hashLockKey, sequenceLockKey *btcec.PublicKey) (RefundTxSet, error) {

	if len(nodeTx.TxOut) == 0 {
		return RefundTxSet{}, fmt.Errorf("node transaction has no outputs")
	}
	htlcScript, err := HTLCOutputScript(paymentHash, hashLockKey, sequenceLockKey)
	if err != nil {
		return RefundTxSet{}, err
	}
	value := nodeTx.TxOut[0].Value
	nodeOutPoint := wire.OutPoint{Hash: nodeTx.TxHash(), Index: 0}

	cpfp := newSparkTx()
	cpfp.AddTxIn(&wire.TxIn{PreviousOutPoint: nodeOutPoint, Sequence: cpfpSequence})
	cpfp.AddTxOut(wire.NewTxOut(value, htlcScript))
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
	direct.AddTxOut(wire.NewTxOut(maybeApplyFee(directNodeTx.TxOut[0].Value), htlcScript))
	set.DirectTx = direct

	directFromCPFP := newSparkTx()
	directFromCPFP.AddTxIn(&wire.TxIn{PreviousOutPoint: nodeOutPoint, Sequence: directSequence})
	directFromCPFP.AddTxOut(wire.NewTxOut(maybeApplyFee(value), htlcScript))
	set.DirectFromCPFPTx = directFromCPFP

	return set, nil
}
