package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/spark"
)

// Per-component vbyte estimates of the CPFP child transaction: P2WPKH
// inputs, the anchor input (no signature), the single P2WPKH output,
// and the transaction overhead.
const (
	exitInputVBytes    = 68
	exitAnchorVBytes   = 41
	exitOutputVBytes   = 31
	exitOverheadVBytes = 10

	// p2wpkhPkScriptSize is the size of a P2WPKH output script, used
	// for the dust check on the change output.
	p2wpkhPkScriptSize = 22
)

// CPFPUtxo is a user-provided fee UTXO for unilateral exit. After a
// child PSBT consumes it, the change output becomes the next fee UTXO.
type CPFPUtxo struct {
	Txid   chainhash.Hash
	Vout   uint32
	Value  uint64
	PubKey *btcec.PublicKey
}

// TxCPFPPsbt pairs a parent transaction with the child PSBT that fee
// bumps it.
type TxCPFPPsbt struct {
	ParentTx  *wire.MsgTx
	ChildPsbt *psbt.Packet
}

// LeafExitPsbts is the broadcast-ordered PSBT chain for one leaf:
// ancestors first, the leaf's refund last.
type LeafExitPsbts struct {
	LeafID spark.LeafID
	Psbts  []*TxCPFPPsbt
}

// UnilateralExit builds the CPFP package needed to force a set of
// leaves onto L1 without operator cooperation: for every ancestor node
// tx and for each leaf's refund tx, a child PSBT spending the parent's
// ephemeral anchor plus the fee UTXOs. Transactions shared between
// leaves are emitted once.
func (w *Wallet) UnilateralExit(ctx context.Context, feeRateSatPerVByte uint64,
	leafIDs []spark.LeafID, utxos []*CPFPUtxo) ([]*LeafExitPsbts, error) {

	if len(leafIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one leaf id is required", ErrNoLeaves)
	}
	if len(utxos) == 0 {
		return nil, fmt.Errorf("at least one fee utxo is required")
	}

	nodes, err := w.fetchLeavesWithAncestors(ctx, leafIDs)
	if err != nil {
		return nil, err
	}

	queued := make(map[chainhash.Hash]struct{})
	feeUtxos := append([]*CPFPUtxo(nil), utxos...)

	var all []*LeafExitPsbts
	for _, leafID := range leafIDs {
		leaf, ok := nodes[leafID]
		if !ok {
			return nil, fmt.Errorf("leaf %s not found in the tree", leafID)
		}
		if leaf.RefundTx == nil {
			return nil, fmt.Errorf("leaf %s has no refund transaction", leafID)
		}

		// Walk up to the root, then emit parents first.
		var chain []*spark.TreeNode
		for node := leaf; ; {
			chain = append([]*spark.TreeNode{node}, chain...)
			if node.ParentID == "" {
				break
			}
			parent, ok := nodes[node.ParentID]
			if !ok {
				return nil, fmt.Errorf("parent %s of node %s not found",
					node.ParentID, node.ID)
			}
			node = parent
		}

		var psbts []*TxCPFPPsbt
		for _, node := range chain {
			txid := node.NodeTx.TxHash()
			if _, done := queued[txid]; done {
				continue
			}
			queued[txid] = struct{}{}

			child, err := createCPFPChildPsbt(
				node.NodeTx, &feeUtxos, feeRateSatPerVByte, w.cfg.Network,
			)
			if err != nil {
				return nil, err
			}
			psbts = append(psbts, &TxCPFPPsbt{ParentTx: node.NodeTx, ChildPsbt: child})

			if node.ID == leafID {
				child, err := createCPFPChildPsbt(
					leaf.RefundTx, &feeUtxos, feeRateSatPerVByte, w.cfg.Network,
				)
				if err != nil {
					return nil, err
				}
				psbts = append(psbts, &TxCPFPPsbt{ParentTx: leaf.RefundTx, ChildPsbt: child})
			}
		}

		all = append(all, &LeafExitPsbts{LeafID: leafID, Psbts: psbts})
	}

	return all, nil
}

// fetchLeavesWithAncestors resolves the given leaves and every ancestor
// up to the tree roots, paginated.
func (w *Wallet) fetchLeavesWithAncestors(ctx context.Context,
	leafIDs []spark.LeafID) (map[spark.LeafID]*spark.TreeNode, error) {

	nodes := make(map[spark.LeafID]*spark.TreeNode)
	var offset int64
	for {
		resp, err := w.coordinator().QueryNodes(ctx, &operator.QueryNodesRequest{
			NodeIDs:        leafIDs,
			IncludeParents: true,
			Network:        w.cfg.Network,
			Offset:         offset,
			Limit:          queryPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, node := range resp.Nodes {
			nodes[node.ID] = node
		}
		if resp.NextOffset < 0 {
			return nodes, nil
		}
		offset = resp.NextOffset
	}
}

// createCPFPChildPsbt builds the child PSBT fee bumping tx: inputs are
// the fee UTXOs plus tx's ephemeral anchor, the single output pays the
// first UTXO's key the total minus the estimated fee. The consumed
// UTXOs are replaced with the change output so chained calls reuse it.
func createCPFPChildPsbt(tx *wire.MsgTx, utxos *[]*CPFPUtxo,
	feeRateSatPerVByte uint64, network spark.Network) (*psbt.Packet, error) {

	anchorIndex := spark.FindEphemeralAnchor(tx)
	if anchorIndex < 0 {
		return nil, fmt.Errorf("ephemeral anchor output not found in %s", tx.TxHash())
	}
	if len(*utxos) == 0 {
		return nil, fmt.Errorf("no fee utxos left for cpfp")
	}

	var totalValue uint64
	for _, utxo := range *utxos {
		totalValue += utxo.Value
	}

	firstKey := (*utxos)[0].PubKey
	outputScript, err := p2wpkhScript(firstKey, network)
	if err != nil {
		return nil, err
	}

	vsize := uint64(len(*utxos))*exitInputVBytes +
		exitAnchorVBytes + exitOutputVBytes + exitOverheadVBytes
	fee := feeRateSatPerVByte * vsize
	if totalValue <= fee {
		return nil, fmt.Errorf("fee utxo value %d cannot cover fee %d", totalValue, fee)
	}
	change := totalValue - fee

	// A change output below the dust threshold would not relay; treat
	// it like an unfundable package.
	changeOut := wire.NewTxOut(int64(change), outputScript)
	if txrules.IsDustOutput(changeOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("cpfp change %d below dust threshold", change)
	}

	child := wire.NewMsgTx(spark.TxVersion)
	child.LockTime = 0
	for _, utxo := range *utxos {
		child.AddTxIn(wire.NewTxIn(&wire.OutPoint{
			Hash: utxo.Txid, Index: utxo.Vout,
		}, nil, nil))
	}
	anchorOut := tx.TxOut[anchorIndex]
	child.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash: tx.TxHash(), Index: uint32(anchorIndex),
	}, nil, nil))
	child.AddTxOut(wire.NewTxOut(int64(change), outputScript))

	packet, err := psbt.NewFromUnsignedTx(child)
	if err != nil {
		return nil, fmt.Errorf("build psbt: %w", err)
	}
	for i, utxo := range *utxos {
		script, err := p2wpkhScript(utxo.PubKey, network)
		if err != nil {
			return nil, err
		}
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(int64(utxo.Value), script)
	}
	// The anchor needs no signature; its witness utxo rides along for
	// completeness.
	packet.Inputs[len(*utxos)].WitnessUtxo = anchorOut

	*utxos = []*CPFPUtxo{{
		Txid:   child.TxHash(),
		Vout:   0,
		Value:  change,
		PubKey: firstKey,
	}}
	return packet, nil
}

// p2wpkhScript builds a pay-to-witness-pubkey-hash script for the key.
func p2wpkhScript(key *btcec.PublicKey, network spark.Network) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.SerializeCompressed()), network.ChainParams(),
	)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
