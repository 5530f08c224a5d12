package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

func TestUnilateralExitBuildsPsbtChain(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)
	alice, aliceSigner := newTestWallet(t, set)

	leafID := spark.LeafID("leaf-exit")
	leafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	set.seedLeaf(leafID, 20_000, leafKey, alice.IdentityPublicKey())

	feeKey := alice.IdentityPublicKey()
	utxos := []*CPFPUtxo{{
		Txid:   chainhash.Hash{0x01},
		Vout:   0,
		Value:  50_000,
		PubKey: feeKey,
	}}

	const feeRate = 10
	exits, err := alice.UnilateralExit(ctx, feeRate, []spark.LeafID{leafID}, utxos)
	require.NoError(t, err)
	require.Len(t, exits, 1)

	// A root leaf yields two child PSBTs: one for the node tx, one for
	// the refund, in broadcast order.
	psbts := exits[0].Psbts
	require.Len(t, psbts, 2)

	// First child bumps the node tx with the single fee UTXO.
	first := psbts[0]
	require.Equal(t, 2, len(first.ChildPsbt.UnsignedTx.TxIn))
	anchorIndex := spark.FindEphemeralAnchor(first.ParentTx)
	require.GreaterOrEqual(t, anchorIndex, 0)
	require.Equal(t, first.ParentTx.TxHash(),
		first.ChildPsbt.UnsignedTx.TxIn[1].PreviousOutPoint.Hash)
	require.EqualValues(t, anchorIndex,
		first.ChildPsbt.UnsignedTx.TxIn[1].PreviousOutPoint.Index)

	// Fee math: |utxos|*68 + 41 + 31 + 10 vbytes at the requested
	// rate.
	expectedFee := uint64(feeRate) * (1*68 + 41 + 31 + 10)
	require.EqualValues(t, 50_000-expectedFee,
		first.ChildPsbt.UnsignedTx.TxOut[0].Value)

	// The second child chains off the first one's change output.
	second := psbts[1]
	require.Equal(t, first.ChildPsbt.UnsignedTx.TxHash(),
		second.ChildPsbt.UnsignedTx.TxIn[0].PreviousOutPoint.Hash)
	secondExpected := (50_000 - expectedFee) - expectedFee
	require.EqualValues(t, secondExpected, second.ChildPsbt.UnsignedTx.TxOut[0].Value)
}

func TestUnilateralExitValidation(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)
	alice, aliceSigner := newTestWallet(t, set)

	leafID := spark.LeafID("leaf-exit-2")
	leafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	set.seedLeaf(leafID, 20_000, leafKey, alice.IdentityPublicKey())

	feeUtxo := &CPFPUtxo{
		Txid: chainhash.Hash{0x02}, Value: 50_000,
		PubKey: alice.IdentityPublicKey(),
	}

	_, err = alice.UnilateralExit(ctx, 10, nil, []*CPFPUtxo{feeUtxo})
	require.Error(t, err)

	_, err = alice.UnilateralExit(ctx, 10, []spark.LeafID{leafID}, nil)
	require.Error(t, err)

	// Fee UTXO too small to cover even the first child.
	tiny := &CPFPUtxo{
		Txid: chainhash.Hash{0x03}, Value: 100,
		PubKey: alice.IdentityPublicKey(),
	}
	_, err = alice.UnilateralExit(ctx, 100, []spark.LeafID{leafID}, []*CPFPUtxo{tiny})
	require.Error(t, err)
}
