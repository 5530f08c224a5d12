package spark

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv.PubKey()
}

func testParentTx(t *testing.T, value int64, key *btcec.PublicKey) *wire.MsgTx {
	t.Helper()
	script, err := P2TRScript(key)
	require.NoError(t, err)
	tx := wire.NewMsgTx(TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	tx.AddTxOut(EphemeralAnchorOutput())
	return tx
}

func TestEphemeralAnchorOutput(t *testing.T) {
	anchor := EphemeralAnchorOutput()
	require.Equal(t, int64(0), anchor.Value)
	require.Equal(t, []byte{0x51, 0x02, 0x4e, 0x73}, anchor.PkScript)
	require.True(t, IsEphemeralAnchorOutput(anchor))

	require.False(t, IsEphemeralAnchorOutput(wire.NewTxOut(1, anchor.PkScript)))
	require.False(t, IsEphemeralAnchorOutput(wire.NewTxOut(0, []byte{0x51})))
}

func TestNewRootTx(t *testing.T) {
	key := testKey(t)
	script, err := P2TRScript(key)
	require.NoError(t, err)

	depositOut := wire.NewTxOut(10_000, script)
	root := NewRootTx(wire.OutPoint{Hash: chainhash.Hash{2}, Index: 1}, depositOut)

	require.EqualValues(t, TxVersion, root.Version)
	require.Zero(t, root.LockTime)
	require.Len(t, root.TxIn, 1)
	require.Equal(t, uint32(1), root.TxIn[0].PreviousOutPoint.Index)
	require.Len(t, root.TxOut, 2)
	require.Equal(t, int64(10_000), root.TxOut[0].Value)
	require.Equal(t, 1, FindEphemeralAnchor(root))
}

func TestNewRefundTxsCPFPOnly(t *testing.T) {
	key := testKey(t)
	parent := testParentTx(t, 5_000, key)

	cpfpSequence, directSequence := CurrentSequence(InitialSequence())
	set, err := NewRefundTxs(parent, nil, cpfpSequence, directSequence, key)
	require.NoError(t, err)

	require.NotNil(t, set.CPFPTx)
	require.Nil(t, set.DirectTx)
	require.Nil(t, set.DirectFromCPFPTx)

	require.Equal(t, parent.TxHash(), set.CPFPTx.TxIn[0].PreviousOutPoint.Hash)
	require.Equal(t, cpfpSequence, set.CPFPTx.TxIn[0].Sequence)
	require.Equal(t, int64(5_000), set.CPFPTx.TxOut[0].Value)
	require.Equal(t, 1, FindEphemeralAnchor(set.CPFPTx))
}

func TestNewRefundTxsDirectLayout(t *testing.T) {
	key := testKey(t)
	receiver := testKey(t)
	parent := testParentTx(t, 5_000, key)

	directParent, err := NewNodeTxs(parent, ZeroSequence())
	require.NoError(t, err)

	cpfpSequence, directSequence, ok := NextSequence(InitialSequence())
	require.True(t, ok)

	set, err := NewRefundTxs(
		directParent.CPFPTx, directParent.DirectTx,
		cpfpSequence, directSequence, receiver,
	)
	require.NoError(t, err)

	require.NotNil(t, set.DirectTx)
	require.NotNil(t, set.DirectFromCPFPTx)

	// Direct variants spend with the direct sequence and carry no
	// anchor; the direct-path fee is subtracted.
	require.Equal(t, directSequence, set.DirectTx.TxIn[0].Sequence)
	require.Equal(t, -1, FindEphemeralAnchor(set.DirectTx))
	require.Equal(t, -1, FindEphemeralAnchor(set.DirectFromCPFPTx))
	require.Equal(t,
		set.CPFPTx.TxOut[0].Value-DefaultFeeSats,
		set.DirectFromCPFPTx.TxOut[0].Value,
	)

	// All three refunds pay the same receiver script.
	require.Equal(t, set.CPFPTx.TxOut[0].PkScript, set.DirectTx.TxOut[0].PkScript)
	require.Equal(t, set.CPFPTx.TxOut[0].PkScript, set.DirectFromCPFPTx.TxOut[0].PkScript)
}

func TestSighashFromTx(t *testing.T) {
	key := testKey(t)
	parent := testParentTx(t, 5_000, key)

	set, err := NewInitialTimeLockRefundTxs(parent, nil, key)
	require.NoError(t, err)

	sighash, err := SighashFromTx(set.CPFPTx, 0, parent.TxOut[0])
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, sighash)

	// The digest must commit to the input sequence.
	set.CPFPTx.TxIn[0].Sequence--
	changed, err := SighashFromTx(set.CPFPTx, 0, parent.TxOut[0])
	require.NoError(t, err)
	require.NotEqual(t, sighash, changed)

	_, err = SighashFromTx(set.CPFPTx, 5, parent.TxOut[0])
	require.Error(t, err)
}

func TestLightningHTLCRefundTxs(t *testing.T) {
	key := testKey(t)
	receiver := testKey(t)
	settler := testKey(t)
	parent := testParentTx(t, 8_000, key)

	var paymentHash [32]byte
	paymentHash[0] = 0xab

	cpfpSequence, directSequence, ok := NextLightningHTLCSequence(InitialSequence())
	require.True(t, ok)

	set, err := NewLightningHTLCRefundTxs(
		parent, nil, cpfpSequence, directSequence,
		paymentHash, receiver, settler,
	)
	require.NoError(t, err)
	require.Equal(t, cpfpSequence, set.CPFPTx.TxIn[0].Sequence)
	require.Equal(t, 1, FindEphemeralAnchor(set.CPFPTx))

	// The HTLC output differs from a plain refund output and is
	// deterministic in the payment hash.
	plain, err := NewRefundTxs(parent, nil, cpfpSequence, directSequence, receiver)
	require.NoError(t, err)
	require.NotEqual(t, plain.CPFPTx.TxOut[0].PkScript, set.CPFPTx.TxOut[0].PkScript)

	again, err := NewLightningHTLCRefundTxs(
		parent, nil, cpfpSequence, directSequence,
		paymentHash, receiver, settler,
	)
	require.NoError(t, err)
	require.Equal(t, set.CPFPTx.TxOut[0].PkScript, again.CPFPTx.TxOut[0].PkScript)
}

func TestTxSerializationRoundTrip(t *testing.T) {
	key := testKey(t)
	parent := testParentTx(t, 5_000, key)

	encoded, err := SerializeTx(parent)
	require.NoError(t, err)
	decoded, err := DeserializeTx(encoded)
	require.NoError(t, err)
	require.Equal(t, parent.TxHash(), decoded.TxHash())
}

func TestAddressRoundTrip(t *testing.T) {
	key := testKey(t)

	encoded, err := EncodeAddress(key, Regtest)
	require.NoError(t, err)
	require.True(t, IsSparkAddress(encoded))

	decoded, err := DecodeAddress(encoded, Regtest)
	require.NoError(t, err)
	require.Equal(t, key.SerializeCompressed(),
		decoded.IdentityPublicKey.SerializeCompressed())

	// Wrong network prefix is rejected.
	_, err = DecodeAddress(encoded, Mainnet)
	require.Error(t, err)
}

func TestKeyAddSubtract(t *testing.T) {
	a := testKey(t)
	b := testKey(t)

	sum, err := AddPublicKeys(a, b)
	require.NoError(t, err)
	back, err := SubtractPublicKeys(sum, b)
	require.NoError(t, err)
	require.Equal(t, a.SerializeCompressed(), back.SerializeCompressed())
}
