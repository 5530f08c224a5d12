package operator

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

func testOperator(t *testing.T, id byte) *Operator {
	t.Helper()
	identifier, err := frost.NewIdentifier([]byte{id})
	require.NoError(t, err)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &Operator{
		Identifier:        identifier,
		IdentityPublicKey: key.PubKey(),
		Address:           "https://operator.example",
	}
}

func TestPoolOrderingAndLookup(t *testing.T) {
	// Built out of order; the pool sorts by identifier byte order.
	c := testOperator(t, 3)
	a := testOperator(t, 1)
	b := testOperator(t, 2)

	pool, err := NewPool([]*Operator{c, a, b}, b.Identifier)
	require.NoError(t, err)

	operators := pool.SigningOperators()
	require.Len(t, operators, 3)
	require.Equal(t, a.Identifier, operators[0].Identifier)
	require.Equal(t, b.Identifier, operators[1].Identifier)
	require.Equal(t, c.Identifier, operators[2].Identifier)

	require.Equal(t, b.Identifier, pool.Coordinator().Identifier)
	require.Equal(t, 3, pool.Size())
	require.Equal(t, 4, pool.MaxSigners())

	got, ok := pool.Get(c.Identifier)
	require.True(t, ok)
	require.Equal(t, c.Address, got.Address)

	keys := pool.IdentityKeys()
	require.Len(t, keys, 3)
}

func TestPoolValidation(t *testing.T) {
	a := testOperator(t, 1)

	_, err := NewPool(nil, a.Identifier)
	require.Error(t, err)

	// Coordinator must be a pool member.
	stranger := testOperator(t, 9)
	_, err = NewPool([]*Operator{a}, stranger.Identifier)
	require.Error(t, err)

	// Duplicate identifiers are rejected.
	dup := testOperator(t, 1)
	_, err = NewPool([]*Operator{a, dup}, a.Identifier)
	require.Error(t, err)
}

func TestTreeNodeWireDecode(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	script, err := spark.P2TRScript(key.PubKey())
	require.NoError(t, err)

	nodeTx := spark.NewRootTx(testOutPoint(), testTxOut(10_000, script))
	rawNodeTx, err := spark.SerializeTx(nodeTx)
	require.NoError(t, err)

	w := &treeNodeWire{
		ID:                     "leaf-1",
		TreeID:                 "tree-1",
		Value:                  10_000,
		NodeTx:                 hexEncode(rawNodeTx),
		VerifyingPublicKey:     encodeKey(key.PubKey()),
		OwnerIdentityPublicKey: encodeKey(key.PubKey()),
		Status:                 string(spark.StatusAvailable),
	}
	w.SigningKeyshare.OwnerIdentifiers = []string{"01", "02"}
	w.SigningKeyshare.Threshold = 2

	node, err := decodeTreeNode(w)
	require.NoError(t, err)
	require.Equal(t, spark.LeafID("leaf-1"), node.ID)
	require.EqualValues(t, 10_000, node.Value)
	require.Equal(t, nodeTx.TxHash(), node.NodeTx.TxHash())
	require.Nil(t, node.RefundTx)
	require.False(t, node.IsLeaf())
	require.Len(t, node.SigningKeyshare.OwnerIdentifiers, 2)
	require.EqualValues(t, 2, node.SigningKeyshare.Threshold)

	// Malformed fields are rejected.
	w.VerifyingPublicKey = "zz"
	_, err = decodeTreeNode(w)
	require.Error(t, err)
}

func TestLeafRefundJobValidation(t *testing.T) {
	job := &LeafRefundTxSigningJob{LeafID: "leaf-1"}
	require.Error(t, job.Validate())

	job.RefundTxSigningJob = &SigningJob{}
	require.NoError(t, job.Validate())

	// Direct jobs come as a pair or not at all.
	job.DirectRefundTxSigningJob = &SigningJob{}
	require.Error(t, job.Validate())
	job.DirectFromCPFPRefundTxSigningJob = &SigningJob{}
	require.NoError(t, job.Validate())
}

func testOutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
}

func testTxOut(value int64, script []byte) *wire.TxOut {
	return wire.NewTxOut(value, script)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
