package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// TestSendAndClaimTransfer runs the full sender and receiver state
// machines against the in-memory operator quorum, with real FROST
// signing on both sides.
func TestSendAndClaimTransfer(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)

	alice, aliceSigner := newTestWallet(t, set)
	bob, _ := newTestWallet(t, set)

	// Seed a 10k sat leaf owned by Alice.
	leafID := spark.LeafID("leaf-1")
	aliceLeafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	leaf := set.seedLeaf(leafID, 10_000, aliceLeafKey, alice.IdentityPublicKey())
	alice.Leaves().Replace(leaf)
	require.EqualValues(t, 10_000, alice.Balance())

	originalSequence, err := leaf.RefundSequence()
	require.NoError(t, err)

	// Alice sends the leaf to Bob.
	transfer, err := alice.SendTransfer(ctx, []spark.LeafID{leafID},
		bob.IdentityPublicKey())
	require.NoError(t, err)
	require.Equal(t, operator.TransferStatusSenderInitiated, transfer.Status)
	require.EqualValues(t, 10_000, transfer.TotalValueSats)

	// The sender no longer owns the leaf.
	require.Zero(t, alice.Balance())
	_, owned := alice.Leaves().Get(leafID)
	require.False(t, owned)
	require.Equal(t, 1, set.finalized[operator.IntentTransfer])

	// Bob claims the pending transfer.
	require.NoError(t, bob.ClaimPendingTransfers(ctx))
	require.EqualValues(t, 10_000, bob.Balance())

	claimed, ok := bob.Leaves().Get(leafID)
	require.True(t, ok)

	// The refund timelock strictly decreased across the transfer, and
	// tree id and value are unchanged.
	claimedSequence, err := claimed.RefundSequence()
	require.NoError(t, err)
	require.Less(t,
		spark.TimeLockFromSequence(claimedSequence),
		spark.TimeLockFromSequence(originalSequence),
	)
	require.Equal(t, leaf.TreeID, claimed.TreeID)
	require.Equal(t, leaf.Value, claimed.Value)
}

// TestTransferRoundTrip sends a leaf away and back, checking the
// round-trip law: same tree id and value, strictly decreasing refund
// sequence.
func TestTransferRoundTrip(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)

	alice, aliceSigner := newTestWallet(t, set)
	bob, _ := newTestWallet(t, set)

	leafID := spark.LeafID("leaf-rt")
	aliceLeafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	leaf := set.seedLeaf(leafID, 5_000, aliceLeafKey, alice.IdentityPublicKey())
	alice.Leaves().Replace(leaf)

	startSequence, err := leaf.RefundSequence()
	require.NoError(t, err)

	_, err = alice.SendTransfer(ctx, []spark.LeafID{leafID}, bob.IdentityPublicKey())
	require.NoError(t, err)
	require.NoError(t, bob.ClaimPendingTransfers(ctx))

	_, err = bob.SendTransfer(ctx, []spark.LeafID{leafID}, alice.IdentityPublicKey())
	require.NoError(t, err)
	require.NoError(t, alice.ClaimPendingTransfers(ctx))

	back, ok := alice.Leaves().Get(leafID)
	require.True(t, ok)
	require.Equal(t, leaf.TreeID, back.TreeID)
	require.Equal(t, leaf.Value, back.Value)

	endSequence, err := back.RefundSequence()
	require.NoError(t, err)
	require.Less(t,
		spark.TimeLockFromSequence(endSequence),
		spark.TimeLockFromSequence(startSequence),
	)
}

// TestSendRejectsUnknownLeaf ensures sending a leaf the wallet does not
// own fails before touching the operators.
func TestSendRejectsUnknownLeaf(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)
	alice, _ := newTestWallet(t, set)

	_, err := alice.SendTransfer(ctx, []spark.LeafID{"missing"},
		alice.IdentityPublicKey())
	require.Error(t, err)

	_, err = alice.SendTransfer(ctx, nil, alice.IdentityPublicKey())
	require.ErrorIs(t, err, ErrNoLeaves)
}

// TestSendRenewsExhaustedLeaf seeds a leaf at the timelock floor and
// checks that sending triggers a renewal first.
func TestSendRenewsExhaustedLeaf(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)

	alice, aliceSigner := newTestWallet(t, set)
	bob, _ := newTestWallet(t, set)

	leafID := spark.LeafID("leaf-floor")
	aliceLeafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	leaf := set.seedLeaf(leafID, 2_000, aliceLeafKey, alice.IdentityPublicKey())

	// Pin the refund at the floor so next_sequence underflows.
	floored := leaf.Clone()
	floored.RefundTx.TxIn[0].Sequence = spark.ZeroSequence() | spark.TimeLockInterval
	set.mu.Lock()
	set.leaves[leafID] = floored.Clone()
	set.mu.Unlock()
	alice.Leaves().Replace(floored)

	_, err = alice.SendTransfer(ctx, []spark.LeafID{leafID}, bob.IdentityPublicKey())
	require.NoError(t, err)

	// A renewal protocol ran before the transfer.
	var renewals int
	for _, count := range set.renewals {
		renewals += count
	}
	require.NotZero(t, renewals)
}

// TestBalanceAndSelection exercises leaf selection.
func TestBalanceAndSelection(t *testing.T) {
	manager := NewLeafManager()
	for i, value := range []uint64{1_000, 2_000, 5_000} {
		manager.Replace(&spark.TreeNode{
			ID:    spark.LeafID(rune('a' + i)),
			Value: value,
		})
	}
	require.EqualValues(t, 8_000, manager.Balance())

	// Exact match wins.
	selected, err := manager.SelectLeaves(2_000)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	require.EqualValues(t, 2_000, selected[0].Value)

	// Smallest-first accumulation.
	selected, err = manager.SelectLeaves(2_500)
	require.NoError(t, err)
	require.Len(t, selected, 2)

	_, err = manager.SelectLeaves(100_000)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}
