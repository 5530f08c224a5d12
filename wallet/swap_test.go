package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
)

// stubSwapProvider scripts the leaves-swap side of the service
// provider.
type stubSwapProvider struct {
	ssp.Client

	requested *ssp.LeavesSwapRequest
	completed []string
}

func (p *stubSwapProvider) RequestLeavesSwap(_ context.Context,
	req *ssp.LeavesSwapRequest) (*ssp.LeavesSwapResponse, error) {

	p.requested = req
	return &ssp.LeavesSwapResponse{ID: "swap-1"}, nil
}

func (p *stubSwapProvider) CompleteLeavesSwap(_ context.Context,
	id string) (*ssp.LeavesSwapResponse, error) {

	p.completed = append(p.completed, id)
	return &ssp.LeavesSwapResponse{ID: id}, nil
}

// TestSwapLeaves runs the adaptor-signed swap end to end against the
// in-memory quorum: the pre-signatures must not finalize until the
// wallet completes them with its adaptor secret.
func TestSwapLeaves(t *testing.T) {
	ctx := context.Background()
	set := newMockOperatorSet(t, 3)
	alice, aliceSigner := newTestWallet(t, set)
	provider, _ := newTestWallet(t, set)

	leafID := spark.LeafID("leaf-swap")
	leafKey, err := aliceSigner.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	require.NoError(t, err)
	leaf := set.seedLeaf(leafID, 30_000, leafKey, alice.IdentityPublicKey())
	alice.Leaves().Replace(leaf)

	swapProvider := &stubSwapProvider{}
	resp, err := alice.SwapLeaves(ctx, swapProvider, provider.IdentityPublicKey(),
		[]spark.LeafID{leafID}, 5_000)
	require.NoError(t, err)
	require.Equal(t, "swap-1", resp.ID)

	// The provider saw the adaptor point and the swap was completed
	// before the signatures were finalized.
	require.NotNil(t, swapProvider.requested)
	require.NotEmpty(t, swapProvider.requested.AdaptorPublicKey)
	require.EqualValues(t, 30_000, swapProvider.requested.TotalAmountSats)
	require.Equal(t, []string{"swap-1"}, swapProvider.completed)

	// The swapped leaf left the wallet, and the finalized refund
	// carries a signature the quorum accepted (finalize verified it
	// against the session sighash).
	require.Zero(t, alice.Balance())
	require.Equal(t, 1, set.finalized[operator.IntentTransfer])
}
