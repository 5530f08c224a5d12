package wallet

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// Lightning payments ride on preimage swaps: the spark side locks
// leaves behind an HTLC-shaped refund keyed to the invoice's payment
// hash, and the service provider settles the off-chain HTLC and
// reveals the preimage.

// SendLightningSwap moves leaves to the service provider behind the
// payment hash: the SSP can only claim them by revealing the preimage
// that settles the invoice, and the wallet reclaims them through the
// sequence-locked branch if it never does.
func (w *Wallet) SendLightningSwap(ctx context.Context, leafIDs []spark.LeafID,
	paymentHash [32]byte, sspIdentity *btcec.PublicKey) (*operator.Transfer, error) {

	if len(leafIDs) == 0 {
		return nil, ErrNoLeaves
	}

	var transfer *operator.Transfer
	err := w.leaves.WithLeaves(leafIDs, func() error {
		tweaks := make([]*LeafTweak, 0, len(leafIDs))
		for _, id := range leafIDs {
			leaf, ok := w.leaves.Get(id)
			if !ok {
				return fmt.Errorf("leaf %s is not owned by this wallet", id)
			}
			needsRenewal, err := leaf.NeedsRefundRenewal()
			if err != nil {
				return err
			}
			if needsRenewal {
				renewed, err := w.timelock.RenewLeaf(ctx, leaf)
				if err != nil {
					return err
				}
				w.leaves.Replace(renewed)
				leaf = renewed
			}
			tweaks = append(tweaks, &LeafTweak{
				Leaf:       leaf,
				SigningKey: signer.SecretSource{LeafID: leaf.ID},
			})
		}

		var err error
		transfer, err = w.sendTransferLocked(ctx, tweaks, sspIdentity, &refundJobParams{
			receiverKey:         sspIdentity,
			paymentHash:         &paymentHash,
			htlcSequenceLockKey: w.IdentityPublicKey(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	w.leaves.Remove(leafIDs...)
	log.Infof("Opened lightning swap for hash %x: %d leaves", paymentHash, len(leafIDs))
	return transfer, nil
}

// VerifyPreimage checks a revealed preimage against the payment hash it
// is supposed to settle.
func VerifyPreimage(preimage []byte, paymentHash [32]byte) error {
	if sha256.Sum256(preimage) != paymentHash {
		return fmt.Errorf("preimage does not match payment hash %x", paymentHash)
	}
	return nil
}
