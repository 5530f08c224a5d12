package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
)

// SwapLeaves exchanges the wallet's leaves for a provider-selected
// denomination set, atomically: the refunds toward the provider are
// only adaptor pre-signed, so the provider cannot take the leaves
// until the wallet completes the signatures, which it does only after
// the provider's counter-transfer is in flight.
func (w *Wallet) SwapLeaves(ctx context.Context, sspClient ssp.Client,
	sspIdentity *btcec.PublicKey, leafIDs []spark.LeafID,
	targetAmountSats uint64) (*ssp.LeavesSwapResponse, error) {

	if len(leafIDs) == 0 {
		return nil, ErrNoLeaves
	}

	// The adaptor secret stays local until the swap is complete.
	adaptorPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	adaptorPub := adaptorPriv.PubKey()

	var swapResp *ssp.LeavesSwapResponse
	err = w.leaves.WithLeaves(leafIDs, func() error {
		var totalSats uint64
		tweaks := make([]*LeafTweak, 0, len(leafIDs))
		for _, id := range leafIDs {
			leaf, ok := w.leaves.Get(id)
			if !ok {
				return fmt.Errorf("leaf %s is not owned by this wallet", id)
			}
			totalSats += leaf.Value
			tweaks = append(tweaks, &LeafTweak{
				Leaf:       leaf,
				SigningKey: signer.SecretSource{LeafID: leaf.ID},
			})
		}

		jobs, data, err := w.prepareRefundSigningJobs(tweaks, &refundJobParams{
			receiverKey: sspIdentity,
		})
		if err != nil {
			return err
		}

		transferID := uuid.NewString()
		startResp, err := w.coordinator().StartTransfer(ctx, &operator.StartTransferRequest{
			TransferID:                transferID,
			OwnerIdentityPublicKey:    w.IdentityPublicKey(),
			ReceiverIdentityPublicKey: sspIdentity,
			ExpiryTime:                time.Now().Add(w.cfg.TransferExpiry),
			LeavesToSend:              jobs,
			AdaptorPublicKey:          adaptorPub,
		})
		if err != nil {
			return err
		}

		userShares, _, err := w.signRefundShares(data, startResp.SigningResults, adaptorPub)
		if err != nil {
			return err
		}
		signResults, err := w.coordinator().SignTransferRefunds(
			ctx, transferID, jobs, userShares,
		)
		if err != nil {
			return err
		}

		// Adaptor pre-signatures: not yet valid under the verifying
		// keys.
		_, preSignatures, err := w.signRefundShares(data, signResults, adaptorPub)
		if err != nil {
			return err
		}

		stringIDs := make([]string, 0, len(leafIDs))
		for _, id := range leafIDs {
			stringIDs = append(stringIDs, string(id))
		}
		swapResp, err = sspClient.RequestLeavesSwap(ctx, &ssp.LeavesSwapRequest{
			IdentityPublicKey: hex.EncodeToString(
				w.IdentityPublicKey().SerializeCompressed()),
			AdaptorPublicKey: hex.EncodeToString(adaptorPub.SerializeCompressed()),
			TotalAmountSats:  totalSats,
			TargetAmountSats: targetAmountSats,
			LeafIDs:          stringIDs,
		})
		if err != nil {
			return err
		}

		// Rotate the keyshares, then let the provider line its
		// counter-transfer up.
		keyTweaks := make([]*operator.LeafKeyTweak, 0, len(tweaks))
		for _, tweak := range tweaks {
			keyTweak, err := w.buildKeyTweak(tweak, sspIdentity)
			if err != nil {
				return err
			}
			keyTweaks = append(keyTweaks, keyTweak)
		}
		if err := w.coordinator().TweakTransferKeys(ctx, &operator.TweakTransferKeysRequest{
			TransferID:             transferID,
			OwnerIdentityPublicKey: w.IdentityPublicKey(),
			LeavesToSend:           keyTweaks,
		}); err != nil {
			return err
		}

		if _, err := sspClient.CompleteLeavesSwap(ctx, swapResp.ID); err != nil {
			return err
		}

		// Complete the pre-signatures with the adaptor secret and
		// finalize; from here the provider's claim is unblocked.
		completed := make([]*operator.NodeSignatures, 0, len(preSignatures))
		for _, preSig := range preSignatures {
			entry := data[preSig.NodeID]
			sighash, err := spark.SighashFromTx(
				entry.refunds.CPFPTx, 0, entry.leaf.NodeTx.TxOut[0],
			)
			if err != nil {
				return err
			}
			verifyingKey := entry.leaf.VerifyingPublicKey
			for _, result := range signResults {
				if result.LeafID == preSig.NodeID && result.VerifyingKey != nil {
					verifyingKey = result.VerifyingKey
				}
			}
			finalSig, err := completeAdaptorSignature(
				preSig.RefundTxSignature, &adaptorPriv.Key, sighash, verifyingKey,
			)
			if err != nil {
				return fmt.Errorf("leaf %s: %w", preSig.NodeID, err)
			}
			completed = append(completed, &operator.NodeSignatures{
				NodeID:            preSig.NodeID,
				RefundTxSignature: finalSig,
			})
		}
		if _, err := w.coordinator().FinalizeNodeSignatures(
			ctx, operator.IntentTransfer, completed,
		); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.leaves.Remove(leafIDs...)
	if err := w.ClaimPendingTransfers(ctx); err != nil {
		return nil, err
	}
	log.Infof("Swapped %d leaves for target %d sats (swap %s)",
		len(leafIDs), targetAmountSats, swapResp.ID)
	return swapResp, nil
}

// completeAdaptorSignature folds the adaptor secret into a serialized
// pre-signature. The pre-signature encoding does not carry the group
// commitment's parity, so both completions are tried against the
// sighash.
func completeAdaptorSignature(preSig []byte, adaptorSecret *secp256k1.ModNScalar,
	sighash [32]byte, verifyingKey *btcec.PublicKey) ([]byte, error) {

	parsed, err := frost.ParseSignature(preSig)
	if err != nil {
		return nil, err
	}
	for _, candidate := range []*frost.Signature{
		parsed.Complete(adaptorSecret),
		parsed.CompleteNegated(adaptorSecret),
	} {
		encoded := candidate.Serialize()
		sig, err := schnorr.ParseSignature(encoded[:])
		if err != nil {
			continue
		}
		if sig.Verify(sighash[:], verifyingKey) {
			return encoded[:], nil
		}
	}
	return nil, fmt.Errorf("adaptor completion does not verify")
}
