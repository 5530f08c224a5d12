package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// SendTransfer moves the given leaves to the receiver identity. The
// sender state machine: build decremented refunds, sign them with
// FROST, rotate the keyshare to the receiver, finalize. After it
// returns, the sent leaves are no longer this wallet's.
func (w *Wallet) SendTransfer(ctx context.Context, leafIDs []spark.LeafID,
	receiver *btcec.PublicKey) (*operator.Transfer, error) {

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

			// A leaf at the timelock floor is renewed before it can
			// move.
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
		transfer, err = w.sendTransferLocked(ctx, tweaks, receiver,
			&refundJobParams{receiverKey: receiver})
		return err
	})
	if err != nil {
		return nil, err
	}

	w.leaves.Remove(leafIDs...)
	return transfer, nil
}

// sendTransferLocked runs the sender state machine with the per-leaf
// locks held.
func (w *Wallet) sendTransferLocked(ctx context.Context, tweaks []*LeafTweak,
	receiver *btcec.PublicKey, params *refundJobParams) (*operator.Transfer, error) {

	// PREPARING: new refunds at the decremented sequence.
	jobs, data, err := w.prepareRefundSigningJobs(tweaks, params)
	if err != nil {
		return nil, err
	}

	transferID := uuid.NewString()
	startResp, err := w.coordinator().StartTransfer(ctx, &operator.StartTransferRequest{
		TransferID:                transferID,
		OwnerIdentityPublicKey:    w.IdentityPublicKey(),
		ReceiverIdentityPublicKey: receiver,
		ExpiryTime:                time.Now().Add(w.cfg.TransferExpiry),
		LeavesToSend:              jobs,
	})
	if err != nil {
		return nil, err
	}

	// SIGNING: user round 2 against the operators' commitments, then a
	// second round trip for the operator shares.
	userShares, _, err := w.signRefundShares(data, startResp.SigningResults, nil)
	if err != nil {
		return nil, err
	}
	signResults, err := w.coordinator().SignTransferRefunds(ctx, transferID, jobs, userShares)
	if err != nil {
		return nil, err
	}

	// The sign results echo the same commitments; the user share is
	// recomputed deterministically from the cached nonces and
	// aggregated with the operator shares now present.
	_, nodeSignatures, err := w.signRefundShares(data, signResults, nil)
	if err != nil {
		return nil, err
	}

	// KEY-TWEAK: rotate each leaf's keyshare to the receiver.
	keyTweaks := make([]*operator.LeafKeyTweak, 0, len(tweaks))
	for _, tweak := range tweaks {
		keyTweak, err := w.buildKeyTweak(tweak, receiver)
		if err != nil {
			return nil, err
		}
		keyTweaks = append(keyTweaks, keyTweak)
	}
	err = w.coordinator().TweakTransferKeys(ctx, &operator.TweakTransferKeysRequest{
		TransferID:             transferID,
		OwnerIdentityPublicKey: w.IdentityPublicKey(),
		LeavesToSend:           keyTweaks,
	})
	if err != nil {
		return nil, err
	}

	// FINALIZE: hand the aggregate signatures to the coordinator.
	if _, err := w.coordinator().FinalizeNodeSignatures(
		ctx, operator.IntentTransfer, nodeSignatures,
	); err != nil {
		return nil, err
	}

	log.Infof("Sent transfer %s: %d leaves to %x", transferID, len(tweaks),
		receiver.SerializeCompressed())
	return startResp.Transfer, nil
}

// buildKeyTweak VSS-splits the leaf's signing key across the operator
// set and encrypts the key itself to the receiver.
func (w *Wallet) buildKeyTweak(tweak *LeafTweak,
	receiver *btcec.PublicKey) (*operator.LeafKeyTweak, error) {

	keyshare := tweak.Leaf.SigningKeyshare
	operators := w.cfg.Pool.SigningOperators()
	if len(keyshare.OwnerIdentifiers) == 0 {
		return nil, fmt.Errorf("leaf %s: empty signing keyshare", tweak.Leaf.ID)
	}

	shares, err := w.cfg.Signer.SplitSecretWithProofs(
		tweak.SigningKey, int(keyshare.Threshold), len(operators),
	)
	if err != nil {
		return nil, err
	}

	secretShares := make(map[frost.Identifier][]byte, len(operators))
	for i, op := range operators {
		encoded := shares[i].Share
		cipher, err := w.cfg.Signer.ECIESEncrypt(op.IdentityPublicKey, encoded[:])
		if err != nil {
			return nil, err
		}
		secretShares[op.Identifier] = cipher
	}

	secretCipher, err := w.cfg.Signer.EncryptSecretTo(tweak.SigningKey, receiver)
	if err != nil {
		return nil, err
	}

	// Bind the cipher to the transfer with an identity signature.
	signature, err := w.cfg.Signer.SignECDSA(secretCipher)
	if err != nil {
		return nil, err
	}

	return &operator.LeafKeyTweak{
		LeafID:       tweak.Leaf.ID,
		SecretShares: secretShares,
		ShareProofs:  shares[0].Proofs,
		SecretCipher: secretCipher,
		Signature:    signature.Serialize(),
	}, nil
}

// ClaimPendingTransfers claims every transfer waiting on this identity.
func (w *Wallet) ClaimPendingTransfers(ctx context.Context) error {
	pending, err := w.coordinator().QueryPendingTransfers(ctx, w.IdentityPublicKey())
	if err != nil {
		return err
	}
	for _, transfer := range pending {
		if _, err := w.ClaimTransfer(ctx, transfer); err != nil {
			return err
		}
	}
	return nil
}

// ClaimTransfer runs the receiver state machine for one pending
// transfer: derive fresh leaf keys, sign claim refunds at the current
// sequence, finalize, and index the claimed leaves.
func (w *Wallet) ClaimTransfer(ctx context.Context,
	transfer *operator.Transfer) ([]*spark.TreeNode, error) {

	if len(transfer.Leaves) == 0 {
		return nil, ErrNoLeaves
	}

	leafIDs := make([]spark.LeafID, 0, len(transfer.Leaves))
	for _, leaf := range transfer.Leaves {
		leafIDs = append(leafIDs, leaf.Leaf.ID)
	}

	var claimed []*spark.TreeNode
	err := w.leaves.WithLeaves(leafIDs, func() error {
		tweaks := make([]*LeafTweak, 0, len(transfer.Leaves))
		for _, transferLeaf := range transfer.Leaves {
			// The receiver signs with its own derived key for the
			// leaf; the sender's rotated key arrives encrypted for
			// verification of the keyshare rotation.
			tweaks = append(tweaks, &LeafTweak{
				Leaf:       transferLeaf.Leaf,
				SigningKey: signer.SecretSource{LeafID: transferLeaf.Leaf.ID},
			})
		}

		jobs, data, err := w.prepareRefundSigningJobs(tweaks, &refundJobParams{
			receiverKey: w.IdentityPublicKey(),
			forClaim:    true,
		})
		if err != nil {
			return err
		}

		claimResp, err := w.coordinator().ClaimTransfer(ctx, &operator.ClaimTransferRequest{
			TransferID:             transfer.ID,
			OwnerIdentityPublicKey: w.IdentityPublicKey(),
			LeavesToClaim:          jobs,
		})
		if err != nil {
			return err
		}

		// Claim is a single round trip: the results carry both the
		// operator commitments and shares.
		_, nodeSignatures, err := w.signRefundShares(data, claimResp.SigningResults, nil)
		if err != nil {
			return err
		}

		claimed, err = w.coordinator().FinalizeNodeSignatures(
			ctx, operator.IntentTransfer, nodeSignatures,
		)
		if err != nil {
			return err
		}

		for _, leaf := range claimed {
			w.leaves.Replace(leaf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Claimed transfer %s: %d leaves, %d sats",
		transfer.ID, len(claimed), transfer.TotalValueSats)
	return claimed, nil
}
