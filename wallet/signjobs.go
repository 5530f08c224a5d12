package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// LeafTweak couples a leaf with the secret source its refunds are
// signed with. The sender signs with the leaf's current key; the
// receiver signs with the key it just derived for the claimed leaf.
type LeafTweak struct {
	Leaf       *spark.TreeNode
	SigningKey signer.SecretSource
}

// leafRefundSigningData is the per-leaf working state of one refund
// signing pass: the freshly built refund set, the user's round-1
// commitments for each variant, and the signing key.
type leafRefundSigningData struct {
	leaf       *spark.TreeNode
	signingKey signer.SecretSource
	signingPub *btcec.PublicKey

	refunds spark.RefundTxSet

	cpfpCommitment           *signer.FrostSigningCommitment
	directCommitment         *signer.FrostSigningCommitment
	directFromCPFPCommitment *signer.FrostSigningCommitment
}

// refundJobParams selects how the refund transactions of a signing pass
// are constructed.
type refundJobParams struct {
	// receiverKey is the key the new refunds pay.
	receiverKey *btcec.PublicKey

	// forClaim selects current_sequence (claim) over next_sequence
	// (send).
	forClaim bool

	// paymentHash switches to HTLC-shaped refunds with the lightning
	// sequence step.
	paymentHash *[32]byte

	// htlcSequenceLockKey is the key that spends an HTLC refund
	// through its sequence-locked timeout branch.
	htlcSequenceLockKey *btcec.PublicKey
}

// prepareRefundSigningJobs builds the new refund set and the operator
// signing jobs for every leaf of a transfer-shaped operation. A leaf
// whose next sequence would cross the safety floor fails with
// ErrLeafNotRenewable; the caller renews first.
func (w *Wallet) prepareRefundSigningJobs(tweaks []*LeafTweak,
	params *refundJobParams) ([]*operator.LeafRefundTxSigningJob,
	map[spark.LeafID]*leafRefundSigningData, error) {

	if len(tweaks) == 0 {
		return nil, nil, ErrNoLeaves
	}

	jobs := make([]*operator.LeafRefundTxSigningJob, 0, len(tweaks))
	data := make(map[spark.LeafID]*leafRefundSigningData, len(tweaks))

	for _, tweak := range tweaks {
		leaf := tweak.Leaf
		oldSequence, err := leaf.RefundSequence()
		if err != nil {
			return nil, nil, err
		}

		var cpfpSequence, directSequence uint32
		switch {
		case params.forClaim:
			cpfpSequence, directSequence = spark.CurrentSequence(oldSequence)
		case params.paymentHash != nil:
			var ok bool
			cpfpSequence, directSequence, ok = spark.NextLightningHTLCSequence(oldSequence)
			if !ok {
				return nil, nil, fmt.Errorf("%w: leaf %s at timelock %d",
					ErrLeafNotRenewable, leaf.ID, spark.TimeLockFromSequence(oldSequence))
			}
		default:
			var ok bool
			cpfpSequence, directSequence, ok = spark.NextSequence(oldSequence)
			if !ok {
				return nil, nil, fmt.Errorf("%w: leaf %s at timelock %d",
					ErrLeafNotRenewable, leaf.ID, spark.TimeLockFromSequence(oldSequence))
			}
		}

		var refunds spark.RefundTxSet
		if params.paymentHash != nil {
			refunds, err = spark.NewLightningHTLCRefundTxs(
				leaf.NodeTx, leaf.DirectTx, cpfpSequence, directSequence,
				*params.paymentHash, params.receiverKey, params.htlcSequenceLockKey,
			)
		} else {
			refunds, err = spark.NewRefundTxs(
				leaf.NodeTx, leaf.DirectTx, cpfpSequence, directSequence,
				params.receiverKey,
			)
		}
		if err != nil {
			return nil, nil, err
		}

		log.Debugf("Refund signing job for leaf %s: timelock %d -> %d",
			leaf.ID, spark.TimeLockFromSequence(oldSequence),
			spark.TimeLockFromSequence(cpfpSequence))

		signingPub, err := w.cfg.Signer.PublicKeyFromSecret(tweak.SigningKey)
		if err != nil {
			return nil, nil, err
		}

		entry := &leafRefundSigningData{
			leaf:       leaf,
			signingKey: tweak.SigningKey,
			signingPub: signingPub,
			refunds:    refunds,
		}

		job := &operator.LeafRefundTxSigningJob{LeafID: leaf.ID}
		if job.RefundTxSigningJob, entry.cpfpCommitment, err =
			w.newSigningJob(signingPub, refunds.CPFPTx); err != nil {
			return nil, nil, err
		}
		if refunds.DirectTx != nil {
			if job.DirectRefundTxSigningJob, entry.directCommitment, err =
				w.newSigningJob(signingPub, refunds.DirectTx); err != nil {
				return nil, nil, err
			}
			if job.DirectFromCPFPRefundTxSigningJob, entry.directFromCPFPCommitment, err =
				w.newSigningJob(signingPub, refunds.DirectFromCPFPTx); err != nil {
				return nil, nil, err
			}
		}
		if err := job.Validate(); err != nil {
			return nil, nil, err
		}

		jobs = append(jobs, job)
		data[leaf.ID] = entry
	}

	return jobs, data, nil
}

// newSigningJob wraps a transaction into an operator signing job with a
// fresh round-1 commitment.
func (w *Wallet) newSigningJob(signingPub *btcec.PublicKey,
	tx *wire.MsgTx) (*operator.SigningJob, *signer.FrostSigningCommitment, error) {

	rawTx, err := spark.SerializeTx(tx)
	if err != nil {
		return nil, nil, err
	}
	commitment, err := w.cfg.Signer.GenerateFrostSigningCommitments()
	if err != nil {
		return nil, nil, err
	}
	return &operator.SigningJob{
		SigningPublicKey:       signingPub,
		RawTx:                  rawTx,
		SigningNonceCommitment: commitment.Commitment,
	}, commitment, nil
}

// signRefundVariant runs the user's round 2 for one refund variant and,
// when operator shares are already present in the result, aggregates to
// the final signature.
func (w *Wallet) signRefundVariant(entry *leafRefundSigningData,
	tx *wire.MsgTx, parentTx *wire.MsgTx,
	commitment *signer.FrostSigningCommitment,
	result *operator.SigningResult, verifyingKey *btcec.PublicKey,
	adaptorKey *btcec.PublicKey) ([32]byte, *frost.Signature, error) {

	var zero [32]byte
	sighash, err := spark.SighashFromTx(tx, 0, parentTx.TxOut[0])
	if err != nil {
		return zero, nil, err
	}

	req := &signer.SignFrostRequest{
		Message:               sighash,
		PublicKey:             entry.signingPub,
		PrivateKey:            entry.signingKey,
		VerifyingKey:          verifyingKey,
		SelfCommitment:        commitment,
		StatechainCommitments: result.SigningNonceCommitments,
		AdaptorPublicKey:      adaptorKey,
	}
	userShare, err := w.cfg.Signer.SignFrost(req)
	if err != nil {
		return zero, nil, err
	}

	if len(result.SignatureShares) == 0 {
		return userShare, nil, nil
	}

	aggregate, err := w.cfg.Signer.AggregateFrost(&signer.AggregateFrostRequest{
		SignFrostRequest:     *req,
		UserSignatureShare:   userShare,
		StatechainSignatures: result.SignatureShares,
		StatechainPublicKeys: result.PublicKeys,
	})
	if err != nil {
		return zero, nil, err
	}
	return userShare, aggregate, nil
}

// signRefundShares runs round 2 for every leaf in the pass. When the
// operator results already carry shares (single round-trip flows like
// claim), the per-leaf aggregates come back as NodeSignatures;
// otherwise only the user shares are produced for a later
// sign-and-aggregate round.
func (w *Wallet) signRefundShares(data map[spark.LeafID]*leafRefundSigningData,
	results []*operator.LeafRefundTxSigningResult,
	adaptorKey *btcec.PublicKey) (map[spark.LeafID]*operator.RefundShareSet,
	[]*operator.NodeSignatures, error) {

	shares := make(map[spark.LeafID]*operator.RefundShareSet, len(results))
	var signatures []*operator.NodeSignatures

	for _, result := range results {
		entry, ok := data[result.LeafID]
		if !ok {
			return nil, nil, fmt.Errorf("no signing data for leaf %s", result.LeafID)
		}
		if result.RefundTxSigningResult == nil {
			return nil, nil, fmt.Errorf("leaf %s: missing refund signing result", result.LeafID)
		}
		verifyingKey := result.VerifyingKey
		if verifyingKey == nil {
			verifyingKey = entry.leaf.VerifyingPublicKey
		}

		shareSet := &operator.RefundShareSet{}
		nodeSigs := &operator.NodeSignatures{NodeID: result.LeafID}
		aggregated := false

		userShare, aggregate, err := w.signRefundVariant(
			entry, entry.refunds.CPFPTx, entry.leaf.NodeTx,
			entry.cpfpCommitment, result.RefundTxSigningResult,
			verifyingKey, adaptorKey,
		)
		if err != nil {
			return nil, nil, err
		}
		shareSet.Refund = userShare
		if aggregate != nil {
			encoded := aggregate.Serialize()
			nodeSigs.RefundTxSignature = encoded[:]
			aggregated = true
		}

		if entry.refunds.DirectTx != nil {
			if result.DirectRefundTxSigningResult == nil ||
				result.DirectFromCPFPRefundTxSigningResult == nil {
				return nil, nil, fmt.Errorf(
					"leaf %s: missing direct refund signing results", result.LeafID,
				)
			}
			shareSet.HasDirect = true

			// Direct variants never use adaptor signatures.
			userShare, aggregate, err := w.signRefundVariant(
				entry, entry.refunds.DirectTx, entry.leaf.DirectTx,
				entry.directCommitment, result.DirectRefundTxSigningResult,
				verifyingKey, nil,
			)
			if err != nil {
				return nil, nil, err
			}
			shareSet.DirectRefund = userShare
			if aggregate != nil {
				encoded := aggregate.Serialize()
				nodeSigs.DirectRefundTxSignature = encoded[:]
			}

			userShare, aggregate, err = w.signRefundVariant(
				entry, entry.refunds.DirectFromCPFPTx, entry.leaf.NodeTx,
				entry.directFromCPFPCommitment,
				result.DirectFromCPFPRefundTxSigningResult,
				verifyingKey, nil,
			)
			if err != nil {
				return nil, nil, err
			}
			shareSet.DirectFromCPFPRefund = userShare
			if aggregate != nil {
				encoded := aggregate.Serialize()
				nodeSigs.DirectFromCPFPRefundTxSignature = encoded[:]
			}
		}

		shares[result.LeafID] = shareSet
		if aggregated {
			signatures = append(signatures, nodeSigs)
		}
	}

	return shares, signatures, nil
}
