package wallet

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// DepositService generates co-owned deposit addresses, validates their
// proofs, creates tree roots once a deposit confirms, and claims
// static-deposit UTXOs.
type DepositService struct {
	signer  signer.Signer
	pool    *operator.Pool
	network spark.Network
}

// NewDepositService builds a deposit service.
func NewDepositService(s signer.Signer, pool *operator.Pool,
	network spark.Network) *DepositService {

	return &DepositService{signer: s, pool: pool, network: network}
}

func (d *DepositService) client() operator.Client {
	return d.pool.Coordinator().Client
}

// GenerateDepositAddress asks the coordinator for a deposit address
// bound to a fresh leaf id and validates the returned address proof.
// Static addresses can be funded repeatedly; each UTXO is claimable
// separately.
func (d *DepositService) GenerateDepositAddress(ctx context.Context,
	isStatic bool) (*operator.DepositAddressInfo, error) {

	leafID := spark.LeafID(uuid.NewString())
	signingPub, err := d.signer.PublicKeyFromSecret(signer.SecretSource{LeafID: leafID})
	if err != nil {
		return nil, err
	}
	if isStatic {
		source, err := depositSecret(d.signer)
		if err != nil {
			return nil, err
		}
		if signingPub, err = d.signer.PublicKeyFromSecret(source); err != nil {
			return nil, err
		}
	}

	info, err := d.client().GenerateDepositAddress(ctx, &operator.GenerateDepositAddressRequest{
		SigningPublicKey:  signingPub,
		IdentityPublicKey: d.signer.IdentityPublicKey(),
		Network:           d.network,
		LeafID:            leafID,
		IsStatic:          isStatic,
	})
	if err != nil {
		return nil, err
	}

	if err := d.ValidateDepositAddress(info, signingPub); err != nil {
		return nil, err
	}
	return info, nil
}

// QueryUnusedDepositAddresses lists generated-but-unfunded addresses.
func (d *DepositService) QueryUnusedDepositAddresses(
	ctx context.Context) ([]*operator.DepositAddressInfo, error) {

	return d.client().QueryUnusedDepositAddresses(
		ctx, d.signer.IdentityPublicKey(), d.network,
	)
}

// ValidateDepositAddress checks the coordinator's address proof: the
// Schnorr proof-of-possession under the operator aggregate's taproot
// key, and one ECDSA signature per pool operator over the address
// hash. Every per-operator signature must verify; any failure aborts.
func (d *DepositService) ValidateDepositAddress(info *operator.DepositAddressInfo,
	userSigningKey *btcec.PublicKey) error {

	if info.Proof == nil {
		return &operator.ProtocolError{Op: "validate_deposit_address",
			Err: fmt.Errorf("missing address proof")}
	}

	operatorAggregate, err := spark.SubtractPublicKeys(
		info.VerifyingPublicKey, userSigningKey,
	)
	if err != nil {
		return &operator.ProtocolError{Op: "validate_deposit_address", Err: err}
	}

	// Proof of possession: schnorr over
	// H(operator_pk || identity_pk || address) under the aggregate's
	// taproot key.
	taprootKey := spark.TaprootOutputKey(operatorAggregate)
	msg := proofOfPossessionHash(
		operatorAggregate, d.signer.IdentityPublicKey(), info.Address,
	)
	popSig, err := schnorr.ParseSignature(info.Proof.ProofOfPossessionSignature)
	if err != nil {
		return &operator.ProtocolError{Op: "validate_deposit_address",
			Err: fmt.Errorf("proof of possession: %w", err)}
	}
	if !popSig.Verify(msg[:], taprootKey) {
		return &operator.ProtocolError{Op: "validate_deposit_address",
			Err: fmt.Errorf("invalid proof of possession")}
	}

	addressHash := sha256.Sum256([]byte(info.Address))
	for _, op := range d.pool.SigningOperators() {
		raw, ok := info.Proof.AddressSignatures[op.Identifier]
		if !ok {
			return &operator.ProtocolError{Op: "validate_deposit_address",
				Err: fmt.Errorf("operator %v: missing address signature", op.Identifier)}
		}
		sig, err := btcecdsa.ParseDERSignature(raw)
		if err != nil {
			return &operator.ProtocolError{Op: "validate_deposit_address",
				Err: fmt.Errorf("operator %v: %w", op.Identifier, err)}
		}
		if !sig.Verify(addressHash[:], op.IdentityPublicKey) {
			return &operator.ProtocolError{Op: "validate_deposit_address",
				Err: fmt.Errorf("operator %v: invalid address signature", op.Identifier)}
		}
	}
	return nil
}

// proofOfPossessionHash computes
// sha256(operator_pk || identity_pk || address).
func proofOfPossessionHash(operatorKey, identityKey *btcec.PublicKey,
	address string) [32]byte {

	msg := make([]byte, 0, 66+len(address))
	msg = append(msg, operatorKey.SerializeCompressed()...)
	msg = append(msg, identityKey.SerializeCompressed()...)
	msg = append(msg, []byte(address)...)
	return sha256.Sum256(msg)
}

// CreateTreeRoot runs root creation for a confirmed deposit: build the
// root and initial refund, FROST-sign both, aggregate, finalize with
// intent Creation, and return the finalized leaf set.
func (d *DepositService) CreateTreeRoot(ctx context.Context,
	addressInfo *operator.DepositAddressInfo, depositTx *wire.MsgTx,
	vout uint32) ([]*spark.TreeNode, error) {

	if int(vout) >= len(depositTx.TxOut) {
		return nil, fmt.Errorf("deposit vout %d out of range", vout)
	}
	depositOut := depositTx.TxOut[vout]

	source := signer.SecretSource{LeafID: addressInfo.LeafID}
	signingPub, err := d.signer.PublicKeyFromSecret(source)
	if err != nil {
		return nil, err
	}

	// Root tx: spends the deposit output, no relative delay, anchored.
	rootTx := spark.NewRootTx(
		wire.OutPoint{Hash: depositTx.TxHash(), Index: vout}, depositOut,
	)
	rootSighash, err := spark.SighashFromTx(rootTx, 0, depositOut)
	if err != nil {
		return nil, err
	}

	// Initial refund: spends the root's first output back to the user
	// at the initial timelock.
	refunds, err := spark.NewInitialTimeLockRefundTxs(rootTx, nil, signingPub)
	if err != nil {
		return nil, err
	}
	refundSighash, err := spark.SighashFromTx(refunds.CPFPTx, 0, rootTx.TxOut[0])
	if err != nil {
		return nil, err
	}

	rootCommitment, err := d.signer.GenerateFrostSigningCommitments()
	if err != nil {
		return nil, err
	}
	refundCommitment, err := d.signer.GenerateFrostSigningCommitments()
	if err != nil {
		return nil, err
	}

	rawRootTx, err := spark.SerializeTx(rootTx)
	if err != nil {
		return nil, err
	}
	rawRefundTx, err := spark.SerializeTx(refunds.CPFPTx)
	if err != nil {
		return nil, err
	}
	rawDepositTx, err := spark.SerializeTx(depositTx)
	if err != nil {
		return nil, err
	}

	resp, err := d.client().StartDepositTreeCreation(ctx,
		&operator.StartDepositTreeCreationRequest{
			IdentityPublicKey: d.signer.IdentityPublicKey(),
			OnChainUtxo: operator.Utxo{
				RawTx:   rawDepositTx,
				Vout:    vout,
				Network: d.network,
			},
			RootTxSigningJob: &operator.SigningJob{
				SigningPublicKey:       signingPub,
				RawTx:                  rawRootTx,
				SigningNonceCommitment: rootCommitment.Commitment,
			},
			RefundTxSigningJob: &operator.SigningJob{
				SigningPublicKey:       signingPub,
				RawTx:                  rawRefundTx,
				SigningNonceCommitment: refundCommitment.Commitment,
			},
		})
	if err != nil {
		return nil, err
	}

	// The operators' verifying key must match the one proven at
	// address generation.
	if addressInfo.VerifyingPublicKey != nil && resp.VerifyingKey != nil &&
		!resp.VerifyingKey.IsEqual(addressInfo.VerifyingPublicKey) {
		return nil, &operator.ProtocolError{Op: "create_tree_root",
			Err: fmt.Errorf("verifying key mismatch")}
	}

	rootSig, err := d.signAndAggregate(
		rootSighash, signingPub, source, resp.VerifyingKey,
		rootCommitment, resp.NodeTxSigningResult,
	)
	if err != nil {
		return nil, err
	}
	refundSig, err := d.signAndAggregate(
		refundSighash, signingPub, source, resp.VerifyingKey,
		refundCommitment, resp.RefundTxSigningResult,
	)
	if err != nil {
		return nil, err
	}

	nodes, err := d.client().FinalizeNodeSignatures(ctx, operator.IntentCreation,
		[]*operator.NodeSignatures{{
			NodeID:            resp.NodeID,
			NodeTxSignature:   rootSig,
			RefundTxSignature: refundSig,
		}})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &operator.ProtocolError{Op: "create_tree_root",
			Err: fmt.Errorf("finalize returned no nodes")}
	}

	log.Infof("Created tree root %s for deposit %s:%d, value %d",
		nodes[0].ID, depositTx.TxHash(), vout, depositOut.Value)
	return nodes, nil
}

// signAndAggregate runs the user's round 2 for one sighash and folds in
// the operator shares.
func (d *DepositService) signAndAggregate(sighash [32]byte,
	signingPub *btcec.PublicKey, source signer.SecretSource,
	verifyingKey *btcec.PublicKey, commitment *signer.FrostSigningCommitment,
	result *operator.SigningResult) ([]byte, error) {

	if result == nil || len(result.SigningNonceCommitments) == 0 {
		return nil, &operator.ProtocolError{Op: "deposit_signing",
			Err: fmt.Errorf("missing operator signing result")}
	}

	req := &signer.SignFrostRequest{
		Message:               sighash,
		PublicKey:             signingPub,
		PrivateKey:            source,
		VerifyingKey:          verifyingKey,
		SelfCommitment:        commitment,
		StatechainCommitments: result.SigningNonceCommitments,
	}
	userShare, err := d.signer.SignFrost(req)
	if err != nil {
		return nil, err
	}
	aggregate, err := d.signer.AggregateFrost(&signer.AggregateFrostRequest{
		SignFrostRequest:     *req,
		UserSignatureShare:   userShare,
		StatechainSignatures: result.SignatureShares,
		StatechainPublicKeys: result.PublicKeys,
	})
	if err != nil {
		return nil, err
	}
	encoded := aggregate.Serialize()
	return encoded[:], nil
}

// FetchClaimQuote prices claiming one static-deposit UTXO.
func (d *DepositService) FetchClaimQuote(ctx context.Context,
	depositTx *wire.MsgTx, vout uint32) (*operator.ClaimQuote, error) {

	rawTx, err := spark.SerializeTx(depositTx)
	if err != nil {
		return nil, err
	}
	return d.client().FetchStaticDepositClaimQuote(ctx, rawTx, vout)
}

// ClaimStaticDeposit accepts a quote, authorizing it with an identity
// signature over the quote's signature hash.
func (d *DepositService) ClaimStaticDeposit(ctx context.Context,
	quote *operator.ClaimQuote) (*operator.Transfer, error) {

	sig, err := d.signer.SignECDSA(quote.SignatureHash)
	if err != nil {
		return nil, err
	}
	return d.client().ClaimStaticDeposit(ctx, &operator.ClaimStaticDepositRequest{
		Quote:             quote,
		IdentityPublicKey: d.signer.IdentityPublicKey(),
		Signature:         sig.Serialize(),
	})
}

// depositSecret resolves the signer's static-deposit secret source.
// Signers without a dedicated deposit account fall back to a
// deposit-tagged leaf id.
func depositSecret(s signer.Signer) (signer.SecretSource, error) {
	type depositKeyer interface {
		DepositSecretSource() (signer.SecretSource, error)
	}
	if keyer, ok := s.(depositKeyer); ok {
		return keyer.DepositSecretSource()
	}
	return signer.SecretSource{LeafID: "static-deposit"}, nil
}
