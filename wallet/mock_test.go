package wallet

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// mockOperatorSet simulates the statechain operator quorum in memory:
// it holds dealer-split FROST shares of the operator aggregate secret
// and answers the coordinator RPC surface by actually running the
// operator side of the protocol.
type mockOperatorSet struct {
	t *testing.T

	mu sync.Mutex

	shares    map[frost.Identifier]*secp256k1.ModNScalar
	sharePubs map[frost.Identifier]*btcec.PublicKey
	aggregate *secp256k1.ModNScalar

	// leaves is the operator-side view of every known node.
	leaves map[spark.LeafID]*spark.TreeNode

	// sessions holds in-flight signing sessions keyed by
	// leaf/variant.
	sessions map[string]*mockSession

	// pending holds transfers awaiting claim, keyed by receiver.
	pending map[string][]*operator.Transfer

	// finalized counts FinalizeNodeSignatures calls per intent.
	finalized map[operator.SignatureIntent]int

	// renewals counts renew_leaf calls per variant.
	renewals map[operator.RenewLeafVariant]int
}

type mockSession struct {
	message      [32]byte
	verifyingKey *btcec.PublicKey
	userCommit   frost.NonceCommitment
	commitments  map[frost.Identifier]frost.NonceCommitment
	nonces       map[frost.Identifier]*frost.SigningNonces
	rawTx        []byte
	adaptor      *btcec.PublicKey
}

func newMockOperatorSet(t *testing.T, n int) *mockOperatorSet {
	t.Helper()

	aggregate := randomTestScalar(t)
	ids := make([]frost.Identifier, n)
	for i := range ids {
		id, err := frost.NewIdentifier([]byte{byte(i + 1)})
		require.NoError(t, err)
		ids[i] = id
	}

	// Threshold equal to the pool size keeps every operator in every
	// session, matching how the mock answers signing requests.
	coefficients := []*secp256k1.ModNScalar{aggregate}
	for i := 1; i < n; i++ {
		coefficients = append(coefficients, randomTestScalar(t))
	}

	set := &mockOperatorSet{
		t:         t,
		shares:    make(map[frost.Identifier]*secp256k1.ModNScalar),
		sharePubs: make(map[frost.Identifier]*btcec.PublicKey),
		aggregate: aggregate,
		leaves:    make(map[spark.LeafID]*spark.TreeNode),
		sessions:  make(map[string]*mockSession),
		pending:   make(map[string][]*operator.Transfer),
		finalized: make(map[operator.SignatureIntent]int),
		renewals:  make(map[operator.RenewLeafVariant]int),
	}

	for _, id := range ids {
		var x secp256k1.ModNScalar
		idBytes := id
		x.SetBytes((*[32]byte)(&idBytes))
		value := new(secp256k1.ModNScalar).Set(coefficients[len(coefficients)-1])
		for i := len(coefficients) - 2; i >= 0; i-- {
			value.Mul(&x)
			value.Add(coefficients[i])
		}
		set.shares[id] = value

		var point secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(value, &point)
		point.ToAffine()
		set.sharePubs[id] = btcec.NewPublicKey(&point.X, &point.Y)
	}
	return set
}

func randomTestScalar(t *testing.T) *secp256k1.ModNScalar {
	t.Helper()
	var buf [32]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	s := new(secp256k1.ModNScalar)
	require.Zero(t, s.SetBytes(&buf))
	return s
}

// aggregatePub returns the operator aggregate public key.
func (m *mockOperatorSet) aggregatePub() *btcec.PublicKey {
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(m.aggregate, &point)
	point.ToAffine()
	return btcec.NewPublicKey(&point.X, &point.Y)
}

// verifyingKeyFor combines a user signing key with the operator
// aggregate.
func (m *mockOperatorSet) verifyingKeyFor(userKey *btcec.PublicKey) *btcec.PublicKey {
	key, err := spark.AddPublicKeys(userKey, m.aggregatePub())
	require.NoError(m.t, err)
	return key
}

// identifiers returns the operator identifiers.
func (m *mockOperatorSet) identifiers() []frost.Identifier {
	ids := make([]frost.Identifier, 0, len(m.shares))
	for id := range m.shares {
		ids = append(ids, id)
	}
	return ids
}

// seedLeaf registers a fresh leaf owned by ownerSigningKey with a
// refund at the initial timelock and returns it.
func (m *mockOperatorSet) seedLeaf(id spark.LeafID, value int64,
	userSigningKey, ownerIdentity *btcec.PublicKey) *spark.TreeNode {

	verifying := m.verifyingKeyFor(userSigningKey)
	script, err := spark.P2TRScript(verifying)
	require.NoError(m.t, err)

	fundingTx := newTestFundingTx(m.t, value, script)
	nodeTx := spark.NewRootTx(newOutPoint(fundingTx, 0), fundingTx.TxOut[0])
	refunds, err := spark.NewInitialTimeLockRefundTxs(nodeTx, nil, userSigningKey)
	require.NoError(m.t, err)

	leaf := &spark.TreeNode{
		ID:                     id,
		TreeID:                 "tree-" + string(id),
		Value:                  uint64(value),
		Vout:                   0,
		NodeTx:                 nodeTx,
		RefundTx:               refunds.CPFPTx,
		VerifyingPublicKey:     verifying,
		OwnerIdentityPublicKey: ownerIdentity,
		SigningKeyshare: spark.SigningKeyshare{
			OwnerIdentifiers: m.identifiers(),
			Threshold:        uint32(len(m.shares)),
		},
		Status: spark.StatusAvailable,
	}

	m.mu.Lock()
	m.leaves[id] = leaf.Clone()
	m.mu.Unlock()
	return leaf
}

// openSession starts the operator side of one FROST run: fresh nonces
// per operator, commitments recorded under the session key.
func (m *mockOperatorSet) openSession(key string, message [32]byte,
	verifyingKey *btcec.PublicKey, userCommit frost.NonceCommitment,
	rawTx []byte, adaptor *btcec.PublicKey) *mockSession {

	session := &mockSession{
		message:      message,
		verifyingKey: verifyingKey,
		userCommit:   userCommit,
		commitments:  make(map[frost.Identifier]frost.NonceCommitment),
		nonces:       make(map[frost.Identifier]*frost.SigningNonces),
		rawTx:        rawTx,
		adaptor:      adaptor,
	}
	for id := range m.shares {
		nonces, commitment, err := frost.GenerateNonces()
		require.NoError(m.t, err)
		session.commitments[id] = commitment
		session.nonces[id] = nonces
	}
	m.sessions[key] = session
	return session
}

// signSession produces every operator's round-2 share for a session.
func (m *mockOperatorSet) signSession(session *mockSession) map[frost.Identifier][32]byte {
	frostSession := &frost.Session{
		Message:             session.message,
		VerifyingKey:        session.verifyingKey,
		UserCommitment:      session.userCommit,
		OperatorCommitments: session.commitments,
		AdaptorPublicKey:    session.adaptor,
	}
	shares := make(map[frost.Identifier][32]byte, len(m.shares))
	for id, secret := range m.shares {
		share, err := frostSession.SignOperator(id, secret, session.nonces[id])
		require.NoError(m.t, err)
		encoded := share.Bytes()
		var fixed [32]byte
		copy(fixed[:], encoded[:])
		shares[id] = fixed
	}
	return shares
}

// resultFor assembles a SigningResult from a session, with or without
// the operator shares.
func (m *mockOperatorSet) resultFor(session *mockSession,
	withShares bool) *operator.SigningResult {

	result := &operator.SigningResult{
		SigningNonceCommitments: session.commitments,
		PublicKeys:              m.sharePubs,
	}
	if withShares {
		result.SignatureShares = m.signSession(session)
	}
	return result
}

// sighashForJob computes the sighash a refund signing job commits to.
func (m *mockOperatorSet) sighashForJob(leaf *spark.TreeNode, variant string,
	rawTx []byte) [32]byte {

	tx, err := spark.DeserializeTx(rawTx)
	require.NoError(m.t, err)

	parent := leaf.NodeTx
	if variant == "direct" && leaf.DirectTx != nil {
		parent = leaf.DirectTx
	}
	sighash, err := spark.SighashFromTx(tx, 0, parent.TxOut[0])
	require.NoError(m.t, err)
	return sighash
}

func sessionKey(transferID string, leafID spark.LeafID, variant string) string {
	return fmt.Sprintf("%s/%s/%s", transferID, leafID, variant)
}

// mockClient adapts mockOperatorSet to the operator.Client interface.
type mockClient struct {
	set *mockOperatorSet
}

var _ operator.Client = (*mockClient)(nil)

func (c *mockClient) GenerateDepositAddress(ctx context.Context,
	req *operator.GenerateDepositAddressRequest) (*operator.DepositAddressInfo, error) {
	return nil, fmt.Errorf("not implemented in mock")
}

func (c *mockClient) QueryUnusedDepositAddresses(ctx context.Context,
	identity *btcec.PublicKey, network spark.Network) ([]*operator.DepositAddressInfo, error) {
	return nil, nil
}

func (c *mockClient) StartDepositTreeCreation(ctx context.Context,
	req *operator.StartDepositTreeCreationRequest) (*operator.StartDepositTreeCreationResponse, error) {
	return nil, fmt.Errorf("not implemented in mock")
}

func (c *mockClient) FinalizeNodeSignatures(ctx context.Context,
	intent operator.SignatureIntent,
	signatures []*operator.NodeSignatures) ([]*spark.TreeNode, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()
	set.finalized[intent]++

	var nodes []*spark.TreeNode
	for _, sig := range signatures {
		parsed, err := schnorr.ParseSignature(sig.RefundTxSignature)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", sig.NodeID, err)
		}

		// Find the cpfp refund session this aggregate settles: the
		// signature must verify against the session's sighash under
		// its verifying key.
		suffix := fmt.Sprintf("/%s/cpfp", sig.NodeID)
		var matched *mockSession
		var matchedKey string
		for key, session := range set.sessions {
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			if parsed.Verify(session.message[:], session.verifyingKey) {
				matched = session
				matchedKey = key
				break
			}
		}
		if matched == nil {
			return nil, fmt.Errorf("node %s: aggregate signature matches no session", sig.NodeID)
		}
		delete(set.sessions, matchedKey)

		leaf := set.leaves[sig.NodeID]
		refundTx, err := spark.DeserializeTx(matched.rawTx)
		if err != nil {
			return nil, err
		}
		updated := leaf.Clone()
		updated.RefundTx = refundTx
		updated.VerifyingPublicKey = matched.verifyingKey
		set.leaves[sig.NodeID] = updated
		nodes = append(nodes, updated.Clone())
	}
	return nodes, nil
}

func (c *mockClient) GetSigningCommitments(ctx context.Context,
	nodeIDs []spark.LeafID, count int) ([]map[frost.Identifier]frost.NonceCommitment, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()

	out := make([]map[frost.Identifier]frost.NonceCommitment, 0, count)
	for i := 0; i < count; i++ {
		commitments := make(map[frost.Identifier]frost.NonceCommitment)
		for id := range set.shares {
			_, commitment, err := frost.GenerateNonces()
			if err != nil {
				return nil, err
			}
			commitments[id] = commitment
		}
		out = append(out, commitments)
	}
	return out, nil
}

func (c *mockClient) openRefundSessions(transferID string,
	jobs []*operator.LeafRefundTxSigningJob, withShares bool,
	adaptor *btcec.PublicKey) ([]*operator.LeafRefundTxSigningResult, error) {

	set := c.set
	var results []*operator.LeafRefundTxSigningResult
	for _, job := range jobs {
		leaf, ok := set.leaves[job.LeafID]
		if !ok {
			return nil, fmt.Errorf("unknown leaf %s", job.LeafID)
		}
		verifying := set.verifyingKeyFor(job.RefundTxSigningJob.SigningPublicKey)

		result := &operator.LeafRefundTxSigningResult{
			LeafID:       job.LeafID,
			VerifyingKey: verifying,
		}

		key := sessionKey(transferID, job.LeafID, "cpfp")
		session, exists := set.sessions[key]
		if !exists {
			session = set.openSession(key,
				set.sighashForJob(leaf, "cpfp", job.RefundTxSigningJob.RawTx),
				verifying, job.RefundTxSigningJob.SigningNonceCommitment,
				job.RefundTxSigningJob.RawTx, adaptor,
			)
		}
		result.RefundTxSigningResult = set.resultFor(session, withShares)

		if job.DirectRefundTxSigningJob != nil {
			key := sessionKey(transferID, job.LeafID, "direct")
			session, exists := set.sessions[key]
			if !exists {
				session = set.openSession(key,
					set.sighashForJob(leaf, "direct", job.DirectRefundTxSigningJob.RawTx),
					verifying, job.DirectRefundTxSigningJob.SigningNonceCommitment,
					job.DirectRefundTxSigningJob.RawTx, nil,
				)
			}
			result.DirectRefundTxSigningResult = set.resultFor(session, withShares)

			key = sessionKey(transferID, job.LeafID, "direct_from_cpfp")
			session, exists = set.sessions[key]
			if !exists {
				session = set.openSession(key,
					set.sighashForJob(leaf, "cpfp", job.DirectFromCPFPRefundTxSigningJob.RawTx),
					verifying, job.DirectFromCPFPRefundTxSigningJob.SigningNonceCommitment,
					job.DirectFromCPFPRefundTxSigningJob.RawTx, nil,
				)
			}
			result.DirectFromCPFPRefundTxSigningResult = set.resultFor(session, withShares)
		}

		results = append(results, result)
	}
	return results, nil
}

func (c *mockClient) StartTransfer(ctx context.Context,
	req *operator.StartTransferRequest) (*operator.StartTransferResponse, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()

	results, err := c.openRefundSessions(req.TransferID, req.LeavesToSend, false,
		req.AdaptorPublicKey)
	if err != nil {
		return nil, err
	}

	var total uint64
	var leaves []*operator.TransferLeaf
	for _, job := range req.LeavesToSend {
		leaf := set.leaves[job.LeafID]
		total += leaf.Value
		leaves = append(leaves, &operator.TransferLeaf{Leaf: leaf.Clone()})
	}
	transfer := &operator.Transfer{
		ID:                        req.TransferID,
		SenderIdentityPublicKey:   req.OwnerIdentityPublicKey,
		ReceiverIdentityPublicKey: req.ReceiverIdentityPublicKey,
		Status:                    operator.TransferStatusSenderInitiated,
		Type:                      operator.TransferTypeSpark,
		TotalValueSats:            total,
		ExpiryTime:                req.ExpiryTime,
		CreatedAt:                 time.Now(),
		Leaves:                    leaves,
	}
	receiverKey := string(req.ReceiverIdentityPublicKey.SerializeCompressed())
	set.pending[receiverKey] = append(set.pending[receiverKey], transfer)

	return &operator.StartTransferResponse{
		Transfer:       transfer,
		SigningResults: results,
	}, nil
}

func (c *mockClient) SignTransferRefunds(ctx context.Context, transferID string,
	jobs []*operator.LeafRefundTxSigningJob,
	userShares map[spark.LeafID]*operator.RefundShareSet) ([]*operator.LeafRefundTxSigningResult, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()
	return c.openRefundSessions(transferID, jobs, true, nil)
}

func (c *mockClient) TweakTransferKeys(ctx context.Context,
	req *operator.TweakTransferKeysRequest) error {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, tweak := range req.LeavesToSend {
		if len(tweak.SecretShares) != len(set.shares) {
			return fmt.Errorf("leaf %s: got %d secret shares, want %d",
				tweak.LeafID, len(tweak.SecretShares), len(set.shares))
		}
		if len(tweak.SecretCipher) == 0 || len(tweak.Signature) == 0 {
			return fmt.Errorf("leaf %s: incomplete key tweak", tweak.LeafID)
		}
	}
	return nil
}

func (c *mockClient) QueryPendingTransfers(ctx context.Context,
	identity *btcec.PublicKey) ([]*operator.Transfer, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()
	key := string(identity.SerializeCompressed())
	transfers := set.pending[key]
	set.pending[key] = nil

	// Hand the receiver the post-finalize leaf state so the claim
	// decrements from the sender's new refund sequence.
	for _, transfer := range transfers {
		for _, leaf := range transfer.Leaves {
			if current, ok := set.leaves[leaf.Leaf.ID]; ok {
				leaf.Leaf = current.Clone()
			}
		}
	}
	return transfers, nil
}

func (c *mockClient) ClaimTransfer(ctx context.Context,
	req *operator.ClaimTransferRequest) (*operator.ClaimTransferResponse, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()

	results, err := c.openRefundSessions(req.TransferID+"-claim", req.LeavesToClaim,
		true, nil)
	if err != nil {
		return nil, err
	}
	return &operator.ClaimTransferResponse{SigningResults: results}, nil
}

func (c *mockClient) ListTransfers(ctx context.Context,
	req *operator.ListTransfersRequest) (*operator.ListTransfersResponse, error) {
	return &operator.ListTransfersResponse{NextOffset: -1}, nil
}

func (c *mockClient) RenewLeaf(ctx context.Context,
	req *operator.RenewLeafRequest) (*operator.RenewLeafResponse, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()
	set.renewals[req.Variant]++

	leaf, ok := set.leaves[req.LeafID]
	if !ok {
		return nil, fmt.Errorf("unknown leaf %s", req.LeafID)
	}

	// Install the renewed transactions from the signed jobs.
	renewed := leaf.Clone()
	for _, job := range req.SignedJobs {
		tx, err := spark.DeserializeTx(job.Job.RawTx)
		if err != nil {
			return nil, err
		}
		switch job.JobType {
		case operator.RenewJobCPFPNode:
			renewed.NodeTx = tx
		case operator.RenewJobDirectNode:
			renewed.DirectTx = tx
		case operator.RenewJobCPFPRefund:
			renewed.RefundTx = tx
		case operator.RenewJobDirectRefund:
			renewed.DirectRefundTx = tx
		case operator.RenewJobDirectFromCPFPRefund:
			renewed.DirectFromCPFPRefundTx = tx
		}
	}
	set.leaves[req.LeafID] = renewed
	return &operator.RenewLeafResponse{Node: renewed.Clone()}, nil
}

func (c *mockClient) QueryNodes(ctx context.Context,
	req *operator.QueryNodesRequest) (*operator.QueryNodesResponse, error) {

	set := c.set
	set.mu.Lock()
	defer set.mu.Unlock()

	resp := &operator.QueryNodesResponse{NextOffset: -1}
	if len(req.NodeIDs) > 0 {
		for _, id := range req.NodeIDs {
			if node, ok := set.leaves[id]; ok {
				resp.Nodes = append(resp.Nodes, node.Clone())
			}
		}
		return resp, nil
	}
	for _, node := range set.leaves {
		if req.OwnerIdentity == nil ||
			node.OwnerIdentityPublicKey.IsEqual(req.OwnerIdentity) {
			resp.Nodes = append(resp.Nodes, node.Clone())
		}
	}
	return resp, nil
}

func (c *mockClient) FetchStaticDepositClaimQuote(ctx context.Context,
	rawTx []byte, vout uint32) (*operator.ClaimQuote, error) {
	return nil, fmt.Errorf("not implemented in mock")
}

func (c *mockClient) ClaimStaticDeposit(ctx context.Context,
	req *operator.ClaimStaticDepositRequest) (*operator.Transfer, error) {
	return nil, fmt.Errorf("not implemented in mock")
}

func (c *mockClient) SubscribeEvents(ctx context.Context,
	identity *btcec.PublicKey) (operator.EventStream, error) {
	return nil, fmt.Errorf("not implemented in mock")
}

// newTestWallet builds a wallet over the mock operator set.
func newTestWallet(t *testing.T, set *mockOperatorSet) (*Wallet, *signer.MemorySigner) {
	t.Helper()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	memSigner, err := signer.NewMemorySigner(seed, spark.Regtest)
	require.NoError(t, err)

	client := &mockClient{set: set}
	operators := make([]*operator.Operator, 0, len(set.shares))
	for id, pub := range set.sharePubs {
		operators = append(operators, &operator.Operator{
			Identifier:        id,
			IdentityPublicKey: pub,
			Address:           "mock://" + id.String(),
			Client:            client,
		})
	}

	coordinatorID := operators[0].Identifier
	for _, op := range operators {
		if op.Identifier.Less(coordinatorID) {
			coordinatorID = op.Identifier
		}
	}
	pool, err := operator.NewPool(operators, coordinatorID)
	require.NoError(t, err)

	w, err := New(&Config{
		Signer:  memSigner,
		Pool:    pool,
		Network: spark.Regtest,
	})
	require.NoError(t, err)
	return w, memSigner
}

// newTestFundingTx builds a confirmed-looking funding transaction with
// a single output of the given script and value.
func newTestFundingTx(t *testing.T, value int64, script []byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xfa}, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	return tx
}

func newOutPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}
