package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

// TimelockManager drives the three renewal protocols. All of them
// build the same shape of signing-job list, sign each job with FROST,
// and submit the lot in one renew_leaf RPC; the response's leaf
// replaces the old one atomically.
type TimelockManager struct {
	signer  signer.Signer
	pool    *operator.Pool
	network spark.Network
}

// NewTimelockManager builds a timelock manager.
func NewTimelockManager(s signer.Signer, pool *operator.Pool,
	network spark.Network) *TimelockManager {

	return &TimelockManager{signer: s, pool: pool, network: network}
}

// renewJob is one logical signing job of a renewal: the rebuilt
// transaction and the output it spends.
type renewJob struct {
	jobType     operator.RenewSigningJobType
	tx          *wire.MsgTx
	parentTxOut *wire.TxOut
}

// CheckRenewLeaves inspects every leaf and renews the ones whose
// timelocks are exhausted, concurrently. It returns the leaves that
// changed.
func (m *TimelockManager) CheckRenewLeaves(ctx context.Context,
	leaves []*spark.TreeNode) ([]*spark.TreeNode, error) {

	var renewable []*spark.TreeNode
	for _, leaf := range leaves {
		needs, err := leaf.NeedsRefundRenewal()
		if err != nil {
			continue
		}
		if needs {
			renewable = append(renewable, leaf)
		}
	}
	if len(renewable) == 0 {
		return nil, nil
	}

	renewed := make([]*spark.TreeNode, len(renewable))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, leaf := range renewable {
		i, leaf := i, leaf
		group.Go(func() error {
			node, err := m.RenewLeaf(groupCtx, leaf)
			if err != nil {
				return err
			}
			renewed[i] = node
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return renewed, nil
}

// RenewLeaf picks the applicable renewal protocol for a leaf and runs
// it.
func (m *TimelockManager) RenewLeaf(ctx context.Context,
	leaf *spark.TreeNode) (*spark.TreeNode, error) {

	switch {
	case leaf.IsZeroTimeLockNode() || leaf.ParentID == "":
		return m.renewZeroTimeLock(ctx, leaf)
	case leaf.NeedsNodeRenewal():
		parent, err := m.fetchParent(ctx, leaf)
		if err != nil {
			return nil, err
		}
		return m.renewNode(ctx, leaf, parent)
	default:
		parent, err := m.fetchParent(ctx, leaf)
		if err != nil {
			return nil, err
		}
		return m.renewRefund(ctx, leaf, parent)
	}
}

// fetchParent resolves a leaf's parent node through the coordinator.
func (m *TimelockManager) fetchParent(ctx context.Context,
	leaf *spark.TreeNode) (*spark.TreeNode, error) {

	if leaf.ParentID == "" {
		return nil, fmt.Errorf("leaf %s has no parent", leaf.ID)
	}
	var offset int64
	for {
		resp, err := m.pool.Coordinator().Client.QueryNodes(ctx, &operator.QueryNodesRequest{
			NodeIDs:        []spark.LeafID{leaf.ID},
			IncludeParents: true,
			Network:        m.network,
			Offset:         offset,
			Limit:          queryPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, node := range resp.Nodes {
			if node.ID == leaf.ParentID {
				return node, nil
			}
		}
		if resp.NextOffset < 0 {
			return nil, fmt.Errorf("parent %s of leaf %s not found", leaf.ParentID, leaf.ID)
		}
		offset = resp.NextOffset
	}
}

// renewNode inserts a zero-timelock split between the leaf's parent and
// the leaf, then rebuilds node and refund txs at the initial timelock.
func (m *TimelockManager) renewNode(ctx context.Context, leaf,
	parent *spark.TreeNode) (*spark.TreeNode, error) {

	log.Infof("Renewing node timelock for leaf %s", leaf.ID)

	splitPair, err := spark.NewZeroTimeLockNodeTxs(parent.NodeTx)
	if err != nil {
		return nil, err
	}
	nodePair, err := spark.NewInitialTimeLockNodeTxs(splitPair.CPFPTx)
	if err != nil {
		return nil, err
	}
	signingPub, err := m.signer.PublicKeyFromSecret(signer.SecretSource{LeafID: leaf.ID})
	if err != nil {
		return nil, err
	}
	refunds, err := spark.NewInitialTimeLockRefundTxs(
		nodePair.CPFPTx, nodePair.DirectTx, signingPub,
	)
	if err != nil {
		return nil, err
	}

	jobs := []*renewJob{
		{operator.RenewJobCPFPSplitNode, splitPair.CPFPTx, parent.NodeTx.TxOut[0]},
		{operator.RenewJobDirectSplitNode, splitPair.DirectTx, parent.NodeTx.TxOut[0]},
		{operator.RenewJobCPFPNode, nodePair.CPFPTx, splitPair.CPFPTx.TxOut[0]},
		{operator.RenewJobDirectNode, nodePair.DirectTx, splitPair.CPFPTx.TxOut[0]},
		{operator.RenewJobCPFPRefund, refunds.CPFPTx, nodePair.CPFPTx.TxOut[0]},
	}
	if refunds.DirectTx != nil {
		jobs = append(jobs,
			&renewJob{operator.RenewJobDirectRefund, refunds.DirectTx, nodePair.DirectTx.TxOut[0]},
			&renewJob{operator.RenewJobDirectFromCPFPRefund, refunds.DirectFromCPFPTx, nodePair.CPFPTx.TxOut[0]},
		)
	}

	return m.submitRenewal(ctx, leaf, operator.RenewNodeTimelock, jobs)
}

// renewRefund rebuilds the node pair with a decremented timelock and
// resets the refund chain to the initial timelock.
func (m *TimelockManager) renewRefund(ctx context.Context, leaf,
	parent *spark.TreeNode) (*spark.TreeNode, error) {

	log.Infof("Renewing refund timelock for leaf %s", leaf.ID)

	nodePair, err := spark.NewDecrementedTimeLockNodeTxs(parent.NodeTx, leaf.NodeTx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLeafNotRenewable, err)
	}
	signingPub, err := m.signer.PublicKeyFromSecret(signer.SecretSource{LeafID: leaf.ID})
	if err != nil {
		return nil, err
	}
	refunds, err := spark.NewInitialTimeLockRefundTxs(
		nodePair.CPFPTx, nodePair.DirectTx, signingPub,
	)
	if err != nil {
		return nil, err
	}

	jobs := []*renewJob{
		{operator.RenewJobCPFPNode, nodePair.CPFPTx, parent.NodeTx.TxOut[0]},
		{operator.RenewJobDirectNode, nodePair.DirectTx, parent.NodeTx.TxOut[0]},
		{operator.RenewJobCPFPRefund, refunds.CPFPTx, nodePair.CPFPTx.TxOut[0]},
	}
	if refunds.DirectTx != nil {
		jobs = append(jobs,
			&renewJob{operator.RenewJobDirectRefund, refunds.DirectTx, nodePair.DirectTx.TxOut[0]},
			&renewJob{operator.RenewJobDirectFromCPFPRefund, refunds.DirectFromCPFPTx, nodePair.CPFPTx.TxOut[0]},
		)
	}

	return m.submitRenewal(ctx, leaf, operator.RenewRefundTimelock, jobs)
}

// renewZeroTimeLock refreshes a leaf whose node tx carries no delay,
// resetting the refund to the initial timelock.
func (m *TimelockManager) renewZeroTimeLock(ctx context.Context,
	leaf *spark.TreeNode) (*spark.TreeNode, error) {

	log.Infof("Refreshing zero-timelock leaf %s", leaf.ID)

	nodePair, err := spark.NewZeroTimeLockNodeTxs(leaf.NodeTx)
	if err != nil {
		return nil, err
	}
	signingPub, err := m.signer.PublicKeyFromSecret(signer.SecretSource{LeafID: leaf.ID})
	if err != nil {
		return nil, err
	}
	refunds, err := spark.NewInitialTimeLockRefundTxs(
		nodePair.CPFPTx, nodePair.DirectTx, signingPub,
	)
	if err != nil {
		return nil, err
	}

	jobs := []*renewJob{
		{operator.RenewJobCPFPNode, nodePair.CPFPTx, leaf.NodeTx.TxOut[0]},
		{operator.RenewJobDirectNode, nodePair.DirectTx, leaf.NodeTx.TxOut[0]},
		{operator.RenewJobCPFPRefund, refunds.CPFPTx, nodePair.CPFPTx.TxOut[0]},
	}
	if refunds.DirectFromCPFPTx != nil {
		jobs = append(jobs, &renewJob{
			operator.RenewJobDirectFromCPFPRefund,
			refunds.DirectFromCPFPTx, nodePair.CPFPTx.TxOut[0],
		})
	}

	return m.submitRenewal(ctx, leaf, operator.RenewZeroTimelock, jobs)
}

// submitRenewal signs every job with FROST against fresh operator
// commitments and submits the renewal in one RPC.
func (m *TimelockManager) submitRenewal(ctx context.Context, leaf *spark.TreeNode,
	variant operator.RenewLeafVariant, jobs []*renewJob) (*spark.TreeNode, error) {

	client := m.pool.Coordinator().Client
	commitmentSets, err := client.GetSigningCommitments(
		ctx, []spark.LeafID{leaf.ID}, len(jobs),
	)
	if err != nil {
		return nil, err
	}
	if len(commitmentSets) < len(jobs) {
		return nil, fmt.Errorf("got %d commitment sets, want %d",
			len(commitmentSets), len(jobs))
	}

	source := signer.SecretSource{LeafID: leaf.ID}
	signingPub, err := m.signer.PublicKeyFromSecret(source)
	if err != nil {
		return nil, err
	}

	signedJobs := make([]*operator.RenewLeafSignedJob, 0, len(jobs))
	for i, job := range jobs {
		userShare, signingJob, err := m.signRenewJob(
			job, source, signingPub, leaf.VerifyingPublicKey, commitmentSets[i],
		)
		if err != nil {
			return nil, err
		}
		signedJobs = append(signedJobs, &operator.RenewLeafSignedJob{
			JobType:   job.jobType,
			UserShare: userShare,
			Job:       signingJob,
		})
	}

	resp, err := client.RenewLeaf(ctx, &operator.RenewLeafRequest{
		LeafID:     leaf.ID,
		Variant:    variant,
		SignedJobs: signedJobs,
	})
	if err != nil {
		return nil, err
	}
	if resp.Node == nil {
		return nil, fmt.Errorf("renew_leaf returned no node for leaf %s", leaf.ID)
	}
	return resp.Node, nil
}

// signRenewJob produces the user's share for one renewal job.
func (m *TimelockManager) signRenewJob(job *renewJob, source signer.SecretSource,
	signingPub, verifyingKey *btcec.PublicKey,
	commitments map[frost.Identifier]frost.NonceCommitment) (
	[32]byte, *operator.SigningJob, error) {

	var zero [32]byte
	sighash, err := spark.SighashFromTx(job.tx, 0, job.parentTxOut)
	if err != nil {
		return zero, nil, err
	}
	rawTx, err := spark.SerializeTx(job.tx)
	if err != nil {
		return zero, nil, err
	}
	commitment, err := m.signer.GenerateFrostSigningCommitments()
	if err != nil {
		return zero, nil, err
	}

	userShare, err := m.signer.SignFrost(&signer.SignFrostRequest{
		Message:               sighash,
		PublicKey:             signingPub,
		PrivateKey:            source,
		VerifyingKey:          verifyingKey,
		SelfCommitment:        commitment,
		StatechainCommitments: commitments,
	})
	if err != nil {
		return zero, nil, err
	}

	return userShare, &operator.SigningJob{
		SigningPublicKey:       signingPub,
		RawTx:                  rawTx,
		SigningNonceCommitment: commitment.Commitment,
	}, nil
}
