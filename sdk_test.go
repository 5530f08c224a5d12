package sparksdk_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	sparksdk "github.com/flarewallet/sparksdk"
	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/sqlstore"
)

// scriptedClient answers the operator RPC surface from canned data,
// enough to drive the SDK lifecycle: an event stream, a transfer
// history, and empty views everywhere else.
type scriptedClient struct {
	mu        sync.Mutex
	transfers []*operator.Transfer
	events    chan *operator.Event
}

var _ operator.Client = (*scriptedClient)(nil)

func newScriptedClient() *scriptedClient {
	return &scriptedClient{events: make(chan *operator.Event, 16)}
}

func (c *scriptedClient) addTransfer(transfer *operator.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, transfer)
}

func (c *scriptedClient) GenerateDepositAddress(context.Context,
	*operator.GenerateDepositAddressRequest) (*operator.DepositAddressInfo, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) QueryUnusedDepositAddresses(context.Context,
	*btcec.PublicKey, spark.Network) ([]*operator.DepositAddressInfo, error) {
	return nil, nil
}

func (c *scriptedClient) StartDepositTreeCreation(context.Context,
	*operator.StartDepositTreeCreationRequest) (*operator.StartDepositTreeCreationResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) FinalizeNodeSignatures(context.Context,
	operator.SignatureIntent, []*operator.NodeSignatures) ([]*spark.TreeNode, error) {
	return nil, nil
}

func (c *scriptedClient) GetSigningCommitments(context.Context, []spark.LeafID,
	int) ([]map[frost.Identifier]frost.NonceCommitment, error) {
	return nil, nil
}

func (c *scriptedClient) StartTransfer(context.Context,
	*operator.StartTransferRequest) (*operator.StartTransferResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) SignTransferRefunds(context.Context, string,
	[]*operator.LeafRefundTxSigningJob,
	map[spark.LeafID]*operator.RefundShareSet) ([]*operator.LeafRefundTxSigningResult, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) TweakTransferKeys(context.Context,
	*operator.TweakTransferKeysRequest) error {
	return nil
}

func (c *scriptedClient) QueryPendingTransfers(context.Context,
	*btcec.PublicKey) ([]*operator.Transfer, error) {
	return nil, nil
}

func (c *scriptedClient) ClaimTransfer(context.Context,
	*operator.ClaimTransferRequest) (*operator.ClaimTransferResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) ListTransfers(_ context.Context,
	req *operator.ListTransfersRequest) (*operator.ListTransfersResponse, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	resp := &operator.ListTransfersResponse{NextOffset: -1}
	if req.Offset >= int64(len(c.transfers)) {
		return resp, nil
	}
	end := req.Offset + req.Limit
	if end > int64(len(c.transfers)) {
		end = int64(len(c.transfers))
	}
	resp.Transfers = c.transfers[req.Offset:end]
	if end < int64(len(c.transfers)) {
		resp.NextOffset = end
	}
	return resp, nil
}

func (c *scriptedClient) RenewLeaf(context.Context,
	*operator.RenewLeafRequest) (*operator.RenewLeafResponse, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) QueryNodes(context.Context,
	*operator.QueryNodesRequest) (*operator.QueryNodesResponse, error) {
	return &operator.QueryNodesResponse{NextOffset: -1}, nil
}

func (c *scriptedClient) FetchStaticDepositClaimQuote(context.Context, []byte,
	uint32) (*operator.ClaimQuote, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) ClaimStaticDeposit(context.Context,
	*operator.ClaimStaticDepositRequest) (*operator.Transfer, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedClient) SubscribeEvents(context.Context,
	*btcec.PublicKey) (operator.EventStream, error) {
	return &scriptedStream{events: c.events}, nil
}

type scriptedStream struct {
	events chan *operator.Event
}

func (s *scriptedStream) Events() <-chan *operator.Event { return s.events }

func (s *scriptedStream) Close() error {
	return nil
}

// newTestSDK wires an SDK over the scripted operator and a sqlite
// store.
func newTestSDK(t *testing.T, client *scriptedClient) (*sparksdk.SDK, *signer.MemorySigner) {
	t.Helper()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	memSigner, err := signer.NewMemorySigner(seed, spark.Regtest)
	require.NoError(t, err)

	id, err := frost.NewIdentifier([]byte{1})
	require.NoError(t, err)
	opKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pool, err := operator.NewPool([]*operator.Operator{{
		Identifier:        id,
		IdentityPublicKey: opKey.PubKey(),
		Address:           "scripted://operator",
		Client:            client,
	}}, id)
	require.NoError(t, err)

	store, err := sqlstore.Open(sqlstore.BackendSqlite,
		filepath.Join(t.TempDir(), "sdk.db"))
	require.NoError(t, err)

	cfg := sparksdk.DefaultConfig(spark.Regtest)
	cfg.Signer = memSigner
	cfg.OperatorPool = pool
	cfg.Storage = store

	sdk, err := sparksdk.Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sdk.Disconnect())
		store.Close()
	})
	return sdk, memSigner
}

func scriptedTransfer(id string, sender, receiver *btcec.PublicKey,
	value uint64, status operator.TransferStatus) *operator.Transfer {

	return &operator.Transfer{
		ID:                        id,
		SenderIdentityPublicKey:   sender,
		ReceiverIdentityPublicKey: receiver,
		Status:                    status,
		Type:                      operator.TransferTypeSpark,
		TotalValueSats:            value,
		CreatedAt:                 time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestConnectSyncDisconnect(t *testing.T) {
	client := newScriptedClient()
	sdk, memSigner := newTestSDK(t, client)
	ctx := context.Background()

	counterpart, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	// A settled receive and a still-pending one in the history.
	client.addTransfer(scriptedTransfer("t-completed",
		counterpart.PubKey(), memSigner.IdentityPublicKey(), 5,
		operator.TransferStatusCompleted))
	client.addTransfer(scriptedTransfer("t-pending",
		counterpart.PubKey(), memSigner.IdentityPublicKey(), 7,
		operator.TransferStatusReceiverClaimStarting))

	require.NoError(t, sdk.SyncWallet(ctx))

	completed, err := sdk.GetPayment(ctx, "t-completed")
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusCompleted, completed.Status)
	require.Equal(t, sparksdk.PaymentTypeReceive, completed.Type)
	require.Equal(t, sparksdk.PaymentMethodSpark, completed.Method)
	require.EqualValues(t, 5, completed.AmountSats())

	pending, err := sdk.GetPayment(ctx, "t-pending")
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusPending, pending.Status)

	// Syncing again neither duplicates nor regresses rows.
	require.NoError(t, sdk.SyncWallet(ctx))
	payments, err := sdk.ListPayments(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, payments, 2)
}

func TestPendingTransferTerminalizesAcrossSyncs(t *testing.T) {
	client := newScriptedClient()
	sdk, memSigner := newTestSDK(t, client)
	ctx := context.Background()

	counterpart, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pending := scriptedTransfer("t-1", counterpart.PubKey(),
		memSigner.IdentityPublicKey(), 9,
		operator.TransferStatusReceiverClaimStarting)
	client.addTransfer(pending)

	require.NoError(t, sdk.SyncWallet(ctx))
	payment, err := sdk.GetPayment(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusPending, payment.Status)

	// The transfer settles server-side; the pending row is
	// reprocessed because the committed offset never advanced past
	// it.
	client.mu.Lock()
	pending.Status = operator.TransferStatusCompleted
	client.mu.Unlock()

	require.NoError(t, sdk.SyncWallet(ctx))
	payment, err = sdk.GetPayment(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusCompleted, payment.Status)
}

func TestEventStreamDrivesPayments(t *testing.T) {
	client := newScriptedClient()
	sdk, memSigner := newTestSDK(t, client)
	ctx := context.Background()

	counterpart, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var mu sync.Mutex
	var sequence []sparksdk.EventType
	gotSucceeded := make(chan struct{}, 1)
	sdk.AddEventListener(sparksdk.EventListenerFunc(func(event *sparksdk.Event) {
		if event.Type == sparksdk.EventPaymentPending ||
			event.Type == sparksdk.EventPaymentSucceeded {
			mu.Lock()
			sequence = append(sequence, event.Type)
			mu.Unlock()
		}
		if event.Type == sparksdk.EventPaymentSucceeded {
			select {
			case gotSucceeded <- struct{}{}:
			default:
			}
		}
	}))

	transfer := scriptedTransfer("t-event", counterpart.PubKey(),
		memSigner.IdentityPublicKey(), 21,
		operator.TransferStatusReceiverClaimStarting)

	client.events <- &operator.Event{
		Type:     operator.EventTransferClaimStarted,
		Transfer: transfer,
	}
	client.events <- &operator.Event{
		Type:     operator.EventTransferClaimed,
		Transfer: transfer,
	}

	select {
	case <-gotSucceeded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for PaymentSucceeded")
	}

	mu.Lock()
	require.Equal(t, []sparksdk.EventType{
		sparksdk.EventPaymentPending, sparksdk.EventPaymentSucceeded,
	}, sequence)
	mu.Unlock()

	payment, err := sdk.GetPayment(ctx, "t-event")
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusCompleted, payment.Status)

	// WaitForPayment resolves instantly on terminal rows.
	settled, err := sdk.WaitForPayment(ctx, "t-event", time.Second)
	require.NoError(t, err)
	require.Equal(t, sparksdk.PaymentStatusCompleted, settled.Status)
}

func TestGetInfoAndMessages(t *testing.T) {
	client := newScriptedClient()
	sdk, memSigner := newTestSDK(t, client)
	ctx := context.Background()

	info, err := sdk.GetInfo(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, info.IdentityPublicKey)
	require.True(t, spark.IsSparkAddress(info.SparkAddress))

	signature, err := sdk.SignMessage("hello spark")
	require.NoError(t, err)
	require.NoError(t, sdk.CheckMessage("hello spark",
		info.IdentityPublicKey, signature))
	require.Error(t, sdk.CheckMessage("tampered",
		info.IdentityPublicKey, signature))

	_ = memSigner
}
