package sparksdk

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/poolmath"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
	"github.com/flarewallet/sparksdk/wallet"
)

// memStorage is an in-memory Storage for converter tests.
type memStorage struct {
	mu       sync.Mutex
	payments map[string]*Payment
	cache    map[string][]byte
	metadata map[string]string
	deposits map[string]*DepositInfo
}

var _ Storage = (*memStorage)(nil)

func newMemStorage() *memStorage {
	return &memStorage{
		payments: make(map[string]*Payment),
		cache:    make(map[string][]byte),
		metadata: make(map[string]string),
		deposits: make(map[string]*DepositInfo),
	}
}

func (m *memStorage) InsertPayment(_ context.Context, payment *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.payments[payment.ID]; ok {
		if existing.Status == PaymentStatusPending &&
			payment.Status != PaymentStatusPending {
			m.payments[payment.ID] = payment
		}
		return nil
	}
	clone := *payment
	m.payments[payment.ID] = &clone
	return nil
}

func (m *memStorage) UpdatePaymentStatus(_ context.Context, id string,
	status PaymentStatus) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	payment.Status = status
	return nil
}

func (m *memStorage) MergePaymentDetails(_ context.Context, id string,
	details *PaymentDetails) error {

	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	clone := *details
	payment.Details = &clone
	return nil
}

func (m *memStorage) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	clone := *payment
	return &clone, nil
}

func (m *memStorage) ListPayments(_ context.Context, _, _ int64) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Payment, 0, len(m.payments))
	for _, payment := range m.payments {
		clone := *payment
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStorage) ListPaymentsByConversionStatus(_ context.Context,
	status ConversionStatus) ([]*Payment, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, payment := range m.payments {
		if payment.Details != nil && payment.Details.Conversion != nil &&
			payment.Details.Conversion.Status == status {
			clone := *payment
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStorage) CountPayments(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.payments)), nil
}

func (m *memStorage) UpsertDeposit(_ context.Context, deposit *DepositInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *deposit
	m.deposits[deposit.Txid] = &clone
	return nil
}

func (m *memStorage) ListDeposits(_ context.Context) ([]*DepositInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DepositInfo
	for _, deposit := range m.deposits {
		clone := *deposit
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStorage) DeleteDeposit(_ context.Context, txid string, _ uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deposits, txid)
	return nil
}

func (m *memStorage) SetPaymentMetadata(_ context.Context, id, metadata string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[id] = metadata
	return nil
}

func (m *memStorage) GetPaymentMetadata(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata[id], nil
}

func (m *memStorage) CachePut(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStorage) CacheGet(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.cache[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (m *memStorage) Close() error { return nil }

// stubSspClient scripts the pool service for converter tests.
type stubSspClient struct {
	ssp.Client

	pools      []*ssp.TokenPool
	acceptSwap bool
	clawbacks  int
}

func (c *stubSspClient) ListTokenPools(_ context.Context, _,
	_ string) ([]*ssp.TokenPool, error) {
	return c.pools, nil
}

func (c *stubSspClient) ExecuteTokenSwap(_ context.Context,
	req *ssp.TokenSwapRequest) (*ssp.TokenSwapResponse, error) {

	if !c.acceptSwap {
		return &ssp.TokenSwapResponse{
			Accepted:         false,
			RefundTransferID: "refund-" + req.TransferID,
		}, nil
	}
	return &ssp.TokenSwapResponse{
		SwapID:    "swap-" + req.TransferID,
		AmountOut: req.MinAmountOut,
		Accepted:  true,
	}, nil
}

func (c *stubSspClient) ClawbackTokenSwap(_ context.Context,
	_ *ssp.ClawbackRequest) error {
	c.clawbacks++
	return nil
}

// newConverterTestSDK assembles the minimum SDK state the converter
// touches.
func newConverterTestSDK(t *testing.T, sspClient ssp.Client) *SDK {
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
	}}, id)
	require.NoError(t, err)

	walletEngine, err := wallet.New(&wallet.Config{
		Signer:  memSigner,
		Pool:    pool,
		Network: spark.Regtest,
	})
	require.NoError(t, err)

	cfg := DefaultConfig(spark.Regtest)
	cfg.Signer = memSigner
	cfg.OperatorPool = pool
	cfg.SspClient = sspClient

	s := &SDK{
		cfg:     cfg,
		wallet:  walletEngine,
		storage: newMemStorage(),
		emitter: newEventEmitter(),
		clock:   clock.NewDefaultClock(),
		waiters: make(map[string][]chan *Payment),
		quit:    make(chan struct{}),
	}
	s.converter = newTokenConverter(s)
	t.Cleanup(func() {
		close(s.quit)
		s.emitter.Stop()
	})
	return s
}

func stubPool() *ssp.TokenPool {
	reserveA := uint128.From64(1_000_000_000)
	reserveB := uint128.From64(1_000_000_000)
	return &ssp.TokenPool{
		PoolID:        "pool-1",
		AssetAAddress: poolmath.BTCAssetAddress,
		AssetBAddress: "token-usd",
		HostFeeBps:    50,
		LPFeeBps:      100,
		AssetAReserve: &reserveA,
		AssetBReserve: &reserveB,
	}
}

func TestConvertAcceptedRecordsPaymentPair(t *testing.T) {
	client := &stubSspClient{pools: []*ssp.TokenPool{stubPool()}, acceptSwap: true}
	s := newConverterTestSDK(t, client)
	ctx := context.Background()

	result, err := s.converter.Convert(ctx, &ConvertRequest{
		AssetIn:      poolmath.BTCAssetAddress,
		AssetOut:     "token-usd",
		MinAmountOut: uint128.From64(10_000),
		Purpose:      "test",
	})
	require.NoError(t, err)
	require.Equal(t, "pool-1", result.PoolID)
	require.False(t, result.AmountIn.IsZero())

	sent, err := s.storage.GetPayment(ctx, result.ConversionID+"-sent")
	require.NoError(t, err)
	require.Equal(t, PaymentTypeSend, sent.Type)
	require.Equal(t, ConversionCompleted, sent.Details.Conversion.Status)

	received, err := s.storage.GetPayment(ctx, result.ConversionID+"-received")
	require.NoError(t, err)
	require.Equal(t, PaymentTypeReceive, received.Type)
	require.Equal(t, PaymentMethodToken, received.Method)
}

func TestConvertRejectedWakesRefunder(t *testing.T) {
	client := &stubSspClient{pools: []*ssp.TokenPool{stubPool()}, acceptSwap: false}
	s := newConverterTestSDK(t, client)
	ctx := context.Background()

	_, err := s.converter.Convert(ctx, &ConvertRequest{
		AssetIn:      poolmath.BTCAssetAddress,
		AssetOut:     "token-usd",
		MinAmountOut: uint128.From64(10_000),
	})
	var failure *ConversionFailedError
	require.ErrorAs(t, err, &failure)

	pending, err := s.storage.ListPaymentsByConversionStatus(
		ctx, ConversionRefundNeeded)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The refunder claws the failed conversion back and flips its
	// state.
	s.converter.refundFailedConversions()
	require.Equal(t, 1, client.clawbacks)

	pending, err = s.storage.ListPaymentsByConversionStatus(
		ctx, ConversionRefundNeeded)
	require.NoError(t, err)
	require.Empty(t, pending)

	refunded, err := s.storage.ListPaymentsByConversionStatus(
		ctx, ConversionRefunded)
	require.NoError(t, err)
	require.Len(t, refunded, 1)
}

func TestConvertValidation(t *testing.T) {
	client := &stubSspClient{pools: []*ssp.TokenPool{stubPool()}, acceptSwap: true}
	s := newConverterTestSDK(t, client)
	ctx := context.Background()

	_, err := s.converter.Convert(ctx, &ConvertRequest{
		AssetIn:  "token-usd",
		AssetOut: "token-usd",
		AmountIn: uint128.From64(1),
	})
	require.Error(t, err)

	_, err = s.converter.Convert(ctx, &ConvertRequest{
		AssetIn:  poolmath.BTCAssetAddress,
		AssetOut: "token-usd",
	})
	require.Error(t, err)

	// No viable pool surfaces as liquidity unavailable.
	client.pools = nil
	_, err = s.converter.Convert(ctx, &ConvertRequest{
		AssetIn:      poolmath.BTCAssetAddress,
		AssetOut:     "token-usd",
		MinAmountOut: uint128.From64(10_000),
	})
	require.ErrorIs(t, err, ErrLiquidityUnavailable)
}
