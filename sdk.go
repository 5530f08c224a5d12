package sparksdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/flarewallet/sparksdk/wallet"
)

// heartbeatInterval is how often the sync loop checks whether the
// configured sync interval has lapsed.
const heartbeatInterval = 10 * time.Second

// SDK is a connected spark wallet. It owns the wallet engine, the
// payment store, the sync loop, and the event emitter. All methods are
// safe for concurrent use.
type SDK struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg     *Config
	wallet  *wallet.Wallet
	storage Storage
	emitter *eventEmitter

	converter *tokenConverter
	stable    *stableBalancePolicy

	syncRequests chan *syncRequest

	clock     clock.Clock
	heartbeat ticker.Ticker

	// waiters tracks WaitForPayment callers by payment id.
	waiterMu sync.Mutex
	waiters  map[string][]chan *Payment

	// optimization tracks the leaf optimization progress snapshot.
	optimizationMu sync.Mutex
	optimization   OptimizationProgress

	wg   sync.WaitGroup
	quit chan struct{}
}

// OptimizationProgress reports a running leaf optimization.
type OptimizationProgress struct {
	Running         bool
	OptimizedLeaves int
	TotalLeaves     int
}

// Connect assembles an SDK from the configuration and starts its
// background loops. The caller must Disconnect to release it.
func Connect(cfg *Config) (*SDK, error) {
	if cfg.Signer == nil {
		return nil, validationErrorf("config", "nil signer")
	}
	if cfg.OperatorPool == nil {
		return nil, validationErrorf("config", "nil operator pool")
	}
	if cfg.Storage == nil {
		return nil, validationErrorf("config", "nil storage")
	}
	if cfg.SyncIntervalSecs == 0 {
		cfg.SyncIntervalSecs = DefaultConfig(cfg.Network).SyncIntervalSecs
	}

	walletEngine, err := wallet.New(&wallet.Config{
		Signer:         cfg.Signer,
		Pool:           cfg.OperatorPool,
		Network:        cfg.Network,
		TransferExpiry: cfg.TransferExpiry,
	})
	if err != nil {
		return nil, err
	}

	s := &SDK{
		cfg:          cfg,
		wallet:       walletEngine,
		storage:      cfg.Storage,
		emitter:      newEventEmitter(),
		syncRequests: make(chan *syncRequest, 8),
		clock:        clock.NewDefaultClock(),
		heartbeat:    ticker.New(heartbeatInterval),
		waiters:      make(map[string][]chan *Payment),
		quit:         make(chan struct{}),
	}

	if cfg.SspClient != nil {
		s.converter = newTokenConverter(s)
	}
	if cfg.StableBalance != nil {
		if cfg.SspClient == nil {
			return nil, validationErrorf("config",
				"stable balance policy requires a service provider client")
		}
		s.stable = newStableBalancePolicy(s, cfg.StableBalance)
	}

	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil, fmt.Errorf("sdk already started")
	}

	s.wg.Add(1)
	go s.syncLoop()

	s.wg.Add(1)
	go s.eventStreamLoop()

	if s.converter != nil {
		s.wg.Add(1)
		go s.converter.refunderLoop()
	}

	// Kick an initial full sync.
	s.requestSync(newSyncRequest(SyncTypeFull, nil, true))

	log.Infof("SDK connected on %v as %x", cfg.Network,
		walletEngine.IdentityPublicKey().SerializeCompressed())
	return s, nil
}

// Disconnect signals every background task and waits for them to exit.
func (s *SDK) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}
	close(s.quit)
	s.heartbeat.Stop()
	s.wg.Wait()
	s.emitter.Stop()
	log.Infof("SDK disconnected")
	return nil
}

// AddEventListener registers a listener; events are delivered in
// registration order.
func (s *SDK) AddEventListener(listener EventListener) string {
	return s.emitter.AddListener(listener)
}

// RemoveEventListener drops a listener by id.
func (s *SDK) RemoveEventListener(id string) bool {
	return s.emitter.RemoveListener(id)
}

// GetInfo snapshots the wallet: identity, receive address, and the
// balance as of the last sync.
func (s *SDK) GetInfo(ctx context.Context) (*GetInfoResponse, error) {
	address, err := s.wallet.SparkAddress()
	if err != nil {
		return nil, err
	}

	// Serve the balance from storage between syncs so GetInfo never
	// blocks on the network.
	balance := s.wallet.Balance()
	if balance == 0 {
		if cached, err := s.storage.CacheGet(ctx, cacheKeyBalance); err == nil &&
			len(cached) == 8 {
			balance = beUint64(cached)
		}
	}

	return &GetInfoResponse{
		IdentityPublicKey: hex.EncodeToString(
			s.wallet.IdentityPublicKey().SerializeCompressed()),
		SparkAddress: address,
		BalanceSats:  balance,
	}, nil
}

// SignMessage signs an arbitrary message with the identity key,
// returning a hex DER-encoded ECDSA signature over sha256(message).
func (s *SDK) SignMessage(message string) (string, error) {
	sig, err := s.cfg.Signer.SignECDSA([]byte(message))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// CheckMessage verifies a signature produced by SignMessage against a
// hex-encoded identity public key.
func (s *SDK) CheckMessage(message, pubKeyHex, signatureHex string) error {
	keyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return validationErrorf("public key", "%v", err)
	}
	pubKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return validationErrorf("public key", "%v", err)
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return validationErrorf("signature", "%v", err)
	}
	sig, err := btcecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return validationErrorf("signature", "%v", err)
	}
	digest := sha256.Sum256([]byte(message))
	if !sig.Verify(digest[:], pubKey) {
		return validationErrorf("signature", "verification failed")
	}
	return nil
}

// StartLeafOptimization kicks a background pass renewing every leaf
// whose timelock is exhausted.
func (s *SDK) StartLeafOptimization(ctx context.Context) error {
	s.optimizationMu.Lock()
	if s.optimization.Running {
		s.optimizationMu.Unlock()
		return nil
	}
	leaves := s.wallet.Leaves().List()
	s.optimization = OptimizationProgress{Running: true, TotalLeaves: len(leaves)}
	s.optimizationMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.optimizationMu.Lock()
			s.optimization.Running = false
			s.optimizationMu.Unlock()
		}()

		for i, leaf := range leaves {
			select {
			case <-s.quit:
				return
			default:
			}
			needs, err := leaf.NeedsRefundRenewal()
			if err != nil || !needs {
				continue
			}
			renewed, err := s.wallet.Timelock().RenewLeaf(context.Background(), leaf)
			if err != nil {
				log.Warnf("Leaf optimization: renewing %s failed: %v", leaf.ID, err)
				continue
			}
			s.wallet.Leaves().Replace(renewed)
			s.optimizationMu.Lock()
			s.optimization.OptimizedLeaves = i + 1
			s.optimizationMu.Unlock()
		}
	}()
	return nil
}

// GetLeafOptimizationProgress reports the current optimization state.
func (s *SDK) GetLeafOptimizationProgress() OptimizationProgress {
	s.optimizationMu.Lock()
	defer s.optimizationMu.Unlock()
	return s.optimization
}

// Wallet exposes the underlying wallet engine for advanced flows
// (unilateral exit, manual renewal).
func (s *SDK) Wallet() *wallet.Wallet {
	return s.wallet
}

// notifyWaiters resolves WaitForPayment callers for a terminal
// payment.
func (s *SDK) notifyWaiters(payment *Payment) {
	if payment.Status == PaymentStatusPending {
		return
	}
	s.waiterMu.Lock()
	waiters := s.waiters[payment.ID]
	delete(s.waiters, payment.ID)
	s.waiterMu.Unlock()
	for _, ch := range waiters {
		ch <- payment
	}
}

// beUint64 reads a big-endian uint64.
func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// beUint64Bytes writes a big-endian uint64.
func beUint64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
