// Package wallet implements the spark wallet engine: the leaf index,
// the deposit, transfer, timelock, lightning, and unilateral-exit
// services, all driven by the signer and the operator pool. The engine
// holds protocol state; transports and storage stay behind the
// interfaces it is handed.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
)

var (
	// ErrInsufficientFunds is returned when the owned leaf set cannot
	// cover a requested amount.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrLeafNotRenewable is returned when a leaf's timelock is
	// exhausted beyond what the renewal protocols can fix.
	ErrLeafNotRenewable = errors.New("wallet: leaf not renewable")

	// ErrNoLeaves is returned when an operation targets an empty leaf
	// set.
	ErrNoLeaves = errors.New("wallet: no leaves")
)

// Config bundles the wallet engine's collaborators.
type Config struct {
	// Signer holds the user's root secret.
	Signer signer.Signer

	// Pool addresses the operator set.
	Pool *operator.Pool

	// Network selects mainnet or regtest.
	Network spark.Network

	// TransferExpiry bounds how long an outgoing transfer stays
	// claimable before the coordinator returns it.
	TransferExpiry time.Duration
}

// Wallet is the spark wallet engine.
type Wallet struct {
	cfg    *Config
	leaves *LeafManager

	deposits *DepositService
	timelock *TimelockManager

	mu          sync.Mutex
	subscribers []chan *operator.Event
}

// New builds a wallet engine from its collaborators.
func New(cfg *Config) (*Wallet, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("wallet: nil signer")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("wallet: nil operator pool")
	}
	if cfg.TransferExpiry == 0 {
		cfg.TransferExpiry = 24 * time.Hour
	}

	w := &Wallet{
		cfg:    cfg,
		leaves: NewLeafManager(),
	}
	w.deposits = NewDepositService(cfg.Signer, cfg.Pool, cfg.Network)
	w.timelock = NewTimelockManager(cfg.Signer, cfg.Pool, cfg.Network)
	return w, nil
}

// IdentityPublicKey returns the wallet's stable identity.
func (w *Wallet) IdentityPublicKey() *btcec.PublicKey {
	return w.cfg.Signer.IdentityPublicKey()
}

// SparkAddress renders the wallet's receive address.
func (w *Wallet) SparkAddress() (string, error) {
	return spark.EncodeAddress(w.IdentityPublicKey(), w.cfg.Network)
}

// Network returns the wallet's network.
func (w *Wallet) Network() spark.Network {
	return w.cfg.Network
}

// Leaves exposes the leaf index.
func (w *Wallet) Leaves() *LeafManager {
	return w.leaves
}

// Deposits exposes the deposit service.
func (w *Wallet) Deposits() *DepositService {
	return w.deposits
}

// Timelock exposes the timelock manager.
func (w *Wallet) Timelock() *TimelockManager {
	return w.timelock
}

// Balance returns the owned balance in satoshis.
func (w *Wallet) Balance() uint64 {
	return w.leaves.Balance()
}

// coordinator is a shorthand for the coordinator's client.
func (w *Wallet) coordinator() operator.Client {
	return w.cfg.Pool.Coordinator().Client
}

// Sync refreshes the owned leaf set from the operators, claims any
// pending inbound transfers, and renews leaves whose timelocks are
// exhausted.
func (w *Wallet) Sync(ctx context.Context) error {
	if err := w.ClaimPendingTransfers(ctx); err != nil {
		return err
	}
	if err := w.RefreshLeaves(ctx); err != nil {
		return err
	}

	leaves := w.leaves.List()
	renewed, err := w.timelock.CheckRenewLeaves(ctx, leaves)
	if err != nil {
		return err
	}
	for _, leaf := range renewed {
		w.leaves.Replace(leaf)
	}
	return nil
}

// RefreshLeaves replaces the leaf index with the operators' view of
// this identity's available nodes, paginated ascending.
func (w *Wallet) RefreshLeaves(ctx context.Context) error {
	var (
		all    []*spark.TreeNode
		offset int64
	)
	for {
		resp, err := w.coordinator().QueryNodes(ctx, &operator.QueryNodesRequest{
			OwnerIdentity: w.IdentityPublicKey(),
			Network:       w.cfg.Network,
			Offset:        offset,
			Limit:         queryPageSize,
		})
		if err != nil {
			return err
		}
		for _, node := range resp.Nodes {
			if node.IsLeaf() && node.Status == spark.StatusAvailable {
				all = append(all, node)
			}
		}
		if resp.NextOffset < 0 {
			break
		}
		offset = resp.NextOffset
	}

	w.leaves.ReplaceAll(all)
	log.Debugf("Refreshed leaf set: %d leaves, %d sats", len(all), w.leaves.Balance())
	return nil
}

// queryPageSize is the page size used for node and transfer queries.
const queryPageSize = 100

// SubscribeEvents registers a buffered event channel fed by the
// operator stream plus wallet-internal events. The caller owns reading
// it; slow readers drop events rather than block the pump.
func (w *Wallet) SubscribeEvents() <-chan *operator.Event {
	ch := make(chan *operator.Event, 32)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()
	return ch
}

// publishEvent fans an event out to every subscriber.
func (w *Wallet) publishEvent(event *operator.Event) {
	w.mu.Lock()
	subscribers := append([]chan *operator.Event(nil), w.subscribers...)
	w.mu.Unlock()
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			log.Warnf("Dropping wallet event %s: subscriber not draining", event.Type)
		}
	}
}

// RunEventStream opens the operator event stream and pumps it into the
// wallet's subscribers until ctx is done or the stream drops. Transfer
// claim events trigger the receiver state machine inline so the claim
// happens before the event reaches listeners.
func (w *Wallet) RunEventStream(ctx context.Context) error {
	stream, err := w.coordinator().SubscribeEvents(ctx, w.IdentityPublicKey())
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-stream.Events():
			if !ok {
				return operator.ErrStreamClosed
			}
			if event.Type == operator.EventTransferClaimStarted && event.Transfer != nil {
				w.publishEvent(event)
				if _, err := w.ClaimTransfer(ctx, event.Transfer); err != nil {
					log.Errorf("Claiming transfer %s failed: %v", event.Transfer.ID, err)
					continue
				}
				w.publishEvent(&operator.Event{
					Type:     operator.EventTransferClaimed,
					Transfer: event.Transfer,
				})
				continue
			}
			w.publishEvent(event)
		}
	}
}
