package sparksdk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/ssp"
)

// SyncType is a bitmask of sync subtasks.
type SyncType uint32

const (
	// SyncTypeWallet refreshes the leaf set and claims pending
	// transfers.
	SyncTypeWallet SyncType = 1 << iota

	// SyncTypeWalletState persists balances and payment history.
	SyncTypeWalletState

	// SyncTypeLnurlMetadata pages lnurl receive metadata into
	// storage.
	SyncTypeLnurlMetadata

	// SyncTypeDeposits sweeps confirmed static deposits.
	SyncTypeDeposits

	// SyncTypeFull runs everything.
	SyncTypeFull = SyncTypeWallet | SyncTypeWalletState |
		SyncTypeLnurlMetadata | SyncTypeDeposits
)

// contains reports whether every bit of other is set.
func (t SyncType) contains(other SyncType) bool {
	return t&other == other
}

// syncRequest is one unit of work for the sync loop. reply, when
// non-nil, receives the outcome exactly once.
type syncRequest struct {
	syncType SyncType
	reply    chan error
	force    bool
}

func newSyncRequest(syncType SyncType, reply chan error, force bool) *syncRequest {
	return &syncRequest{syncType: syncType, reply: reply, force: force}
}

func (r *syncRequest) respond(err error) {
	if r.reply != nil {
		r.reply <- err
	}
}

// requestSync enqueues a sync without blocking; the loop coalesces a
// full queue.
func (s *SDK) requestSync(req *syncRequest) {
	select {
	case s.syncRequests <- req:
	case <-s.quit:
		req.respond(ErrNotConnected)
	default:
		log.Debugf("Sync queue full, dropping request type %b", req.syncType)
		req.respond(nil)
	}
}

// SyncWallet forces a full sync and blocks until it finishes.
func (s *SDK) SyncWallet(ctx context.Context) error {
	reply := make(chan error, 1)
	s.requestSync(newSyncRequest(SyncTypeFull, reply, true))
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrNotConnected
	}
}

// syncLoop is the single owner of synchronization: it multiplexes
// explicit sync requests and a heartbeat that enforces the configured
// sync interval. Operator events arrive through eventStreamLoop, which
// converts them into sync requests on this channel.
func (s *SDK) syncLoop() {
	defer s.wg.Done()

	s.heartbeat.Resume()
	lastSync := s.clock.Now()

	for {
		select {
		case <-s.quit:
			return

		case req := <-s.syncRequests:
			if err := s.runSync(req); err != nil {
				log.Errorf("Sync failed: %v", err)
				req.respond(err)
				continue
			}
			req.respond(nil)
			if req.syncType.contains(SyncTypeFull) {
				lastSync = s.clock.Now()
			}

		case <-s.heartbeat.Ticks():
			interval := time.Duration(s.cfg.SyncIntervalSecs) * time.Second
			if s.clock.Now().Sub(lastSync) < interval {
				continue
			}
			if err := s.runSync(newSyncRequest(SyncTypeFull, nil, false)); err != nil {
				log.Errorf("Periodic sync failed: %v", err)
				continue
			}
			lastSync = s.clock.Now()
		}
	}
}

// runSync executes one sync pass: the requested subtasks fan out
// concurrently, per-subtask failures are collected into the Synced
// event rather than aborting the pass.
func (s *SDK) runSync(req *syncRequest) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Skip when a full sync ran recently, unless forced.
	if !req.force {
		if cached, err := s.storage.CacheGet(ctx, cacheKeyLastSyncTime); err == nil &&
			len(cached) == 8 {
			last := time.Unix(int64(beUint64(cached)), 0)
			interval := time.Duration(s.cfg.SyncIntervalSecs) * time.Second
			if s.clock.Now().Sub(last) < interval {
				log.Debugf("Synced recently, skipping")
				return nil
			}
		}
	}
	if req.syncType.contains(SyncTypeFull) {
		stamp := beUint64Bytes(uint64(s.clock.Now().Unix()))
		if err := s.storage.CachePut(ctx, cacheKeyLastSyncTime, stamp); err != nil {
			log.Errorf("Failed to update last sync time: %v", err)
		}
	}

	var walletOK, walletStateOK, lnurlOK, depositsOK bool
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if !req.syncType.contains(SyncTypeWallet) {
			return nil
		}
		if err := s.wallet.Sync(groupCtx); err != nil {
			log.Errorf("Wallet sync failed: %v", err)
			return nil
		}
		walletOK = true
		return nil
	})

	group.Go(func() error {
		if !req.syncType.contains(SyncTypeWalletState) {
			return nil
		}
		if err := s.syncWalletStateToStorage(groupCtx); err != nil {
			log.Errorf("Wallet state sync failed: %v", err)
			return nil
		}
		walletStateOK = true
		return nil
	})

	group.Go(func() error {
		if !req.syncType.contains(SyncTypeLnurlMetadata) {
			return nil
		}
		if err := s.syncLnurlMetadata(groupCtx); err != nil {
			log.Errorf("Lnurl metadata sync failed: %v", err)
			return nil
		}
		lnurlOK = true
		return nil
	})

	group.Go(func() error {
		if !req.syncType.contains(SyncTypeDeposits) {
			return nil
		}
		if err := s.checkAndClaimDeposits(groupCtx); err != nil {
			log.Errorf("Deposit sweep failed: %v", err)
			return nil
		}
		depositsOK = true
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	event := &SyncedEvent{
		Wallet:        walletOK,
		WalletState:   walletStateOK,
		LnurlMetadata: lnurlOK,
		Deposits:      depositsOK,
	}

	// Auto-convert only after a successful wallet-state sync so the
	// policy sees fresh balances.
	if event.WalletState && s.stable != nil {
		s.stable.triggerAutoConvert()
	}

	s.emitter.Emit(&Event{Type: EventSynced, Synced: event})
	return nil
}

// eventStreamLoop keeps an operator event subscription alive, feeding
// stream events into the wallet engine and the sync loop. Stream drops
// are transient; the loop reconnects with backoff.
func (s *SDK) eventStreamLoop() {
	defer s.wg.Done()

	events := s.wallet.SubscribeEvents()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := time.Second
		for {
			select {
			case <-s.quit:
				return
			default:
			}
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-s.quit
				cancel()
			}()
			err := s.wallet.RunEventStream(ctx)
			cancel()
			select {
			case <-s.quit:
				return
			default:
			}
			log.Warnf("Operator event stream ended: %v, reconnecting in %v",
				err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.quit:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case event := <-events:
			s.handleWalletEvent(event)
		}
	}
}

// handleWalletEvent reacts to one operator stream event.
func (s *SDK) handleWalletEvent(event *operator.Event) {
	ctx := context.Background()
	switch event.Type {
	case operator.EventDepositConfirmed:
		log.Infof("Deposit confirmed: %s:%d", event.DepositTxid, event.DepositVout)
		s.requestSync(newSyncRequest(SyncTypeDeposits, nil, true))

	case operator.EventStreamConnected:
		log.Infof("Operator stream connected")

	case operator.EventStreamDisconnected:
		log.Infof("Operator stream disconnected")

	case operator.EventSynced:
		s.requestSync(newSyncRequest(SyncTypeFull, nil, false))

	case operator.EventTransferClaimStarted:
		if event.Transfer == nil {
			return
		}
		payment := s.paymentFromTransfer(event.Transfer, PaymentStatusPending)
		if err := s.storage.InsertPayment(ctx, payment); err != nil {
			log.Errorf("Failed to insert pending payment: %v", err)
		}
		s.attachLnurlMetadata(ctx, payment)
		s.emitter.Emit(&Event{Type: EventPaymentPending, Payment: payment})
		s.requestSync(newSyncRequest(SyncTypeWalletState, nil, true))

	case operator.EventTransferClaimed:
		if event.Transfer == nil {
			return
		}
		payment := s.paymentFromTransfer(event.Transfer, PaymentStatusCompleted)
		if err := s.storage.InsertPayment(ctx, payment); err != nil {
			log.Errorf("Failed to insert completed payment: %v", err)
		}
		s.attachLnurlMetadata(ctx, payment)
		s.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: payment})
		s.notifyWaiters(payment)
		s.requestSync(newSyncRequest(SyncTypeWalletState, nil, true))

	case operator.EventOptimization:
		s.optimizationMu.Lock()
		s.optimization.OptimizedLeaves = event.OptimizedLeaves
		s.optimization.TotalLeaves = event.TotalLeaves
		s.optimizationMu.Unlock()
	}
}

// syncWalletStateToStorage persists the balance snapshot and pages the
// transfer history into the payment store. Several instances sharing
// one store insert idempotently by payment id; pending payments are
// excluded from the committed offset so they are reprocessed until they
// terminalize.
func (s *SDK) syncWalletStateToStorage(ctx context.Context) error {
	balance := s.wallet.Balance()
	if err := s.storage.CachePut(ctx, cacheKeyBalance, beUint64Bytes(balance)); err != nil {
		return err
	}

	var offset int64
	if cached, err := s.storage.CacheGet(ctx, cacheKeyTransferOffset); err == nil &&
		len(cached) == 8 {
		offset = int64(beUint64(cached))
	}

	client := s.cfg.OperatorPool.Coordinator().Client
	identity := s.wallet.IdentityPublicKey()

	for {
		resp, err := client.ListTransfers(ctx, &operator.ListTransfersRequest{
			IdentityPublicKey: identity,
			Offset:            offset,
			Limit:             syncPageSize,
		})
		if err != nil {
			return err
		}
		if len(resp.Transfers) == 0 {
			break
		}

		// The committed offset only advances past transfers that have
		// terminalized; a pending transfer pins the cursor so it is
		// reprocessed next pass.
		committed := offset
		pinned := false
		for _, transfer := range resp.Transfers {
			status := PaymentStatusPending
			switch transfer.Status {
			case operator.TransferStatusCompleted:
				status = PaymentStatusCompleted
			case operator.TransferStatusExpired, operator.TransferStatusReturned:
				status = PaymentStatusFailed
			}
			payment := s.paymentFromTransfer(transfer, status)
			if err := s.storage.InsertPayment(ctx, payment); err != nil {
				return err
			}
			if status == PaymentStatusPending {
				pinned = true
			}
			if !pinned {
				committed++
			}
		}

		if err := s.storage.CachePut(ctx, cacheKeyTransferOffset,
			beUint64Bytes(uint64(committed))); err != nil {
			return err
		}

		if resp.NextOffset < 0 {
			break
		}
		offset = resp.NextOffset
	}
	return nil
}

// syncPageSize is the transfer/metadata pagination size.
const syncPageSize = 100

// syncLnurlMetadata pages lnurl receive metadata into storage, staged
// by invoice so the description can be attached before or after the
// payment row exists.
func (s *SDK) syncLnurlMetadata(ctx context.Context) error {
	if s.cfg.SspClient == nil {
		return nil
	}

	var updatedAfter uint64
	if cached, err := s.storage.CacheGet(ctx, cacheKeyLnurlUpdatedAfter); err == nil &&
		len(cached) == 8 {
		updatedAfter = beUint64(cached)
	}

	for {
		metadata, err := s.cfg.SspClient.ListLnurlMetadata(ctx,
			&ssp.ListMetadataRequest{
				UpdatedAfter: updatedAfter,
				Limit:        syncPageSize,
			})
		if err != nil {
			return err
		}
		if len(metadata) == 0 {
			break
		}

		for _, record := range metadata {
			if err := s.storage.SetPaymentMetadata(
				ctx, record.Invoice, record.Description,
			); err != nil {
				return err
			}
			if record.UpdatedAt > updatedAfter {
				updatedAfter = record.UpdatedAt
			}
		}
		if err := s.storage.CachePut(ctx, cacheKeyLnurlUpdatedAfter,
			beUint64Bytes(updatedAfter)); err != nil {
			return err
		}
		if len(metadata) < syncPageSize {
			break
		}
	}
	return nil
}
