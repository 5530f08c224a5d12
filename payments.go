package sparksdk

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
)

// ReceiveMethod selects how a receive request is rendered.
type ReceiveMethod string

const (
	// ReceiveMethodSparkAddress renders the wallet's spark address.
	ReceiveMethodSparkAddress ReceiveMethod = "spark_address"

	// ReceiveMethodBolt11 issues a BOLT-11 invoice through the
	// service provider.
	ReceiveMethodBolt11 ReceiveMethod = "bolt11"

	// ReceiveMethodBitcoinAddress generates an on-chain deposit
	// address.
	ReceiveMethodBitcoinAddress ReceiveMethod = "bitcoin_address"
)

// PrepareReceiveRequest parametrizes a receive.
type PrepareReceiveRequest struct {
	Method ReceiveMethod

	// AmountSats fixes the invoice amount; zero issues an open
	// invoice. Ignored for address methods.
	AmountSats uint64

	// Description annotates a BOLT-11 invoice.
	Description string
}

// PrepareReceiveResponse carries the payment request plus the fee the
// receiver will bear.
type PrepareReceiveResponse struct {
	Method ReceiveMethod

	// PaymentRequest is the address or invoice to hand the payer.
	PaymentRequest string

	// FeeSats is the expected receive fee.
	FeeSats uint64
}

// PrepareReceivePayment builds a receive request without side effects
// beyond invoice issuance.
func (s *SDK) PrepareReceivePayment(ctx context.Context,
	req *PrepareReceiveRequest) (*PrepareReceiveResponse, error) {

	switch req.Method {
	case ReceiveMethodSparkAddress, "":
		address, err := s.wallet.SparkAddress()
		if err != nil {
			return nil, err
		}
		return &PrepareReceiveResponse{
			Method:         ReceiveMethodSparkAddress,
			PaymentRequest: address,
		}, nil

	case ReceiveMethodBolt11:
		if s.cfg.SspClient == nil {
			return nil, validationErrorf("method", "no service provider configured")
		}
		invoice, err := s.createLightningInvoice(ctx, req.AmountSats, req.Description)
		if err != nil {
			return nil, err
		}
		return &PrepareReceiveResponse{
			Method:         ReceiveMethodBolt11,
			PaymentRequest: invoice.Invoice,
		}, nil

	case ReceiveMethodBitcoinAddress:
		info, err := s.wallet.Deposits().GenerateDepositAddress(ctx, true)
		if err != nil {
			return nil, err
		}
		return &PrepareReceiveResponse{
			Method:         ReceiveMethodBitcoinAddress,
			PaymentRequest: info.Address,
		}, nil
	}
	return nil, validationErrorf("method", "unsupported receive method %q", req.Method)
}

// ReceivePayment is an alias of PrepareReceivePayment kept for the
// symmetric API shape; receives complete through events.
func (s *SDK) ReceivePayment(ctx context.Context,
	req *PrepareReceiveRequest) (*PrepareReceiveResponse, error) {

	return s.PrepareReceivePayment(ctx, req)
}

// createLightningInvoice asks the provider for an invoice over a
// payment hash this wallet can settle.
func (s *SDK) createLightningInvoice(ctx context.Context, amountSats uint64,
	description string) (*ssp.LightningReceivePayment, error) {

	return s.cfg.SspClient.CreateLightningInvoice(ctx, &ssp.LightningReceiveRequest{
		IdentityPublicKey: hex.EncodeToString(
			s.wallet.IdentityPublicKey().SerializeCompressed()),
		AmountSats:       amountSats,
		Description:      description,
		ExpirySecs:       3600,
		IncludeSparkHint: true,
	})
}

// PrepareSendRequest parametrizes an outbound payment.
type PrepareSendRequest struct {
	// PaymentRequest is the destination: spark address, BOLT-11
	// invoice, or on-chain address.
	PaymentRequest string

	// AmountSats is required when the request carries no amount.
	AmountSats uint64
}

// PrepareSendResponse is a priced, ready-to-send payment.
type PrepareSendResponse struct {
	// Parsed is the classified destination.
	Parsed *ParsedInput

	// PaymentRequest is the raw destination string.
	PaymentRequest string

	// AmountSats is the resolved send amount.
	AmountSats uint64

	// FeeSats is the quoted fee.
	FeeSats uint64

	// LeafIDs are the leaves selected to fund the send.
	LeafIDs []spark.LeafID

	// SparkViaInvoice is set when the invoice carries a spark route
	// hint; the payer may choose the fee-less spark path.
	SparkViaInvoice bool
}

// PrepareSendPayment parses and prices an outbound payment without
// moving funds.
func (s *SDK) PrepareSendPayment(ctx context.Context,
	req *PrepareSendRequest) (*PrepareSendResponse, error) {

	parsed, err := Parse(req.PaymentRequest, s.cfg.Network)
	if err != nil {
		return nil, err
	}

	resp := &PrepareSendResponse{
		Parsed:         parsed,
		PaymentRequest: req.PaymentRequest,
		AmountSats:     req.AmountSats,
	}

	switch parsed.Kind {
	case InputSparkAddress:
		if req.AmountSats == 0 {
			return nil, validationErrorf("amount", "amount is required for spark sends")
		}

	case InputBolt11Invoice:
		if msat, ok := parsed.Invoice.AmountMilliSat(); ok {
			resp.AmountSats = msat / 1_000
		} else if req.AmountSats == 0 {
			return nil, validationErrorf("amount",
				"amount is required for amount-less invoices")
		}
		if parsed.Invoice.IsExpired(s.clock.Now()) {
			return nil, validationErrorf("invoice", "invoice expired")
		}
		resp.SparkViaInvoice = parsed.Invoice.SparkRouteHint() != nil
		if s.cfg.SspClient != nil && !resp.SparkViaInvoice {
			quote, err := s.cfg.SspClient.EstimateLightningSendFee(
				ctx, req.PaymentRequest, resp.AmountSats,
			)
			if err != nil {
				return nil, err
			}
			resp.FeeSats = quote.FeeSats
		}

	case InputBitcoinAddress:
		if req.AmountSats == 0 {
			return nil, validationErrorf("amount", "amount is required for withdrawals")
		}
	}

	leaves, err := s.wallet.Leaves().SelectLeaves(resp.AmountSats + resp.FeeSats)
	if err != nil {
		return nil, err
	}
	for _, leaf := range leaves {
		resp.LeafIDs = append(resp.LeafIDs, leaf.ID)
	}
	return resp, nil
}

// SendPaymentOptions tunes SendPayment.
type SendPaymentOptions struct {
	// PreferSpark routes an invoice with a spark hint as a fee-less
	// spark transfer.
	PreferSpark bool

	// CompletionTimeoutSecs bounds how long SendPayment blocks for
	// the terminal state; on timeout the pending payment is returned
	// and the final state arrives as an event.
	CompletionTimeoutSecs uint32

	// IdempotencyKey dedupes retried sends; reusing a key returns the
	// payment created by the first attempt.
	IdempotencyKey string
}

// SendPayment executes a prepared send.
func (s *SDK) SendPayment(ctx context.Context, prepared *PrepareSendResponse,
	options *SendPaymentOptions) (*Payment, error) {

	if options == nil {
		options = &SendPaymentOptions{}
	}

	// An idempotency key maps deterministically to the payment id, so
	// a retried send converges on the same row.
	paymentID := uuid.NewString()
	if options.IdempotencyKey != "" {
		paymentID = uuid.NewSHA1(
			uuid.NameSpaceOID, []byte(options.IdempotencyKey),
		).String()
		if existing, err := s.storage.GetPayment(ctx, paymentID); err == nil {
			return existing, nil
		}
	}

	// Top the bitcoin balance up from tokens before a send that
	// exceeds the reserve.
	if s.stable != nil {
		if err := s.stable.ensureSendable(ctx, prepared.AmountSats+prepared.FeeSats); err != nil {
			return nil, err
		}
	}

	var payment *Payment
	var err error
	switch prepared.Parsed.Kind {
	case InputSparkAddress:
		payment, err = s.sendSparkPayment(ctx, paymentID, prepared)
	case InputBolt11Invoice:
		payment, err = s.sendLightningPayment(ctx, paymentID, prepared, options)
	case InputBitcoinAddress:
		payment, err = s.sendWithdrawal(ctx, paymentID, prepared)
	default:
		return nil, validationErrorf("payment request", "unsupported input")
	}
	if err != nil {
		return nil, err
	}

	if err := s.storage.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	if payment.Status == PaymentStatusPending {
		s.emitter.Emit(&Event{Type: EventPaymentPending, Payment: payment})
	} else {
		s.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: payment})
		s.notifyWaiters(payment)
	}
	s.requestSync(newSyncRequest(SyncTypeWalletState, nil, true))

	if payment.Status == PaymentStatusPending && options.CompletionTimeoutSecs > 0 {
		timeout := time.Duration(options.CompletionTimeoutSecs) * time.Second
		if settled, err := s.WaitForPayment(ctx, payment.ID, timeout); err == nil {
			return settled, nil
		}
	}
	return payment, nil
}

// sendSparkPayment moves leaves to the destination identity.
func (s *SDK) sendSparkPayment(ctx context.Context, paymentID string,
	prepared *PrepareSendResponse) (*Payment, error) {

	transfer, err := s.wallet.SendTransfer(
		ctx, prepared.LeafIDs, prepared.Parsed.SparkAddress.IdentityPublicKey,
	)
	if err != nil {
		return nil, err
	}

	return &Payment{
		ID:        paymentID,
		Type:      PaymentTypeSend,
		Status:    PaymentStatusCompleted,
		Amount:    uint128.From64(prepared.AmountSats),
		Timestamp: s.clock.Now().UTC(),
		Method:    PaymentMethodSpark,
		Details: &PaymentDetails{
			TransferID: transfer.ID,
			CounterpartyPublicKey: hex.EncodeToString(
				transfer.ReceiverIdentityPublicKey.SerializeCompressed()),
		},
	}, nil
}

// sendLightningPayment settles an invoice, through a spark transfer
// when the payer prefers it and the invoice carries a spark hint,
// otherwise through the service provider against the fee quote.
func (s *SDK) sendLightningPayment(ctx context.Context, paymentID string,
	prepared *PrepareSendResponse, options *SendPaymentOptions) (*Payment, error) {

	invoice := prepared.Parsed.Invoice

	if options.PreferSpark && prepared.SparkViaInvoice {
		transfer, err := s.wallet.SendTransfer(
			ctx, prepared.LeafIDs, invoice.SparkRouteHint(),
		)
		if err != nil {
			return nil, err
		}
		return &Payment{
			ID:        paymentID,
			Type:      PaymentTypeSend,
			Status:    PaymentStatusCompleted,
			Amount:    uint128.From64(prepared.AmountSats),
			Timestamp: s.clock.Now().UTC(),
			Method:    PaymentMethodSpark,
			Details: &PaymentDetails{
				TransferID:  transfer.ID,
				Invoice:     prepared.PaymentRequest,
				PaymentHash: hex.EncodeToString(invoice.PaymentHash[:]),
			},
		}, nil
	}

	if s.cfg.SspClient == nil {
		return nil, validationErrorf("method", "no service provider configured")
	}

	// The spark side: leaves move behind the payment hash so the
	// provider can only claim them by revealing the preimage. The
	// provider's spark identity is its route hint when present, the
	// invoice destination otherwise.
	sspIdentity := invoice.SparkRouteHint()
	if sspIdentity == nil {
		sspIdentity = invoice.Destination
	}
	transfer, err := s.wallet.SendLightningSwap(
		ctx, prepared.LeafIDs, *invoice.PaymentHash, sspIdentity,
	)
	if err != nil {
		return nil, err
	}

	send, err := s.cfg.SspClient.PayLightningInvoice(ctx, &ssp.LightningSendRequest{
		IdentityPublicKey: hex.EncodeToString(
			s.wallet.IdentityPublicKey().SerializeCompressed()),
		Invoice:        prepared.PaymentRequest,
		AmountSats:     prepared.AmountSats,
		MaxFeeSats:     prepared.FeeSats,
		IdempotencyKey: paymentID,
	})
	if err != nil {
		return nil, err
	}

	status := PaymentStatusPending
	if send.Status == ssp.LightningSendCompleted {
		status = PaymentStatusCompleted
	} else if send.Status == ssp.LightningSendFailed {
		status = PaymentStatusFailed
	}

	return &Payment{
		ID:        paymentID,
		Type:      PaymentTypeSend,
		Status:    status,
		Amount:    uint128.From64(prepared.AmountSats),
		FeeSats:   send.FeeSats,
		Timestamp: s.clock.Now().UTC(),
		Method:    PaymentMethodLightning,
		Details: &PaymentDetails{
			Invoice:     prepared.PaymentRequest,
			PaymentHash: hex.EncodeToString(invoice.PaymentHash[:]),
			Preimage:    send.Preimage,
			TransferID:  transfer.ID,
		},
	}, nil
}

// sendWithdrawal runs a cooperative exit through the service provider.
func (s *SDK) sendWithdrawal(ctx context.Context, paymentID string,
	prepared *PrepareSendResponse) (*Payment, error) {

	if s.cfg.SspClient == nil {
		return nil, validationErrorf("method", "no service provider configured")
	}

	leafIDs := make([]string, 0, len(prepared.LeafIDs))
	for _, id := range prepared.LeafIDs {
		leafIDs = append(leafIDs, string(id))
	}
	exit, err := s.cfg.SspClient.RequestCoopExit(ctx, &ssp.CoopExitRequest{
		IdentityPublicKey: hex.EncodeToString(
			s.wallet.IdentityPublicKey().SerializeCompressed()),
		OnchainAddress: prepared.PaymentRequest,
		AmountSats:     prepared.AmountSats,
		LeafIDs:        leafIDs,
	})
	if err != nil {
		return nil, err
	}

	status := PaymentStatusPending
	if exit.Completed {
		status = PaymentStatusCompleted
	}
	return &Payment{
		ID:        paymentID,
		Type:      PaymentTypeSend,
		Status:    status,
		Amount:    uint128.From64(prepared.AmountSats),
		FeeSats:   exit.FeeSats,
		Timestamp: s.clock.Now().UTC(),
		Method:    PaymentMethodWithdraw,
		Details: &PaymentDetails{
			Txid: exit.RawTxid,
		},
	}, nil
}

// ListPayments pages the payment history newest-first.
func (s *SDK) ListPayments(ctx context.Context, offset, limit int64) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.storage.ListPayments(ctx, offset, limit)
}

// GetPayment fetches one payment by id.
func (s *SDK) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.storage.GetPayment(ctx, id)
}

// WaitForPayment blocks until the payment reaches a terminal state or
// the timeout lapses.
func (s *SDK) WaitForPayment(ctx context.Context, id string,
	timeout time.Duration) (*Payment, error) {

	// Terminal already?
	if payment, err := s.storage.GetPayment(ctx, id); err == nil &&
		payment.Status != PaymentStatusPending {
		return payment, nil
	}

	ch := make(chan *Payment, 1)
	s.waiterMu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.waiterMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payment := <-ch:
		return payment, nil
	case <-timer.C:
		return nil, fmt.Errorf("payment %s still pending after %v", id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrNotConnected
	}
}

// paymentFromTransfer maps an operator transfer into a payment row.
func (s *SDK) paymentFromTransfer(transfer *operator.Transfer,
	status PaymentStatus) *Payment {

	identity := s.wallet.IdentityPublicKey()
	paymentType := PaymentTypeReceive
	counterparty := transfer.SenderIdentityPublicKey
	if transfer.SenderIdentityPublicKey != nil &&
		transfer.SenderIdentityPublicKey.IsEqual(identity) {
		paymentType = PaymentTypeSend
		counterparty = transfer.ReceiverIdentityPublicKey
	}

	method := PaymentMethodSpark
	switch transfer.Type {
	case operator.TransferTypePreimageSwap:
		method = PaymentMethodLightning
	case operator.TransferTypeCooperativeExit:
		method = PaymentMethodWithdraw
	case operator.TransferTypeUtxoSwap:
		method = PaymentMethodDeposit
	}

	details := &PaymentDetails{TransferID: transfer.ID}
	if counterparty != nil {
		details.CounterpartyPublicKey = hex.EncodeToString(
			counterparty.SerializeCompressed())
	}

	return &Payment{
		ID:        transfer.ID,
		Type:      paymentType,
		Status:    status,
		Amount:    uint128.From64(transfer.TotalValueSats),
		Timestamp: transfer.CreatedAt.UTC(),
		Method:    method,
		Details:   details,
	}
}

// attachLnurlMetadata merges staged lnurl metadata into a lightning
// receive payment before its events are emitted.
func (s *SDK) attachLnurlMetadata(ctx context.Context, payment *Payment) {
	if payment.Type != PaymentTypeReceive || payment.Method != PaymentMethodLightning {
		return
	}
	if payment.Details == nil || payment.Details.Invoice == "" {
		return
	}
	if payment.Details.LnurlDescription != "" {
		return
	}

	metadata, err := s.storage.GetPaymentMetadata(ctx, payment.Details.Invoice)
	if err != nil || metadata == "" {
		return
	}
	payment.Details.LnurlDescription = metadata
	if err := s.storage.MergePaymentDetails(ctx, payment.ID, &PaymentDetails{
		LnurlDescription: metadata,
	}); err != nil {
		log.Errorf("Failed to persist lnurl metadata for %s: %v", payment.ID, err)
	}
}
