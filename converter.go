package sparksdk

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/poolmath"
	"github.com/flarewallet/sparksdk/ssp"
)

// refunderInterval is how often the conversion refunder wakes on its
// own, in addition to startup and explicit triggers.
const refunderInterval = 150 * time.Second

// ConvertRequest parametrizes a bitcoin/token conversion. Exactly one
// of AmountIn and MinAmountOut is set: with AmountIn the output is
// simulated and floored by slippage; with MinAmountOut the required
// input is derived from the selected pool.
type ConvertRequest struct {
	// AssetIn and AssetOut name the conversion direction; bitcoin is
	// poolmath.BTCAssetAddress.
	AssetIn  string
	AssetOut string

	// AmountIn fixes the input amount when non-zero.
	AmountIn uint128.Uint128

	// MinAmountOut fixes the output floor when AmountIn is zero.
	MinAmountOut uint128.Uint128

	// Purpose tags the conversion's payment rows.
	Purpose string
}

// ConvertResult reports an executed conversion.
type ConvertResult struct {
	ConversionID string
	PoolID       string
	AmountIn     uint128.Uint128
	AmountOut    uint128.Uint128
}

// tokenConverter drives pool selection, swap execution, and the
// background refunder for failed conversions.
type tokenConverter struct {
	sdk *SDK

	// refundTrigger wakes the refunder out of band.
	refundTrigger chan struct{}
}

func newTokenConverter(sdk *SDK) *tokenConverter {
	return &tokenConverter{
		sdk:           sdk,
		refundTrigger: make(chan struct{}, 1),
	}
}

// wakeRefunder nudges the refunder without blocking.
func (c *tokenConverter) wakeRefunder() {
	select {
	case c.refundTrigger <- struct{}{}:
	default:
	}
}

// selectPool queries the pool index in both directions, dedupes by
// pool id, and runs the weighted selection.
func (c *tokenConverter) selectPool(ctx context.Context, assetIn, assetOut string,
	amountOut uint128.Uint128) (*ssp.TokenPool, error) {

	forward, err := c.sdk.cfg.SspClient.ListTokenPools(ctx, assetIn, assetOut)
	if err != nil {
		return nil, err
	}
	reverse, err := c.sdk.cfg.SspClient.ListTokenPools(ctx, assetOut, assetIn)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var pools []*ssp.TokenPool
	for _, pool := range append(forward, reverse...) {
		if _, ok := seen[pool.PoolID]; ok {
			continue
		}
		seen[pool.PoolID] = struct{}{}
		pools = append(pools, pool)
	}

	best, err := poolmath.SelectBestPool(
		pools, assetIn, amountOut, c.sdk.cfg.MaxSlippageBps,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLiquidityUnavailable, err)
	}
	return best, nil
}

// Convert runs one conversion end to end and records its payment rows.
func (c *tokenConverter) Convert(ctx context.Context,
	req *ConvertRequest) (*ConvertResult, error) {

	if req.AssetIn == req.AssetOut {
		return nil, validationErrorf("conversion", "same asset on both sides")
	}
	if req.AmountIn.IsZero() == req.MinAmountOut.IsZero() {
		return nil, validationErrorf("conversion",
			"exactly one of amount_in and min_amount_out must be set")
	}

	// Conversion ids are UUIDv7 so the rows of one conversion sort
	// together in time order.
	conversionUUID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	conversionID := conversionUUID.String()

	var amountIn, minAmountOut uint128.Uint128
	var pool *ssp.TokenPool
	switch {
	case !req.MinAmountOut.IsZero():
		pool, err = c.selectPool(ctx, req.AssetIn, req.AssetOut, req.MinAmountOut)
		if err != nil {
			return nil, err
		}
		amountIn, err = poolmath.CalculateAmountIn(
			pool, req.AssetIn, req.MinAmountOut, c.sdk.cfg.MaxSlippageBps,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLiquidityUnavailable, err)
		}
		minAmountOut = req.MinAmountOut

	default:
		amountIn = req.AmountIn
		// Pick the pool by the simulated output, then floor it by
		// slippage.
		simulatedTarget := uint128.From64(1)
		pool, err = c.selectPool(ctx, req.AssetIn, req.AssetOut, simulatedTarget)
		if err != nil {
			return nil, err
		}
		simulated, err := poolmath.CalculateAmountOut(pool, req.AssetIn, amountIn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLiquidityUnavailable, err)
		}
		minAmountOut = simulated.
			Mul64(uint64(10_000 - c.sdk.cfg.MaxSlippageBps)).
			Div64(10_000)
	}

	swapReq := &ssp.TokenSwapRequest{
		IdentityPublicKey: hex.EncodeToString(
			c.sdk.wallet.IdentityPublicKey().SerializeCompressed()),
		PoolID:          pool.PoolID,
		AssetInAddress:  req.AssetIn,
		AssetOutAddress: req.AssetOut,
		AmountIn:        amountIn,
		MinAmountOut:    minAmountOut,
		MaxSlippageBps:  c.sdk.cfg.MaxSlippageBps,
		TransferID:      conversionID,
	}
	swap, err := c.sdk.cfg.SspClient.ExecuteTokenSwap(ctx, swapReq)
	if err != nil {
		return nil, err
	}

	if !swap.Accepted {
		// The funding transfer needs a clawback; record the state and
		// wake the refunder.
		failure := &ConversionFailedError{
			ConversionID: conversionID,
			TransferID:   swap.RefundTransferID,
			Err:          fmt.Errorf("swap rejected by pool %s", pool.PoolID),
		}
		refundPayment := c.conversionPayment(
			conversionID+"-refund", PaymentTypeSend, PaymentStatusFailed,
			amountIn, req.AssetIn, pool.PoolID, req.Purpose,
			ConversionRefundNeeded,
		)
		refundPayment.Details.TransferID = swap.RefundTransferID
		if err := c.sdk.storage.InsertPayment(ctx, refundPayment); err != nil {
			log.Errorf("Failed to record refund-needed conversion: %v", err)
		}
		c.wakeRefunder()
		return nil, failure
	}

	// Record the conversion as a send/receive pair sharing the
	// conversion id.
	sent := c.conversionPayment(
		conversionID+"-sent", PaymentTypeSend, PaymentStatusCompleted,
		amountIn, req.AssetIn, pool.PoolID, req.Purpose, ConversionCompleted,
	)
	received := c.conversionPayment(
		conversionID+"-received", PaymentTypeReceive, PaymentStatusCompleted,
		swap.AmountOut, req.AssetOut, pool.PoolID, req.Purpose, ConversionCompleted,
	)
	if err := c.sdk.storage.InsertPayment(ctx, sent); err != nil {
		return nil, err
	}
	if err := c.sdk.storage.InsertPayment(ctx, received); err != nil {
		return nil, err
	}
	c.sdk.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: sent})
	c.sdk.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: received})

	log.Infof("Conversion %s: %v %s -> %v %s via pool %s", conversionID,
		amountIn, req.AssetIn, swap.AmountOut, req.AssetOut, pool.PoolID)

	return &ConvertResult{
		ConversionID: conversionID,
		PoolID:       pool.PoolID,
		AmountIn:     amountIn,
		AmountOut:    swap.AmountOut,
	}, nil
}

// conversionPayment builds one payment row of a conversion.
func (c *tokenConverter) conversionPayment(id string, paymentType PaymentType,
	status PaymentStatus, amount uint128.Uint128, asset, poolID, purpose string,
	conversionStatus ConversionStatus) *Payment {

	method := PaymentMethodToken
	if asset == poolmath.BTCAssetAddress {
		method = PaymentMethodSpark
	}
	return &Payment{
		ID:        id,
		Type:      paymentType,
		Status:    status,
		Amount:    amount,
		Timestamp: c.sdk.clock.Now().UTC(),
		Method:    method,
		Details: &PaymentDetails{
			TokenID: asset,
			Conversion: &ConversionInfo{
				PoolID:       poolID,
				ConversionID: id,
				Status:       conversionStatus,
				Purpose:      purpose,
			},
		},
	}
}

// refunderLoop cleans failed conversions up: it lists payments in
// refund-needed state and issues clawbacks. It wakes on startup, on
// the explicit trigger, and every 150 seconds.
func (c *tokenConverter) refunderLoop() {
	defer c.sdk.wg.Done()

	// Startup pass.
	c.refundFailedConversions()

	timer := time.NewTicker(refunderInterval)
	defer timer.Stop()
	for {
		select {
		case <-c.sdk.quit:
			return
		case <-c.refundTrigger:
			c.refundFailedConversions()
		case <-timer.C:
			c.refundFailedConversions()
		}
	}
}

// refundFailedConversions issues one clawback per refund-needed
// payment. Failures stay refund-needed for the next pass.
func (c *tokenConverter) refundFailedConversions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	payments, err := c.sdk.storage.ListPaymentsByConversionStatus(
		ctx, ConversionRefundNeeded,
	)
	if err != nil {
		log.Errorf("Refunder: listing refund-needed conversions failed: %v", err)
		return
	}

	for _, payment := range payments {
		transferID := ""
		if payment.Details != nil {
			transferID = payment.Details.TransferID
		}
		err := c.sdk.cfg.SspClient.ClawbackTokenSwap(ctx, &ssp.ClawbackRequest{
			IdentityPublicKey: hex.EncodeToString(
				c.sdk.wallet.IdentityPublicKey().SerializeCompressed()),
			TransferID: transferID,
		})
		if err != nil {
			log.Warnf("Refunder: clawback for %s failed: %v", payment.ID, err)
			continue
		}

		details := *payment.Details
		conversion := *details.Conversion
		conversion.Status = ConversionRefunded
		details.Conversion = &conversion
		if err := c.sdk.storage.MergePaymentDetails(
			ctx, payment.ID, &details,
		); err != nil {
			log.Errorf("Refunder: persisting refunded state for %s failed: %v",
				payment.ID, err)
			continue
		}
		log.Infof("Refunder: conversion %s refunded", payment.ID)
	}
}
