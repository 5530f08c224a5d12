package sparksdk

import (
	"context"
	"time"

	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/poolmath"
)

// stableBalancePolicy keeps the bitcoin balance pinned near a
// threshold by converting excess into the peg token after receives and
// converting the token back before sends that exceed the reserve.
type stableBalancePolicy struct {
	sdk *SDK
	cfg *StableBalanceConfig

	// trigger coalesces auto-convert requests from the sync loop.
	trigger chan struct{}
}

func newStableBalancePolicy(sdk *SDK, cfg *StableBalanceConfig) *stableBalancePolicy {
	p := &stableBalancePolicy{
		sdk:     sdk,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	sdk.wg.Add(1)
	go p.run()
	return p
}

// triggerAutoConvert nudges the policy after a wallet-state sync.
func (p *stableBalancePolicy) triggerAutoConvert() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// run services auto-convert triggers serially so two conversions never
// race over the same balance.
func (p *stableBalancePolicy) run() {
	defer p.sdk.wg.Done()
	for {
		select {
		case <-p.sdk.quit:
			return
		case <-p.trigger:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			p.autoConvert(ctx)
			cancel()
		}
	}
}

// autoConvert converts everything above the reserve into the peg token
// once the balance exceeds threshold+reserved.
func (p *stableBalancePolicy) autoConvert(ctx context.Context) {
	balance := p.sdk.wallet.Balance()
	if balance <= p.cfg.ThresholdSats+p.cfg.ReservedSats {
		return
	}
	excess := balance - p.cfg.ReservedSats

	log.Infof("Stable balance: converting %d sats into %s", excess, p.cfg.TokenID)
	_, err := p.sdk.converter.Convert(ctx, &ConvertRequest{
		AssetIn:  poolmath.BTCAssetAddress,
		AssetOut: p.cfg.TokenID,
		AmountIn: uint128.From64(excess),
		Purpose:  "stable_balance",
	})
	if err != nil {
		log.Errorf("Stable balance: auto-convert failed: %v", err)
	}
}

// ensureSendable converts tokens back into bitcoin when a send exceeds
// what the reserve can cover.
func (p *stableBalancePolicy) ensureSendable(ctx context.Context, amountSats uint64) error {
	balance := p.sdk.wallet.Balance()
	if amountSats <= balance {
		return nil
	}
	shortfall := amountSats - balance

	log.Infof("Stable balance: converting %s back for a %d sat shortfall",
		p.cfg.TokenID, shortfall)
	_, err := p.sdk.converter.Convert(ctx, &ConvertRequest{
		AssetIn:      p.cfg.TokenID,
		AssetOut:     poolmath.BTCAssetAddress,
		MinAmountOut: uint128.From64(shortfall),
		Purpose:      "stable_balance",
	})
	return err
}
