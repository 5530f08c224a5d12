// Package poolmath models the token conversion venues: amount-in
// pricing against AMM reserves and the weighted pool selection the
// converter runs before a swap.
package poolmath

import (
	"errors"
	"fmt"
	"math"

	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/ssp"
)

// BTCAssetAddress is the asset address denoting bitcoin in the pool
// service.
const BTCAssetAddress = "btc"

// CurveTypeV3Concentrated marks concentrated-liquidity venues. When any
// viable pool is V3-concentrated, selection restricts to those.
const CurveTypeV3Concentrated = "V3_CONCENTRATED"

// Scoring weights in basis points (total 10_000): fee efficiency 50%,
// liquidity 30%, price stability 20%.
const (
	feeWeightBps       = 5_000
	liquidityWeightBps = 3_000
	stabilityWeightBps = 2_000
)

var (
	// ErrNoViablePool is returned when no pool can provide the
	// requested output.
	ErrNoViablePool = errors.New("poolmath: no pool can provide the requested output amount")
)

// poolScore carries one pool's component and total scores.
type poolScore struct {
	pool             *ssp.TokenPool
	amountInRequired uint128.Uint128
	totalBps         uint64
	feeBps           uint64
	liquidityBps     uint64
	stabilityBps     uint64
}

// CalculateAmountIn prices the input needed for amountOut against a
// constant-product pool, including the pool fees and the slippage
// allowance. Fails when the pool cannot produce amountOut.
func CalculateAmountIn(pool *ssp.TokenPool, assetInAddress string,
	amountOut uint128.Uint128, maxSlippageBps uint32) (uint128.Uint128, error) {

	if pool.AssetAReserve == nil || pool.AssetBReserve == nil {
		return uint128.Zero, fmt.Errorf("pool %s: missing reserves", pool.PoolID)
	}

	reserveIn, reserveOut := *pool.AssetAReserve, *pool.AssetBReserve
	if assetInAddress == pool.AssetBAddress {
		reserveIn, reserveOut = reserveOut, reserveIn
	} else if assetInAddress != pool.AssetAAddress {
		return uint128.Zero, fmt.Errorf("pool %s does not trade %s",
			pool.PoolID, assetInAddress)
	}

	if amountOut.Cmp(reserveOut) >= 0 {
		return uint128.Zero, fmt.Errorf("pool %s: output %v exceeds reserve %v",
			pool.PoolID, amountOut, reserveOut)
	}

	// Constant product: amount_in = reserve_in*amount_out /
	// (reserve_out-amount_out), grossed up by fees and slippage.
	numerator := reserveIn.Mul(amountOut)
	denominator := reserveOut.Sub(amountOut)
	amountIn := numerator.Div(denominator).Add64(1)

	totalFeeBps := uint64(pool.HostFeeBps) + uint64(pool.LPFeeBps) + uint64(maxSlippageBps)
	if totalFeeBps >= 10_000 {
		return uint128.Zero, fmt.Errorf("pool %s: fee plus slippage %d bps too high",
			pool.PoolID, totalFeeBps)
	}
	// Round the gross-up up so the floored fee deduction on the swap
	// side still leaves at least amountIn.
	netBps := 10_000 - totalFeeBps
	grossed := amountIn.Mul64(10_000).Add64(netBps - 1).Div64(netBps)
	return grossed, nil
}

// CalculateAmountOut simulates the output of a swap of amountIn,
// after fees.
func CalculateAmountOut(pool *ssp.TokenPool, assetInAddress string,
	amountIn uint128.Uint128) (uint128.Uint128, error) {

	if pool.AssetAReserve == nil || pool.AssetBReserve == nil {
		return uint128.Zero, fmt.Errorf("pool %s: missing reserves", pool.PoolID)
	}

	reserveIn, reserveOut := *pool.AssetAReserve, *pool.AssetBReserve
	if assetInAddress == pool.AssetBAddress {
		reserveIn, reserveOut = reserveOut, reserveIn
	} else if assetInAddress != pool.AssetAAddress {
		return uint128.Zero, fmt.Errorf("pool %s does not trade %s",
			pool.PoolID, assetInAddress)
	}

	totalFeeBps := uint64(pool.HostFeeBps) + uint64(pool.LPFeeBps)
	effectiveIn := amountIn.Mul64(10_000 - totalFeeBps).Div64(10_000)

	numerator := reserveOut.Mul(effectiveIn)
	denominator := reserveIn.Add(effectiveIn)
	return numerator.Div(denominator), nil
}

// SelectBestPool scores the candidate pools and returns the winner.
//
// Pools that cannot produce amountOut are filtered. If any viable pool
// is V3-concentrated, the field restricts to those. A single viable
// pool wins without scoring. Otherwise each pool is scored on fee
// efficiency (50%), liquidity (30%), and 24h price stability (20%),
// with 24h volume as the tie-break.
func SelectBestPool(pools []*ssp.TokenPool, assetInAddress string,
	amountOut uint128.Uint128, maxSlippageBps uint32) (*ssp.TokenPool, error) {

	type viable struct {
		pool     *ssp.TokenPool
		amountIn uint128.Uint128
	}
	var candidates []viable
	for _, pool := range pools {
		amountIn, err := CalculateAmountIn(pool, assetInAddress, amountOut, maxSlippageBps)
		if err != nil {
			continue
		}
		candidates = append(candidates, viable{pool: pool, amountIn: amountIn})
	}
	if len(candidates) == 0 {
		return nil, ErrNoViablePool
	}

	hasV3 := false
	for _, candidate := range candidates {
		if candidate.pool.CurveType == CurveTypeV3Concentrated {
			hasV3 = true
			break
		}
	}
	if hasV3 {
		log.Debugf("Restricting selection to V3 concentrated pools")
		filtered := candidates[:0]
		for _, candidate := range candidates {
			if candidate.pool.CurveType == CurveTypeV3Concentrated {
				filtered = append(filtered, candidate)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 1 {
		return candidates[0].pool, nil
	}

	minIn, maxIn := candidates[0].amountIn, candidates[0].amountIn
	for _, candidate := range candidates[1:] {
		if candidate.amountIn.Cmp(minIn) < 0 {
			minIn = candidate.amountIn
		}
		if candidate.amountIn.Cmp(maxIn) > 0 {
			maxIn = candidate.amountIn
		}
	}

	var maxTVL *uint128.Uint128
	for _, candidate := range candidates {
		tvl := poolLiquidity(candidate.pool)
		if tvl == nil {
			continue
		}
		if maxTVL == nil || tvl.Cmp(*maxTVL) > 0 {
			maxTVL = tvl
		}
	}

	// Single-pass max: on a fully tied score and volume the
	// later-indexed candidate wins.
	best := scorePool(
		candidates[0].pool, candidates[0].amountIn, minIn, maxIn, maxTVL,
	)
	for _, candidate := range candidates[1:] {
		score := scorePool(candidate.pool, candidate.amountIn, minIn, maxIn, maxTVL)
		if score.totalBps > best.totalBps ||
			(score.totalBps == best.totalBps &&
				volume(score.pool) >= volume(best.pool)) {
			best = score
		}
	}
	log.Debugf("Selected pool %s with score %d (fee %d, liquidity %d, "+
		"stability %d, amount_in %v) from %d pools", best.pool.PoolID,
		best.totalBps, best.feeBps, best.liquidityBps, best.stabilityBps,
		best.amountInRequired, len(pools))
	return best.pool, nil
}

// poolLiquidity reads a pool's TVL, falling back to the asset-B
// reserve.
func poolLiquidity(pool *ssp.TokenPool) *uint128.Uint128 {
	if pool.TVLAssetB != nil {
		value := uint128.From64(*pool.TVLAssetB)
		return &value
	}
	return pool.AssetBReserve
}

func volume(pool *ssp.TokenPool) uint64 {
	if pool.Volume24hAssetB == nil {
		return 0
	}
	return *pool.Volume24hAssetB
}

// scorePool computes the weighted score of one pool on a 0-10000 basis
// point scale per component.
func scorePool(pool *ssp.TokenPool, amountIn, minIn, maxIn uint128.Uint128,
	maxTVL *uint128.Uint128) poolScore {

	// Fee efficiency: lower required amount_in scores higher.
	var feeBps uint64
	if maxIn.Cmp(minIn) > 0 {
		feeBps = maxIn.Sub(amountIn).Mul64(10_000).Div(maxIn.Sub(minIn)).Lo
	} else {
		feeBps = 10_000
	}

	// Liquidity: TVL relative to the deepest candidate. Missing data
	// scores a flat 10% when others have it, neutral when nobody
	// does.
	var liquidityBps uint64
	if maxTVL != nil {
		tvl := poolLiquidity(pool)
		if tvl == nil || tvl.IsZero() {
			liquidityBps = 1_000
		} else {
			liquidityBps = tvl.Mul64(10_000).Div(*maxTVL).Lo
		}
	} else {
		liquidityBps = 5_000
	}

	// Stability: inverse of the 24h price move, neutral when unknown.
	var stabilityBps uint64 = 5_000
	if pool.PriceChangePct24h != nil {
		pctBps := uint64(math.Abs(*pool.PriceChangePct24h) * 100)
		stabilityBps = 10_000 * 10_000 / (10_000 + pctBps)
	}

	total := (feeBps*feeWeightBps + liquidityBps*liquidityWeightBps +
		stabilityBps*stabilityWeightBps) / 10_000

	return poolScore{
		pool:             pool,
		amountInRequired: amountIn,
		totalBps:         total,
		feeBps:           feeBps,
		liquidityBps:     liquidityBps,
		stabilityBps:     stabilityBps,
	}
}
