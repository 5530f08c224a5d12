package poolmath

import (
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/flarewallet/sparksdk/ssp"
)

func u128ptr(v uint64) *uint128.Uint128 {
	value := uint128.From64(v)
	return &value
}

func u64ptr(v uint64) *uint64 { return &v }

func f64ptr(v float64) *float64 { return &v }

func testPool(id string, hostFee, lpFee uint32, reserveA, reserveB uint64,
	tvl, volume *uint64, priceChange *float64) *ssp.TokenPool {

	return &ssp.TokenPool{
		PoolID:            id,
		AssetAAddress:     BTCAssetAddress,
		AssetBAddress:     "token-usd",
		HostFeeBps:        hostFee,
		LPFeeBps:          lpFee,
		AssetAReserve:     u128ptr(reserveA),
		AssetBReserve:     u128ptr(reserveB),
		TVLAssetB:         tvl,
		Volume24hAssetB:   volume,
		PriceChangePct24h: priceChange,
	}
}

func TestCalculateAmountIn(t *testing.T) {
	pool := testPool("p1", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(10_000), nil)

	amountIn, err := CalculateAmountIn(pool, BTCAssetAddress,
		uint128.From64(1_000), 50)
	require.NoError(t, err)

	// Near-balanced reserves: roughly 1:1 plus fees and slippage.
	require.True(t, amountIn.Cmp64(1_000) > 0)
	require.True(t, amountIn.Cmp64(1_100) < 0)

	// Requesting more than the reserve fails.
	_, err = CalculateAmountIn(pool, BTCAssetAddress,
		uint128.From64(2_000_000_000), 50)
	require.Error(t, err)

	// Unknown asset fails.
	_, err = CalculateAmountIn(pool, "unknown", uint128.From64(1_000), 50)
	require.Error(t, err)
}

func TestCalculateAmountOutInverse(t *testing.T) {
	pool := testPool("p1", 50, 100, 1_000_000_000, 1_000_000_000,
		nil, nil, nil)

	amountOut := uint128.From64(50_000)
	amountIn, err := CalculateAmountIn(pool, BTCAssetAddress, amountOut, 0)
	require.NoError(t, err)

	// Swapping the priced input must produce at least the requested
	// output.
	simulated, err := CalculateAmountOut(pool, BTCAssetAddress, amountIn)
	require.NoError(t, err)
	require.True(t, simulated.Cmp(amountOut) >= 0)
}

func TestSelectBestPoolEmpty(t *testing.T) {
	_, err := SelectBestPool(nil, BTCAssetAddress, uint128.From64(1_000), 50)
	require.ErrorIs(t, err, ErrNoViablePool)
}

func TestSelectBestPoolSingle(t *testing.T) {
	pool := testPool("only", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(10_000), nil)

	best, err := SelectBestPool([]*ssp.TokenPool{pool}, BTCAssetAddress,
		uint128.From64(1_000), 50)
	require.NoError(t, err)
	require.Equal(t, "only", best.PoolID)
}

func TestSelectBestPoolPrefersLowerFees(t *testing.T) {
	cheap := testPool("cheap", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(5_000), nil)
	pricey := testPool("pricey", 200, 300, 2_000_000_000, 2_000_000_000,
		u64ptr(2_000_000_000), u64ptr(20_000), nil)

	best, err := SelectBestPool([]*ssp.TokenPool{cheap, pricey},
		BTCAssetAddress, uint128.From64(1_000), 50)
	require.NoError(t, err)
	require.Equal(t, "cheap", best.PoolID)
}

func TestSelectBestPoolTieBreaksOnVolume(t *testing.T) {
	quiet := testPool("quiet", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(5_000), nil)
	busy := testPool("busy", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(15_000), nil)

	best, err := SelectBestPool([]*ssp.TokenPool{quiet, busy},
		BTCAssetAddress, uint128.From64(1_000), 50)
	require.NoError(t, err)
	require.Equal(t, "busy", best.PoolID)
}

func TestSelectBestPoolPrefersStability(t *testing.T) {
	stable := testPool("stable", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(10_000), f64ptr(1.0))
	volatile := testPool("volatile", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(10_000), f64ptr(25.0))

	best, err := SelectBestPool([]*ssp.TokenPool{stable, volatile},
		BTCAssetAddress, uint128.From64(1_000), 50)
	require.NoError(t, err)
	require.Equal(t, "stable", best.PoolID)
}

func TestSelectBestPoolRestrictsToV3(t *testing.T) {
	classic := testPool("classic", 10, 20, 5_000_000_000, 5_000_000_000,
		u64ptr(5_000_000_000), u64ptr(50_000), nil)
	v3 := testPool("v3", 200, 300, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(1_000), nil)
	v3.CurveType = CurveTypeV3Concentrated

	// Even though the classic pool has better fees, the presence of a
	// V3 concentrated pool restricts the field.
	best, err := SelectBestPool([]*ssp.TokenPool{classic, v3},
		BTCAssetAddress, uint128.From64(1_000), 50)
	require.NoError(t, err)
	require.Equal(t, "v3", best.PoolID)
}

func TestSelectBestPoolFiltersInsufficientLiquidity(t *testing.T) {
	deep := testPool("deep", 50, 100, 1_000_000_000, 1_000_000_000,
		u64ptr(1_000_000_000), u64ptr(10_000), nil)
	shallow := testPool("shallow", 10, 20, 100, 100,
		u64ptr(100), u64ptr(100), nil)

	best, err := SelectBestPool([]*ssp.TokenPool{deep, shallow},
		BTCAssetAddress, uint128.From64(50_000_000), 50)
	require.NoError(t, err)
	require.Equal(t, "deep", best.PoolID)
}
