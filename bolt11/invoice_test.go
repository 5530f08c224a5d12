package bolt11

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/spark"
)

func testSigner(t *testing.T) (*btcec.PrivateKey, func([]byte) ([]byte, error)) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, func(digest []byte) ([]byte, error) {
		return ecdsa.SignCompact(priv, digest, true)
	}
}

func newTestInvoice(t *testing.T, priv *btcec.PrivateKey) *Invoice {
	t.Helper()
	amount := uint64(10_000_000) // 10k sats
	description := "coffee"
	expiry := 30 * time.Minute
	var paymentHash, paymentSecret [32]byte
	paymentHash[0] = 0x11
	paymentSecret[0] = 0x22

	return &Invoice{
		Net:           spark.Regtest.ChainParams(),
		MilliSat:      &amount,
		Timestamp:     time.Unix(1_700_000_000, 0).UTC(),
		PaymentHash:   &paymentHash,
		PaymentSecret: &paymentSecret,
		Destination:   priv.PubKey(),
		Description:   &description,
		expiry:        &expiry,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	priv, sign := testSigner(t)
	invoice := newTestInvoice(t, priv)

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)
	require.Contains(t, encoded, "lnbcrt")

	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)

	amount, ok := decoded.AmountMilliSat()
	require.True(t, ok)
	require.EqualValues(t, 10_000_000, amount)
	require.Equal(t, invoice.PaymentHash, decoded.PaymentHash)
	require.Equal(t, invoice.PaymentSecret, decoded.PaymentSecret)
	require.Equal(t, "coffee", *decoded.Description)
	require.Equal(t, 30*time.Minute, decoded.Expiry())
	require.Equal(t, invoice.Timestamp, decoded.Timestamp)
	require.True(t, priv.PubKey().IsEqual(decoded.Destination))
	require.Nil(t, decoded.SparkRouteHint())
	require.EqualValues(t, DefaultMinFinalCLTVExpiry, decoded.MinFinalCLTVExpiry())
}

func TestDestinationRecoveredFromSignature(t *testing.T) {
	priv, sign := testSigner(t)
	invoice := newTestInvoice(t, priv)
	invoice.Destination = nil

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)

	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)
	require.True(t, priv.PubKey().IsEqual(decoded.Destination))
}

func TestAmountlessInvoice(t *testing.T) {
	priv, sign := testSigner(t)
	invoice := newTestInvoice(t, priv)
	invoice.MilliSat = nil

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)

	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)
	_, ok := decoded.AmountMilliSat()
	require.False(t, ok)
}

func TestSparkRouteHint(t *testing.T) {
	priv, sign := testSigner(t)
	sparkIdentity, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	invoice := newTestInvoice(t, priv)
	invoice.RouteHints = []RouteHint{{
		Hops: []HopHint{{
			NodeID:          sparkIdentity.PubKey(),
			ChannelID:       SparkHintChannelID,
			CLTVExpiryDelta: 40,
		}},
	}}

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)

	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)
	hint := decoded.SparkRouteHint()
	require.NotNil(t, hint)
	require.True(t, sparkIdentity.PubKey().IsEqual(hint))
}

func TestRegularRouteHintIsNotSpark(t *testing.T) {
	priv, sign := testSigner(t)
	hopKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	invoice := newTestInvoice(t, priv)
	invoice.RouteHints = []RouteHint{{
		Hops: []HopHint{{
			NodeID:                    hopKey.PubKey(),
			ChannelID:                 0x1234567890,
			FeeBaseMSat:               1_000,
			FeeProportionalMillionths: 100,
			CLTVExpiryDelta:           144,
		}},
	}}

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)

	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)
	require.Nil(t, decoded.SparkRouteHint())
	require.Len(t, decoded.RouteHints, 1)
	hop := decoded.RouteHints[0].Hops[0]
	require.EqualValues(t, 0x1234567890, hop.ChannelID)
	require.EqualValues(t, 1_000, hop.FeeBaseMSat)
	require.EqualValues(t, 144, hop.CLTVExpiryDelta)
}

func TestDecodeRejectsWrongNetwork(t *testing.T) {
	priv, sign := testSigner(t)
	invoice := newTestInvoice(t, priv)

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)

	_, err = Decode(encoded, spark.Mainnet)
	require.ErrorIs(t, err, ErrInvalidInvoice)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("lnbcrt1garbage", spark.Regtest)
	require.Error(t, err)

	_, err = Decode("", spark.Regtest)
	require.Error(t, err)
}

func TestExpiry(t *testing.T) {
	priv, sign := testSigner(t)
	invoice := newTestInvoice(t, priv)

	encoded, err := invoice.Encode(sign)
	require.NoError(t, err)
	decoded, err := Decode(encoded, spark.Regtest)
	require.NoError(t, err)

	require.False(t, decoded.IsExpired(decoded.Timestamp.Add(time.Minute)))
	require.True(t, decoded.IsExpired(decoded.Timestamp.Add(time.Hour)))
}
