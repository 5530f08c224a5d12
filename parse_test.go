package sparksdk

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/flarewallet/sparksdk/bolt11"
	"github.com/flarewallet/sparksdk/spark"
)

func TestParseSparkAddress(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	address, err := spark.EncodeAddress(priv.PubKey(), spark.Regtest)
	require.NoError(t, err)

	parsed, err := Parse(address, spark.Regtest)
	require.NoError(t, err)
	require.Equal(t, InputSparkAddress, parsed.Kind)
	require.Equal(t, priv.PubKey().SerializeCompressed(),
		parsed.SparkAddress.IdentityPublicKey.SerializeCompressed())

	// Wrong network fails validation.
	_, err = Parse(address, spark.Mainnet)
	require.Error(t, err)
}

func TestParseBolt11Invoice(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	amount := uint64(5_000_000)
	var hash [32]byte
	hash[1] = 0x42
	invoice := &bolt11.Invoice{
		Net:         spark.Regtest.ChainParams(),
		MilliSat:    &amount,
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
		PaymentHash: &hash,
		Destination: priv.PubKey(),
	}
	encoded, err := invoice.Encode(func(digest []byte) ([]byte, error) {
		return ecdsa.SignCompact(priv, digest, true)
	})
	require.NoError(t, err)

	parsed, err := Parse(encoded, spark.Regtest)
	require.NoError(t, err)
	require.Equal(t, InputBolt11Invoice, parsed.Kind)
	msat, ok := parsed.Invoice.AmountMilliSat()
	require.True(t, ok)
	require.Equal(t, amount, msat)

	// A lightning: URI scheme is stripped.
	parsed, err = Parse("lightning:"+encoded, spark.Regtest)
	require.NoError(t, err)
	require.Equal(t, InputBolt11Invoice, parsed.Kind)
}

func TestParseBitcoinAddress(t *testing.T) {
	parsed, err := Parse("bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", spark.Regtest)
	require.NoError(t, err)
	require.Equal(t, InputBitcoinAddress, parsed.Kind)
	require.NotNil(t, parsed.BitcoinAddress)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "   ", "not-a-destination", "sp1qqinvalid"} {
		_, err := Parse(input, spark.Regtest)
		require.Error(t, err, "input %q", input)
	}
}
