package sparksdk

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/flarewallet/sparksdk/bolt11"
	"github.com/flarewallet/sparksdk/spark"
)

// InputKind classifies a parsed payment input.
type InputKind string

const (
	// InputSparkAddress is a bech32m spark address.
	InputSparkAddress InputKind = "spark_address"

	// InputBolt11Invoice is a BOLT-11 lightning invoice.
	InputBolt11Invoice InputKind = "bolt11_invoice"

	// InputBitcoinAddress is an on-chain address.
	InputBitcoinAddress InputKind = "bitcoin_address"
)

// ParsedInput is the result of Parse. Exactly the field matching Kind
// is set.
type ParsedInput struct {
	Kind InputKind

	// SparkAddress is set for spark addresses.
	SparkAddress *spark.Address

	// Invoice is set for BOLT-11 invoices.
	Invoice *bolt11.Invoice

	// BitcoinAddress is set for on-chain addresses.
	BitcoinAddress btcutil.Address
}

// Parse classifies a user-supplied payment input for the given network:
// spark addresses, BOLT-11 invoices, and on-chain addresses.
func Parse(input string, network spark.Network) (*ParsedInput, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, validationErrorf("input", "empty input")
	}

	// Strip a lightning: or bitcoin: URI scheme.
	lower := strings.ToLower(trimmed)
	for _, scheme := range []string{"lightning:", "bitcoin:"} {
		if strings.HasPrefix(lower, scheme) {
			trimmed = trimmed[len(scheme):]
			lower = lower[len(scheme):]
			break
		}
	}

	if spark.IsSparkAddress(trimmed) {
		addr, err := spark.DecodeAddress(trimmed, network)
		if err != nil {
			return nil, validationErrorf("input", "bad spark address: %v", err)
		}
		return &ParsedInput{Kind: InputSparkAddress, SparkAddress: addr}, nil
	}

	if strings.HasPrefix(lower, "lnbc") {
		invoice, err := bolt11.Decode(trimmed, network)
		if err != nil {
			return nil, validationErrorf("input", "bad invoice: %v", err)
		}
		return &ParsedInput{Kind: InputBolt11Invoice, Invoice: invoice}, nil
	}

	addr, err := btcutil.DecodeAddress(trimmed, network.ChainParams())
	if err != nil {
		return nil, validationErrorf("input", "unrecognized input")
	}
	if !addr.IsForNet(network.ChainParams()) {
		return nil, validationErrorf("input", "address is for another network")
	}
	return &ParsedInput{Kind: InputBitcoinAddress, BitcoinAddress: addr}, nil
}
