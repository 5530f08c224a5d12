package spark

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Address is a spark address: the bech32m encoding of an identity
// public key under the network's spark prefix. Payments to an address
// are spark transfers to that identity.
type Address struct {
	// IdentityPublicKey is the receiver's identity key.
	IdentityPublicKey *btcec.PublicKey

	// Network is the network the address belongs to.
	Network Network
}

// EncodeAddress renders the address as a bech32m string.
func EncodeAddress(identityPublicKey *btcec.PublicKey, network Network) (string, error) {
	converted, err := bech32.ConvertBits(identityPublicKey.SerializeCompressed(), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.EncodeM(network.AddressHRP(), converted)
}

// DecodeAddress parses a bech32m spark address, enforcing the expected
// network prefix.
func DecodeAddress(addr string, network Network) (*Address, error) {
	hrp, data, version, err := bech32.DecodeGeneric(strings.ToLower(addr))
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if version != bech32.VersionM {
		return nil, fmt.Errorf("spark addresses use bech32m")
	}
	if hrp != network.AddressHRP() {
		return nil, fmt.Errorf("address prefix %q does not match network %v", hrp, network)
	}
	keyBytes, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert bits: %w", err)
	}
	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Address{IdentityPublicKey: key, Network: network}, nil
}

// IsSparkAddress reports whether the string looks like a spark address
// on any supported network, without validating the payload.
func IsSparkAddress(addr string) bool {
	lower := strings.ToLower(addr)
	return strings.HasPrefix(lower, "sprt1") || strings.HasPrefix(lower, "sp1")
}
