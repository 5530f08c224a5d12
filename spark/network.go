package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies the Bitcoin network a wallet operates on. Spark
// trees on different networks are disjoint.
type Network uint8

const (
	// Mainnet is the main Bitcoin network.
	Mainnet Network = iota

	// Regtest is the local regression test network.
	Regtest
)

// String returns the canonical lowercase name of the network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Regtest:
		return "regtest"
	}
	return fmt.Sprintf("unknown(%d)", uint8(n))
}

// ChainParams returns the chaincfg parameters backing this network.
func (n Network) ChainParams() *chaincfg.Params {
	if n == Regtest {
		return &chaincfg.RegressionNetParams
	}
	return &chaincfg.MainNetParams
}

// AddressHRP returns the bech32m human readable prefix used by spark
// addresses on this network.
func (n Network) AddressHRP() string {
	if n == Regtest {
		return "sprt"
	}
	return "sp"
}

// ParseNetwork maps a canonical network name back to a Network.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet":
		return Mainnet, nil
	case "regtest":
		return Regtest, nil
	}
	return 0, fmt.Errorf("unsupported network %q", s)
}
