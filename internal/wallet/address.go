package wallet

import (
	"fmt"

	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchutil"
)

// CashAddress normalizes an address string to the canonical cash
// address form, including the network prefix. It accepts legacy
// base58 addresses as well as prefixed or unprefixed cash addresses.
// Malformed or foreign-network strings fail.
func CashAddress(s string, params *chaincfg.Params) (string, error) {
	addr, err := bchutil.DecodeAddress(s, params)
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", s, err)
	}
	if !addr.IsForNet(params) {
		return "", fmt.Errorf("address %q is not for network %s", s, params.Name)
	}
	return encodeCanonical(addr, params), nil
}

func encodeCanonical(addr bchutil.Address, params *chaincfg.Params) string {
	return params.CashAddressPrefix + ":" + addr.EncodeAddress()
}

// NetworkParams maps a configured network name to chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
