package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents a supported Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params contains per-network parameters. Default ports follow the Electrum
// convention (50001 mainnet, 60001 testnet).
type Params struct {
	Network Network

	// ChainParams are the btcd network parameters (genesis block, magic).
	ChainParams *chaincfg.Params

	// DBSubdir is the per-network subdirectory under the data dir,
	// keeping mainnet and testnet indexes from cross-contaminating.
	DBSubdir string

	// DefaultElectrumAddr is the default client-facing bind address.
	DefaultElectrumAddr string

	// DefaultMetricsAddr is the default monitoring bind address.
	DefaultMetricsAddr string

	// DefaultDaemonURL is the default bitcoind JSON-RPC endpoint.
	DefaultDaemonURL string
}

var registry = map[Network]*Params{
	Mainnet: {
		Network:             Mainnet,
		ChainParams:         &chaincfg.MainNetParams,
		DBSubdir:            "mainnet",
		DefaultElectrumAddr: "127.0.0.1:50001",
		DefaultMetricsAddr:  "127.0.0.1:42024",
		DefaultDaemonURL:    "http://127.0.0.1:8332",
	},
	Testnet: {
		Network:             Testnet,
		ChainParams:         &chaincfg.TestNet3Params,
		DBSubdir:            "testnet",
		DefaultElectrumAddr: "127.0.0.1:60001",
		DefaultMetricsAddr:  "127.0.0.1:42025",
		DefaultDaemonURL:    "http://127.0.0.1:18332",
	},
	Regtest: {
		Network:             Regtest,
		ChainParams:         &chaincfg.RegressionNetParams,
		DBSubdir:            "regtest",
		DefaultElectrumAddr: "127.0.0.1:60401",
		DefaultMetricsAddr:  "127.0.0.1:42026",
		DefaultDaemonURL:    "http://127.0.0.1:18443",
	},
}

// GetParams returns the parameters for a network.
func GetParams(network Network) (*Params, error) {
	params, ok := registry[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	return params, nil
}
