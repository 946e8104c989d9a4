package x402

import (
	"math/big"
	"strings"
)

// Well-known networks.
const (
	TronMainnet Network = "tron:mainnet"
	TronShasta  Network = "tron:shasta"
	TronNile    Network = "tron:nile"
	EVMMainnet  Network = "eip155:1"
	EVMSepolia  Network = "eip155:11155111"
	BSCMainnet  Network = "eip155:56"
	BSCTestnet  Network = "eip155:97"
)

// GasFreeConfig holds the per-network GasFree relay settings.
type GasFreeConfig struct {
	APIBaseURL string
	APIKey     string
	APISecret  string
	// Controller is the GasFreeController contract, the verifying contract
	// of the TIP-712 domain.
	Controller string
}

// NetworkConfig resolves chain IDs, contract addresses and relay settings
// for CAIP-2 networks. The zero value is unusable; start from
// DefaultNetworkConfig and override what differs in your deployment.
type NetworkConfig struct {
	ChainIDs               map[Network]int64
	PaymentPermitAddresses map[Network]string
	RPCURLs                map[Network]string
	GasFree                map[Network]GasFreeConfig
}

// DefaultNetworkConfig returns the shipped network settings.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		ChainIDs: map[Network]int64{
			TronMainnet: 728126428,  // 0x2b6653dc
			TronShasta:  2494104990, // 0x94a9059e
			TronNile:    3448148188, // 0xcd8690dc
		},
		PaymentPermitAddresses: map[Network]string{
			TronMainnet: "TT8rEWbCoNX7vpEUauxb7rWJsTgs8vDLAn",
			TronShasta:  "TR2XninQ3jsvRRLGTifFyUHTBysffooUjt",
			TronNile:    "TFxDcGvS7zfQrS1YzcCMp673ta2NHHzsiH",
			BSCMainnet:  "0x1825bB32db3443dEc2cc7508b2D818fc13EaD878",
			BSCTestnet:  "0x1825bB32db3443dEc2cc7508b2D818fc13EaD878",
		},
		RPCURLs: map[Network]string{
			BSCMainnet: "https://bsc-dataseed.binance.org/",
			BSCTestnet: "https://data-seed-prebsc-1-s1.binance.org:8545/",
		},
		GasFree: map[Network]GasFreeConfig{
			TronMainnet: {
				APIBaseURL: "https://open.gasfree.io/tron",
				Controller: "TFFAMQLZybALaLb4uxHA9RBE7pxhUAjF3U",
			},
			TronNile: {
				APIBaseURL: "https://open-test.gasfree.io/nile",
				Controller: "THQGuFzL87ZqhxkgqYEryRAd7gqFqL5rdc",
			},
		},
	}
}

// ChainID returns the chain ID for a network. eip155 networks carry the
// chain ID in the identifier itself.
func (c *NetworkConfig) ChainID(network Network) (int64, error) {
	if strings.HasPrefix(string(network), "eip155:") {
		_, ref, err := network.Parse()
		if err != nil {
			return 0, &UnsupportedNetworkError{Network: network}
		}
		id, ok := new(big.Int).SetString(ref, 10)
		if !ok || !id.IsInt64() {
			return 0, &UnsupportedNetworkError{Network: network}
		}
		return id.Int64(), nil
	}
	id, ok := c.ChainIDs[network]
	if !ok {
		return 0, &UnsupportedNetworkError{Network: network}
	}
	return id, nil
}

// PaymentPermitAddress returns the PaymentPermit contract address for a
// network (Base58Check on TRON, 0x-hex on EVM).
func (c *NetworkConfig) PaymentPermitAddress(network Network) (string, error) {
	addr, ok := c.PaymentPermitAddresses[network]
	if !ok {
		return "", &ConfigurationError{
			Reason: "no PaymentPermit contract configured for network " + string(network),
		}
	}
	return addr, nil
}

// RPCURL returns the configured RPC endpoint for a network, or "".
func (c *NetworkConfig) RPCURL(network Network) string {
	return c.RPCURLs[network]
}

// GasFreeFor returns the GasFree relay settings for a network.
func (c *NetworkConfig) GasFreeFor(network Network) (GasFreeConfig, error) {
	cfg, ok := c.GasFree[network]
	if !ok {
		return GasFreeConfig{}, &ConfigurationError{
			Reason: "no GasFree relay configured for network " + string(network),
		}
	}
	return cfg, nil
}
