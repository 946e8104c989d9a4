// Package evm provides ECDSA-key signers for eip155 networks: a buyer-side
// signer that signs typed data and manages ERC-20 approvals, and a
// facilitator-side signer that verifies signatures and drives contract
// calls over JSON-RPC.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/bankofai/x402-go"
)

// Backend is the JSON-RPC surface the signers need. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BackendFactory resolves the backend for a network.
type BackendFactory func(network x402.Network) (Backend, error)

// dialFactory dials the network's configured RPC endpoint, caching one
// client per network.
func dialFactory(config *x402.NetworkConfig) BackendFactory {
	var mu sync.Mutex
	clients := make(map[x402.Network]*ethclient.Client)

	return func(network x402.Network) (Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if client, ok := clients[network]; ok {
			return client, nil
		}
		url := config.RPCURL(network)
		if url == "" {
			return nil, &x402.ConfigurationError{
				Reason: "no RPC endpoint configured for network " + string(network),
			}
		}
		client, err := ethclient.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		clients[network] = client
		return client, nil
	}
}

// erc20ABI covers the token surface the signers touch.
const erc20ABI = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "allowance",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "spender", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "name": "approve",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`

func parseABI(abiJSON string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse ABI: %w", err)
	}
	return parsed, nil
}

// callRead packs and executes a read-only contract call.
func callRead(ctx context.Context, backend Backend, contract common.Address, abiJSON, method string, args ...any) ([]any, error) {
	parsed, err := parseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return parsed.Unpack(method, output)
}
