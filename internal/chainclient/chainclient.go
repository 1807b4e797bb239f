// Package chainclient is a thin, retrying wrapper over a JSON-RPC endpoint,
// giving the rest of the service read-only access to chain state without
// each caller re-implementing backoff and circuit breaking.
package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/somnia-labs/wallet-guardian/internal/circuitbreaker"
	"github.com/somnia-labs/wallet-guardian/internal/metrics"
	"github.com/somnia-labs/wallet-guardian/internal/retry"
)

const (
	// DefaultMaxAttempts caps retries for transient chain I/O.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the base exponential-backoff delay.
	DefaultBaseDelay = 250 * time.Millisecond
	// DefaultCallTimeout bounds a single RPC round trip.
	DefaultCallTimeout = 10 * time.Second

	breakerKey = "chain-rpc"
)

// EthClient is the subset of ethclient.Client this package depends on,
// narrowed for testability.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// FeeData is EIP-1559 fee data (tip cap plus the latest header's base fee),
// with a legacy gas price populated instead when the tip-cap query fails or
// the latest header carries no base fee.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	EIP1559              bool
}

// Client wraps EthClient with retry and circuit-breaker protection.
type Client struct {
	eth     EthClient
	breaker *circuitbreaker.Breaker

	maxAttempts int
	baseDelay   time.Duration
	callTimeout time.Duration

	feeMu       chan struct{} // 1-buffered mutex, avoids importing sync just for a lock
	feeCache    *FeeData
	feeCachedAt time.Time
	feeCacheTTL time.Duration
}

// Dial connects to rpcURL and wraps the resulting client.
func Dial(rpcURL string) (*Client, error) {
	raw, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial: %w", err)
	}
	return New(raw), nil
}

// New wraps an existing EthClient (real or fake, for tests).
func New(eth EthClient) *Client {
	c := &Client{
		eth:         eth,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		callTimeout: DefaultCallTimeout,
		feeMu:       make(chan struct{}, 1),
		feeCacheTTL: 12 * time.Second,
	}
	c.feeMu <- struct{}{}
	c.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			metrics.ChainCircuitBreakerTrips.WithLabelValues(key).Inc()
		}
	})
	return c
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("chainclient: circuit open for %s", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	attempts := 0
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		attempts++
		return fn(ctx)
	})
	if attempts > 1 {
		metrics.ChainRPCRetriesTotal.WithLabelValues(method).Add(float64(attempts - 1))
	}

	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}
	c.breaker.RecordSuccess(breakerKey)
	return nil
}

// GetBlockNumber returns the latest block height.
func (c *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		v, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// GetTransaction fetches a transaction by hash. A not-found transaction is
// reported as (nil, false, nil), not an error.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.call(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		v, p, err := c.eth.TransactionByHash(ctx, hash)
		if err != nil {
			if err == ethereum.NotFound {
				return nil
			}
			return err
		}
		tx, pending = v, p
		return nil
	})
	return tx, pending, err
}

// GetTransactionReceipt fetches a receipt. A nil receipt with a nil error
// means "pending", per spec.md §4.4 — never treated as an error.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if err != nil {
			if err == ethereum.NotFound {
				return nil
			}
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

// GetBlock fetches a full block, including transaction bodies, by number.
func (c *Client) GetBlock(ctx context.Context, number *big.Int) (*types.Block, error) {
	var block *types.Block
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		v, err := c.eth.BlockByNumber(ctx, number)
		if err != nil {
			return err
		}
		block = v
		return nil
	})
	return block, err
}

// GetLogs fetches logs matching q.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		v, err := c.eth.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = v
		return nil
	})
	return logs, err
}

// GetBalance returns the native-token balance of addr at the latest block.
func (c *Client) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, "eth_getBalance", func(ctx context.Context) error {
		v, err := c.eth.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		bal = v
		return nil
	})
	return bal, err
}

// GetTransactionCount returns the nonce of addr at the latest block.
func (c *Client) GetTransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		v, err := c.eth.NonceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// GetCode returns the deployed bytecode at addr; empty for EOAs.
func (c *Client) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.call(ctx, "eth_getCode", func(ctx context.Context) error {
		v, err := c.eth.CodeAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		code = v
		return nil
	})
	return code, err
}

// EstimateGas estimates gas for call.
func (c *Client) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.call(ctx, "eth_estimateGas", func(ctx context.Context) error {
		v, err := c.eth.EstimateGas(ctx, call)
		if err != nil {
			return err
		}
		gas = v
		return nil
	})
	return gas, err
}

// GetNetworkID returns the chain id reported by the endpoint, used at
// startup to confirm it matches the configured chain id.
func (c *Client) GetNetworkID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "net_version", func(ctx context.Context) error {
		v, err := c.eth.NetworkID(ctx)
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	return id, err
}

// GetFeeData returns cached fee data, refreshing it if the cache is stale.
// It prefers EIP-1559 fields, falling back to a legacy gas price if the
// tip-cap query fails.
func (c *Client) GetFeeData(ctx context.Context) (FeeData, error) {
	<-c.feeMu
	defer func() { c.feeMu <- struct{}{} }()

	if c.feeCache != nil && time.Since(c.feeCachedAt) < c.feeCacheTTL {
		return *c.feeCache, nil
	}

	fd, err := c.fetchFeeData(ctx)
	if err != nil {
		if c.feeCache != nil {
			return *c.feeCache, nil
		}
		return FeeData{}, err
	}

	c.feeCache = &fd
	c.feeCachedAt = time.Now()
	return fd, nil
}

func (c *Client) fetchFeeData(ctx context.Context) (FeeData, error) {
	var tip *big.Int
	err := c.call(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		v, err := c.eth.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		tip = v
		return nil
	})
	if err == nil && tip != nil {
		var base *big.Int
		errHdr := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
			h, err := c.eth.HeaderByNumber(ctx, nil)
			if err != nil {
				return err
			}
			base = h.BaseFee
			return nil
		})
		if errHdr == nil && base != nil {
			maxFee := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
			return FeeData{
				MaxFeePerGas:         maxFee,
				MaxPriorityFeePerGas: tip,
				EIP1559:              true,
			}, nil
		}
	}

	var gasPrice *big.Int
	errLegacy := c.call(ctx, "eth_gasPrice", func(ctx context.Context) error {
		v, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		gasPrice = v
		return nil
	})
	if errLegacy != nil {
		return FeeData{}, errLegacy
	}
	return FeeData{GasPrice: gasPrice}, nil
}

// SendTransaction submits a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.call(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

// CallContract executes a read-only contract call at the given block
// (nil for latest).
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "eth_call", func(ctx context.Context) error {
		v, err := c.eth.CallContract(ctx, msg, blockNumber)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// PendingNonceAt returns the next nonce to use for addr, accounting for
// pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_getTransactionCount_pending", func(ctx context.Context) error {
		v, err := c.eth.PendingNonceAt(ctx, addr)
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// WaitForTx polls for a receipt until the transaction has the given number
// of confirmations (the block it was mined in counts as the first), or
// timeout elapses.
func (c *Client) WaitForTx(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chainclient: timed out waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
			receipt, err := c.GetTransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt == nil {
				continue // pending
			}
			latest, err := c.GetBlockNumber(ctx)
			if err != nil {
				continue
			}
			if latest >= receipt.BlockNumber.Uint64()+confirmations-1 {
				return receipt, nil
			}
		}
	}
}
