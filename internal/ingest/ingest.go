// Package ingest produces a normalized stream of WalletEvents for each
// monitored wallet, preferring an optional push subscription and always
// falling back to polling the chain directly.
package ingest

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/somnia-labs/wallet-guardian/internal/chainclient"
	"github.com/somnia-labs/wallet-guardian/internal/events"
	"github.com/somnia-labs/wallet-guardian/internal/metrics"
)

// LookbackBlocks is how far behind the chain head each poll tick scans.
const LookbackBlocks = 20

// BootstrapMaxEvents bounds the historical pre-population done on first
// subscribe.
const BootstrapMaxEvents = 20

// BootstrapMaxBlocks bounds how far back the historical scan looks.
const BootstrapMaxBlocks = 10000

// GlobalDedupCap is not enforced: each wallet's dedup cache is capped at
// 1000 entries on its own, and nothing bounds the total across wallets.
const GlobalDedupCap = 10000

var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// erc20ABI decodes Transfer event data and packs/unpacks the symbol() call
// used to label a token transfer's amount.
var erc20ABI = mustParseERC20ABI()

func mustParseERC20ABI() abi.ABI {
	const erc20JSON = `[
		{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
		{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}
	]`
	parsed, err := abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic("ingest: invalid embedded ERC20 ABI: " + err.Error())
	}
	return parsed
}

// WalletConfig holds a wallet's ingestion settings. Bootstrap and Run use
// only StartBlock; the Include* flags are stored but do not filter which
// events are delivered.
type WalletConfig struct {
	IncludeNativeTransfers bool
	IncludeTokenTransfers  bool
	IncludeInternal        bool
	StartBlock             uint64
}

// DefaultWalletConfig sets native and token transfers on (internal
// transactions off) and starts from the current chain head.
func DefaultWalletConfig() WalletConfig {
	return WalletConfig{IncludeNativeTransfers: true, IncludeTokenTransfers: true}
}

// Deliver is called once per normalized event, in block-then-log order,
// for the wallet the ingestion loop was started for.
type Deliver func(e *events.Event)

// EventSource is the optional push-subscription collaborator of spec.md
// §4.5 and §9. Payload shapes vary and are not standardized; the decoder
// behind handlePushPayload (extractTxHash) is defensive about that.
type EventSource interface {
	Subscribe(ctx context.Context, wallet string, onData func(payload any), onError func(error)) (unsubscribe func(), err error)
}

// Ingester produces WalletEvent streams, per wallet, from chain data.
type Ingester struct {
	chain        *chainclient.Client
	logger       *slog.Logger
	pushSource   EventSource
	pollInterval time.Duration

	dedup map[string]*events.DedupCache

	symbolMu    sync.Mutex
	symbolCache map[string]string
}

// New creates an Ingester. pushSource may be nil, in which case pull
// polling (always available) is the only subscription mode.
func New(chain *chainclient.Client, pushSource EventSource, logger *slog.Logger) *Ingester {
	return &Ingester{
		chain:        chain,
		logger:       logger,
		pushSource:   pushSource,
		pollInterval: 2 * time.Second,
		dedup:        make(map[string]*events.DedupCache),
		symbolCache:  make(map[string]string),
	}
}

func (i *Ingester) dedupFor(wallet string) *events.DedupCache {
	if d, ok := i.dedup[wallet]; ok {
		return d
	}
	d := events.NewDedupCache(1000)
	i.dedup[wallet] = d
	return d
}

// Bootstrap performs a best-effort historical scan to pre-populate a
// wallet's buffer with up to BootstrapMaxEvents recent events before the
// live loop starts. Errors are logged and swallowed: bootstrap failure is
// never fatal to starting a monitor.
func (i *Ingester) Bootstrap(ctx context.Context, wallet string, cfg WalletConfig, deliver Deliver) {
	latest, err := i.chain.GetBlockNumber(ctx)
	if err != nil {
		i.logger.Warn("ingest: bootstrap failed to read chain head", "wallet", wallet, "error", err)
		return
	}

	from := cfg.StartBlock
	if from == 0 {
		if latest > BootstrapMaxBlocks {
			from = latest - BootstrapMaxBlocks
		} else {
			from = 0
		}
	}

	found, err := i.scanRange(ctx, wallet, from, latest, 0)
	if err != nil {
		i.logger.Warn("ingest: bootstrap scan failed", "wallet", wallet, "error", err)
		return
	}
	if len(found) > BootstrapMaxEvents {
		found = found[len(found)-BootstrapMaxEvents:]
	}
	for _, e := range found {
		deliver(e)
	}
}

// Run starts the ingestion loop for wallet w. It blocks until ctx is
// cancelled, at which point it returns cleanly. Push subscription is tried
// first when available; pull polling always runs as the fallback and sole
// mode when no push source is configured.
func (i *Ingester) Run(ctx context.Context, wallet string, cfg WalletConfig, deliver Deliver) {
	lastBlock := cfg.StartBlock
	if lastBlock == 0 {
		if n, err := i.chain.GetBlockNumber(ctx); err == nil {
			lastBlock = n
		}
	}

	var unsubscribe func()
	if i.pushSource != nil {
		var err error
		unsubscribe, err = i.pushSource.Subscribe(ctx, wallet,
			func(payload any) { i.handlePushPayload(wallet, payload, deliver) },
			func(err error) { i.logger.Warn("ingest: push subscription error, continuing on poll", "wallet", wallet, "error", err) },
		)
		if err != nil {
			i.logger.Warn("ingest: push subscription failed, falling back to poll", "wallet", wallet, "error", err)
			unsubscribe = nil
		}
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			next, err := i.poll(ctx, wallet, lastBlock, deliver)
			metrics.IngestPollDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				if isTransient(err) {
					i.logger.Debug("ingest: poll tick skipped", "wallet", wallet, "error", err)
					continue
				}
				i.logger.Error("ingest: fatal poll error, terminating subscription", "wallet", wallet, "error", err)
				return
			}
			lastBlock = next
		}
	}
}

func (i *Ingester) poll(ctx context.Context, wallet string, lastBlock uint64, deliver Deliver) (uint64, error) {
	latest, err := i.chain.GetBlockNumber(ctx)
	if err != nil {
		return lastBlock, err
	}
	if latest <= lastBlock {
		return lastBlock, nil
	}

	from := lastBlock + 1
	if latest > LookbackBlocks && from < latest-LookbackBlocks {
		from = latest - LookbackBlocks
	}

	found, err := i.scanRange(ctx, wallet, from, latest, 0)
	if err != nil {
		return lastBlock, err
	}
	for _, e := range found {
		deliver(e)
	}
	return latest, nil
}

// scanRange fetches blocks [from, to] and returns normalized events
// touching wallet, in block-then-log order. If limit > 0, stops once that
// many events have been found.
func (i *Ingester) scanRange(ctx context.Context, wallet string, from, to uint64, limit int) ([]*events.Event, error) {
	if from > to {
		return nil, nil
	}
	dedup := i.dedupFor(wallet)
	walletLower := strings.ToLower(wallet)

	var out []*events.Event
	for n := from; n <= to; n++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		block, err := i.chain.GetBlock(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return out, err
		}
		if block == nil {
			continue
		}

		for logIdx, tx := range block.Transactions() {
			from, to := txParties(tx)
			if !strings.EqualFold(from, walletLower) && !strings.EqualFold(to, walletLower) {
				continue
			}
			if dedup.SeenOrRecord(tx.Hash().Hex()) {
				continue
			}

			ev, err := i.synthesizeEvent(ctx, block, tx, uint(logIdx))
			if err != nil {
				i.logger.Warn("ingest: failed to synthesize event", "tx", tx.Hash().Hex(), "error", err)
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func txParties(tx *types.Transaction) (from, to string) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	sender, err := types.Sender(signer, tx)
	if err == nil {
		from = sender.Hex()
	}
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	return from, to
}

func (i *Ingester) synthesizeEvent(ctx context.Context, block *types.Block, tx *types.Transaction, logIdx uint) (*events.Event, error) {
	receipt, err := i.chain.GetTransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}

	status := events.StatusSuccess
	var gasUsed uint64
	if receipt != nil {
		gasUsed = receipt.GasUsed
		if receipt.Status == 0 {
			status = events.StatusFailed
		}
	}

	from, to := txParties(tx)
	kind := events.KindTransfer
	if len(tx.Data()) > 0 {
		kind = events.KindContractCall
	}

	var selector string
	if len(tx.Data()) >= 4 {
		selector = common.Bytes2Hex(tx.Data()[:4])
	}

	var contractAddr string
	if receipt != nil && receipt.ContractAddress != (common.Address{}) {
		contractAddr = receipt.ContractAddress.Hex()
	}

	var tokenSymbol string
	var tokenValue *big.Int
	if transferLog := findERC20Transfer(receipt); transferLog != nil {
		kind = events.KindTokenTransfer
		tokenValue = i.decodeTransferValue(transferLog)
		tokenSymbol = i.tokenSymbol(ctx, transferLog.Address)
		if contractAddr == "" {
			contractAddr = transferLog.Address.Hex()
		}
	}

	return &events.Event{
		Kind:            kind,
		TxHash:          tx.Hash().Hex(),
		From:            from,
		To:              to,
		Value:           tx.Value(),
		BlockHeight:     block.NumberU64(),
		BlockTimestamp:  int64(block.Time()) * 1000,
		GasPrice:        tx.GasPrice(),
		GasUsed:         gasUsed,
		Status:          status,
		Input:           tx.Data(),
		ContractAddress: contractAddr,
		TokenSymbol:     tokenSymbol,
		TokenValue:      tokenValue,
		MethodSelector:  selector,
		Nonce:           tx.Nonce(),
		LogIndex:        logIdx,
	}, nil
}

// findERC20Transfer returns the first log in receipt matching the ERC20
// Transfer topic, or nil if there is none.
func findERC20Transfer(receipt *types.Receipt) *types.Log {
	if receipt == nil {
		return nil
	}
	for _, l := range receipt.Logs {
		if len(l.Topics) > 0 && l.Topics[0] == erc20TransferTopic {
			return l
		}
	}
	return nil
}

// decodeTransferValue unpacks the non-indexed "value" field of a Transfer
// log via the ERC20 ABI. A decode failure yields a nil value rather than a
// fatal error, since a malformed or non-standard log must not stop ingestion.
func (i *Ingester) decodeTransferValue(l *types.Log) *big.Int {
	unpacked, err := erc20ABI.Unpack("Transfer", l.Data)
	if err != nil || len(unpacked) != 1 {
		return nil
	}
	v, _ := unpacked[0].(*big.Int)
	return v
}

// tokenSymbol calls the token contract's symbol() function and caches the
// result, since it never changes for a given contract address.
func (i *Ingester) tokenSymbol(ctx context.Context, token common.Address) string {
	key := token.Hex()

	i.symbolMu.Lock()
	symbol, ok := i.symbolCache[key]
	i.symbolMu.Unlock()
	if ok {
		return symbol
	}

	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return ""
	}
	out, err := i.chain.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil || len(out) == 0 {
		return ""
	}
	unpacked, err := erc20ABI.Unpack("symbol", out)
	if err != nil || len(unpacked) != 1 {
		return ""
	}
	symbol, _ = unpacked[0].(string)

	i.symbolMu.Lock()
	i.symbolCache[key] = symbol
	i.symbolMu.Unlock()
	return symbol
}

// handlePushPayload implements the tolerant decoder of spec.md §9: it
// attempts a fixed sequence of shape matches against a variant push
// payload and, on success, synthesizes a minimal WalletEvent good enough
// to alert on. The dedup cache still applies.
func (i *Ingester) handlePushPayload(wallet string, payload any, deliver Deliver) {
	txHash, ok := extractTxHash(payload)
	if !ok {
		return
	}
	if i.dedupFor(wallet).SeenOrRecord(txHash) {
		return
	}
	deliver(&events.Event{
		Kind:           events.KindTransfer,
		TxHash:         txHash,
		From:           wallet,
		Status:         events.StatusSuccess,
		BlockTimestamp: time.Now().UnixMilli(),
	})
}

// extractTxHash accepts a non-empty string as the hash itself; a list,
// whose first element is decoded the same way; an object with a non-empty
// "logs" array, whose first log is decoded the same way; otherwise an
// object with a "transactionHash" string field. Anything else yields (false).
func extractTxHash(payload any) (string, bool) {
	switch v := payload.(type) {
	case []any:
		if len(v) > 0 {
			return extractTxHash(v[0])
		}
	case map[string]any:
		if logs, ok := v["logs"].([]any); ok && len(logs) > 0 {
			return extractTxHash(logs[0])
		}
		if h, ok := v["transactionHash"].(string); ok {
			return h, true
		}
	case string:
		if len(v) > 0 {
			return v, true
		}
	}
	return "", false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "circuit open")
}
