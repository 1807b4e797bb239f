package coordinator

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somnia-labs/wallet-guardian/internal/broadcast"
	"github.com/somnia-labs/wallet-guardian/internal/chainclient"
	"github.com/somnia-labs/wallet-guardian/internal/events"
	"github.com/somnia-labs/wallet-guardian/internal/flagregistry"
	"github.com/somnia-labs/wallet-guardian/internal/ingest"
	"github.com/somnia-labs/wallet-guardian/internal/scoring"
)

type fakeEth struct{}

func (f *fakeEth) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeEth) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}
func (f *fakeEth) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeEth) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeEth) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeEth) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return types.NewBlockWithHeader(&types.Header{Number: number}), nil
}
func (f *fakeEth) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeEth) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeEth) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeEth) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeEth) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeEth) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeEth) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (f *fakeEth) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeEth) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEth) NetworkID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeEth) Close()                                          {}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	chain := chainclient.New(&fakeEth{})
	ing := ingest.New(chain, nil, testLogger())
	engine := scoring.NewEngine(nil, nil)
	hub := broadcast.NewHub(testLogger())
	flags, err := flagregistry.New(chain, flagregistry.Config{})
	require.NoError(t, err)
	return New(ing, engine, hub, flags, nil, testLogger())
}

func TestStartMonitor_IsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := c.StartMonitor(ctx, "0xWallet", ingest.DefaultWalletConfig())
	assert.True(t, first.OK)

	second := c.StartMonitor(ctx, "0xWallet", ingest.DefaultWalletConfig())
	assert.True(t, second.OK)
	assert.Equal(t, "already monitored", second.Message)

	c.StopMonitor("0xWallet")
}

func TestStopMonitor_UnknownWalletReportsFalse(t *testing.T) {
	c := newTestCoordinator(t)
	ok, msg := c.StopMonitor("0xNope")
	assert.False(t, ok)
	assert.Equal(t, "not monitored", msg)
}

func TestForceRescore_RequiresActiveMonitor(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.ForceRescore(context.Background(), "0xNope")
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestIntake_AccumulatesBufferAndScores(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := c.StartMonitor(ctx, "0xWallet", ingest.DefaultWalletConfig())
	require.True(t, res.OK)

	c.intake("0xWallet", &events.Event{
		Kind:   events.KindTransfer,
		TxHash: "0xabc",
		From:   "0xWallet",
		Value:  big.NewInt(1),
		Status: events.StatusSuccess,
	})

	status := c.Status("0xWallet")
	require.NotNil(t, status)
	assert.Equal(t, 1, status.EventCount)
	assert.NotNil(t, status.LastScore)

	c.StopMonitor("0xWallet")
}

// TestBatchTick_BroadcastsOnNewEventsEvenWithoutSignificantChange covers
// spec.md §4.8's "...or if new events were processed" clause: runBatch only
// visits dirty wallets, so every batchTick call is for a wallet with new
// events, and a broadcast must fire even when the score barely moved.
func TestBatchTick_BroadcastsOnNewEventsEvenWithoutSignificantChange(t *testing.T) {
	chain := chainclient.New(&fakeEth{})
	ing := ingest.New(chain, nil, testLogger())
	engine := scoring.NewEngine(nil, nil)
	hub := broadcast.NewHub(testLogger())
	flags, err := flagregistry.New(chain, flagregistry.Config{})
	require.NoError(t, err)
	c := New(ing, engine, hub, flags, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	res := c.StartMonitor(ctx, "0xWallet", ingest.DefaultWalletConfig())
	require.True(t, res.OK)

	c.intake("0xWallet", &events.Event{
		Kind:   events.KindTransfer,
		TxHash: "0xabc",
		From:   "0xWallet",
		Value:  big.NewInt(1),
		Status: events.StatusSuccess,
	})

	// Wait for intake's own broadcasts to drain before isolating batchTick's.
	assert.Eventually(t, func() bool {
		return hub.Stats()["totalMessages"].(int64) > 0
	}, time.Second, 10*time.Millisecond)

	before := hub.Stats()["totalMessages"].(int64)
	c.batchTick(ctx, "0xWallet")

	assert.Eventually(t, func() bool {
		return hub.Stats()["totalMessages"].(int64) > before
	}, time.Second, 10*time.Millisecond)

	c.StopMonitor("0xWallet")
}

func TestDecideFlagging_SkipsWhenRegistryNotConfigured(t *testing.T) {
	c := newTestCoordinator(t)
	result := &scoring.Result{Score: 10, RiskLevel: scoring.RiskCritical}
	// Should not panic and should be a no-op since flags.Enabled() is false.
	c.decideFlagging(context.Background(), "0xWallet", result)
}

func TestDecideFlagging_IgnoresNonCriticalScores(t *testing.T) {
	c := newTestCoordinator(t)
	result := &scoring.Result{Score: 80, RiskLevel: scoring.RiskLow}
	c.decideFlagging(context.Background(), "0xWallet", result)
}

func TestBatchStart_ReportsSuccessCount(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wallets := []string{"0xA", "0xB", "0xC"}
	successes, failures := c.BatchStart(ctx, wallets, ingest.DefaultWalletConfig())
	assert.Equal(t, 3, successes)
	assert.Equal(t, 0, failures)

	for _, w := range wallets {
		c.StopMonitor(w)
	}
}

func TestActiveWalletsReflectsMonitors(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.StartMonitor(ctx, "0xWallet", ingest.DefaultWalletConfig())
	defer c.StopMonitor("0xWallet")

	active := c.ActiveWallets()
	assert.Contains(t, active, "0xWallet")
}

func TestRunning_ReflectsBatchLoopLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	assert.False(t, c.Running())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, c.Running, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.False(t, c.Running())
}
