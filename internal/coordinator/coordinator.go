// Package coordinator is the operational core of the pipeline: it owns
// wallet lifecycle, per-wallet event history, and wires the ingester,
// scoring engine, broadcast hub, and flag registry together.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somnia-labs/wallet-guardian/internal/broadcast"
	"github.com/somnia-labs/wallet-guardian/internal/events"
	"github.com/somnia-labs/wallet-guardian/internal/features"
	"github.com/somnia-labs/wallet-guardian/internal/flagregistry"
	"github.com/somnia-labs/wallet-guardian/internal/ingest"
	"github.com/somnia-labs/wallet-guardian/internal/metrics"
	"github.com/somnia-labs/wallet-guardian/internal/scoring"
	"github.com/somnia-labs/wallet-guardian/internal/syncutil"
)

// BatchInterval is the periodic re-score tick.
const BatchInterval = 2 * time.Second

// SubBatchSize and SubBatchDelay govern batch_start's staggered fan-out.
const (
	SubBatchSize  = 10
	SubBatchDelay = 1 * time.Second
)

// FlagScoreThreshold is the reputation-score ceiling below which a
// CRITICAL wallet is eligible for on-chain flagging.
const FlagScoreThreshold = 40.0

var (
	ErrAlreadyMonitored = errors.New("coordinator: wallet already monitored")
	ErrNotMonitored     = errors.New("coordinator: wallet not monitored")
)

// BalanceLookup resolves a wallet's current native balance for feature
// extraction. Returning an error is treated as "balance unknown" (0).
type BalanceLookup func(ctx context.Context, wallet string) (float64, error)

// Monitor is the coordinator's live state for one wallet.
type Monitor struct {
	Wallet       string
	Config       ingest.WalletConfig
	StartedAt    time.Time
	LastActivity time.Time
	EventCount   int
	LastScore    *scoring.Result
	Active       bool

	cancel context.CancelFunc
}

// StartResult is returned by StartMonitor.
type StartResult struct {
	OK           bool
	Message      string
	InitialScore *scoring.Result
}

// Coordinator owns the monitors map, per-wallet event history, and the
// background batch loop that re-scores accumulated activity.
type Coordinator struct {
	mu        sync.RWMutex
	monitors  map[string]*Monitor
	histories map[string]*events.History
	dirty     map[string]bool

	locks syncutil.ShardedMutex

	running atomic.Bool

	ingester *ingest.Ingester
	scorer   *scoring.Engine
	hub      *broadcast.Hub
	flags    *flagregistry.Client
	balance  BalanceLookup
	logger   *slog.Logger
}

// New builds a Coordinator. flags may be a non-enabled client (nil
// contract address); balance may be nil, in which case balance is
// treated as always 0.
func New(ingester *ingest.Ingester, scorer *scoring.Engine, hub *broadcast.Hub, flags *flagregistry.Client, balance BalanceLookup, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		monitors:  make(map[string]*Monitor),
		histories: make(map[string]*events.History),
		dirty:     make(map[string]bool),
		ingester:  ingester,
		scorer:    scorer,
		hub:       hub,
		flags:     flags,
		balance:   balance,
		logger:    logger,
	}
}

// Run starts the periodic batch loop. It blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			for _, m := range c.monitors {
				if m.cancel != nil {
					m.cancel()
				}
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.runBatch(ctx)
		}
	}
}

// Running reports whether the batch loop is active, for health checks.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// StartMonitor begins tracking wallet w. Idempotent: if already
// monitored, returns the existing score without restarting ingestion.
func (c *Coordinator) StartMonitor(ctx context.Context, w string, cfg ingest.WalletConfig) StartResult {
	unlock := c.locks.Lock(w)
	defer unlock()

	c.mu.Lock()
	if m, ok := c.monitors[w]; ok {
		c.mu.Unlock()
		return StartResult{OK: true, Message: "already monitored", InitialScore: m.LastScore}
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		Wallet:       w,
		Config:       cfg,
		StartedAt:    time.Now(),
		LastActivity: time.Now(),
		Active:       true,
		cancel:       cancel,
	}
	c.monitors[w] = m
	c.histories[w] = events.NewHistory()
	c.mu.Unlock()

	metrics.MonitoredWallets.Set(float64(c.activeCount()))

	// Best-effort historical bootstrap; failure never blocks startup.
	c.ingester.Bootstrap(ctx, w, cfg, func(e *events.Event) {
		c.intake(w, e)
	})

	initial := c.scoreNow(ctx, w)

	go c.ingester.Run(monitorCtx, w, cfg, func(e *events.Event) {
		c.intake(w, e)
	})

	c.hub.BroadcastScoreUpdate(w, map[string]any{"wallet": w, "score": initial})

	return StartResult{OK: true, Message: "monitoring started", InitialScore: initial}
}

// StopMonitor terminates the wallet's ingestion task and drops its state.
func (c *Coordinator) StopMonitor(w string) (bool, string) {
	unlock := c.locks.Lock(w)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.monitors[w]
	if !ok {
		return false, "not monitored"
	}
	if m.cancel != nil {
		m.cancel()
	}
	delete(c.monitors, w)
	delete(c.histories, w)
	delete(c.dirty, w)
	metrics.MonitoredWallets.Set(float64(len(c.monitors)))
	return true, "monitoring stopped"
}

// ForceRescore recomputes a wallet's score immediately from its full
// history, bypassing the batch schedule.
func (c *Coordinator) ForceRescore(ctx context.Context, w string) (*scoring.Result, error) {
	c.mu.RLock()
	_, ok := c.monitors[w]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotMonitored
	}
	return c.scoreNow(ctx, w), nil
}

// BatchStart starts monitors for many wallets in sub-batches of
// SubBatchSize, sleeping SubBatchDelay between sub-batches.
func (c *Coordinator) BatchStart(ctx context.Context, wallets []string, cfg ingest.WalletConfig) (successes, failures int) {
	for i := 0; i < len(wallets); i += SubBatchSize {
		end := i + SubBatchSize
		if end > len(wallets) {
			end = len(wallets)
		}
		for _, w := range wallets[i:end] {
			res := c.StartMonitor(ctx, w, cfg)
			if res.OK {
				successes++
			} else {
				failures++
			}
		}
		if end < len(wallets) {
			select {
			case <-ctx.Done():
				return successes, failures
			case <-time.After(SubBatchDelay):
			}
		}
	}
	return successes, failures
}

// ActiveWallets returns every currently monitored wallet address.
func (c *Coordinator) ActiveWallets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.monitors))
	for w := range c.monitors {
		out = append(out, w)
	}
	return out
}

// Status returns a copy of the monitor state for w, or nil if unmonitored.
func (c *Coordinator) Status(w string) *Monitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[w]
	if !ok {
		return nil
	}
	cp := *m
	cp.cancel = nil
	return &cp
}

func (c *Coordinator) activeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.monitors)
}

// intake is the Ingester's delivery callback: one event, one wallet, at a
// time. It updates activity bookkeeping and runs both the immediate and
// buffered paths described in spec.md §4.8.
func (c *Coordinator) intake(w string, e *events.Event) {
	c.mu.Lock()
	m, ok := c.monitors[w]
	if !ok || !m.Active {
		c.mu.Unlock()
		return
	}
	m.LastActivity = time.Now()
	m.EventCount++
	prevScore := m.LastScore

	h := c.histories[w]
	h.Append(e)
	c.dirty[w] = true
	snapshot := h.Snapshot()
	c.mu.Unlock()

	metrics.EventsIngestedTotal.WithLabelValues(string(e.Kind)).Inc()

	result := c.score(w, snapshot)

	scoreUpdate := map[string]any{"wallet": w, "score": result}
	if prevScore != nil {
		scoreUpdate["previousScore"] = prevScore
	}
	c.hub.BroadcastScoreUpdate(w, scoreUpdate)

	scoreImpact := 0.0
	if prevScore != nil {
		scoreImpact = result.Score - prevScore.Score
	}
	c.hub.BroadcastTxAlert(w, map[string]any{
		"wallet":      w,
		"transaction": e,
		"riskLevel":   result.RiskLevel,
		"scoreImpact": scoreImpact,
	})

	c.mu.Lock()
	m.LastScore = result
	c.mu.Unlock()
}

// scoreNow scores a wallet's currently retained history without waiting
// for the next batch tick.
func (c *Coordinator) scoreNow(ctx context.Context, w string) *scoring.Result {
	c.mu.RLock()
	h := c.histories[w]
	c.mu.RUnlock()
	return c.score(w, h.Snapshot())
}

func (c *Coordinator) score(w string, buf []*events.Event) *scoring.Result {
	var balance float64
	if c.balance != nil {
		if b, err := c.balance(context.Background(), w); err == nil {
			balance = b
		}
	}
	fv := features.Extract(w, buf, balance, time.Now())
	res := c.scorer.Score(w, fv, len(buf), time.Now())
	metrics.ScoresComputedTotal.WithLabelValues(string(res.RiskLevel)).Inc()
	metrics.ScoreValue.Observe(res.Score)
	return &res
}

// runBatch runs one periodic-batch tick over every wallet with buffered
// activity since the last tick.
func (c *Coordinator) runBatch(ctx context.Context) {
	c.mu.Lock()
	dueWallets := make([]string, 0, len(c.dirty))
	for w, isDirty := range c.dirty {
		if isDirty {
			dueWallets = append(dueWallets, w)
		}
	}
	c.mu.Unlock()

	for _, w := range dueWallets {
		c.batchTick(ctx, w)
	}
}

func (c *Coordinator) batchTick(ctx context.Context, w string) {
	unlock := c.locks.Lock(w)
	defer unlock()

	c.mu.Lock()
	m, ok := c.monitors[w]
	if !ok {
		c.mu.Unlock()
		return
	}
	h := c.histories[w]
	prevScore := m.LastScore
	c.mu.Unlock()

	result := c.score(w, h.Snapshot())

	c.decideFlagging(ctx, w, result)

	// runBatch only ever calls batchTick for wallets marked dirty by intake,
	// so spec.md §4.8's "or if new events were processed" clause always
	// holds here; broadcast unconditionally.
	scoreUpdate := map[string]any{"wallet": w, "score": result}
	if prevScore != nil {
		scoreUpdate["previousScore"] = prevScore
	}
	c.hub.BroadcastScoreUpdate(w, scoreUpdate)

	c.mu.Lock()
	m.LastScore = result
	c.dirty[w] = false
	c.mu.Unlock()
}

// decideFlagging implements spec.md §4.8.a: trigger on score < 40 AND
// CRITICAL, skip if already flagged, never retry within the same tick.
func (c *Coordinator) decideFlagging(ctx context.Context, w string, result *scoring.Result) {
	if result.Score >= FlagScoreThreshold || result.RiskLevel != scoring.RiskCritical {
		return
	}
	if c.flags == nil || !c.flags.Enabled() {
		return
	}

	already, err := c.flags.IsFlagged(ctx, w)
	if err != nil {
		c.logger.Warn("coordinator: flag-status check failed, skipping flag this tick", "wallet", w, "error", err)
		return
	}
	if already {
		return
	}

	res := c.flags.Flag(ctx, w, scoring.RiskCritical, result.Score, result.Explanation)
	if res.Error != nil {
		c.logger.Warn("coordinator: flag write failed", "wallet", w, "error", res.Error)
		metrics.FlagsIssuedTotal.WithLabelValues("failed").Inc()
		return
	}

	metrics.FlagsIssuedTotal.WithLabelValues("submitted").Inc()
	c.hub.BroadcastWalletFlagged(w, map[string]any{
		"wallet":         w,
		"riskLevel":      result.RiskLevel,
		"score":          result.Score,
		"contractTxHash": res.TxHash,
		"flaggedAt":      time.Now().UnixMilli(),
	})
}
