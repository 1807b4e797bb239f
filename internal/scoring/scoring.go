// Package scoring converts a wallet's feature vector into a reputation
// score and risk classification, preferring a pluggable ML model and
// falling back to a deterministic rule-based scorer when no model is
// loaded or the model's output is unusable.
package scoring

import (
	"math"
	"time"

	"github.com/somnia-labs/wallet-guardian/internal/features"
)

// RiskLevel is the coarse classification derived from a reputation score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Risk level thresholds, inclusive lower bound.
const (
	ThresholdLow    = 70.0
	ThresholdMedium = 50.0
	ThresholdHigh   = 30.0
)

// BlacklistPenalty is subtracted from the raw score for blacklisted wallets.
const BlacklistPenalty = 30.0

// DeriveRiskLevel maps a clamped reputation score to its risk level.
func DeriveRiskLevel(score float64) RiskLevel {
	switch {
	case score >= ThresholdLow:
		return RiskLow
	case score >= ThresholdMedium:
		return RiskMedium
	case score >= ThresholdHigh:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Result is the scored verdict for one wallet.
type Result struct {
	Wallet      string
	Score       float64
	RiskLevel   RiskLevel
	Confidence  float64
	Features    features.Vector
	ComputedAt  time.Time
	EventCount  int
	Flags       []string
	Explanation string
}

// Model is a pluggable inference backend. Implementations translate a
// feature vector into a positive-class probability in [0,1]. A Model that
// cannot produce a usable output should return an error so the engine can
// fall through to the rule-based scorer.
type Model interface {
	// Predict returns the positive-class ("safe") probability for the
	// given named features, keyed by the canonical feature names in
	// features.Vector.AsMap.
	Predict(named map[string]float64) (probability float64, err error)
}

// Blacklist reports membership of a normalized wallet address in a static
// penalty list.
type Blacklist interface {
	Contains(wallet string) bool
}

// Engine computes ScoringResults from feature vectors.
type Engine struct {
	model      Model // nil means always use the rule-based fallback
	blacklist  Blacklist
	onFallback func()
}

// NewEngine creates a scoring engine. model may be nil, in which case the
// rule-based fallback (4.3.a) is always used.
func NewEngine(model Model, blacklist Blacklist) *Engine {
	return &Engine{model: model, blacklist: blacklist}
}

// OnFallback registers a callback invoked whenever a scoring pass uses the
// rule-based fallback rather than the model (used to drive a metric).
func (e *Engine) OnFallback(f func()) {
	e.onFallback = f
}

// Score runs the pipeline of spec.md §4.3 for wallet w given its feature
// vector and how many events were consumed to build it.
func (e *Engine) Score(w string, fv features.Vector, eventCount int, now time.Time) Result {
	var (
		rawScore   float64
		confidence float64
	)

	usedFallback := false
	if e.model != nil {
		p, err := e.model.Predict(fv.AsMap())
		if err != nil || math.IsNaN(p) || p < 0 || p > 1 {
			usedFallback = true
		} else {
			rawScore = 100 * p
			confidence = p
		}
	} else {
		usedFallback = true
	}

	if usedFallback {
		rawScore, confidence = ruleBasedFallback(fv, eventCount)
		if e.onFallback != nil {
			e.onFallback()
		}
	}

	blacklisted := e.blacklist != nil && e.blacklist.Contains(w)
	if blacklisted {
		rawScore -= BlacklistPenalty
	}

	score := clamp(rawScore, 0, 100)
	level := DeriveRiskLevel(score)

	flags := buildFlags(fv, eventCount, blacklisted, level)

	return Result{
		Wallet:      w,
		Score:       score,
		RiskLevel:   level,
		Confidence:  confidence,
		Features:    fv,
		ComputedAt:  now,
		EventCount:  eventCount,
		Flags:       flags,
		Explanation: explain(score, level, flags),
	}
}

// ruleBasedFallback implements spec.md §4.3.a: deterministic, monotonic in
// "badness", starting from a base score of 70.
func ruleBasedFallback(fv features.Vector, eventCount int) (score, confidence float64) {
	s := 70.0

	s += math.Min(8, math.Log10(1+fv.TransactionCount)*2)

	if fv.TxPerDay > 50 {
		s -= math.Min(25, (fv.TxPerDay-50)*0.3)
	}
	if fv.TxPerDay > 0 && fv.TxPerDay <= 10 {
		s += math.Min(5, fv.TxPerDay*0.3)
	}

	s -= math.Min(15, math.Log10(math.Max(1, fv.AvgValue))*2)

	s -= 4 * fv.FailedTxCount

	if fv.AccountAgeDays > 30 {
		s += math.Min(15, math.Log10(math.Max(1, fv.AccountAgeDays))*3)
	} else if fv.AccountAgeDays < 1 {
		s -= 20
	}

	confidence = math.Min(0.8, 0.05*float64(eventCount))
	if confidence < 0.3 {
		confidence = 0.3
	}

	return clamp(s, 0, 100), confidence
}

// buildFlags derives descriptive flags from a wallet's feature vector.
// Activity-derived flags (new_account among them) require at least one
// observed event: an empty history is "unknown", not "suspiciously new
// or active", per spec.md §8 scenario 1 (zero-transaction wallet -> flags:[]).
func buildFlags(fv features.Vector, eventCount int, blacklisted bool, level RiskLevel) []string {
	var flags []string
	if blacklisted {
		flags = append(flags, "blacklisted")
	}
	if eventCount > 0 {
		if fv.FailedTxCount > 10 {
			flags = append(flags, "high_failure_rate")
		}
		if fv.TxPerDay > 50 {
			flags = append(flags, "high_frequency")
		}
		if fv.UniqueCounterparties > 500 {
			flags = append(flags, "many_counterparties")
		}
		if fv.AccountAgeDays < 7 {
			flags = append(flags, "new_account")
		}
		if fv.ContractInteractions > 200 {
			flags = append(flags, "high_contract_activity")
		}
	}
	switch level {
	case RiskCritical:
		flags = append(flags, "critical_risk")
	case RiskHigh:
		flags = append(flags, "high_risk")
	}
	return flags
}

func explain(score float64, level RiskLevel, flags []string) string {
	if len(flags) == 0 {
		return "no notable risk signals"
	}
	msg := string(level) + " risk:"
	for i, f := range flags {
		if i > 0 {
			msg += ","
		}
		msg += " " + f
	}
	return msg
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
