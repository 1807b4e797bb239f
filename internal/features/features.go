// Package features derives a fixed-length numeric feature vector from a
// wallet's event history, deterministically and without any network I/O.
package features

import (
	"math"
	"math/big"
	"time"

	"github.com/somnia-labs/wallet-guardian/internal/events"
)

// Sentinel and clip constants from the extraction rules.
const (
	DaysSinceLastTxSentinel = 365.0
	MaxAccountAgeDays       = 5 * 365.0
	MaxDaysSinceLastTx      = 365.0
	MaxTxCount              = 10000.0
)

// Vector is the fixed-length feature tuple consumed by the scoring engine.
type Vector struct {
	TransactionCount      float64
	TxPerDay              float64
	AvgValue              float64
	MinValue              float64
	MaxValue              float64
	AccountAgeDays        float64
	DaysSinceLastTx       float64
	ActiveDays            float64
	UniqueCounterparties  float64
	ContractInteractions  float64
	FailedTxCount         float64
	GasUsagePattern       float64
	TotalVolume           float64
	Balance               float64
	AverageGasPrice       float64
	ValueConcentration    float64
	TimeDistribution      float64
	ActivityConsistency   float64
	ClusteringCoefficient float64
	PageRank              float64
}

// AsMap exposes the vector under its canonical feature names, used by the
// scoring engine to remap onto a model's declared feature order.
func (v Vector) AsMap() map[string]float64 {
	return map[string]float64{
		"transaction_count":      v.TransactionCount,
		"tx_per_day":             v.TxPerDay,
		"avg_value":              v.AvgValue,
		"min_value":              v.MinValue,
		"max_value":              v.MaxValue,
		"account_age_days":       v.AccountAgeDays,
		"days_since_last_tx":     v.DaysSinceLastTx,
		"active_days":            v.ActiveDays,
		"unique_counterparties":  v.UniqueCounterparties,
		"contract_interactions":  v.ContractInteractions,
		"failed_tx_count":        v.FailedTxCount,
		"gas_usage_pattern":      v.GasUsagePattern,
		"total_volume":           v.TotalVolume,
		"balance":                v.Balance,
		"average_gas_price":      v.AverageGasPrice,
		"value_concentration":    v.ValueConcentration,
		"time_distribution":      v.TimeDistribution,
		"activity_consistency":   v.ActivityConsistency,
		"clustering_coefficient": v.ClusteringCoefficient,
		"page_rank":              v.PageRank,
	}
}

// Extract derives a Vector for wallet w from its event history e (any
// order), the wallet's current balance (in whole native-token units, 0 if
// unknown), and the current time.
func Extract(w string, e []*events.Event, balance float64, now time.Time) Vector {
	if len(e) == 0 {
		return Vector{DaysSinceLastTx: DaysSinceLastTxSentinel, Balance: balance}
	}

	ordered := make([]*events.Event, len(e))
	copy(ordered, e)
	sortByBlockThenLog(ordered)

	var (
		successCount   int
		failedCount    int
		totalValue     big.Float
		minValue       = math.Inf(1)
		maxValue       = 0.0
		totalGasPrice  big.Float
		gasPriceCount  int
		contractCalls  int
		counterparties = make(map[string]struct{})
		hourHist       [24]int
	)

	minTs := ordered[0].BlockTimestamp
	maxTs := ordered[0].BlockTimestamp

	for _, ev := range ordered {
		if ev.BlockTimestamp < minTs {
			minTs = ev.BlockTimestamp
		}
		if ev.BlockTimestamp > maxTs {
			maxTs = ev.BlockTimestamp
		}

		if ev.From != w && ev.From != "" {
			counterparties[ev.From] = struct{}{}
		}
		if ev.To != w && ev.To != "" {
			counterparties[ev.To] = struct{}{}
		}

		if ev.ContractAddress != "" || len(ev.Input) > 4 {
			contractCalls++
		}

		hour := time.UnixMilli(ev.BlockTimestamp).UTC().Hour()
		hourHist[hour]++

		if ev.Status != events.StatusSuccess {
			failedCount++
			continue
		}
		successCount++

		if ev.Value != nil {
			vf := new(big.Float).SetInt(ev.Value)
			totalValue.Add(&totalValue, vf)
			v, _ := vf.Float64()
			if v < minValue {
				minValue = v
			}
			if v > maxValue {
				maxValue = v
			}
		}
		if ev.GasPrice != nil {
			gp := new(big.Float).SetInt(ev.GasPrice)
			totalGasPrice.Add(&totalGasPrice, gp)
			gasPriceCount++
		}
	}

	if successCount == 0 {
		minValue = 0
	}

	nowMs := now.UnixMilli()
	accountAgeDays := clip(float64(nowMs-minTs)/86400000.0, 0, MaxAccountAgeDays)
	daysSinceLast := clip(float64(nowMs-maxTs)/86400000.0, 0, MaxDaysSinceLastTx)

	activeDays := math.Max(1, math.Ceil(float64(maxTs-minTs)/86400000.0))
	txCount := clip(float64(len(ordered)), 0, MaxTxCount)
	txPerDay := txCount / activeDays

	avgValue := 0.0
	totalVolume := 0.0
	if successCount > 0 {
		tv, _ := totalValue.Float64()
		totalVolume = tv
		avgValue = tv / float64(successCount)
	}

	avgGasPrice := 0.0
	if gasPriceCount > 0 {
		tg, _ := totalGasPrice.Float64()
		avgGasPrice = tg / float64(gasPriceCount)
	}

	valueConcentration := 0.0
	if maxValue > 0 {
		valueConcentration = avgValue / maxValue
	}

	timeDist := entropy(hourHist[:]) / math.Log2(24)

	consistency := activityConsistency(ordered)

	return Vector{
		TransactionCount:      txCount,
		TxPerDay:              txPerDay,
		AvgValue:              avgValue,
		MinValue:              zeroIfInf(minValue),
		MaxValue:              maxValue,
		AccountAgeDays:        accountAgeDays,
		DaysSinceLastTx:       daysSinceLast,
		ActiveDays:            activeDays,
		UniqueCounterparties:  float64(len(counterparties)),
		ContractInteractions:  float64(contractCalls),
		FailedTxCount:         float64(failedCount),
		GasUsagePattern:       avgGasPrice,
		TotalVolume:           totalVolume,
		Balance:               balance,
		AverageGasPrice:       avgGasPrice,
		ValueConcentration:    clip(valueConcentration, 0, 1),
		TimeDistribution:      clip(timeDist, 0, 1),
		ActivityConsistency:   clip(consistency, 0, 1),
		ClusteringCoefficient: 0,
		PageRank:              0,
	}
}

func sortByBlockThenLog(e []*events.Event) {
	// insertion sort: event lists are short (bounded by MaxHistory). Input
	// from History.Snapshot arrives newest first, i.e. in reverse order.
	for i := 1; i < len(e); i++ {
		j := i
		for j > 0 && less(e[j], e[j-1]) {
			e[j], e[j-1] = e[j-1], e[j]
			j--
		}
	}
}

func less(a, b *events.Event) bool {
	if a.BlockHeight != b.BlockHeight {
		return a.BlockHeight < b.BlockHeight
	}
	return a.LogIndex < b.LogIndex
}

// activityConsistency implements 1 - var(Δt)/mean(Δt)^2, clamped at 0,
// over chronologically ordered inter-event intervals. Undefined (0) for
// fewer than two events.
func activityConsistency(ordered []*events.Event) float64 {
	if len(ordered) < 2 {
		return 0
	}
	deltas := make([]float64, 0, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		d := float64(ordered[i].BlockTimestamp - ordered[i-1].BlockTimestamp)
		if d < 0 {
			d = 0
		}
		deltas = append(deltas, d)
	}
	mean := 0.0
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, d := range deltas {
		diff := d - mean
		variance += diff * diff
	}
	variance /= float64(len(deltas))
	return math.Max(0, 1-variance/(mean*mean))
}

// entropy computes Shannon entropy in bits over a histogram of counts,
// treating 0*log(0) as 0.
func entropy(hist []int) float64 {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func clip(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func zeroIfInf(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}
