package features

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/somnia-labs/wallet-guardian/internal/events"
)

func TestExtract_EmptyHistory(t *testing.T) {
	v := Extract("0xW", nil, 0, time.Now())
	assert.Equal(t, DaysSinceLastTxSentinel, v.DaysSinceLastTx)
	assert.Equal(t, 0.0, v.TransactionCount)
}

func TestExtract_FailedEventsOnlyCountTowardFailedTxCount(t *testing.T) {
	now := time.Now()
	e := []*events.Event{
		{From: "0xW", To: "0xB", Value: big.NewInt(1000), Status: events.StatusFailed, BlockHeight: 1, BlockTimestamp: now.Add(-time.Hour).UnixMilli()},
		{From: "0xW", To: "0xC", Value: big.NewInt(2000), Status: events.StatusSuccess, BlockHeight: 2, BlockTimestamp: now.UnixMilli()},
	}
	v := Extract("0xW", e, 0, now)
	assert.Equal(t, 1.0, v.FailedTxCount)
	assert.Equal(t, 2000.0, v.AvgValue)
	assert.Equal(t, 2.0, v.TransactionCount)
}

func TestExtract_UniqueCounterpartiesExcludesSelf(t *testing.T) {
	now := time.Now()
	e := []*events.Event{
		{From: "0xW", To: "0xB", Status: events.StatusSuccess, BlockTimestamp: now.UnixMilli()},
		{From: "0xC", To: "0xW", Status: events.StatusSuccess, BlockTimestamp: now.UnixMilli()},
		{From: "0xW", To: "0xW", Status: events.StatusSuccess, BlockTimestamp: now.UnixMilli()},
	}
	v := Extract("0xW", e, 0, now)
	assert.Equal(t, 2.0, v.UniqueCounterparties)
}

func TestExtract_ClipsAccountAge(t *testing.T) {
	now := time.Now()
	ancient := now.Add(-10 * 365 * 24 * time.Hour).UnixMilli()
	e := []*events.Event{
		{From: "0xW", To: "0xB", Status: events.StatusSuccess, BlockTimestamp: ancient},
	}
	v := Extract("0xW", e, 0, now)
	assert.Equal(t, MaxAccountAgeDays, v.AccountAgeDays)
}

func TestActivityConsistency_SingleEvent(t *testing.T) {
	now := time.Now()
	e := []*events.Event{
		{From: "0xW", To: "0xB", Status: events.StatusSuccess, BlockTimestamp: now.UnixMilli()},
	}
	v := Extract("0xW", e, 0, now)
	assert.Equal(t, 0.0, v.ActivityConsistency)
}
