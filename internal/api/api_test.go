package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somnia-labs/wallet-guardian/internal/broadcast"
	"github.com/somnia-labs/wallet-guardian/internal/chainclient"
	"github.com/somnia-labs/wallet-guardian/internal/coordinator"
	"github.com/somnia-labs/wallet-guardian/internal/flagregistry"
	"github.com/somnia-labs/wallet-guardian/internal/health"
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

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	chain := chainclient.New(&fakeEth{})
	ing := ingest.New(chain, nil, testLogger())
	engine := scoring.NewEngine(nil, nil)
	hub := broadcast.NewHub(testLogger())
	flags, err := flagregistry.New(chain, flagregistry.Config{})
	require.NoError(t, err)
	coord := coordinator.New(ing, engine, hub, flags, nil, testLogger())
	return NewHandler(coord, flags, nil)
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	h.RegisterRoutes(&r.RouterGroup)
	return r
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const testWallet = "0x1234567890123456789012345678901234567890"

func TestSubscribe_StartsMonitoring(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodPost, "/wallets/subscribe", subscribeRequest{Wallet: testWallet})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Wallet  string `json:"wallet"`
			Message string `json:"message"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "monitoring started", body.Data.Message)
}

func TestSubscribe_RejectsInvalidAddress(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodPost, "/wallets/subscribe", subscribeRequest{Wallet: "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnsubscribe_UnknownWalletReports404(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodDelete, "/wallets/unsubscribe", unsubscribeRequest{Wallet: testWallet})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScore_UnmonitoredWalletReports404(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodGet, "/wallets/"+testWallet+"/score", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScore_AfterSubscribeReturnsScore(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	doRequest(r, http.MethodPost, "/wallets/subscribe", subscribeRequest{Wallet: testWallet})

	w := doRequest(r, http.MethodGet, "/wallets/"+testWallet+"/score", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Score struct {
				RiskLevel string `json:"RiskLevel"`
			} `json:"score"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
}

func TestBatchScore_RejectsOversizedBatch(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	wallets := make([]string, 51)
	for i := range wallets {
		wallets[i] = testWallet
	}

	w := doRequest(r, http.MethodPost, "/wallets/batch-score", batchScoreRequest{Wallets: wallets})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchScore_ScoresEachWallet(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodPost, "/wallets/batch-score", batchScoreRequest{
		Wallets: []string{testWallet, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Results []struct {
				Wallet string `json:"wallet"`
			} `json:"results"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data.Results, 2)
}

func TestFlagStatus_ReportsUnconfiguredWhenNoContract(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodGet, "/wallets/"+testWallet+"/flag-status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Configured bool `json:"configured"`
			Flagged    bool `json:"flagged"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Data.Configured)
	assert.False(t, body.Data.Flagged)
}

func TestFlag_RejectsWhenRegistryNotConfigured(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodPost, "/wallets/"+testWallet+"/flag", flagRequest{
		RiskLevel:       string(scoring.RiskCritical),
		ReputationScore: 10,
		Reason:          "manual review",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFlag_RejectsInvalidRiskLevel(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodPost, "/wallets/"+testWallet+"/flag", flagRequest{
		RiskLevel:       "SEVERE",
		ReputationScore: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth_ReportsOK(t *testing.T) {
	r := newTestRouter(newTestHandler(t))

	w := doRequest(r, http.MethodGet, "/system/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Data.Status)
}

func TestHealth_ReportsDegradedWhenSubsystemFails(t *testing.T) {
	chain := chainclient.New(&fakeEth{})
	ing := ingest.New(chain, nil, testLogger())
	engine := scoring.NewEngine(nil, nil)
	hub := broadcast.NewHub(testLogger())
	flags, err := flagregistry.New(chain, flagregistry.Config{})
	require.NoError(t, err)
	coord := coordinator.New(ing, engine, hub, flags, nil, testLogger())

	checks := health.NewRegistry()
	checks.Register("chain", func(ctx context.Context) health.Status {
		return health.Status{Name: "chain", Healthy: false, Detail: "unreachable"}
	})

	h := NewHandler(coord, flags, checks)
	r := newTestRouter(h)

	w := doRequest(r, http.MethodGet, "/system/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Data.Status)
}
