// Package api provides the public HTTP façade over the coordinator and
// flag registry: wallet subscribe/unsubscribe, on-demand scoring, batch
// scoring, flag status/write, and health.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/somnia-labs/wallet-guardian/internal/codec"
	"github.com/somnia-labs/wallet-guardian/internal/coordinator"
	"github.com/somnia-labs/wallet-guardian/internal/flagregistry"
	"github.com/somnia-labs/wallet-guardian/internal/health"
	"github.com/somnia-labs/wallet-guardian/internal/idgen"
	"github.com/somnia-labs/wallet-guardian/internal/ingest"
	"github.com/somnia-labs/wallet-guardian/internal/logging"
	"github.com/somnia-labs/wallet-guardian/internal/scoring"
	"github.com/somnia-labs/wallet-guardian/internal/validation"
)

// Handler wires the public API to the coordinator and flag registry.
type Handler struct {
	coord  *coordinator.Coordinator
	flags  *flagregistry.Client
	health *health.Registry
}

// NewHandler creates a Handler. checks may be nil, in which case
// /system/health reports only process liveness.
func NewHandler(coord *coordinator.Coordinator, flags *flagregistry.Client, checks *health.Registry) *Handler {
	return &Handler{coord: coord, flags: flags, health: checks}
}

// RegisterRoutes mounts every endpoint of spec.md §6 under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/subscribe", h.Subscribe)
	r.DELETE("/wallets/unsubscribe", h.Unsubscribe)
	r.GET("/wallets/active", h.ActiveWallets)

	addressed := r.Group("/wallets/:address", validation.AddressParamMiddleware())
	addressed.GET("/score", h.Score)
	addressed.GET("/flag-status", h.FlagStatus)
	addressed.POST("/flag", h.Flag)

	r.POST("/wallets/batch-score", h.BatchScore)
	r.GET("/system/health", h.Health)
}

type subscribeRequest struct {
	Wallet              string `json:"wallet"`
	SessionID           string `json:"sessionId"`
	IncludeTransactions bool   `json:"includeTransactions"`
}

// Subscribe starts monitoring a wallet.
// POST /wallets/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "request body must be valid JSON", nil)
		return
	}

	addr, err := codec.NormalizeAddress(req.Wallet)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_address", "wallet must be a valid Ethereum address", nil)
		return
	}

	cfg := ingest.DefaultWalletConfig()
	if !req.IncludeTransactions {
		cfg.IncludeNativeTransfers = false
	}

	result := h.coord.StartMonitor(c.Request.Context(), addr, cfg)

	logging.L(c.Request.Context()).Info("wallet subscribed", "wallet", addr, "session_id", req.SessionID)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"wallet":       addr,
			"message":      result.Message,
			"initialScore": result.InitialScore,
		},
		"requestId": logging.RequestID(c.Request.Context()),
		"timestamp": time.Now().UTC(),
	})
}

type unsubscribeRequest struct {
	Wallet    string `json:"wallet"`
	SessionID string `json:"sessionId"`
}

// Unsubscribe stops monitoring a wallet.
// DELETE /wallets/unsubscribe
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "request body must be valid JSON", nil)
		return
	}

	addr, err := codec.NormalizeAddress(req.Wallet)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_address", "wallet must be a valid Ethereum address", nil)
		return
	}

	ok, msg := h.coord.StopMonitor(addr)
	if !ok {
		errorResponse(c, http.StatusNotFound, "not_monitored", msg, nil)
		return
	}

	successResponse(c, http.StatusOK, gin.H{"wallet": addr, "message": msg})
}

// ActiveWallets lists every currently monitored wallet.
// GET /wallets/active
func (h *Handler) ActiveWallets(c *gin.Context) {
	successResponse(c, http.StatusOK, gin.H{"wallets": h.coord.ActiveWallets()})
}

// Score returns a wallet's current score, forcing a fresh computation
// when ?refresh=true.
// GET /wallets/:address/score?refresh=<bool>
func (h *Handler) Score(c *gin.Context) {
	addr, ok := h.requireAddress(c)
	if !ok {
		return
	}

	refresh := c.Query("refresh") == "true"

	if refresh {
		result, err := h.coord.ForceRescore(c.Request.Context(), addr)
		if err != nil {
			h.notMonitoredOrError(c, err)
			return
		}
		successResponse(c, http.StatusOK, gin.H{"wallet": addr, "score": result})
		return
	}

	status := h.coord.Status(addr)
	if status == nil {
		errorResponse(c, http.StatusNotFound, "not_monitored", "wallet is not being monitored", nil)
		return
	}
	successResponse(c, http.StatusOK, gin.H{"wallet": addr, "score": status.LastScore})
}

type batchScoreRequest struct {
	Wallets []string `json:"wallets"`
}

// BatchScore scores (or starts monitoring, then scores) up to
// validation.MaxBatchSize wallets in one request.
// POST /wallets/batch-score
func (h *Handler) BatchScore(c *gin.Context) {
	var req batchScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "request body must be valid JSON", nil)
		return
	}
	if err := validation.ValidBatchSize("wallets", len(req.Wallets))(); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Message, nil)
		return
	}

	type scored struct {
		Wallet string          `json:"wallet"`
		Score  *scoring.Result `json:"score,omitempty"`
		Error  string          `json:"error,omitempty"`
	}

	results := make([]scored, 0, len(req.Wallets))
	for _, raw := range req.Wallets {
		addr, err := codec.NormalizeAddress(raw)
		if err != nil {
			results = append(results, scored{Wallet: raw, Error: "invalid address"})
			continue
		}
		status := h.coord.Status(addr)
		if status == nil {
			start := h.coord.StartMonitor(c.Request.Context(), addr, ingest.DefaultWalletConfig())
			results = append(results, scored{Wallet: addr, Score: start.InitialScore})
			continue
		}
		results = append(results, scored{Wallet: addr, Score: status.LastScore})
	}

	successResponse(c, http.StatusOK, gin.H{"results": results})
}

// FlagStatus reports the on-chain flag record for a wallet, if any.
// GET /wallets/:address/flag-status
func (h *Handler) FlagStatus(c *gin.Context) {
	addr, ok := h.requireAddress(c)
	if !ok {
		return
	}

	if !h.flags.Enabled() {
		successResponse(c, http.StatusOK, gin.H{"wallet": addr, "configured": false, "flagged": false})
		return
	}

	flag, err := h.flags.GetFlag(c.Request.Context(), addr)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "chain_error", "failed to read flag status", err)
		return
	}
	if flag == nil {
		successResponse(c, http.StatusOK, gin.H{"wallet": addr, "configured": true, "flagged": false})
		return
	}
	successResponse(c, http.StatusOK, gin.H{"wallet": addr, "configured": true, "flagged": true, "flag": flag})
}

type flagRequest struct {
	RiskLevel       string  `json:"riskLevel"`
	ReputationScore float64 `json:"reputationScore"`
	Reason          string  `json:"reason"`
}

// Flag writes a flag record on-chain for a wallet.
// POST /wallets/:address/flag
func (h *Handler) Flag(c *gin.Context) {
	addr, ok := h.requireAddress(c)
	if !ok {
		return
	}

	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "request body must be valid JSON", nil)
		return
	}
	if verr := validation.Validate(
		validation.Required("riskLevel", req.RiskLevel),
		validation.ValidRiskLevel("riskLevel", req.RiskLevel),
		validation.ValidScore("reputationScore", req.ReputationScore),
	); len(verr) > 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request", verr.Error(), nil)
		return
	}

	if !h.flags.Enabled() {
		errorResponse(c, http.StatusServiceUnavailable, "not_configured", "flag registry is not configured", nil)
		return
	}

	level := scoring.RiskLevel(req.RiskLevel)
	result := h.flags.Flag(c.Request.Context(), addr, level, req.ReputationScore, req.Reason)
	if result.Error != nil {
		errorResponse(c, http.StatusBadGateway, "chain_error", "failed to write flag", result.Error)
		return
	}

	successResponse(c, http.StatusOK, gin.H{"wallet": addr, "txHash": result.TxHash})
}

// Health reports process liveness plus subsystem checks (chain
// connectivity, flag registry) for load balancers and orchestrators.
// GET /system/health
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	var subsystems []health.Status
	if h.health != nil {
		var healthy bool
		healthy, subsystems = h.health.CheckAll(c.Request.Context())
		if !healthy {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}

	successResponse(c, code, gin.H{
		"status":          status,
		"activeWallets":   len(h.coord.ActiveWallets()),
		"flagsConfigured": h.flags.Enabled(),
		"subsystems":      subsystems,
	})
}

func (h *Handler) requireAddress(c *gin.Context) (string, bool) {
	addr, err := codec.NormalizeAddress(c.Param("address"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_address", "address must be a valid Ethereum address", nil)
		return "", false
	}
	return addr, true
}

func (h *Handler) notMonitoredOrError(c *gin.Context, err error) {
	if errors.Is(err, coordinator.ErrNotMonitored) {
		errorResponse(c, http.StatusNotFound, "not_monitored", "wallet is not being monitored", nil)
		return
	}
	errorResponse(c, http.StatusInternalServerError, "internal_error", "failed to rescore wallet", err)
}

func successResponse(c *gin.Context, status int, data gin.H) {
	c.JSON(status, gin.H{
		"success":   true,
		"data":      data,
		"requestId": logging.RequestID(c.Request.Context()),
		"timestamp": time.Now().UTC(),
	})
}

func errorResponse(c *gin.Context, status int, code, message string, cause error) {
	details := gin.H{"code": code, "message": message}
	if cause != nil {
		details["details"] = cause.Error()
	}
	c.JSON(status, gin.H{
		"success":   false,
		"error":     message,
		"data":      details,
		"requestId": logging.RequestID(c.Request.Context()),
		"timestamp": time.Now().UTC(),
	})
}

// RequestIDMiddleware assigns (or propagates) a request ID and attaches
// it to the request context for logging and response envelopes.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = idgen.Hex(16)
		}
		ctx := logging.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
