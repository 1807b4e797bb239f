// Package flagregistry wraps the on-chain flag contract: read calls for
// current flag state and signed write calls for flagging, unflagging, and
// risk-level updates.
package flagregistry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/somnia-labs/wallet-guardian/internal/chainclient"
	"github.com/somnia-labs/wallet-guardian/internal/scoring"
)

var (
	// ErrNotConfigured is returned by every operation when no contract
	// address was supplied at construction time.
	ErrNotConfigured = errors.New("flagregistry: contract not configured")
	// ErrInvalidAddress is returned for a malformed wallet address.
	ErrInvalidAddress = errors.New("flagregistry: invalid address")
)

// DefaultGasLimit is the fixed fallback used when gas estimation for a
// write call fails.
const DefaultGasLimit = uint64(500000)

// Confirmations is the number of blocks a write call waits for before its
// result is considered final.
const Confirmations = 2

// WaitTimeout bounds how long a write call waits for confirmations.
const WaitTimeout = 60 * time.Second

const flagRegistryABI = `[
	{"name":"flagWallet","type":"function","inputs":[{"name":"wallet","type":"address"},{"name":"score","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
	{"name":"unflagWallet","type":"function","inputs":[{"name":"wallet","type":"address"}],"outputs":[]},
	{"name":"updateRiskLevel","type":"function","inputs":[{"name":"wallet","type":"address"},{"name":"level","type":"uint8"}],"outputs":[]},
	{"name":"isWalletFlagged","type":"function","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"getWalletFlag","type":"function","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[
		{"name":"isFlagged","type":"bool"},
		{"name":"riskLevel","type":"uint8"},
		{"name":"score","type":"uint256"},
		{"name":"flaggedAt","type":"uint256"},
		{"name":"expiresAt","type":"uint256"},
		{"name":"flagger","type":"address"},
		{"name":"reason","type":"string"}
	]},
	{"name":"getAllFlaggedWallets","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"name":"getActiveFlaggedCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"anonymous":false,"name":"WalletFlagged","type":"event","inputs":[{"indexed":true,"name":"wallet","type":"address"},{"indexed":false,"name":"riskLevel","type":"uint8"},{"indexed":false,"name":"score","type":"uint256"}]},
	{"anonymous":false,"name":"WalletUnflagged","type":"event","inputs":[{"indexed":true,"name":"wallet","type":"address"}]},
	{"anonymous":false,"name":"RiskLevelUpdated","type":"event","inputs":[{"indexed":true,"name":"wallet","type":"address"},{"indexed":false,"name":"riskLevel","type":"uint8"}]}
]`

// onChainLevel encodes RiskLevel as the contract's 0=LOW..3=CRITICAL scale.
func onChainLevel(level scoring.RiskLevel) uint8 {
	switch level {
	case scoring.RiskLow:
		return 0
	case scoring.RiskMedium:
		return 1
	case scoring.RiskHigh:
		return 2
	case scoring.RiskCritical:
		return 3
	default:
		return 0
	}
}

func fromOnChainLevel(v uint8) scoring.RiskLevel {
	switch v {
	case 0:
		return scoring.RiskLow
	case 1:
		return scoring.RiskMedium
	case 2:
		return scoring.RiskHigh
	case 3:
		return scoring.RiskCritical
	default:
		return scoring.RiskLow
	}
}

// Flag is the decoded on-chain flag record for a wallet.
type Flag struct {
	Wallet    string
	IsFlagged bool
	RiskLevel scoring.RiskLevel
	Score     *big.Int
	FlaggedAt time.Time
	ExpiresAt time.Time
	Flagger   string
	Reason    string
}

// Expired reports whether the flag's expiry has already passed.
func (f Flag) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// WriteResult is the outcome of a write call.
type WriteResult struct {
	OK     bool
	TxHash string
	Error  error
}

// Config configures a Client. ContractAddress may be empty, in which case
// the client is constructed successfully but every call returns
// ErrNotConfigured — this mirrors CONTRACT_ADDRESS being optional.
type Config struct {
	ContractAddress string
	PrivateKey      string // hex, optional 0x prefix; required only for write calls
	ChainID         int64
}

// Client wraps the flag registry contract.
type Client struct {
	chain      *chainclient.Client
	contract   common.Address
	configured bool
	abi        abi.ABI

	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// New builds a Client. If cfg.ContractAddress is empty, Enabled reports
// false and every call returns ErrNotConfigured.
func New(chain *chainclient.Client, cfg Config) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(flagRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("flagregistry: parse abi: %w", err)
	}

	c := &Client{chain: chain, abi: parsedABI}
	if cfg.ContractAddress == "" {
		return c, nil
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, cfg.ContractAddress)
	}
	c.contract = common.HexToAddress(cfg.ContractAddress)
	c.configured = true

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("flagregistry: invalid private key: %w", err)
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("flagregistry: failed to derive public key")
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(*pub)
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Enabled reports whether a contract address was configured.
func (c *Client) Enabled() bool {
	return c.configured
}

func (c *Client) requireConfigured() error {
	if !c.configured {
		return ErrNotConfigured
	}
	return nil
}

func (c *Client) callView(ctx context.Context, out any, method string, args ...any) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("flagregistry: pack %s: %w", method, err)
	}
	result, err := c.chain.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("flagregistry: call %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return c.abi.UnpackIntoInterface(out, method, result)
}

// IsFlagged reports whether w currently holds a non-expired flag.
func (c *Client) IsFlagged(ctx context.Context, w string) (bool, error) {
	if err := c.requireConfigured(); err != nil {
		return false, err
	}
	if !common.IsHexAddress(w) {
		return false, fmt.Errorf("%w: %s", ErrInvalidAddress, w)
	}

	var flagged bool
	if err := c.callView(ctx, &flagged, "isWalletFlagged", common.HexToAddress(w)); err != nil {
		return false, err
	}
	return flagged, nil
}

// getWalletFlagRaw mirrors the ABI's tuple return shape.
type getWalletFlagRaw struct {
	IsFlagged bool
	RiskLevel uint8
	Score     *big.Int
	FlaggedAt *big.Int
	ExpiresAt *big.Int
	Flagger   common.Address
	Reason    string
}

// GetFlag returns the decoded flag record for w, or (nil, nil) when w has
// no flag on record.
func (c *Client) GetFlag(ctx context.Context, w string) (*Flag, error) {
	if err := c.requireConfigured(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(w) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, w)
	}

	var raw getWalletFlagRaw
	if err := c.callView(ctx, &raw, "getWalletFlag", common.HexToAddress(w)); err != nil {
		return nil, err
	}
	if !raw.IsFlagged {
		return nil, nil
	}

	return &Flag{
		Wallet:    common.HexToAddress(w).Hex(),
		IsFlagged: raw.IsFlagged,
		RiskLevel: fromOnChainLevel(raw.RiskLevel),
		Score:     raw.Score,
		FlaggedAt: unixSeconds(raw.FlaggedAt),
		ExpiresAt: unixSeconds(raw.ExpiresAt),
		Flagger:   raw.Flagger.Hex(),
		Reason:    raw.Reason,
	}, nil
}

func unixSeconds(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

// ListFlagged returns every address currently on the contract's flagged
// list, including expired ones.
func (c *Client) ListFlagged(ctx context.Context) ([]string, error) {
	if err := c.requireConfigured(); err != nil {
		return nil, err
	}
	var addrs []common.Address
	if err := c.callView(ctx, &addrs, "getAllFlaggedWallets"); err != nil {
		return nil, err
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out, nil
}

// ActiveCount returns the number of currently active (non-expired) flags.
func (c *Client) ActiveCount(ctx context.Context) (uint64, error) {
	if err := c.requireConfigured(); err != nil {
		return 0, err
	}
	var n *big.Int
	if err := c.callView(ctx, &n, "getActiveFlaggedCount"); err != nil {
		return 0, err
	}
	if n == nil {
		return 0, nil
	}
	return n.Uint64(), nil
}

// isAlreadyFlaggedErr recognizes the contract's duplicate-flag rejection
// so callers can treat it as idempotent success per spec.md §4.6.
func isAlreadyFlaggedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "already flagged")
}

// Flag records a critical classification for w. A contract rejection of
// "already flagged" is reported as a successful, no-op write.
func (c *Client) Flag(ctx context.Context, w string, level scoring.RiskLevel, score float64, reason string) WriteResult {
	if err := c.requireConfigured(); err != nil {
		return WriteResult{Error: err}
	}
	if !common.IsHexAddress(w) {
		return WriteResult{Error: fmt.Errorf("%w: %s", ErrInvalidAddress, w)}
	}

	scoreInt := big.NewInt(int64(score))
	res := c.writeCall(ctx, "flagWallet", common.HexToAddress(w), scoreInt, reason)
	if res.Error != nil && isAlreadyFlaggedErr(res.Error) {
		return WriteResult{OK: true}
	}
	_ = level // level is not part of flagWallet's ABI args; carried for callers' logging only
	return res
}

// Unflag removes w's flag.
func (c *Client) Unflag(ctx context.Context, w string) WriteResult {
	if err := c.requireConfigured(); err != nil {
		return WriteResult{Error: err}
	}
	if !common.IsHexAddress(w) {
		return WriteResult{Error: fmt.Errorf("%w: %s", ErrInvalidAddress, w)}
	}
	return c.writeCall(ctx, "unflagWallet", common.HexToAddress(w))
}

// UpdateRisk updates the on-chain risk level for an already-flagged wallet.
func (c *Client) UpdateRisk(ctx context.Context, w string, level scoring.RiskLevel) WriteResult {
	if err := c.requireConfigured(); err != nil {
		return WriteResult{Error: err}
	}
	if !common.IsHexAddress(w) {
		return WriteResult{Error: fmt.Errorf("%w: %s", ErrInvalidAddress, w)}
	}
	return c.writeCall(ctx, "updateRiskLevel", common.HexToAddress(w), onChainLevel(level))
}

// writeCall packs, signs, submits, and waits for confirmation on a write
// method. It mirrors the sign/send/wait flow used for value transfers.
func (c *Client) writeCall(ctx context.Context, method string, args ...any) WriteResult {
	if c.privateKey == nil {
		return WriteResult{Error: fmt.Errorf("flagregistry: no private key configured for write calls")}
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return WriteResult{Error: fmt.Errorf("flagregistry: pack %s: %w", method, err)}
	}

	nonce, err := c.chain.PendingNonceAt(ctx, c.address)
	if err != nil {
		return WriteResult{Error: fmt.Errorf("flagregistry: nonce: %w", err)}
	}

	fee, err := c.chain.GetFeeData(ctx)
	if err != nil {
		return WriteResult{Error: fmt.Errorf("flagregistry: fee data: %w", err)}
	}

	gasLimit, err := c.chain.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &c.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	var tx *types.Transaction
	if fee.EIP1559 {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			To:        &c.contract,
			Gas:       gasLimit,
			GasFeeCap: fee.MaxFeePerGas,
			GasTipCap: fee.MaxPriorityFeePerGas,
			Data:      data,
		})
	} else {
		tx = types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, fee.GasPrice, data)
	}

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return WriteResult{Error: fmt.Errorf("flagregistry: sign: %w", err)}
	}

	if err := c.chain.SendTransaction(ctx, signedTx); err != nil {
		return WriteResult{TxHash: signedTx.Hash().Hex(), Error: fmt.Errorf("flagregistry: send: %w", err)}
	}

	receipt, err := c.chain.WaitForTx(ctx, signedTx.Hash(), Confirmations, WaitTimeout)
	if err != nil {
		return WriteResult{TxHash: signedTx.Hash().Hex(), Error: fmt.Errorf("flagregistry: wait: %w", err)}
	}
	if receipt.Status == 0 {
		return WriteResult{TxHash: signedTx.Hash().Hex(), Error: fmt.Errorf("flagregistry: %s reverted", method)}
	}

	return WriteResult{OK: true, TxHash: signedTx.Hash().Hex()}
}
