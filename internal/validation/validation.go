// Package validation provides input validation middleware for the public
// API façade.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/somnia-labs/wallet-guardian/internal/scoring"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxBatchSize bounds POST /wallets/batch-score per spec.md §6.
const MaxBatchSize = 50

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
// (0x + 40 hex chars).
func IsValidEthAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// IsValidRiskLevel reports whether s names one of the four risk levels.
func IsValidRiskLevel(s string) bool {
	switch scoring.RiskLevel(strings.ToUpper(s)) {
	case scoring.RiskLow, scoring.RiskMedium, scoring.RiskHigh, scoring.RiskCritical:
		return true
	default:
		return false
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
// Apply to route groups that include :address params to reject malformed addresses early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// ValidRiskLevel checks if a field names one of LOW/MEDIUM/HIGH/CRITICAL.
func ValidRiskLevel(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidRiskLevel(value) {
			return &ValidationError{Field: field, Message: "must be one of LOW, MEDIUM, HIGH, CRITICAL"}
		}
		return nil
	}
}

// ValidScore checks if a field is a reputation score in [0,100].
func ValidScore(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 100 {
			return &ValidationError{Field: field, Message: "must be between 0 and 100"}
		}
		return nil
	}
}

// ValidBatchSize checks that a batch request does not exceed MaxBatchSize.
func ValidBatchSize(field string, count int) func() *ValidationError {
	return func() *ValidationError {
		if count == 0 {
			return &ValidationError{Field: field, Message: "must contain at least one wallet"}
		}
		if count > MaxBatchSize {
			return &ValidationError{Field: field, Message: "exceeds maximum batch size of 50"}
		}
		return nil
	}
}
