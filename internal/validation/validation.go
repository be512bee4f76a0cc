// Package validation provides input validation middleware for the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pmattes/escrowd/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength is the maximum length for dispute reason text
const MaxReasonLength = 4000

var (
	// handleRegex validates seller handles ("@" plus 2-32 word characters)
	handleRegex = regexp.MustCompile(`^@\w{2,32}$`)
	// coinAddressRegex is a plausibility check for on-chain addresses.
	// Real validity is the wallet backend's call; this only rejects garbage.
	coinAddressRegex = regexp.MustCompile(`^[a-zA-Z0-9]{20,100}$`)
	// assetRegex validates asset symbols like "BTC"
	assetRegex = regexp.MustCompile(`^[A-Z]{2,10}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidHandle checks if a string is a valid seller handle like "@alice"
func IsValidHandle(tag string) bool {
	return handleRegex.MatchString(tag)
}

// IsValidCoinAddress checks if a string plausibly looks like an on-chain address
func IsValidCoinAddress(addr string) bool {
	return coinAddressRegex.MatchString(addr)
}

// IsValidAsset checks if a string is a valid asset symbol
func IsValidAsset(sym string) bool {
	return assetRegex.MatchString(sym)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeHandle normalizes a seller handle for matching
func SanitizeHandle(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.ToLower(tag)

	// Ensure @ prefix
	if tag != "" && !strings.HasPrefix(tag, "@") {
		tag = "@" + tag
	}

	return tag
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

// ValidHandle checks if a field is a valid seller handle
func ValidHandle(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidHandle(value) {
			return &ValidationError{Field: field, Message: "must be a handle like @username"}
		}
		return nil
	}
}

// ValidCoinAddress checks if a field plausibly looks like an on-chain address
func ValidCoinAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCoinAddress(value) {
			return &ValidationError{Field: field, Message: "does not look like a valid address"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// DealIDParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed IDs early.
func DealIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" {
			for _, r := range id {
				if r < '0' || r > '9' {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
						"error":   "invalid_deal_id",
						"message": "deal id must be numeric",
					})
					return
				}
			}
		}
		c.Next()
	}
}

// ValidAmount checks if a value is a valid positive decimal amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.ParsePositive(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}
