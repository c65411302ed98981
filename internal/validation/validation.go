// Package validation provides input validation middleware for the broker API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// handleRegex validates plain identity handles
	handleRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{2,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentity checks if a string is a usable broker identity: either an
// Ethereum address or a plain handle.
func IsValidIdentity(s string) bool {
	return ethAddressRegex.MatchString(s) || handleRegex.MatchString(s)
}

// SanitizeIdentity normalizes an identity for storage and comparison.
func SanitizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
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

// ValidIdentity checks if a field is a usable identity
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentity(value) {
			return &ValidationError{Field: field, Message: "must be an Ethereum address or a handle (3-64 chars)"}
		}
		return nil
	}
}

// ValidDirection checks if a field is a known offer direction
func ValidDirection(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if value != "creator_sells" && value != "creator_buys" {
			return &ValidationError{Field: field, Message: "must be creator_sells or creator_buys"}
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

// IdentityParamMiddleware validates the :account URL parameter on routes
// that use it, rejecting malformed identities early.
func IdentityParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		if account != "" && !IsValidIdentity(account) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "account must be an Ethereum address or a handle",
			})
			return
		}
		c.Next()
	}
}
