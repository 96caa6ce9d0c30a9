// Package validation provides input validation helpers and middleware for the carpool API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/carpool/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// MaxIdempotencyKeyLength bounds client-supplied idempotency keys.
const MaxIdempotencyKeyLength = 128

var (
	// userIDRegex accepts opaque external user identifiers.
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
	// resourceIDRegex matches ids minted by idgen (prefix + 32 hex chars).
	resourceIDRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{32}$`)
	// idempotencyKeyRegex allows UUIDs and similar client tokens.
	idempotencyKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
	// programTagRegex validates subsidy program tags.
	programTagRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is an acceptable user identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// IsValidResourceID checks if a string looks like a generated resource id
func IsValidResourceID(id string) bool {
	return resourceIDRegex.MatchString(id)
}

// IsValidIdempotencyKey checks an Idempotency-Key header value
func IsValidIdempotencyKey(key string) bool {
	return len(key) <= MaxIdempotencyKeyLength && idempotencyKeyRegex.MatchString(key)
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

// ValidUserID checks a user identifier field
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// ValidResourceID checks a reservation, pairing or escrow id field
func ValidResourceID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidResourceID(value) {
			return &ValidationError{Field: field, Message: "is not a valid id"}
		}
		return nil
	}
}

// ValidProgramTag checks a subsidy program tag
func ValidProgramTag(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !programTagRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be lowercase letters, digits, '_' or '-'"}
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

// NonNegative checks an integer field is not below zero
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// ResourceIDParamMiddleware validates the :id URL parameter on routes that use it.
func ResourceIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidResourceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be a prefixed 32-character hex identifier",
			})
			return
		}
		c.Next()
	}
}

// ValidAmount checks if a value is a valid positive money amount with at
// most two decimal places
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if a.IsZero() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
