// Package validation provides input validation for the ops API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxFieldLength bounds free-text fields such as item names.
const MaxFieldLength = 256

var saleIDRegex = regexp.MustCompile(`^sale_[a-f0-9]{24}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSaleID checks the sale_<24 hex> shape.
func IsValidSaleID(id string) bool {
	return saleIDRegex.MatchString(id)
}

// SaleIDParamMiddleware rejects malformed :id parameters before they reach
// the store.
func SaleIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidSaleID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "sale id must look like sale_ followed by 24 hex chars",
			})
			return
		}
		c.Next()
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
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Field + " " + v.Message
	}
	return strings.Join(msgs, "; ")
}

// Validate runs every validator and collects the failures. It returns nil
// when all pass.
func Validate(validators ...func() *ValidationError) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
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

// ValidAddress checks if a field is a Monero address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil // Use Required for required fields
		}
		if !xmr.ValidAddress(value) {
			return &ValidationError{Field: field, Message: "is not a Monero address"}
		}
		return nil
	}
}

// ValidEmail checks an optional email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return &ValidationError{Field: field, Message: "is not an email address"}
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

// ValidAmount checks an optional positive XMR amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		amount, err := xmr.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "is not a valid XMR amount"}
		}
		if amount.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}
