// Package validation provides input validation helpers and middleware for the Extractly API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// CRM location, company and user ids are opaque alphanumeric strings.
	crmIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// plan codes are lowercase snake case, e.g. agency_pro
	planCodeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{1,31}$`)
	// model ids look like gpt-4o-mini or claude-3.5-sonnet
	modelIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,127}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCRMID checks if a string looks like a CRM location/company/user id
func IsValidCRMID(id string) bool {
	return crmIDRegex.MatchString(id)
}

// IsValidPlanCode checks plan code syntax. It does not check the catalogue.
func IsValidPlanCode(code string) bool {
	return planCodeRegex.MatchString(code)
}

// IsValidModelID checks model id syntax
func IsValidModelID(id string) bool {
	return modelIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

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

// ValidCRMID checks an optional CRM id field
func ValidCRMID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCRMID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 letters, digits, '-' or '_'"}
		}
		return nil
	}
}

// ValidPlanCode checks an optional plan code field
func ValidPlanCode(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPlanCode(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase plan code"}
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

// NonNegative checks a counter field
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// CRMIDParamMiddleware validates the named URL parameters on routes that use them.
// Apply to route groups with :locationId or :agencyId params to reject malformed ids early.
func CRMIDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v := c.Param(name)
			if v != "" && !IsValidCRMID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + strings.ToLower(name),
					"message": name + " must be 1-64 letters, digits, '-' or '_'",
				})
				return
			}
		}
		c.Next()
	}
}
