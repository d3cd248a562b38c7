// Package validation provides request validation for the wallet API.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields.
const MaxStringLength = 10000

var (
	subjectTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	subjectIDRegex   = regexp.MustCompile(`^[A-Za-z0-9_\-:.@]{1,255}$`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func engine() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = v.RegisterValidation("subjecttype", func(fl validator.FieldLevel) bool {
			return IsValidSubjectType(fl.Field().String())
		})
		_ = v.RegisterValidation("subjectid", func(fl validator.FieldLevel) bool {
			return IsValidSubjectID(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSubjectType checks a wallet subject type such as "user".
func IsValidSubjectType(s string) bool {
	return subjectTypeRegex.MatchString(s)
}

// IsValidSubjectID checks a wallet subject id such as "user_2abc".
func IsValidSubjectID(s string) bool {
	return subjectIDRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Struct validates v's `validate` tags. It returns nil when v is valid.
func Struct(v any) ValidationErrors {
	err := engine().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "ne":
		return "must not be " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "subjecttype":
		return "must be a lowercase identifier"
	case "subjectid":
		return "contains invalid characters"
	default:
		return "is invalid"
	}
}

// SubjectParamMiddleware validates the :type and :id URL parameters.
func SubjectParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsValidSubjectType(c.Param("type")) || !IsValidSubjectID(c.Param("id")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_subject",
				"message": "subject type and id are malformed",
			})
			return
		}
		c.Next()
	}
}
