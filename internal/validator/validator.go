package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns a singleton validator instance
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New()

		// Register validation for extracting JSON field names instead of struct field names
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = validate.RegisterValidation("sync_interval", func(fl validator.FieldLevel) bool {
			return model.SyncInterval(fl.Field().String()).Valid()
		})
	})
	return validate
}

// Validate validates a struct and returns formatted errors wrapping
// apperrors.ErrValidation.
func Validate(s interface{}) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, fmt.Sprintf("field '%s' failed validation: %s", e.Field(), getErrorMessage(e)))
	}

	return fmt.Errorf("%w: %s", apperrors.ErrValidation, strings.Join(messages, "; "))
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return Get().Var(field, tag)
}

// getErrorMessage returns a user-friendly error message for a validation tag
func getErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "datetime":
		return fmt.Sprintf("must be a date formatted as %s", e.Param())
	case "sync_interval":
		names := make([]string, 0, len(model.SyncIntervals()))
		for _, i := range model.SyncIntervals() {
			names = append(names, string(i))
		}
		return fmt.Sprintf("must be one of: %s", strings.Join(names, " "))
	default:
		return fmt.Sprintf("validation tag '%s' with value '%v' failed", e.Tag(), e.Value())
	}
}
