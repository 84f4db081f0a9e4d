package utils

import (
	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens validator.ValidationErrors into a
// field->tag map for API error responses. Callers must check the error
// type first (errors.As) because the assertion here is unconditional.
func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}
