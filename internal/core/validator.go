package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"limitter/internal/types"
)

// Validator wraps go-playground/validator with the domain-specific tags
// handlers use on request structs.
//
// Registered custom tags:
//   - plan: value is a recognized plan tier (free, pro, elite)
//   - quantity: value is within the purchasable override quantity range
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Tag registration only fails for empty tag names.
	_ = v.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
		return types.PlanTier(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		q := fl.Field().Int()
		return q >= 1 && q <= int64(types.MaxOverrideQty)
	})

	return &Validator{validate: v}
}

// ValidateStruct validates the struct's `validate` tags and translates the
// first failure into a 400 AppError carrying the offending field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation invoked on a non-struct value", err)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return types.NewAppErrorWithDetails(
			tagToErrorCode(fe),
			validationMessage(fe),
			nil,
			map[string]any{"field": fieldName(fe)},
		)
	}

	return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
}

// tagToErrorCode maps a failed validation tag to the domain error code the
// API contract promises for that class of input.
func tagToErrorCode(fe validator.FieldError) types.ErrorCode {
	switch fe.Tag() {
	case "required":
		return types.ErrCodeValidationMissingField
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "plan":
		return types.ErrCodeValidationInvalidPlan
	case "quantity":
		return types.ErrCodeValidationInvalidQuantity
	}
	name := strings.ToLower(fieldName(fe))
	switch {
	case strings.Contains(name, "domain"), strings.Contains(name, "url"):
		return types.ErrCodeValidationInvalidDomain
	case strings.Contains(name, "limit"):
		return types.ErrCodeValidationInvalidLimit
	case strings.Contains(name, "second"):
		return types.ErrCodeValidationInvalidSeconds
	}
	return types.ErrCodeValidationMissingField
}

func validationMessage(fe validator.FieldError) string {
	name := fieldName(fe)
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "email":
		return name + " must be a valid email address"
	case "plan":
		return name + " must be one of: free, pro, elite"
	case "quantity":
		return name + " must be between 1 and 100"
	case "min":
		return name + " must be at least " + fe.Param()
	case "max":
		return name + " must be at most " + fe.Param()
	default:
		return name + " is invalid"
	}
}

// fieldName lowercases the Go field name; request structs here keep json
// and Go names aligned, so this matches the wire name.
func fieldName(fe validator.FieldError) string {
	return strings.ToLower(fe.Field())
}
