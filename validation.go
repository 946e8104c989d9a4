package x402

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// caip2 accepts "namespace:reference", reference may be "*".
	_ = v.RegisterValidation("caip2", func(fl validator.FieldLevel) bool {
		parts := strings.SplitN(fl.Field().String(), ":", 2)
		return len(parts) == 2 && parts[0] != "" && parts[1] != ""
	})
	return v
}

// ValidatePaymentRequirements checks the structural validity of a
// requirement before it is offered, selected, or verified against.
func ValidatePaymentRequirements(r *PaymentRequirements) error {
	if r == nil {
		return &ValidationError{Reason: "nil payment requirements"}
	}
	if err := validate.Struct(r); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// ValidatePaymentPayload checks the structural validity of a payment
// payload at the facilitator boundary.
func ValidatePaymentPayload(p *PaymentPayload) error {
	if p == nil {
		return &ValidationError{Reason: "nil payment payload"}
	}
	if err := validate.Struct(p); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}
