package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationFromValidator converts validator.ValidationErrors into a
// ValidationError keyed by lower-cased field name. Other errors pass through.
func ValidationFromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if _, seen := out.Fields[field]; seen {
			continue
		}
		out.Fields[field] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	name := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", name)
	case "email":
		return "Please enter a valid email address"
	case "min":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "max", "lte", "ltefield":
		return fmt.Sprintf("%s is too large", name)
	case "gte", "gt":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	}
	return fmt.Sprintf("%s is invalid", name)
}
