package config

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/keystore/pkg/errors"
)

// fieldValidator checks the `validate` tags of Config. Field names are
// reported by their mapstructure key so errors name the config path.
var fieldValidator = newFieldValidator()

func newFieldValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateFields reports the first tag violation as BadParameter on its
// dotted config path, e.g. "tokens.access_ttl".
func validateFields(c *Config) error {
	err := fieldValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errors.BadParameter("config", err.Error())
	}
	fe := fieldErrs[0]
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	return errors.BadParameter(path, path+" "+formatValidationError(fe))
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s, got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}
