package builder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)
	// Secret names are upper case everywhere: config keys are folded to
	// upper case on load and environment variables use the same form.
	secretNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("secret_name", func(fl validator.FieldLevel) bool {
		return secretNameRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// structProblems validates s and renders each failure relative to the
// struct, e.g. "Retry.Attempts must be <= 10".
func structProblems(s any) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		problems = append(problems, fmt.Sprintf("%s %s", field, describe(fe)))
	}
	return problems
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "identifier":
		return fmt.Sprintf("%q is not a valid identifier", fe.Value())
	case "secret_name":
		return fmt.Sprintf("%q is not an upper-case secret name", fe.Value())
	case "duration":
		return fmt.Sprintf("%q is not a positive duration", fe.Value())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
