// Package validator checks request structs against their `validate` tags and reports
// failures by JSON field name.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// usernames are stored verbatim, so whitespace and separators are rejected up front
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var engine = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	if err := v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
})

// Violation is one failed rule on one field.
type Violation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func (v Violation) String() string {
	switch v.Rule {
	case "required":
		return v.Field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", v.Field, v.Param)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", v.Field, v.Param)
	case "email":
		return v.Field + " must be a valid email address"
	case "username":
		return v.Field + " may contain letters, digits, dots, dashes and underscores"
	default:
		return v.Field + " failed " + v.Rule
	}
}

// Violations is returned by Check when one or more rules fail.
type Violations []Violation

func (v Violations) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	return strings.Join(v.Messages(), "; ")
}

// Messages renders each violation for display.
func (v Violations) Messages() []string {
	out := make([]string, len(v))
	for i, violation := range v {
		out[i] = violation.String()
	}
	return out
}

// Fields lists the failing fields in declaration order.
func (v Violations) Fields() []string {
	out := make([]string, len(v))
	for i, violation := range v {
		out[i] = violation.Field
	}
	return out
}

// Check validates s. Rule failures come back as Violations; any other error means s
// could not be validated at all.
func Check(s any) error {
	err := engine().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(Violations, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = Violation{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()}
	}
	return out
}

func jsonName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}
