package app

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"cord/api/internal/location"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// flat: every value is a string, number or boolean.
	_ = v.RegisterValidation("flat", func(fl validator.FieldLevel) bool {
		switch m := fl.Field().Interface().(type) {
		case map[string]any:
			return location.Validate(m) == nil
		case location.Location:
			return location.Validate(m) == nil
		}
		return false
	})
	return v
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// validateInput runs struct tag validation and turns failures into one
// invalid_request error listing the offending fields.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidRequest("%v", err)
	}
	details := make([]fieldError, 0, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.SplitN(fe.Namespace(), ".", 2)
		name := fe.Field()
		if len(field) == 2 {
			name = field[1]
		}
		details = append(details, fieldError{Field: name, Rule: fe.Tag()})
		names = append(names, name)
	}
	e := invalidRequest("invalid fields: %s", strings.Join(names, ", "))
	e.Details = details
	return e
}
