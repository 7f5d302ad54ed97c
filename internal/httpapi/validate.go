package httpapi

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type appValidator struct {
	validate *validator.Validate
}

func newValidator() *appValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so field errors match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &appValidator{validate: v}
}

func (v *appValidator) Validate(i any) error {
	return v.validate.Struct(i)
}
