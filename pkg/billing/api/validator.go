package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest returns an *errValidation describing the first failed field.
func (h *Handler) validateRequest(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &errValidation{msg: "invalid request"}
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return &errValidation{msg: fmt.Sprintf("%s is required", fe.Field())}
	case "url":
		return &errValidation{msg: fmt.Sprintf("%s must be a valid URL", fe.Field())}
	case "max":
		return &errValidation{msg: fmt.Sprintf("%s is too long", fe.Field())}
	default:
		return &errValidation{msg: fmt.Sprintf("%s is invalid", fe.Field())}
	}
}
