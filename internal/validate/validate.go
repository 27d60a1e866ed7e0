package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// v reports fields by their json names so messages match request bodies.
var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return val
}

// Struct validates s using its validate tags and returns a human-readable
// error or nil.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
