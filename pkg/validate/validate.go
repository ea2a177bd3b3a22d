// Package validate wraps go-playground/validator the way the teacher's
// pkg/validator does, adapted to validate the small input structs command
// handlers build from a request's kv.List before touching a gateway or
// store (SPEC_FULL.md §2, "command input struct validation").
package validate

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gpg/payproc/internal/perr"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
	})
	return instance
}

// Struct validates i against its `validate` struct tags and translates the
// first failing field into a *perr.Error (MissingValue for a bare
// "required" failure, InvalidValue otherwise) so handlers can return it
// directly.
func Struct(i interface{}) error {
	if err := get().Struct(i); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok || len(verrs) == 0 {
			return perr.Wrap(perr.InvalidValue, "validation failed", err)
		}
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			return perr.Newf(perr.MissingValue, "%s is required", field)
		}
		return perr.Newf(perr.InvalidValue, "%s is invalid", field)
	}
	return nil
}
