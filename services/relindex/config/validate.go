// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// configValidate is the validator instance for configuration structs.
// Field names in errors are the yaml keys, so messages match the file.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
}

// Validate checks every section of c.
//
// Description:
//
//	Returns an error wrapping ErrInvalidConfig that lists each failing
//	field by its dotted yaml path, e.g. "persist.backend".
func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// describe renders one field error as "path: reason".
func describe(fe validator.FieldError) string {
	// Namespace starts with the root type name.
	_, path, _ := strings.Cut(fe.Namespace(), ".")

	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		reason = fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		reason = fmt.Sprintf("must be <= %s", fe.Param())
	case "gt":
		reason = fmt.Sprintf("must be > %s", fe.Param())
	case "lt":
		reason = fmt.Sprintf("must be < %s", fe.Param())
	case "hostname_port":
		reason = fmt.Sprintf("must be host:port, got %q", fmt.Sprint(fe.Value()))
	default:
		reason = fmt.Sprintf("failed %q", fe.Tag())
	}
	return path + ": " + reason
}
