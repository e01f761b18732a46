// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package element defines the value types stored in the relationship index.
//
// Every type in this package is an immutable, comparable value. Elements are
// identified by their encoded location string and nothing else, so they can
// be used directly as map keys and written to the wire without any object
// graph behind them.
//
// # Encoding
//
// An element encoding is a sequence of components joined by ';'. A literal
// ';' or '\' inside a component is escaped with a leading '\'. The first
// component names the defining source (a library or file URI) and is what
// the default context scoping uses:
//
//	file:///lib/a.dart;A;foo
//
// Encodings are opaque to the index; FromComponents and Components exist for
// callers that build or inspect them.
package element

import (
	"errors"
	"fmt"
	"strings"
)

const (
	componentSeparator = ';'
	escapeChar         = '\\'
)

// ErrEmptyEncoding is returned when an element is built from an empty string.
var ErrEmptyEncoding = errors.New("element encoding is empty")

// Element is the identity of a program element.
//
// Two elements are the same entity iff their encodings are equal. The zero
// value is not a valid element; use New or FromComponents.
type Element struct {
	encoding string
}

// New returns the element with the given encoding.
//
// Outputs:
//
//	Element - The element.
//	error - ErrEmptyEncoding if encoding is empty.
func New(encoding string) (Element, error) {
	if encoding == "" {
		return Element{}, ErrEmptyEncoding
	}
	return Element{encoding: encoding}, nil
}

// MustNew is like New but panics on an empty encoding. Intended for tests
// and package-level constants.
func MustNew(encoding string) Element {
	e, err := New(encoding)
	if err != nil {
		panic(fmt.Sprintf("element.MustNew: %v", err))
	}
	return e
}

// FromComponents builds an element by escaping and joining components.
//
// Description:
//
//	Each component has ';' and '\' escaped, then all components are joined
//	with ';'. The result round-trips through Components.
//
// Outputs:
//
//	Element - The element.
//	error - ErrEmptyEncoding if no components are given or all are empty.
func FromComponents(components ...string) (Element, error) {
	var b strings.Builder
	for i, c := range components {
		if i > 0 {
			b.WriteByte(componentSeparator)
		}
		for j := 0; j < len(c); j++ {
			if c[j] == componentSeparator || c[j] == escapeChar {
				b.WriteByte(escapeChar)
			}
			b.WriteByte(c[j])
		}
	}
	if strings.Trim(b.String(), ";") == "" {
		return Element{}, ErrEmptyEncoding
	}
	return New(b.String())
}

// Encoding returns the encoded identity string.
func (e Element) Encoding() string {
	return e.encoding
}

// String implements fmt.Stringer.
func (e Element) String() string {
	return e.encoding
}

// IsZero reports whether e is the zero (invalid) element.
func (e Element) IsZero() bool {
	return e.encoding == ""
}

// Components splits the encoding back into its unescaped components.
// A trailing lone escape character is kept literally.
func (e Element) Components() []string {
	if e.encoding == "" {
		return nil
	}
	var (
		parts []string
		cur   strings.Builder
	)
	s := e.encoding
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == escapeChar && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == componentSeparator:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

// Source returns the first component of the encoding, the defining source
// of the element.
func (e Element) Source() string {
	comps := e.Components()
	if len(comps) == 0 {
		return ""
	}
	return comps[0]
}

// Compare orders elements by encoding.
func Compare(a, b Element) int {
	return strings.Compare(a.encoding, b.encoding)
}
