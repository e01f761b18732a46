// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec reads and writes the binary relationship index stream.
//
// All integers are big-endian int32. Strings are a big-endian uint16 byte
// length followed by that many bytes of UTF-8:
//
//	FileVersion   int32 (= 1)
//	ElementCount  int32
//	repeat ElementCount:
//	  ElementEncoding  string
//	  RelCount         int32
//	  repeat RelCount:
//	    RelationshipId  string
//	    LocationCount   int32
//	    repeat LocationCount:
//	      TargetElementEncoding string
//	      Offset                int32
//	      Length                int32
//	      ImportPrefix          string (empty = none)
//
// A stream is either decoded completely or rejected; there is no partial
// result. Any change to the layout must bump FileVersion.
package codec

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
)

// FileVersion is the only stream version this package reads and writes.
const FileVersion int32 = 1

// MaxStringLength is the longest string, in bytes, the length prefix can carry.
const MaxStringLength = 1<<16 - 1

var tracer = otel.Tracer("aleutian.relindex.codec")

// Decode failures. A *DecodeError wraps exactly one of these.
var (
	// ErrTruncated means the stream ended inside a field.
	ErrTruncated = errors.New("stream truncated")

	// ErrUnsupportedVersion means FileVersion is not one this reader knows.
	ErrUnsupportedVersion = errors.New("unsupported file version")

	// ErrMalformedString means a length-prefixed string is not valid UTF-8.
	ErrMalformedString = errors.New("malformed string")

	// ErrNegativeCount means an element, relationship or location count is
	// below zero.
	ErrNegativeCount = errors.New("negative count")

	// ErrEmptyEncoding means an element encoding or relationship identifier
	// is empty.
	ErrEmptyEncoding = errors.New("empty encoding")

	// ErrTrailingData means bytes follow the last element.
	ErrTrailingData = errors.New("trailing data after last element")
)

// Encode failures.
var (
	// ErrValueOutOfRange means a count, offset or length does not fit int32.
	ErrValueOutOfRange = errors.New("value out of int32 range")

	// ErrStringTooLong means a string exceeds MaxStringLength bytes.
	ErrStringTooLong = errors.New("string too long")
)

// DecodeError reports where and why a stream was rejected.
type DecodeError struct {
	// Offset is the byte offset at which the failing field starts.
	Offset int64

	// Op names the field being read, e.g. "location count".
	Op string

	// Err is the underlying sentinel.
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("relindex decode: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
