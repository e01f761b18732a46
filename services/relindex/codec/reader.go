// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/relindex/services/relindex/element"
	"github.com/AleutianAI/relindex/services/relindex/index"
)

// Reader decodes one stream from an io.Reader.
//
// Thread Safety:
//
//	Reader is not safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	offset  int64
	scratch [4]byte
}

// NewReader returns a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Decode reads the whole stream.
//
// Description:
//
//	Returns the facts in stream order with Contributor left empty; callers
//	assign contributors with AssignContributors (Load does this). The
//	stream must end exactly after the last element.
//
// Outputs:
//
//	[]index.Fact - Decoded facts, nil on error.
//	error - *DecodeError on a format error or I/O failure.
func (r *Reader) Decode(ctx context.Context) ([]index.Fact, error) {
	_, span := tracer.Start(ctx, "codec.decode")
	defer span.End()

	facts, err := r.decode()
	span.SetAttributes(attribute.Int64("stream.bytes", r.offset))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("stream.facts", len(facts)))
	return facts, nil
}

func (r *Reader) decode() ([]index.Fact, error) {
	start := r.offset
	version, err := r.readInt32("file version")
	if err != nil {
		return nil, err
	}
	if version != FileVersion {
		return nil, &DecodeError{
			Offset: start,
			Op:     "file version",
			Err:    fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, FileVersion),
		}
	}

	elementCount, err := r.readCount("element count")
	if err != nil {
		return nil, err
	}

	var facts []index.Fact
	for range elementCount {
		subject, err := r.readElement("element encoding")
		if err != nil {
			return nil, err
		}
		relCount, err := r.readCount("relationship count")
		if err != nil {
			return nil, err
		}
		for range relCount {
			rel, err := r.readRelationship()
			if err != nil {
				return nil, err
			}
			locCount, err := r.readCount("location count")
			if err != nil {
				return nil, err
			}
			for range locCount {
				loc, err := r.readLocation()
				if err != nil {
					return nil, err
				}
				facts = append(facts, index.Fact{Subject: subject, Relationship: rel, Location: loc})
			}
		}
	}

	if _, err := r.r.ReadByte(); err == nil {
		return nil, &DecodeError{Offset: r.offset, Op: "end of stream", Err: ErrTrailingData}
	} else if !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Offset: r.offset, Op: "end of stream", Err: err}
	}
	return facts, nil
}

func (r *Reader) readLocation() (element.Location, error) {
	target, err := r.readElement("target encoding")
	if err != nil {
		return element.Location{}, err
	}
	offset, err := r.readInt32("offset")
	if err != nil {
		return element.Location{}, err
	}
	length, err := r.readInt32("length")
	if err != nil {
		return element.Location{}, err
	}
	prefix, err := r.readString("import prefix")
	if err != nil {
		return element.Location{}, err
	}
	return element.NewLocation(target, int(offset), int(length)).WithImportPrefix(prefix), nil
}

func (r *Reader) readElement(op string) (element.Element, error) {
	start := r.offset
	s, err := r.readString(op)
	if err != nil {
		return element.Element{}, err
	}
	e, err := element.New(s)
	if err != nil {
		return element.Element{}, &DecodeError{Offset: start, Op: op, Err: ErrEmptyEncoding}
	}
	return e, nil
}

func (r *Reader) readRelationship() (element.Relationship, error) {
	start := r.offset
	s, err := r.readString("relationship id")
	if err != nil {
		return element.Relationship{}, err
	}
	if s == "" {
		return element.Relationship{}, &DecodeError{Offset: start, Op: "relationship id", Err: ErrEmptyEncoding}
	}
	return element.RelationshipFor(s), nil
}

func (r *Reader) readCount(op string) (int, error) {
	start := r.offset
	n, err := r.readInt32(op)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, &DecodeError{Offset: start, Op: op, Err: fmt.Errorf("%w: %d", ErrNegativeCount, n)}
	}
	return int(n), nil
}

func (r *Reader) readInt32(op string) (int32, error) {
	if err := r.readFull(op, r.scratch[:4]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.scratch[:4])), nil
}

// readString reads a length-prefixed UTF-8 string. Invalid UTF-8 is reported
// at the length prefix; a short body at the first missing byte's field.
func (r *Reader) readString(op string) (string, error) {
	start := r.offset
	if err := r.readFull(op, r.scratch[:2]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(r.scratch[:2]))
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if err := r.readFull(op, b); err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &DecodeError{Offset: start, Op: op, Err: ErrMalformedString}
	}
	return string(b), nil
}

// readFull fills b or fails with a *DecodeError at the field's start offset.
func (r *Reader) readFull(op string, b []byte) error {
	start := r.offset
	n, err := io.ReadFull(r.r, b)
	r.offset += int64(n)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrTruncated
	}
	return &DecodeError{Offset: start, Op: op, Err: err}
}

// Decode decodes a complete stream held in memory.
func Decode(ctx context.Context, data []byte) ([]index.Fact, error) {
	return NewReader(bytes.NewReader(data)).Decode(ctx)
}
