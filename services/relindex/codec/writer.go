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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"fortio.org/safecast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/relindex/services/relindex/index"
)

// Writer encodes snapshots to an io.Writer.
//
// Thread Safety:
//
//	Writer is not safe for concurrent use.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a writer that emits to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteSnapshot encodes snap as one complete stream.
//
// Description:
//
//	Elements, relationships and locations are emitted in the snapshot's
//	order, so equal snapshots produce identical bytes. The stream is built
//	in memory and handed to the underlying writer in a single Write, so a
//	value that cannot be encoded leaves the destination untouched.
//
// Inputs:
//
//	ctx - Context for tracing.
//	snap - The snapshot to encode. Must not be nil.
//
// Outputs:
//
//	int64 - Bytes written.
//	error - ErrValueOutOfRange, ErrStringTooLong, ErrMalformedString, or
//	        the underlying write error.
func (w *Writer) WriteSnapshot(ctx context.Context, snap *index.Snapshot) (int64, error) {
	_, span := tracer.Start(ctx, "codec.write_snapshot",
		trace.WithAttributes(
			attribute.Int("snapshot.elements", snap.Len()),
			attribute.Int("snapshot.locations", snap.LocationCount()),
		),
	)
	defer span.End()

	data, err := w.encode(snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, err
	}

	n, err := w.w.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return int64(n), fmt.Errorf("writing snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("snapshot.bytes", n))
	return int64(n), nil
}

func (w *Writer) encode(snap *index.Snapshot) ([]byte, error) {
	w.buf = w.buf[:0]
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(FileVersion))

	elements := snap.Elements()
	if err := w.putCount("element count", len(elements)); err != nil {
		return nil, err
	}
	for _, subject := range elements {
		if err := w.putString("element encoding", subject.Encoding()); err != nil {
			return nil, err
		}
		rels := snap.Relations(subject)
		if err := w.putCount("relationship count", len(rels)); err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if err := w.putString("relationship id", rel.Relationship.Identifier()); err != nil {
				return nil, err
			}
			if err := w.putCount("location count", len(rel.Locations)); err != nil {
				return nil, err
			}
			for _, cl := range rel.Locations {
				loc := cl.Location
				if err := w.putString("target encoding", loc.Element.Encoding()); err != nil {
					return nil, err
				}
				if err := w.putInt("offset", loc.Offset); err != nil {
					return nil, err
				}
				if err := w.putInt("length", loc.Length); err != nil {
					return nil, err
				}
				if err := w.putString("import prefix", loc.ImportPrefix); err != nil {
					return nil, err
				}
			}
		}
	}
	return w.buf, nil
}

func (w *Writer) putInt(field string, v int) error {
	i, err := safecast.Conv[int32](v)
	if err != nil {
		return fmt.Errorf("%w: %s %d", ErrValueOutOfRange, field, v)
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(i))
	return nil
}

func (w *Writer) putCount(field string, n int) error {
	return w.putInt(field, n)
}

func (w *Writer) putString(field, s string) error {
	if len(s) > MaxStringLength {
		return fmt.Errorf("%w: %s is %d bytes", ErrStringTooLong, field, len(s))
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformedString, field)
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// Encode returns snap as a complete stream.
func Encode(ctx context.Context, snap *index.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := NewWriter(&buf).WriteSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
