// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	_ "crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/vmihailenco/msgpack/v5"
)

// EnvelopeSchema is the envelope layout version. It is independent of the
// codec's FileVersion, which travels inside the payload.
const EnvelopeSchema = 1

// Compression selects how the payload is stored.
type Compression string

const (
	// CompressionNone stores the codec stream as is.
	CompressionNone Compression = "none"

	// CompressionZstd stores the codec stream zstd-compressed.
	CompressionZstd Compression = "zstd"
)

// Envelope wraps one codec stream with the metadata needed to trust it.
type Envelope struct {
	Schema         int           `msgpack:"schema"`
	ContextID      string        `msgpack:"context_id"`
	SnapshotID     string        `msgpack:"snapshot_id"`
	CreatedAtMilli int64         `msgpack:"created_at"`
	Compression    Compression   `msgpack:"compression"`
	Digest         digest.Digest `msgpack:"digest"` // of the uncompressed stream
	Size           int64         `msgpack:"size"`   // of the uncompressed stream
	Payload        []byte        `msgpack:"payload"`
}

// CreatedAt returns the creation time.
func (e *Envelope) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMilli)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Seal wraps stream for contextID.
//
// Outputs:
//
//	[]byte - The msgpack-encoded envelope.
//	*Envelope - The envelope, for logging its id and digest.
//	error - Non-nil for an unknown compression or an encoding failure.
func Seal(contextID string, stream []byte, compression Compression) ([]byte, *Envelope, error) {
	if contextID == "" {
		return nil, nil, ErrInvalidContextID
	}
	if compression == "" {
		compression = CompressionNone
	}

	env := &Envelope{
		Schema:         EnvelopeSchema,
		ContextID:      contextID,
		SnapshotID:     uuid.NewString(),
		CreatedAtMilli: time.Now().UnixMilli(),
		Compression:    compression,
		Digest:         digest.FromBytes(stream),
		Size:           int64(len(stream)),
	}

	switch compression {
	case CompressionNone:
		env.Payload = stream
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, nil, fmt.Errorf("zstd init: %w", err)
		}
		env.Payload = enc.EncodeAll(stream, nil)
	default:
		return nil, nil, fmt.Errorf("unknown compression %q", compression)
	}

	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, env, nil
}

// Unseal decodes an envelope and returns its verified codec stream.
//
// Outputs:
//
//	*Envelope - The decoded envelope, Payload as stored.
//	[]byte - The uncompressed stream, digest verified.
//	error - Wraps ErrSnapshotCorrupt on any failure.
func Unseal(data []byte) (*Envelope, []byte, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode envelope: %v", ErrSnapshotCorrupt, err)
	}
	if env.Schema != EnvelopeSchema {
		return nil, nil, fmt.Errorf("%w: envelope schema %d", ErrSnapshotCorrupt, env.Schema)
	}
	if err := env.Digest.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: digest: %v", ErrSnapshotCorrupt, err)
	}

	var stream []byte
	switch env.Compression {
	case CompressionNone:
		stream = env.Payload
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, nil, fmt.Errorf("zstd init: %w", err)
		}
		stream, err = dec.DecodeAll(env.Payload, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decompress: %v", ErrSnapshotCorrupt, err)
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression %q", ErrSnapshotCorrupt, env.Compression)
	}

	if int64(len(stream)) != env.Size {
		return nil, nil, fmt.Errorf("%w: size %d, want %d", ErrSnapshotCorrupt, len(stream), env.Size)
	}
	if digest.FromBytes(stream) != env.Digest {
		return nil, nil, fmt.Errorf("%w: digest mismatch", ErrSnapshotCorrupt)
	}
	return &env, stream, nil
}
