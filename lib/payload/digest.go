// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload addresses bulky message content by cryptographic
// digest. When history compression strips a large field out of a
// message it leaves behind a [Digest] of the removed bytes, so the
// original can be located in durable storage and audited against
// what the model actually saw.
package payload

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of a [Digest] in bytes.
const Size = 32

// Digest is a BLAKE3-256 hash of removed payload bytes.
type Digest [Size]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the digest as lowercase hex.
func (digest Digest) String() string {
	return hex.EncodeToString(digest[:])
}

// Short returns a truncated hex form for log lines and summaries.
func (digest Digest) Short() string {
	return hex.EncodeToString(digest[:6])
}

// IsZero reports whether the digest is the zero value.
func (digest Digest) IsZero() bool {
	return digest == Digest{}
}

// MarshalText implements [encoding.TextMarshaler] so digests render
// as hex strings in JSON and CBOR encodings.
func (digest Digest) MarshalText() ([]byte, error) {
	return []byte(digest.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (digest *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*digest = parsed
	return nil
}

// Parse decodes a 64-character hex digest.
func Parse(text string) (Digest, error) {
	var digest Digest
	raw, err := hex.DecodeString(text)
	if err != nil {
		return digest, fmt.Errorf("payload: parse digest: %w", err)
	}
	if len(raw) != Size {
		return digest, fmt.Errorf("payload: digest must be %d bytes, got %d", Size, len(raw))
	}
	copy(digest[:], raw)
	return digest, nil
}
