// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides conductor's standard CBOR encoding
// configuration.
//
// Conductor uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the model-gateway wire protocol,
//     agent profile files, and CLI --json output.
//   - CBOR for everything at rest: transcript events in the
//     coordination store, stripped tool payloads, and sealed archive
//     bodies.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which is what
// makes content-addressed payload digests stable.
//
// Struct tag convention: types that only ever live in the store carry
// `cbor` tags; types that also serve JSON (gateway requests, profile
// schemas) carry `json` tags and rely on fxamacker's json-tag
// fallback. Never both on one field.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding. Initialized once;
// the options never change after init.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for
// forward compatibility with older archived transcripts.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (payload.Digest,
	// runstore.RunStatus, etc.) serialize as CBOR text strings via
	// MarshalText rather than as empty maps hiding their unexported
	// fields.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Conductor never uses non-string map keys. When decoding into
		// any-typed targets the CBOR default is
		// map[interface{}]interface{}; map[string]any is what the rest
		// of the code (and encoding/json interop) expects. Struct
		// field decoding is unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Mirror of TextMarshalerTextString for round-trip
		// correctness.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to carry transcript
// event payloads through the store without decoding them.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder writing to w with the standard
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r with the standard
// decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. The CLI uses this for raw transcript inspection.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
