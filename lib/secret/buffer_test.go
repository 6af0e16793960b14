// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	t.Parallel()

	source := []byte("sk-conductor-gateway-key")
	original := bytes.Clone(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Errorf("buffer contents = %q, want %q", buffer.Bytes(), original)
	}
	for i, b := range source {
		if b != 0 {
			t.Fatalf("source[%d] = %d after NewFromBytes, want 0", i, b)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	t.Parallel()

	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("NewFromBytes(nil) succeeded, want error")
	}
}

func TestCloseIdempotentAndPanicsOnUse(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("ephemeral"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestLenSurvivesClose(t *testing.T) {
	t.Parallel()

	buffer, err := NewFromBytes([]byte("12345"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if got := buffer.Len(); got != 5 {
		t.Errorf("Len = %d, want 5", got)
	}
	buffer.Close()
	// Len is metadata, not secret content; it stays readable.
	if got := buffer.Len(); got != 5 {
		t.Errorf("Len after Close = %d, want 5", got)
	}
}

func TestZero(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3}
	Zero(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("data[%d] = %d, want 0", i, b)
		}
	}
}
