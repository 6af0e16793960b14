// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"strings"
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	first := Sum([]byte("tool output payload"))
	second := Sum([]byte("tool output payload"))
	if first != second {
		t.Errorf("same input produced different digests: %s vs %s", first, second)
	}

	other := Sum([]byte("different payload"))
	if first == other {
		t.Error("different inputs produced the same digest")
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	digest := Sum([]byte("round trip"))
	parsed, err := Parse(digest.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != digest {
		t.Errorf("Parse(%s) = %s", digest, parsed)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := Parse("not hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Error("expected error for short input")
	}
	if _, err := Parse(strings.Repeat("ab", Size+1)); err == nil {
		t.Error("expected error for long input")
	}
}

func TestTextMarshaling(t *testing.T) {
	t.Parallel()

	digest := Sum([]byte("marshal me"))
	text, err := digest.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded Digest
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != digest {
		t.Errorf("round trip mismatch: %s vs %s", decoded, digest)
	}
}

func TestShort(t *testing.T) {
	t.Parallel()

	digest := Sum([]byte("short"))
	short := digest.Short()
	if len(short) != 12 {
		t.Errorf("Short() length = %d, want 12", len(short))
	}
	if !strings.HasPrefix(digest.String(), short) {
		t.Errorf("Short() %q is not a prefix of %q", short, digest.String())
	}
}

func TestIsZero(t *testing.T) {
	t.Parallel()

	var zero Digest
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
	if Sum([]byte("x")).IsZero() {
		t.Error("computed digest should not report IsZero")
	}
}
