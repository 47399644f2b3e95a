// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"

	"github.com/skymesh-foundation/skymesh/lib/codec"
)

func TestCompareOrdersBySerial(t *testing.T) {
	a := New("aurora", "SAT-003")
	b := New("aurora", "SAT-010")

	if a.Compare(b) >= 0 {
		t.Error("SAT-003 should order before SAT-010")
	}
	if b.Compare(a) <= 0 {
		t.Error("SAT-010 should order after SAT-003")
	}
	if a.Compare(a) != 0 {
		t.Error("ID should compare equal to itself")
	}
}

func TestCompareDistinguishesInstances(t *testing.T) {
	a := New("aurora", "SAT-007")
	b := New("aurora", "SAT-007")

	if a.Compare(b) == 0 {
		t.Error("distinct instances of the same satellite compared equal")
	}
	if !a.SameSatellite(b) {
		t.Error("SameSatellite false for two instances of one satellite")
	}
}

func TestParseRoundTrip(t *testing.T) {
	original := New("aurora", "SAT-042")

	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != original {
		t.Errorf("parsed = %v, want %v", parsed, original)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, input := range []string{
		"",
		"aurora",
		"aurora/SAT-001",
		"/SAT-001/6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"aurora/SAT-001/not-a-uuid",
	} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", input)
		}
	}
}

func TestCBOREncodesAsTextString(t *testing.T) {
	original := New("aurora", "SAT-019")

	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded AgentID
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("decoded = %v, want %v", decoded, original)
	}

	// Major type 3 (text string) in the first byte: the ID must not
	// encode as a CBOR map of unexported fields.
	if data[0]>>5 != 3 {
		t.Errorf("CBOR major type = %d, want 3 (text string)", data[0]>>5)
	}
}
