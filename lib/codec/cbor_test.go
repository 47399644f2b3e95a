// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func TestMarshalDeterministic(t *testing.T) {
	// Two maps built in different insertion orders must encode to
	// identical bytes, or dedup by message digest breaks.
	a := map[string]any{"action": "enter_safe_mode", "priority": int64(0), "score": 0.92}
	b := map[string]any{"score": 0.92, "priority": int64(0), "action": "enter_safe_mode"}

	ea, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	eb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(ea, eb) {
		t.Errorf("insertion order changed the encoding: %x vs %x", ea, eb)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	in := map[string]any{
		"reason": "risk threshold exceeded",
		"nested": map[string]any{"depth": int64(2)},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %#v, want %#v", out, in)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// A newer agent version may add fields; older decoders must not
	// choke on them.
	type v2 struct {
		Action string `cbor:"action"`
		Extra  string `cbor:"extra"`
	}
	type v1 struct {
		Action string `cbor:"action"`
	}

	data, err := Marshal(v2{Action: "adjust_attitude", Extra: "future"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got v1
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Action != "adjust_attitude" {
		t.Errorf("Action = %q, want %q", got.Action, "adjust_attitude")
	}
}

func TestTimeRoundTripsWithSubsecondPrecision(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	in := stamped{At: time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out stamped
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !out.At.Equal(in.At) {
		t.Errorf("At = %v, want %v", out.At, in.At)
	}
}
