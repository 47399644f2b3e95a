// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes with Core Deterministic Encoding: sorted map keys,
// smallest integer forms, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility across agent software versions.
var decMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	// identity.AgentID implements encoding.TextMarshaler; without this
	// setting its unexported fields would encode as an empty map.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	// The wire contract states timestamps as RFC 3339 text, not epoch
	// numbers.
	encOptions.Time = cbor.TimeRFC3339Nano

	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Params maps are declared map[string]any; any-typed targets
		// must decode to string-keyed maps, not the CBOR default
		// map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		// CBOR encodes non-negative integers as a distinct major type;
		// without this, an int64 written into params comes back uint64.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to defer decoding of
// message payloads until the topic is known.
type RawMessage = cbor.RawMessage
