// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines agent identity for the constellation.
//
// An AgentID names one running agent instance: the constellation it
// belongs to, the satellite's serial, and a per-boot instance UUID.
// IDs are immutable after construction and totally ordered by serial,
// which is what election tie-breaking relies on.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentID identifies one agent instance. The zero value is invalid;
// construct with New or Parse.
type AgentID struct {
	// Constellation groups satellites flying the same mission.
	Constellation string
	// Serial is the satellite's hardware serial, unique within the
	// constellation. Election ties break on its lexicographic order.
	Serial string
	// Instance distinguishes reboots of the same satellite.
	Instance uuid.UUID
}

// New returns an AgentID with a fresh instance UUID.
func New(constellation, serial string) AgentID {
	return AgentID{
		Constellation: constellation,
		Serial:        serial,
		Instance:      uuid.New(),
	}
}

// IsZero reports whether the ID is the invalid zero value.
func (id AgentID) IsZero() bool {
	return id.Constellation == "" && id.Serial == "" && id.Instance == uuid.Nil
}

// Compare orders IDs lexicographically by serial, falling back to
// constellation and instance so distinct IDs never compare equal.
// Returns -1, 0, or 1.
func (id AgentID) Compare(other AgentID) int {
	if c := strings.Compare(id.Serial, other.Serial); c != 0 {
		return c
	}
	if c := strings.Compare(id.Constellation, other.Constellation); c != 0 {
		return c
	}
	return strings.Compare(id.Instance.String(), other.Instance.String())
}

// SameSatellite reports whether both IDs name the same physical
// satellite, ignoring the instance UUID.
func (id AgentID) SameSatellite(other AgentID) bool {
	return id.Constellation == other.Constellation && id.Serial == other.Serial
}

// String renders "constellation/serial/instance".
func (id AgentID) String() string {
	return id.Constellation + "/" + id.Serial + "/" + id.Instance.String()
}

// MarshalText implements encoding.TextMarshaler so the ID serializes
// as a single CBOR/JSON text string.
func (id AgentID) MarshalText() ([]byte, error) {
	if id.Constellation == "" || id.Serial == "" {
		return nil, fmt.Errorf("identity: cannot marshal incomplete AgentID %+v", id)
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AgentID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse reads the "constellation/serial/instance" form produced by
// String.
func Parse(s string) (AgentID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return AgentID{}, fmt.Errorf("identity: malformed AgentID %q", s)
	}
	instance, err := uuid.Parse(parts[2])
	if err != nil {
		return AgentID{}, fmt.Errorf("identity: bad instance UUID in %q: %w", s, err)
	}
	return AgentID{Constellation: parts[0], Serial: parts[1], Instance: instance}, nil
}
