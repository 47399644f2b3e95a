// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package propagate

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
	"github.com/skymesh-foundation/skymesh/swarm/policy"
)

// ActionCommand is a leader's instruction to a set of target agents.
type ActionCommand struct {
	ActionID        uuid.UUID
	Action          string
	Params          map[string]any
	Targets         []identity.AgentID
	DeadlineSeconds int
	Priority        policy.Priority
	Issuer          identity.AgentID
}

// ToMap renders the command as plain types for logging, diagnostics,
// and ground-station export.
func (c ActionCommand) ToMap() map[string]any {
	targets := make([]string, len(c.Targets))
	for i, id := range c.Targets {
		targets[i] = id.String()
	}
	return map[string]any{
		"action_id":        c.ActionID.String(),
		"action":           c.Action,
		"params":           c.Params,
		"targets":          targets,
		"deadline_seconds": c.DeadlineSeconds,
		"priority":         c.Priority.String(),
		"issuer":           c.Issuer.String(),
	}
}

// FromMap rebuilds a command produced by ToMap.
func FromMap(m map[string]any) (ActionCommand, error) {
	var cmd ActionCommand

	rawID, ok := m["action_id"].(string)
	if !ok {
		return cmd, fmt.Errorf("propagate: map missing action_id")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return cmd, fmt.Errorf("propagate: parsing action_id: %w", err)
	}
	cmd.ActionID = id

	if cmd.Action, ok = m["action"].(string); !ok {
		return cmd, fmt.Errorf("propagate: map missing action")
	}
	cmd.Params, _ = m["params"].(map[string]any)

	rawTargets, ok := m["targets"].([]string)
	if !ok {
		return cmd, fmt.Errorf("propagate: map missing targets")
	}
	if len(rawTargets) == 0 {
		return cmd, fmt.Errorf("propagate: command has no targets")
	}
	for _, raw := range rawTargets {
		target, err := identity.Parse(raw)
		if err != nil {
			return cmd, fmt.Errorf("propagate: parsing target: %w", err)
		}
		cmd.Targets = append(cmd.Targets, target)
	}

	switch v := m["deadline_seconds"].(type) {
	case int:
		cmd.DeadlineSeconds = v
	case int64:
		cmd.DeadlineSeconds = int(v)
	case uint64:
		cmd.DeadlineSeconds = int(v)
	case float64:
		cmd.DeadlineSeconds = int(v)
	default:
		return cmd, fmt.Errorf("propagate: map missing deadline_seconds")
	}

	rawPriority, ok := m["priority"].(string)
	if !ok {
		return cmd, fmt.Errorf("propagate: map missing priority")
	}
	if cmd.Priority, err = policy.ParsePriority(rawPriority); err != nil {
		return cmd, err
	}

	rawIssuer, ok := m["issuer"].(string)
	if !ok {
		return cmd, fmt.Errorf("propagate: map missing issuer")
	}
	if cmd.Issuer, err = identity.Parse(rawIssuer); err != nil {
		return cmd, fmt.Errorf("propagate: parsing issuer: %w", err)
	}
	return cmd, nil
}

// commandWire is the bus representation of ActionCommand.
type commandWire struct {
	ActionID        uuid.UUID          `cbor:"action_id"`
	Action          string             `cbor:"action"`
	Params          map[string]any     `cbor:"params,omitempty"`
	Targets         []identity.AgentID `cbor:"targets"`
	DeadlineSeconds int                `cbor:"deadline_seconds"`
	Priority        int                `cbor:"priority"`
	Issuer          identity.AgentID   `cbor:"issuer"`
}

func (c ActionCommand) wire() commandWire {
	return commandWire{
		ActionID:        c.ActionID,
		Action:          c.Action,
		Params:          c.Params,
		Targets:         c.Targets,
		DeadlineSeconds: c.DeadlineSeconds,
		Priority:        int(c.Priority),
		Issuer:          c.Issuer,
	}
}

func (w commandWire) command() ActionCommand {
	return ActionCommand{
		ActionID:        w.ActionID,
		Action:          w.Action,
		Params:          w.Params,
		Targets:         w.Targets,
		DeadlineSeconds: w.DeadlineSeconds,
		Priority:        policy.Priority(w.Priority),
		Issuer:          w.Issuer,
	}
}

// reportWire is a target's completion report.
type reportWire struct {
	ActionID uuid.UUID        `cbor:"action_id"`
	Agent    identity.AgentID `cbor:"agent"`
	Status   string           `cbor:"status"`
	Detail   string           `cbor:"detail,omitempty"`
}
