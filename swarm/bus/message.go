// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

// QoS selects the delivery guarantee for one message.
type QoS uint8

const (
	// FireForget is best effort: no acknowledgment, no retry.
	FireForget QoS = 0
	// Acked blocks the publisher until a receiver acknowledges.
	Acked QoS = 1
	// Reliable retries transport errors and deduplicates on the
	// receiving side for at-least-once, at-most-once-processed
	// delivery.
	Reliable QoS = 2
)

// Valid reports whether q is one of the three defined tiers.
func (q QoS) Valid() bool { return q <= Reliable }

// Topic namespace roots. Every topic must live under exactly one.
const (
	TopicHealth  = "health/"
	TopicIntent  = "intent/"
	TopicCoord   = "coord/"
	TopicControl = "control/"
)

// Coordination topics used by the election and consensus engines.
const (
	TopicHeartbeat       = "coord/heartbeat"
	TopicVoteRequest     = "coord/vote_request"
	TopicVoteGrant       = "coord/vote_grant"
	TopicVoteDeny        = "coord/vote_deny"
	TopicProposalRequest = "coord/proposal_request"
	TopicActionApproved  = "coord/action_approved"
)

// Control topics used by the action propagator.
const (
	TopicActionCommand   = "control/action_command"
	TopicActionCompleted = "control/action_completed"
)

// Message is one message on the bus. Constructed by Publish, immutable
// afterwards.
type Message struct {
	Topic     string            `cbor:"topic"`
	Payload   []byte            `cbor:"payload"`
	Sender    identity.AgentID  `cbor:"sender"`
	QoS       QoS               `cbor:"qos"`
	Timestamp time.Time         `cbor:"timestamp"`
	Sequence  uint64            `cbor:"sequence"`
	MessageID uuid.UUID         `cbor:"message_id"`
	Receiver  *identity.AgentID `cbor:"receiver,omitempty"`
}

// ValidTopic reports whether topic is under a known namespace root
// with a non-empty remainder.
func ValidTopic(topic string) bool {
	for _, root := range []string{TopicHealth, TopicIntent, TopicCoord, TopicControl} {
		if rest, ok := strings.CutPrefix(topic, root); ok {
			return rest != "" && !strings.Contains(rest, "*")
		}
	}
	return false
}

// MatchTopic reports whether topic matches filter. Filters are an
// exact topic, "prefix/*", or the universal "*".
func MatchTopic(filter, topic string) bool {
	if filter == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, "/*"); ok {
		return strings.HasPrefix(topic, prefix+"/")
	}
	return filter == topic
}

// ValidFilter reports whether filter is one of the supported forms.
func ValidFilter(filter string) bool {
	if filter == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(filter, "/*"); ok {
		return prefix != "" && !strings.Contains(prefix, "*")
	}
	return ValidTopic(filter)
}
