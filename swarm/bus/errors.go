// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "errors"

var (
	// ErrInvalidTopic reports a topic outside the health/, intent/,
	// coord/, control/ namespaces, or a malformed subscription filter.
	ErrInvalidTopic = errors.New("bus: invalid topic")

	// ErrPayloadTooLarge reports a payload above the link budget. The
	// message is rejected whole, never truncated.
	ErrPayloadTooLarge = errors.New("bus: payload exceeds link budget")

	// ErrBadQoS reports a QoS value outside 0..2.
	ErrBadQoS = errors.New("bus: unknown QoS tier")

	// ErrAckTimeout reports that no acknowledgment arrived within the
	// ack budget for a QoS 1 publish. The bus does not retry; the
	// caller decides.
	ErrAckTimeout = errors.New("bus: acknowledgment timeout")

	// ErrNoLink reports a publish on a bus that was never attached to
	// a link.
	ErrNoLink = errors.New("bus: no link attached")

	// ErrClosed reports an operation on a closed bus.
	ErrClosed = errors.New("bus: closed")
)
