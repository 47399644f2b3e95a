// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skymesh-foundation/skymesh/lib/clock"
	"github.com/skymesh-foundation/skymesh/lib/codec"
	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

// Handler receives delivered messages. Handlers run synchronously on
// the delivering goroutine and must not block; protocol components
// enqueue into their own event channel and return.
type Handler func(Message)

// SubscriptionID names one active subscription.
type SubscriptionID uint64

// reliableAttempts is the QoS 2 transport retry budget.
const reliableAttempts = 3

// Options configures a Bus. Self, Link, Clock, and Logger are
// required; zero limits fall back to the protocol defaults.
type Options struct {
	Self   identity.AgentID
	Link   Link
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxPayloadBytes is the hard payload ceiling (default 10240).
	MaxPayloadBytes int

	// DedupWindow is the QoS 2 recent-message window capacity
	// (default 1000).
	DedupWindow int

	// AckTimeout bounds the QoS 1 wait (default 2s).
	AckTimeout time.Duration

	// Latency is an artificial pre-delivery delay for link modeling
	// (default 0).
	Latency time.Duration

	// RetryBackoff is the base of the QoS 2 linear backoff: attempt n
	// waits n x RetryBackoff (default 100ms).
	RetryBackoff time.Duration
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Duplicates  uint64
	AckTimeouts uint64
	Rejected    uint64
}

// Bus is one agent's endpoint on the swarm transport. Safe for
// concurrent use.
type Bus struct {
	self    identity.AgentID
	link    Link
	clock   clock.Clock
	logger  *slog.Logger
	limits  Options
	seq     uint64
	metrics Metrics

	mu          sync.Mutex
	closed      bool
	nextSub     SubscriptionID
	subs        map[SubscriptionID]subscription
	dedup       *dedupWindow
	pendingAcks map[uuid.UUID]chan identity.AgentID
}

type subscription struct {
	filter  string
	handler Handler
}

// New constructs a Bus and attaches it to the link.
func New(opts Options) (*Bus, error) {
	if opts.Self.IsZero() {
		return nil, fmt.Errorf("bus: Self is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 10240
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 1000
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 2 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}

	b := &Bus{
		self:        opts.Self,
		link:        opts.Link,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "bus", "agent", opts.Self.Serial),
		limits:      opts,
		subs:        make(map[SubscriptionID]subscription),
		dedup:       newDedupWindow(opts.DedupWindow),
		pendingAcks: make(map[uuid.UUID]chan identity.AgentID),
	}
	if attacher, ok := opts.Link.(*InProcLink); ok {
		attacher.Attach(b.self, b.Deliver)
	}
	return b, nil
}

// Self returns the owning agent's identity.
func (b *Bus) Self() identity.AgentID { return b.self }

// PublishOption modifies one publish call.
type PublishOption func(*Message)

// WithReceiver addresses the message to a single agent instead of
// broadcasting.
func WithReceiver(id identity.AgentID) PublishOption {
	return func(m *Message) { m.Receiver = &id }
}

// Publish validates, stamps, and transmits one message. Validation
// failures (topic, size, QoS) are synchronous errors and nothing is
// sent. Behavior past validation depends on the QoS tier; see the
// package documentation.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, qos QoS, opts ...PublishOption) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.link == nil {
		b.mu.Unlock()
		return ErrNoLink
	}
	if !ValidTopic(topic) {
		b.metrics.Rejected++
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(payload) > b.limits.MaxPayloadBytes {
		b.metrics.Rejected++
		b.mu.Unlock()
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), b.limits.MaxPayloadBytes)
	}
	if !qos.Valid() {
		b.metrics.Rejected++
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrBadQoS, qos)
	}
	b.seq++
	msg := Message{
		Topic:     topic,
		Payload:   payload,
		Sender:    b.self,
		QoS:       qos,
		Timestamp: b.clock.Now(),
		Sequence:  b.seq,
		MessageID: uuid.New(),
	}
	b.mu.Unlock()

	for _, opt := range opts {
		opt(&msg)
	}

	frame, err := encodeEnvelope(envelope{Kind: kindMessage, Message: &msg})
	if err != nil {
		return fmt.Errorf("bus: encoding message: %w", err)
	}

	switch qos {
	case FireForget:
		if err := b.link.Send(b.self, msg.Receiver, frame); err != nil {
			// Fire-forget means the loss is not the caller's problem.
			b.logger.Debug("fire-forget send failed", "topic", topic, "error", err)
		}
	case Acked:
		if err := b.publishAcked(ctx, &msg, frame); err != nil {
			return err
		}
	case Reliable:
		if err := b.publishReliable(&msg, frame); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.metrics.Published++
	b.mu.Unlock()
	return nil
}

// publishAcked sends once and waits, bounded by the ack timeout, for
// any receiving bus to acknowledge. No retry at this tier.
func (b *Bus) publishAcked(ctx context.Context, msg *Message, frame []byte) error {
	ackCh := make(chan identity.AgentID, 1)
	b.mu.Lock()
	b.pendingAcks[msg.MessageID] = ackCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pendingAcks, msg.MessageID)
		b.mu.Unlock()
	}()

	if err := b.link.Send(b.self, msg.Receiver, frame); err != nil {
		return fmt.Errorf("bus: qos1 send on %s: %w", msg.Topic, err)
	}

	select {
	case from := <-ackCh:
		b.logger.Debug("ack received", "topic", msg.Topic, "from", from.Serial)
		return nil
	case <-b.clock.After(b.limits.AckTimeout):
		b.mu.Lock()
		b.metrics.AckTimeouts++
		b.mu.Unlock()
		return fmt.Errorf("%w: %s after %v", ErrAckTimeout, msg.Topic, b.limits.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishReliable retries transport errors with linear backoff.
// Receiver-side deduplication absorbs any duplicate deliveries from a
// partially-successful attempt.
func (b *Bus) publishReliable(msg *Message, frame []byte) error {
	var lastErr error
	for attempt := 1; attempt <= reliableAttempts; attempt++ {
		lastErr = b.link.Send(b.self, msg.Receiver, frame)
		if lastErr == nil {
			return nil
		}
		b.logger.Warn("reliable send failed",
			"topic", msg.Topic,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt < reliableAttempts {
			b.clock.Sleep(time.Duration(attempt) * b.limits.RetryBackoff)
		}
	}
	return fmt.Errorf("bus: qos2 send on %s exhausted %d attempts: %w", msg.Topic, reliableAttempts, lastErr)
}

// Subscribe registers handler for topics matching filter (exact topic,
// "prefix/*", or "*").
func (b *Bus) Subscribe(filter string, handler Handler) (SubscriptionID, error) {
	if !ValidFilter(filter) {
		return 0, fmt.Errorf("%w: filter %q", ErrInvalidTopic, filter)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.nextSub++
	id := b.nextSub
	b.subs[id] = subscription{filter: filter, handler: handler}
	return id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Deliver is the link-facing entry point: one frame from the wire.
func (b *Bus) Deliver(frame []byte) {
	body, err := codec.DecodeFrame(frame)
	if err != nil {
		b.countDrop()
		b.logger.Warn("dropping damaged frame", "error", err)
		return
	}
	var env envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		b.countDrop()
		b.logger.Warn("dropping undecodable envelope", "error", err)
		return
	}

	switch env.Kind {
	case kindAck:
		b.handleAck(env)
	case kindMessage:
		if env.Message != nil {
			b.handleMessage(*env.Message)
		}
	default:
		b.countDrop()
		b.logger.Warn("dropping unknown envelope kind", "kind", env.Kind)
	}
}

func (b *Bus) handleAck(env envelope) {
	if env.AckFor == nil || env.AckFrom == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.pendingAcks[*env.AckFor]
	b.mu.Unlock()
	if !ok {
		// Ack for a publish that already timed out or was cancelled.
		return
	}
	select {
	case ch <- *env.AckFrom:
	default:
	}
}

func (b *Bus) handleMessage(msg Message) {
	if msg.Receiver != nil && *msg.Receiver != b.self {
		// Addressed to someone else; the link broadcast it anyway.
		return
	}

	if b.limits.Latency > 0 {
		b.clock.Sleep(b.limits.Latency)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if msg.QoS == Reliable {
		key := msg.Sender.String() + "|" + msg.MessageID.String()
		if b.dedup.observe(key) {
			b.metrics.Duplicates++
			b.mu.Unlock()
			return
		}
	}
	handlers := make([]Handler, 0, 4)
	for _, sub := range b.subs {
		if MatchTopic(sub.filter, msg.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.metrics.Delivered++
	b.mu.Unlock()

	// QoS 1 acknowledges arrival at this bus, independent of whether
	// anything here subscribes to the topic.
	if msg.QoS == Acked {
		b.sendAck(msg)
	}

	for _, handler := range handlers {
		handler(msg)
	}
}

func (b *Bus) sendAck(msg Message) {
	frame, err := encodeEnvelope(envelope{
		Kind:    kindAck,
		AckFor:  &msg.MessageID,
		AckFrom: &b.self,
	})
	if err != nil {
		b.logger.Error("encoding ack", "error", err)
		return
	}
	if err := b.link.Send(b.self, &msg.Sender, frame); err != nil {
		b.logger.Warn("ack send failed", "to", msg.Sender.Serial, "error", err)
	}
}

// Metrics returns a snapshot of the counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Close detaches the bus. Subsequent publishes and deliveries are
// rejected; in-flight ack waits resolve by timeout.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = map[SubscriptionID]subscription{}
}

func (b *Bus) countDrop() {
	b.mu.Lock()
	b.metrics.Dropped++
	b.mu.Unlock()
}

// Envelope kinds on the wire.
const (
	kindMessage = "message"
	kindAck     = "ack"
)

// envelope is the wire frame body: either a message or an ack. The
// ack fields are pointers so a message envelope omits them entirely
// (a zero AgentID refuses to marshal).
type envelope struct {
	Kind    string            `cbor:"kind"`
	Message *Message          `cbor:"message,omitempty"`
	AckFor  *uuid.UUID        `cbor:"ack_for,omitempty"`
	AckFrom *identity.AgentID `cbor:"ack_from,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	body, err := codec.Marshal(env)
	if err != nil {
		return nil, err
	}
	return codec.EncodeFrame(body), nil
}
