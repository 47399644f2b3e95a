// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/skymesh-foundation/skymesh/swarm/identity"
)

func newTestBus(t *testing.T, serial string, link Link) *Bus {
	t.Helper()
	b, err := New(Options{
		Self:         identity.New("aurora", serial),
		Link:         link,
		AckTimeout:   100 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// recordingLink captures frames without delivering them.
type recordingLink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *recordingLink) Send(_ identity.AgentID, _ *identity.AgentID, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, frame)
	return nil
}

func (l *recordingLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// flakyLink fails the first n sends, then delegates.
type flakyLink struct {
	inner    Link
	mu       sync.Mutex
	failures int
	attempts int
}

func (l *flakyLink) Send(sender identity.AgentID, receiver *identity.AgentID, frame []byte) error {
	l.mu.Lock()
	l.attempts++
	fail := l.attempts <= l.failures
	l.mu.Unlock()
	if fail {
		return fmt.Errorf("link glitch")
	}
	if l.inner == nil {
		return nil
	}
	return l.inner.Send(sender, receiver, frame)
}

func TestPublishValidation(t *testing.T) {
	link := &recordingLink{}
	b := newTestBus(t, "SAT-001", link)
	ctx := context.Background()

	cases := []struct {
		name    string
		topic   string
		payload []byte
		qos     QoS
		want    error
	}{
		{"bad namespace", "telemetry/thermal", nil, FireForget, ErrInvalidTopic},
		{"empty remainder", "coord/", nil, FireForget, ErrInvalidTopic},
		{"wildcard in topic", "coord/*", nil, FireForget, ErrInvalidTopic},
		{"oversized payload", "health/summary", make([]byte, 10241), FireForget, ErrPayloadTooLarge},
		{"bad qos", "health/summary", nil, QoS(3), ErrBadQoS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := b.Publish(ctx, tc.topic, tc.payload, tc.qos)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if link.count() != 0 {
		t.Errorf("rejected publishes sent %d frames, want 0", link.count())
	}

	// Exactly at the ceiling is allowed.
	if err := b.Publish(ctx, "health/summary", make([]byte, 10240), FireForget); err != nil {
		t.Errorf("payload at the 10240 ceiling rejected: %v", err)
	}
}

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"coord/heartbeat", "coord/heartbeat", true},
		{"coord/heartbeat", "coord/vote_request", false},
		{"coord/*", "coord/heartbeat", true},
		{"coord/*", "control/action_command", false},
		{"*", "health/summary", true},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.filter, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	link := NewInProcLink()
	sender := newTestBus(t, "SAT-001", link)
	receiver := newTestBus(t, "SAT-002", link)

	var got []Message
	var mu sync.Mutex
	if _, err := receiver.Subscribe("coord/*", func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := []byte("term=4")
	if err := sender.Publish(context.Background(), TopicHeartbeat, payload, FireForget); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(got))
	}
	if got[0].Topic != TopicHeartbeat {
		t.Errorf("topic = %q, want %q", got[0].Topic, TopicHeartbeat)
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Errorf("payload = %q, want %q", got[0].Payload, payload)
	}
	if got[0].Sender != sender.Self() {
		t.Errorf("sender = %v, want %v", got[0].Sender, sender.Self())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	link := NewInProcLink()
	sender := newTestBus(t, "SAT-001", link)
	receiver := newTestBus(t, "SAT-002", link)

	calls := 0
	id, err := receiver.Subscribe("*", func(Message) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	receiver.Unsubscribe(id)

	if err := sender.Publish(context.Background(), "intent/maneuver", nil, FireForget); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 0 {
		t.Errorf("handler ran %d times after Unsubscribe", calls)
	}
}

func TestReceiverScopedMessageSkipsOthers(t *testing.T) {
	link := NewInProcLink()
	sender := newTestBus(t, "SAT-001", link)
	wanted := newTestBus(t, "SAT-002", link)
	other := newTestBus(t, "SAT-003", link)

	wantedCalls, otherCalls := 0, 0
	wanted.Subscribe("*", func(Message) { wantedCalls++ })
	other.Subscribe("*", func(Message) { otherCalls++ })

	err := sender.Publish(context.Background(), "control/action_command", nil, FireForget,
		WithReceiver(wanted.Self()))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if wantedCalls != 1 {
		t.Errorf("addressed receiver handler ran %d times, want 1", wantedCalls)
	}
	if otherCalls != 0 {
		t.Errorf("unaddressed bus handler ran %d times, want 0", otherCalls)
	}
}

func TestQoS1AckRoundTrip(t *testing.T) {
	link := NewInProcLink()
	sender := newTestBus(t, "SAT-001", link)
	newTestBus(t, "SAT-002", link) // receiver bus acks on arrival

	if err := sender.Publish(context.Background(), "coord/vote_request", nil, Acked); err != nil {
		t.Fatalf("QoS1 publish with a live receiver failed: %v", err)
	}
}

func TestQoS1AckTimeout(t *testing.T) {
	link := NewInProcLink()
	sender := newTestBus(t, "SAT-001", link)
	// No other bus attached: nobody acks.

	err := sender.Publish(context.Background(), "coord/vote_request", nil, Acked)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v, want ErrAckTimeout", err)
	}
	if m := sender.Metrics(); m.AckTimeouts != 1 {
		t.Errorf("AckTimeouts = %d, want 1", m.AckTimeouts)
	}
}

func TestQoS2RetriesTransportErrors(t *testing.T) {
	flaky := &flakyLink{failures: 2}
	b := newTestBus(t, "SAT-001", flaky)

	if err := b.Publish(context.Background(), "control/action_command", nil, Reliable); err != nil {
		t.Fatalf("QoS2 publish with 2 transient failures: %v", err)
	}
	if flaky.attempts != 3 {
		t.Errorf("attempts = %d, want 3", flaky.attempts)
	}
}

func TestQoS2SurfacesAfterRetriesExhausted(t *testing.T) {
	flaky := &flakyLink{failures: 10}
	b := newTestBus(t, "SAT-001", flaky)

	if err := b.Publish(context.Background(), "control/action_command", nil, Reliable); err == nil {
		t.Fatal("QoS2 publish succeeded with a dead link")
	}
	if flaky.attempts != reliableAttempts {
		t.Errorf("attempts = %d, want %d", flaky.attempts, reliableAttempts)
	}
}

func TestQoS2DeduplicatesOnMessageID(t *testing.T) {
	record := &recordingLink{}
	sender := newTestBus(t, "SAT-001", record)
	receiver := newTestBus(t, "SAT-002", record)

	calls := 0
	receiver.Subscribe("*", func(Message) { calls++ })

	if err := sender.Publish(context.Background(), "control/action_command", []byte("safe mode"), Reliable); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if record.count() != 1 {
		t.Fatalf("captured %d frames, want 1", record.count())
	}

	// The link replays the same frame twice.
	frame := record.frames[0]
	receiver.Deliver(frame)
	receiver.Deliver(frame)

	if calls != 1 {
		t.Errorf("handler ran %d times for a replayed frame, want 1", calls)
	}
	if m := receiver.Metrics(); m.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", m.Duplicates)
	}
}

func TestQoS0ReplayIsNotDeduplicated(t *testing.T) {
	record := &recordingLink{}
	sender := newTestBus(t, "SAT-001", record)
	receiver := newTestBus(t, "SAT-002", record)

	calls := 0
	receiver.Subscribe("*", func(Message) { calls++ })

	if err := sender.Publish(context.Background(), "health/summary", nil, FireForget); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	receiver.Deliver(record.frames[0])
	receiver.Deliver(record.frames[0])

	if calls != 2 {
		t.Errorf("handler ran %d times, want 2 (dedup applies to QoS2 only)", calls)
	}
}

func TestPartitionBlocksCrossGroupTraffic(t *testing.T) {
	link := NewInProcLink()
	a := newTestBus(t, "SAT-001", link)
	b := newTestBus(t, "SAT-002", link)
	c := newTestBus(t, "SAT-003", link)

	bCalls, cCalls := 0, 0
	b.Subscribe("*", func(Message) { bCalls++ })
	c.Subscribe("*", func(Message) { cCalls++ })

	link.Partition(
		[]identity.AgentID{a.Self(), b.Self()},
		[]identity.AgentID{c.Self()},
	)
	if err := a.Publish(context.Background(), "coord/heartbeat", nil, FireForget); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if bCalls != 1 || cCalls != 0 {
		t.Errorf("after partition: b=%d c=%d, want b=1 c=0", bCalls, cCalls)
	}

	link.Heal()
	if err := a.Publish(context.Background(), "coord/heartbeat", nil, FireForget); err != nil {
		t.Fatalf("Publish after heal: %v", err)
	}
	if cCalls != 1 {
		t.Errorf("after heal: c=%d, want 1", cCalls)
	}
}

func TestDeliverDropsDamagedFrames(t *testing.T) {
	b := newTestBus(t, "SAT-001", NewInProcLink())
	b.Deliver([]byte{0x01, 0x02, 0x03})

	if m := b.Metrics(); m.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", m.Dropped)
	}
}

func TestDedupWindowEvictsFIFO(t *testing.T) {
	w := newDedupWindow(2)

	if w.observe("a") {
		t.Error("first sighting of a reported duplicate")
	}
	if !w.observe("a") {
		t.Error("second sighting of a not reported duplicate")
	}
	w.observe("b")
	w.observe("c") // evicts a

	if w.observe("a") {
		t.Error("a survived eviction from a full window")
	}
}
