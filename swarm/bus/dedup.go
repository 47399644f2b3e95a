// Copyright 2026 The Skymesh Authors
// SPDX-License-Identifier: Apache-2.0

package bus

// dedupWindow is a bounded set of recently seen (sender, message ID)
// keys with FIFO eviction. When the window is full, the oldest key is
// forgotten; a replay older than the window will be processed again,
// which the idempotent proposal/action keying above the bus absorbs.
//
// Not safe for concurrent use; the Bus serializes access under its
// mutex.
type dedupWindow struct {
	capacity int
	seen     map[string]struct{}
	order    []string
	next     int
}

func newDedupWindow(capacity int) *dedupWindow {
	return &dedupWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// observe records key and reports whether it was already present.
func (w *dedupWindow) observe(key string) (duplicate bool) {
	if _, ok := w.seen[key]; ok {
		return true
	}
	if evicted := w.order[w.next]; evicted != "" {
		delete(w.seen, evicted)
	}
	w.order[w.next] = key
	w.next = (w.next + 1) % w.capacity
	w.seen[key] = struct{}{}
	return false
}
