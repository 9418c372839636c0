/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge implements the per-(producer, medium) sample fan-out that
// copies every buffer produced by one sink to a dynamic set of consuming
// sources, with a sticky caps cache so late-joining consumers inherit the
// producer's current format.
package bridge

import "sync"

// Sample is one buffer produced by a sink, tagged with its current caps
// string (the streaming framework's negotiated format description).
type Sample struct {
	Caps string
	Data []byte
}

// Sink is the producing side a Bridge attaches to. Exactly one sink is
// attached at a time; attaching a new one detaches the previous.
type Sink interface {
	// OnSample registers cb to run for every sample the sink produces and
	// returns a function that unregisters it.
	OnSample(cb func(Sample)) (unregister func())
	// OnEOS registers cb to run when the sink reaches end-of-stream and
	// returns a function that unregisters it.
	OnEOS(cb func()) (unregister func())
}

// Consumer is one fan-out target. Push failures evict the consumer from
// the bridge; it is not an error for a consumer to vanish between a
// snapshot and the push that follows it.
type Consumer interface {
	SetCaps(caps string)
	Push(sample Sample) error
	PushEOS()
}

// Bridge is a per-(producer, medium) fan-out. The zero value is not
// usable; construct with New.
type Bridge struct {
	mu               sync.Mutex
	consumers        map[string]Consumer
	cachedCaps       string
	hasCaps          bool
	unregisterSample func()
	unregisterEOS    func()
}

// New creates an empty bridge with no attached sink and no consumers.
func New() *Bridge {
	return &Bridge{consumers: make(map[string]Consumer)}
}

// AttachSink makes sink the sole producer, detaching and unregistering any
// prior producer and clearing the sticky caps cache so the new producer's
// format is treated as unseen.
func (b *Bridge) AttachSink(sink Sink) {
	b.mu.Lock()
	prevSample, prevEOS := b.unregisterSample, b.unregisterEOS
	b.unregisterSample, b.unregisterEOS = nil, nil
	b.cachedCaps, b.hasCaps = "", false
	b.mu.Unlock()

	if prevSample != nil {
		prevSample()
	}
	if prevEOS != nil {
		prevEOS()
	}

	unregSample := sink.OnSample(b.onSample)
	unregEOS := sink.OnEOS(b.onEOS)

	b.mu.Lock()
	b.unregisterSample, b.unregisterEOS = unregSample, unregEOS
	b.mu.Unlock()
}

// AddConsumer records c under id and, if a sample has already been seen,
// immediately propagates the cached caps to it.
func (b *Bridge) AddConsumer(id string, c Consumer) {
	b.mu.Lock()
	b.consumers[id] = c
	caps, hasCaps := b.cachedCaps, b.hasCaps
	b.mu.Unlock()

	if hasCaps {
		c.SetCaps(caps)
	}
}

// RemoveConsumer unregisters the consumer known by id, if any.
func (b *Bridge) RemoveConsumer(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, id)
}

// ConsumerCount reports how many consumers are currently bound.
func (b *Bridge) ConsumerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// ConsumerIDs reports the ids currently bound, for synchronizers that
// need to reconcile bridge membership against some other source of truth
// (the node manager's link table).
func (b *Bridge) ConsumerIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.consumers))
	for id := range b.consumers {
		ids = append(ids, id)
	}
	return ids
}

// Clear removes every consumer, clears the cached caps, and detaches the
// current producer.
func (b *Bridge) Clear() {
	b.mu.Lock()
	prevSample, prevEOS := b.unregisterSample, b.unregisterEOS
	b.unregisterSample, b.unregisterEOS = nil, nil
	b.consumers = make(map[string]Consumer)
	b.cachedCaps, b.hasCaps = "", false
	b.mu.Unlock()

	if prevSample != nil {
		prevSample()
	}
	if prevEOS != nil {
		prevEOS()
	}
}

// onSample is the sink callback: it snapshots the consumer set and cached
// caps under the mutex, then pushes outside the lock so a slow or blocked
// consumer never stalls the producer thread.
func (b *Bridge) onSample(sample Sample) {
	b.mu.Lock()
	capsChanged := !b.hasCaps || b.cachedCaps != sample.Caps
	if capsChanged {
		b.cachedCaps, b.hasCaps = sample.Caps, true
	}
	snapshot := make(map[string]Consumer, len(b.consumers))
	for id, c := range b.consumers {
		snapshot[id] = c
	}
	b.mu.Unlock()

	if capsChanged {
		for _, c := range snapshot {
			c.SetCaps(sample.Caps)
		}
	}
	for id, c := range snapshot {
		if err := c.Push(sample); err != nil {
			b.RemoveConsumer(id)
		}
	}
}

func (b *Bridge) onEOS() {
	b.mu.Lock()
	snapshot := make(map[string]Consumer, len(b.consumers))
	for id, c := range b.consumers {
		snapshot[id] = c
	}
	b.mu.Unlock()

	for _, c := range snapshot {
		c.PushEOS()
	}
}
