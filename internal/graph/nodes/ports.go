/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nodes

import (
	"sync"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
)

// outputPort is a node's producing side for one medium: it satisfies
// bridge.Sink so a StreamBridge can attach to it. A live pipeline (or a
// test) calls emit/emitEOS to drive samples through whatever bridge is
// currently attached.
type outputPort struct {
	mu       sync.Mutex
	sampleCB func(bridge.Sample)
	eosCB    func()
}

func newOutputPort() *outputPort { return &outputPort{} }

func (p *outputPort) OnSample(cb func(bridge.Sample)) func() {
	p.mu.Lock()
	p.sampleCB = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.sampleCB = nil
		p.mu.Unlock()
	}
}

func (p *outputPort) OnEOS(cb func()) func() {
	p.mu.Lock()
	p.eosCB = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.eosCB = nil
		p.mu.Unlock()
	}
}

func (p *outputPort) emit(sample bridge.Sample) {
	p.mu.Lock()
	cb := p.sampleCB
	p.mu.Unlock()
	if cb != nil {
		cb(sample)
	}
}

func (p *outputPort) emitEOS() {
	p.mu.Lock()
	cb := p.eosCB
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// inputPort is a node's consuming side for one medium/slot: it satisfies
// bridge.Consumer. It records what it has received so kind implementations
// and tests can introspect delivered caps/samples.
type inputPort struct {
	mu         sync.Mutex
	caps       string
	received   int
	eos        bool
	forward    func(bridge.Sample) error
	forwardEOS func() error
}

func newInputPort() *inputPort { return &inputPort{} }

func (p *inputPort) SetCaps(caps string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = caps
}

// bindForward wires this port to a live pipeline's SampleSink so a pushed
// sample actually reaches the real appsrc a node's construct() declared,
// instead of only incrementing the received counter below.
func (p *inputPort) bindForward(push func(bridge.Sample) error, pushEOS func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forward = push
	p.forwardEOS = pushEOS
}

func (p *inputPort) Push(s bridge.Sample) error {
	p.mu.Lock()
	p.received++
	forward := p.forward
	p.mu.Unlock()
	if forward != nil {
		return forward(s)
	}
	return nil
}

func (p *inputPort) PushEOS() {
	p.mu.Lock()
	p.eos = true
	forwardEOS := p.forwardEOS
	p.mu.Unlock()
	if forwardEOS != nil {
		_ = forwardEOS()
	}
}

func (p *inputPort) Caps() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

func (p *inputPort) Received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}
