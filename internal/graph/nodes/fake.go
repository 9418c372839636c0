/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nodes

import (
	"sync"
	"time"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
)

// FakePipeline records every Add/Link/SetState/Close call without spawning
// a process, mirroring the teacher's preference for dependency injection
// at the pipeline boundary over hidden globals (gstreamer.go's
// callback-based design). It is exported so both this package's tests and
// internal/graph/manager's tests can substitute it for the real
// mediaengine.Process.
type FakePipeline struct {
	mu sync.Mutex

	Name     string
	Elements []string
	Links    [][2]string
	States   []PipelineState
	Closed   bool

	busQueue []BusMessage

	unblockCalls int
	eosCalls     int

	// Properties records every SetProperty call, keyed "target.key".
	Properties map[string]any

	// outputTaps/outputEOS record BindOutput registrations so a test can
	// drive EmitSample/EmitEOS to simulate the real subprocess producing a
	// buffer, exercising the same outputPort.emit/emitEOS path
	// mediaengine.Process drives in production.
	outputTaps map[string]func(bridge.Sample)
	outputEOS  map[string]func()

	// PushedSamples/PushedEOS record every PushSample/PushEOS call a
	// bound input received, keyed by element name.
	PushedSamples map[string][]bridge.Sample
	PushedEOS     []string
}

func (f *FakePipeline) BindOutput(elementName string, onSample func(bridge.Sample), onEOS func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputTaps == nil {
		f.outputTaps = make(map[string]func(bridge.Sample))
	}
	if f.outputEOS == nil {
		f.outputEOS = make(map[string]func())
	}
	f.outputTaps[elementName] = onSample
	f.outputEOS[elementName] = onEOS
	return nil
}

func (f *FakePipeline) BindInput(elementName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushedSamples == nil {
		f.PushedSamples = make(map[string][]bridge.Sample)
	}
	if _, ok := f.PushedSamples[elementName]; !ok {
		f.PushedSamples[elementName] = nil
	}
	return nil
}

func (f *FakePipeline) PushSample(elementName string, sample bridge.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PushedSamples[elementName] = append(f.PushedSamples[elementName], sample)
	return nil
}

func (f *FakePipeline) PushEOS(elementName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PushedEOS = append(f.PushedEOS, elementName)
	return nil
}

// EmitSample drives a bound output tap as if the real subprocess had just
// produced a buffer on that element.
func (f *FakePipeline) EmitSample(elementName string, sample bridge.Sample) {
	f.mu.Lock()
	cb := f.outputTaps[elementName]
	f.mu.Unlock()
	if cb != nil {
		cb(sample)
	}
}

// EmitEOS drives a bound output tap's end-of-stream callback.
func (f *FakePipeline) EmitEOS(elementName string) {
	f.mu.Lock()
	cb := f.outputEOS[elementName]
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *FakePipeline) SetProperty(target, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Properties == nil {
		f.Properties = make(map[string]any)
	}
	f.Properties[target+"."+key] = value
	return nil
}

func (f *FakePipeline) Unblock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unblockCalls++
	return nil
}

func (f *FakePipeline) SendEOS() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eosCalls++
	return nil
}

// NewFakePipelineFactory returns a PipelineFactory that hands out fresh
// FakePipeline values, recorded in pipelines for later inspection.
func NewFakePipelineFactory(pipelines *[]*FakePipeline) PipelineFactory {
	return func(name string) Pipeline {
		p := &FakePipeline{Name: name}
		*pipelines = append(*pipelines, p)
		return p
	}
}

func (f *FakePipeline) Add(elementDescription string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Elements = append(f.Elements, elementDescription)
	return nil
}

func (f *FakePipeline) Link(a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Links = append(f.Links, [2]string{a, b})
	return nil
}

func (f *FakePipeline) SetState(state PipelineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.States = append(f.States, state)
	return nil
}

// PushBusMessage enqueues a message a later BusPoll call will observe; test
// code uses this to simulate EOS/error telemetry.
func (f *FakePipeline) PushBusMessage(msg BusMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busQueue = append(f.busQueue, msg)
}

func (f *FakePipeline) BusPoll(_ time.Duration, filter func(BusMessage) bool) (BusMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, msg := range f.busQueue {
		if filter == nil || filter(msg) {
			f.busQueue = append(f.busQueue[:i], f.busQueue[i+1:]...)
			return msg, true
		}
	}
	return BusMessage{}, false
}

func (f *FakePipeline) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// LastState reports the most recent SetState call's argument, or
// PipelineStateNull if none was made.
func (f *FakePipeline) LastState() PipelineState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.States) == 0 {
		return PipelineStateNull
	}
	return f.States[len(f.States)-1]
}
