/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package nodes implements the four media-graph node kinds (source,
// destination, mixer, video-generator): their capability flags, wall-clock
// schedule state machines, declarative pipeline profiles, and
// introspection projections. Node kinds depend on the streaming framework
// only through the Pipeline interface, so headless tests substitute a
// recording stub for the real thing.
package nodes

import (
	"time"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
)

// PipelineState mirrors the three states a streaming pipeline can be set
// to: torn down, prerolled-but-not-flowing, and flowing.
type PipelineState string

const (
	PipelineStateNull    PipelineState = "null"
	PipelineStatePaused  PipelineState = "paused"
	PipelineStatePlaying PipelineState = "playing"
)

// BusMessageKind discriminates the bus messages a refresh cares about.
type BusMessageKind string

const (
	BusMessageNone  BusMessageKind = ""
	BusMessageEOS   BusMessageKind = "eos"
	BusMessageError BusMessageKind = "error"
)

// BusMessage is one message observed on a pipeline's bus.
type BusMessage struct {
	Kind BusMessageKind
	Text string
}

// Pipeline is the abstract live streaming pipeline dependency injected into
// every node kind. A concrete implementation (internal/mediaengine) drives
// a real GStreamer subprocess; tests substitute a recording stub.
type Pipeline interface {
	// Add appends one element, described the way gst-launch-1.0 would
	// describe it (e.g. "videotestsrc pattern=ball is-live=true"), to the
	// pipeline under construction.
	Add(elementDescription string) error
	// Link records that the output of element a feeds the input of
	// element b. Implementations may defer actual linking until SetState.
	Link(a, b string) error
	// SetState drives the pipeline towards the given state.
	SetState(state PipelineState) error
	// SendEOS pushes end-of-stream into the pipeline's application-source
	// elements, used by Destination's Stopping teardown (§4.4).
	SendEOS() error
	// BusPoll waits up to timeout for a bus message matching filter (nil
	// matches any message) and reports whether one arrived.
	BusPoll(timeout time.Duration, filter func(BusMessage) bool) (BusMessage, bool)
	// Close tears down any underlying process or resource. SetState(null)
	// should already have been called; Close is the final release.
	Close() error
}

// PipelineFactory constructs a fresh, unstarted Pipeline for one node. name
// is used for logging and for naming any underlying subprocess.
type PipelineFactory func(name string) Pipeline

// PropertySetter is an optional Pipeline capability for reconciling a
// named element or request pad's property after construction — used by
// Mixer to re-apply slot pad properties (§4.7) and output capsfilter
// dimensions as control points and settings change across refreshes.
// Implementations for which this is meaningless (a one-shot subprocess
// pipeline with no control channel) may simply not implement it.
type PropertySetter interface {
	SetProperty(target, key string, value any) error
}

// SampleSource is an optional Pipeline capability for tapping a real
// buffer stream out of one of the pipeline's own output elements (an
// appsink in a node profile), the producer side of the stream bridge
// (§4.3). BindOutput must be called before the pipeline's first
// SetState away from Null; a concrete Pipeline backed by a subprocess
// has no in-process appsink callback to hook, so it instead splices an
// inter-process transport in ahead of that element. A future in-process
// GStreamer binding could implement this by registering directly on the
// appsink's new-sample signal instead.
type SampleSource interface {
	BindOutput(elementName string, onSample func(bridge.Sample), onEOS func()) error
}

// SampleSink is the dual capability for one of the pipeline's own input
// elements (an appsrc in a node profile), the consumer side of the
// stream bridge. BindInput reserves the transport; PushSample/PushEOS
// then deliver what a StreamBridge fans out into the running pipeline.
type SampleSink interface {
	BindInput(elementName string) error
	PushSample(elementName string, sample bridge.Sample) error
	PushEOS(elementName string) error
}
