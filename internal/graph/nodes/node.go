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
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// Medium is one of the two media kinds a node, link or slot can carry.
type Medium string

const (
	MediumAudio Medium = "audio"
	MediumVideo Medium = "video"
)

// Kind discriminates the four node variants.
type Kind string

const (
	KindSource         Kind = "source"
	KindDestination    Kind = "destination"
	KindMixer          Kind = "mixer"
	KindVideoGenerator Kind = "video_generator"
)

// PipelineStage is the intended live-pipeline state derived from a node's
// schedule state and reconciled into real SetState calls on every refresh.
type PipelineStage string

const (
	StageIdle       PipelineStage = "idle"
	StagePrerolling PipelineStage = "prerolling"
	StagePlaying    PipelineStage = "playing"
)

// preroll is the lead window before cue during which sources, mixers and
// video-generators are brought to a paused, prerolled state (§4.4).
const preroll = 10 * time.Second

// Node is the capability interface the manager calls through. There is no
// inheritance hierarchy between kinds; the manager only ever calls through
// this interface (Design Note §9, "Polymorphism across node kinds").
type Node interface {
	ID() string
	Kind() Kind
	CanEmit(m Medium) bool
	CanIngest(m Medium) bool

	// Schedule updates the node's cue/end times and runs one refresh. It
	// may fail (destination slot validation); on success it resets state
	// to Initial when the node was previously terminal.
	Schedule(cue, end *time.Time, now time.Time) error
	// Refresh advances the schedule state machine for now and reconciles
	// the live pipeline to match. It returns a pipeline runtime error if
	// the bus reported one during this refresh.
	Refresh(now time.Time) error
	// Stop tears down the live pipeline (waiting for end-of-stream if the
	// pipeline profile requires it) and sets state to Stopped.
	Stop() error
	// MarkError records the last error without altering state.
	MarkError(err error)
	AsInfo() protocol.NodeInfo

	AddConsumerLink(m Medium, linkID string)
	RemoveConsumerLink(m Medium, linkID string)

	// OutputSink returns the bridge.Sink a StreamBridge should attach to
	// for medium m, if this node produces it.
	OutputSink(m Medium) (bridge.Sink, bool)
	// InputSource returns the bridge.Consumer a StreamBridge should bind
	// for (medium, linkID), if this node ingests m via that link.
	InputSource(m Medium, linkID string) (bridge.Consumer, bool)
}

// base holds the state common to every node kind: identity, capability
// flags, schedule, lifecycle state and the ordered consumer-link
// bookkeeping used only for introspection (§4.5). Kind implementations
// embed it and add their own pipeline profile and live pipeline handles.
type base struct {
	mu sync.Mutex

	id           string
	audioEnabled bool
	videoEnabled bool

	// scheduled is false until Schedule has been called at least once. A
	// freshly created node stays in Initial indefinitely — Refresh is a
	// no-op for it — since "cue absent -> Started" only applies once a
	// schedule has actually been set (§8 S1: create/connect/getinfo with
	// no start call leaves every node Initial).
	scheduled bool

	cueTime *time.Time
	endTime *time.Time
	state   protocol.State
	stage   PipelineStage

	lastError *string

	audioConsumers []string
	videoConsumers []string

	log zerolog.Logger
}

func newBase(id string, audio, video bool, log zerolog.Logger) base {
	return base{
		id:           id,
		audioEnabled: audio,
		videoEnabled: video,
		state:        protocol.StateInitial,
		stage:        StageIdle,
		log:          log.With().Str("node_id", id).Logger(),
	}
}

func (b *base) ID() string { return b.id }

func (b *base) hasMedium(m Medium) bool {
	switch m {
	case MediumAudio:
		return b.audioEnabled
	case MediumVideo:
		return b.videoEnabled
	default:
		return false
	}
}

func (b *base) markError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := err.Error()
	b.lastError = &msg
	b.log.Error().Err(err).Msg("node error")
}

func (b *base) addConsumerLink(m Medium, linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.consumerList(m)
	for _, id := range *list {
		if id == linkID {
			return
		}
	}
	*list = append(*list, linkID)
	sort.Strings(*list)
}

func (b *base) removeConsumerLink(m Medium, linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.consumerList(m)
	for i, id := range *list {
		if id == linkID {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (b *base) consumerList(m Medium) *[]string {
	if m == MediumAudio {
		return &b.audioConsumers
	}
	return &b.videoConsumers
}

func (b *base) consumerSnapshot(m Medium) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := *b.consumerList(m)
	out := make([]string, len(list))
	copy(out, list)
	return out
}

// scheduleFields reads the fields common to every NodeInfo shape.
func (b *base) scheduleFields() (cue, end *time.Time, state protocol.State, lastErr *string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cueTime, b.endTime, b.state, b.lastError
}

// advanceLeadPreroll runs the Initial/Starting/Started/Stopping/Stopped
// fixpoint iteration shared by sources, mixers and video-generators
// (§4.4 "State machine (sources, video-generators, mixers)"). Destination
// uses its own, simpler machine (see destination.go).
func advanceLeadPreroll(state protocol.State, cue, end *time.Time, now time.Time) protocol.State {
	for {
		next := state
		switch state {
		case protocol.StateInitial:
			if cue == nil {
				next = protocol.StateStarted
			} else if !now.Before(cue.Add(-preroll)) {
				next = protocol.StateStarting
			}
		case protocol.StateStarting:
			if cue == nil || !now.Before(*cue) {
				next = protocol.StateStarted
			}
		case protocol.StateStarted:
			if end != nil && !now.Before(*end) {
				next = protocol.StateStopping
			}
		case protocol.StateStopping:
			next = protocol.StateStopped
		case protocol.StateStopped:
			// terminal
		}
		if next == state {
			return state
		}
		state = next
	}
}

// stageForLeadPreroll maps a lead-preroll state machine's state to the
// pipeline stage it should be reconciled to.
func stageForLeadPreroll(state protocol.State) PipelineStage {
	switch state {
	case protocol.StateStarting:
		return StagePrerolling
	case protocol.StateStarted:
		return StagePlaying
	default:
		return StageIdle
	}
}
