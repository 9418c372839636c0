/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nodes

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// VideoGenerator is a minimal synthetic "ball pattern" video source used
// for testing (§4.8). It follows the same lead-preroll state machine as
// Source and is introspected as a SourceInfo with a synthetic
// videogenerator://{id} URI so clients that only understand the three
// protocol node variants still see a uniform shape.
type VideoGenerator struct {
	base

	pipelineFactory PipelineFactory
	pipeline        Pipeline
	output          *outputPort
}

// NewVideoGenerator constructs a video-generator node. It is implicitly
// video-only regardless of caller-supplied flags.
func NewVideoGenerator(id string, factory PipelineFactory, log zerolog.Logger) *VideoGenerator {
	return &VideoGenerator{
		base:            newBase(id, false, true, log),
		pipelineFactory: factory,
		output:          newOutputPort(),
	}
}

func (g *VideoGenerator) Kind() Kind { return KindVideoGenerator }

func (g *VideoGenerator) CanEmit(m Medium) bool { return m == MediumVideo }
func (g *VideoGenerator) CanIngest(Medium) bool { return false }

func (g *VideoGenerator) syntheticURI() string { return fmt.Sprintf("videogenerator://%s", g.id) }

func (g *VideoGenerator) Schedule(cue, end *time.Time, now time.Time) error {
	g.mu.Lock()
	g.cueTime, g.endTime = cue, end
	g.scheduled = true
	if g.state == protocol.StateStopped {
		g.state = protocol.StateInitial
	}
	g.mu.Unlock()
	return g.Refresh(now)
}

func (g *VideoGenerator) Refresh(now time.Time) error {
	g.mu.Lock()
	if !g.scheduled {
		g.mu.Unlock()
		return nil
	}
	g.state = advanceLeadPreroll(g.state, g.cueTime, g.endTime, now)
	g.stage = stageForLeadPreroll(g.state)
	stage := g.stage
	g.mu.Unlock()
	return g.syncLivePipeline(stage)
}

func (g *VideoGenerator) Stop() error {
	if err := g.teardown(); err != nil {
		return err
	}
	g.mu.Lock()
	g.state = protocol.StateStopped
	g.stage = StageIdle
	g.mu.Unlock()
	return nil
}

func (g *VideoGenerator) MarkError(err error) { g.markError(err) }

func (g *VideoGenerator) AddConsumerLink(m Medium, linkID string) {
	if m == MediumVideo {
		g.addConsumerLink(m, linkID)
	}
}
func (g *VideoGenerator) RemoveConsumerLink(m Medium, linkID string) {
	if m == MediumVideo {
		g.removeConsumerLink(m, linkID)
	}
}

func (g *VideoGenerator) OutputSink(m Medium) (bridge.Sink, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m != MediumVideo || g.pipeline == nil {
		return nil, false
	}
	return g.output, true
}

func (g *VideoGenerator) InputSource(Medium, string) (bridge.Consumer, bool) { return nil, false }

func (g *VideoGenerator) AsInfo() protocol.NodeInfo {
	cue, end, state, lastErr := g.scheduleFields()
	return protocol.SourceInfo{
		URI:                  g.syntheticURI(),
		VideoConsumerSlotIDs: g.consumerSnapshot(MediumVideo),
		CueTime:              cue,
		EndTime:              end,
		State:                state,
		LastError:            lastErr,
	}
}

func (g *VideoGenerator) construct() error {
	pipeline := g.pipelineFactory(g.id)
	elements := []string{
		"videotestsrc name=src pattern=ball is-live=true flip=true",
		"deinterlace name=video_deinterlace",
		"appsink name=video_sink",
	}
	links := [][2]string{
		{"src", "video_deinterlace"},
		{"video_deinterlace", "video_sink"},
	}
	for _, el := range elements {
		if err := pipeline.Add(el); err != nil {
			_ = pipeline.Close()
			return fmt.Errorf("videogenerator %s: adding element %q: %w", g.id, el, err)
		}
	}
	for _, l := range links {
		if err := pipeline.Link(l[0], l[1]); err != nil {
			_ = pipeline.Close()
			return fmt.Errorf("videogenerator %s: linking %s -> %s: %w", g.id, l[0], l[1], err)
		}
	}
	if ss, ok := pipeline.(SampleSource); ok {
		if err := ss.BindOutput("video_sink", g.output.emit, g.output.emitEOS); err != nil {
			_ = pipeline.Close()
			return fmt.Errorf("videogenerator %s: binding output %q: %w", g.id, "video_sink", err)
		}
	}

	g.mu.Lock()
	g.pipeline = pipeline
	g.mu.Unlock()
	return nil
}

func (g *VideoGenerator) teardown() error {
	g.mu.Lock()
	pipeline := g.pipeline
	g.pipeline = nil
	g.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(PipelineStateNull); err != nil {
		g.markError(err)
	}
	return pipeline.Close()
}

func (g *VideoGenerator) syncLivePipeline(stage PipelineStage) error {
	g.mu.Lock()
	pipeline := g.pipeline
	g.mu.Unlock()

	if stage == StageIdle {
		if pipeline == nil {
			return nil
		}
		return g.teardown()
	}

	if pipeline == nil {
		if err := g.construct(); err != nil {
			g.markError(err)
			g.mu.Lock()
			g.state = protocol.StateStopped
			g.stage = StageIdle
			g.mu.Unlock()
			return err
		}
		g.mu.Lock()
		pipeline = g.pipeline
		g.mu.Unlock()
	}

	msg, hasErr := pipeline.BusPoll(0, func(m BusMessage) bool { return m.Kind == BusMessageError })
	if hasErr {
		err := fmt.Errorf("videogenerator %s: pipeline error: %s", g.id, msg.Text)
		g.markError(err)
		_ = g.teardown()
		g.mu.Lock()
		g.state = protocol.StateStopped
		g.stage = StageIdle
		g.mu.Unlock()
		return err
	}

	switch stage {
	case StagePrerolling:
		return pipeline.SetState(PipelineStatePaused)
	case StagePlaying:
		return pipeline.SetState(PipelineStatePlaying)
	}
	return nil
}
