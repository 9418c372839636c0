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

// Unblocker is satisfied by a Pipeline whose source element supports
// manual unblocking (the fallback-capable source used by Source and
// VideoGenerator pipeline profiles, §4.5).
type Unblocker interface {
	Unblock() error
}

// Source ingests one URI and exposes its decoded audio and/or video as
// producer sinks. It follows the lead-preroll state machine shared with
// Mixer and VideoGenerator (§4.4).
type Source struct {
	base

	uri             string
	pipelineFactory PipelineFactory

	pipeline   Pipeline
	unblocked  bool
	outputs    map[Medium]*outputPort
}

// NewSource constructs a Source. At least one of audio/video must be true;
// the manager enforces that invariant before calling this constructor.
func NewSource(id, uri string, audio, video bool, factory PipelineFactory, log zerolog.Logger) *Source {
	s := &Source{
		base:            newBase(id, audio, video, log),
		uri:             uri,
		pipelineFactory: factory,
		outputs:         make(map[Medium]*outputPort),
	}
	if audio {
		s.outputs[MediumAudio] = newOutputPort()
	}
	if video {
		s.outputs[MediumVideo] = newOutputPort()
	}
	return s
}

func (s *Source) Kind() Kind { return KindSource }

func (s *Source) CanEmit(m Medium) bool   { return s.hasMedium(m) }
func (s *Source) CanIngest(Medium) bool   { return false }

func (s *Source) Schedule(cue, end *time.Time, now time.Time) error {
	s.mu.Lock()
	s.cueTime, s.endTime = cue, end
	s.scheduled = true
	if s.state == protocol.StateStopped {
		s.state = protocol.StateInitial
	}
	s.mu.Unlock()
	return s.Refresh(now)
}

func (s *Source) Refresh(now time.Time) error {
	s.mu.Lock()
	if !s.scheduled {
		s.mu.Unlock()
		return nil
	}
	s.state = advanceLeadPreroll(s.state, s.cueTime, s.endTime, now)
	s.stage = stageForLeadPreroll(s.state)
	stage := s.stage
	s.mu.Unlock()
	return s.syncLivePipeline(stage)
}

func (s *Source) Stop() error {
	if err := s.teardown(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = protocol.StateStopped
	s.stage = StageIdle
	s.mu.Unlock()
	return nil
}

func (s *Source) MarkError(err error) { s.markError(err) }

func (s *Source) AddConsumerLink(m Medium, linkID string)    { s.addConsumerLink(m, linkID) }
func (s *Source) RemoveConsumerLink(m Medium, linkID string) { s.removeConsumerLink(m, linkID) }

func (s *Source) OutputSink(m Medium) (bridge.Sink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		return nil, false
	}
	port, ok := s.outputs[m]
	return port, ok
}

func (s *Source) InputSource(Medium, string) (bridge.Consumer, bool) { return nil, false }

func (s *Source) AsInfo() protocol.NodeInfo {
	cue, end, state, lastErr := s.scheduleFields()
	return protocol.SourceInfo{
		URI:                  s.uri,
		AudioConsumerSlotIDs: s.consumerSnapshot(MediumAudio),
		VideoConsumerSlotIDs: s.consumerSnapshot(MediumVideo),
		CueTime:              cue,
		EndTime:              end,
		State:                state,
		LastError:            lastErr,
	}
}

// buildProfile compiles the source pipeline profile (§4.5): a
// fallback-capable source element with on-demand deinterlace/appsink for
// video and audioconvert/level/appsink for audio.
func (s *Source) buildProfile() (elements []string, links [][2]string) {
	elements = append(elements, fmt.Sprintf(
		"fallbacksrc name=src uri=%s manual-unblock=true immediate-fallback=true enable-audio=%t enable-video=%t",
		s.uri, s.audioEnabled, s.videoEnabled,
	))
	if s.videoEnabled {
		elements = append(elements, "deinterlace name=video_deinterlace", "appsink name=video_sink")
		links = append(links,
			[2]string{"src", "video_deinterlace"},
			[2]string{"video_deinterlace", "video_sink"},
		)
	}
	if s.audioEnabled {
		elements = append(elements, "audioconvert name=audio_convert", "level name=audio_level", "appsink name=audio_sink")
		links = append(links,
			[2]string{"src", "audio_convert"},
			[2]string{"audio_convert", "audio_level"},
			[2]string{"audio_level", "audio_sink"},
		)
	}
	return elements, links
}

func (s *Source) construct() error {
	pipeline := s.pipelineFactory(s.id)
	elements, links := s.buildProfile()
	for _, el := range elements {
		if err := pipeline.Add(el); err != nil {
			_ = pipeline.Close()
			return fmt.Errorf("source %s: adding element %q: %w", s.id, el, err)
		}
	}
	for _, l := range links {
		if err := pipeline.Link(l[0], l[1]); err != nil {
			_ = pipeline.Close()
			return fmt.Errorf("source %s: linking %s -> %s: %w", s.id, l[0], l[1], err)
		}
	}
	if ss, ok := pipeline.(SampleSource); ok {
		for medium, port := range s.outputs {
			elementName := "audio_sink"
			if medium == MediumVideo {
				elementName = "video_sink"
			}
			if err := ss.BindOutput(elementName, port.emit, port.emitEOS); err != nil {
				_ = pipeline.Close()
				return fmt.Errorf("source %s: binding output %q: %w", s.id, elementName, err)
			}
		}
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.unblocked = false
	s.mu.Unlock()
	return nil
}

func (s *Source) teardown() error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.pipeline = nil
	s.unblocked = false
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(PipelineStateNull); err != nil {
		s.markError(err)
	}
	return pipeline.Close()
}

// syncLivePipeline reconciles the current pipeline stage into real
// SetState calls, constructing the pipeline lazily when entering
// Prerolling/Playing and tearing it down when the stage returns to Idle.
func (s *Source) syncLivePipeline(stage PipelineStage) error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()

	if stage == StageIdle {
		if pipeline == nil {
			return nil
		}
		return s.teardown()
	}

	if pipeline == nil {
		if err := s.construct(); err != nil {
			s.markError(err)
			s.mu.Lock()
			s.state = protocol.StateStopped
			s.stage = StageIdle
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		pipeline = s.pipeline
		s.mu.Unlock()
	}

	if err := s.pollBus(pipeline); err != nil {
		return err
	}

	switch stage {
	case StagePrerolling:
		return pipeline.SetState(PipelineStatePaused)
	case StagePlaying:
		if err := pipeline.SetState(PipelineStatePlaying); err != nil {
			return err
		}
		s.mu.Lock()
		alreadyUnblocked := s.unblocked
		s.mu.Unlock()
		if !alreadyUnblocked {
			if unb, ok := pipeline.(Unblocker); ok {
				if err := unb.Unblock(); err != nil {
					return err
				}
			}
			s.mu.Lock()
			s.unblocked = true
			s.mu.Unlock()
		}
	}
	return nil
}

// pollBus performs the non-blocking bus check every refresh does (§5): a
// reported Error tears the node down and reports the error; EOS is
// recorded but otherwise ignored for sources (only Destination's stop
// path waits on it explicitly).
func (s *Source) pollBus(pipeline Pipeline) error {
	msg, ok := pipeline.BusPoll(0, func(m BusMessage) bool {
		return m.Kind == BusMessageError
	})
	if !ok {
		return nil
	}
	err := fmt.Errorf("source %s: pipeline error: %s", s.id, msg.Text)
	s.markError(err)
	_ = s.teardown()
	s.mu.Lock()
	s.state = protocol.StateStopped
	s.stage = StageIdle
	s.mu.Unlock()
	return err
}
