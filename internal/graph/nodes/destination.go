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

// eosWait is the deadline the destination's Stopping teardown blocks for
// an end-of-stream or error bus message (§4.4 "Destination state machine").
const eosWait = 5 * time.Second

// Destination consumes at most one audio slot and one video slot and
// egresses them according to its family.
type Destination struct {
	base

	family          protocol.DestinationFamily
	pipelineFactory PipelineFactory

	pipeline Pipeline
	inputs   map[Medium]*inputPort

	audioSlotLinkID *string
	videoSlotLinkID *string
}

// NewDestination constructs a Destination node.
func NewDestination(id string, family protocol.DestinationFamily, audio, video bool, factory PipelineFactory, log zerolog.Logger) *Destination {
	return &Destination{
		base:            newBase(id, audio, video, log),
		family:          family,
		pipelineFactory: factory,
		inputs:          make(map[Medium]*inputPort),
	}
}

func (d *Destination) Kind() Kind { return KindDestination }

func (d *Destination) CanEmit(Medium) bool      { return false }
func (d *Destination) CanIngest(m Medium) bool  { return d.hasMedium(m) }

// AttachSlot occupies the single audio or video slot with linkID,
// rejecting a second occupant per invariant 3 (§3). The manager calls
// this on Connect before a link targeting this destination is admitted.
func (d *Destination) AttachSlot(m Medium, linkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slotFor(m)
	if *slot != nil {
		return fmt.Errorf("destination %s already has a %s slot connected", d.id, m)
	}
	id := linkID
	*slot = &id
	d.inputs[m] = newInputPort()
	return nil
}

// DetachSlot releases the slot occupied by linkID, if any.
func (d *Destination) DetachSlot(m Medium, linkID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slotFor(m)
	if *slot != nil && **slot == linkID {
		*slot = nil
		delete(d.inputs, m)
	}
}

func (d *Destination) slotFor(m Medium) **string {
	if m == MediumAudio {
		return &d.audioSlotLinkID
	}
	return &d.videoSlotLinkID
}

// ensureStartReady validates invariant 6: every enabled medium must have a
// slot attached before the destination may start.
func (d *Destination) ensureStartReady() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.audioEnabled && d.audioSlotLinkID == nil {
		return fmt.Errorf("destination %s: cannot start without an audio slot connected", d.id)
	}
	if d.videoEnabled && d.videoSlotLinkID == nil {
		return fmt.Errorf("destination %s: cannot start without a video slot connected", d.id)
	}
	return nil
}

func (d *Destination) Schedule(cue, end *time.Time, now time.Time) error {
	if err := d.ensureStartReady(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cueTime, d.endTime = cue, end
	d.scheduled = true
	if d.state == protocol.StateStopped {
		d.state = protocol.StateInitial
	}
	d.mu.Unlock()
	return d.Refresh(now)
}

// advanceDestinationSchedule is the simpler destination state machine
// (§4.4): no preroll lead, and Stopping only reaches Stopped once the
// synchronous end-of-stream teardown below completes.
func advanceDestinationSchedule(state protocol.State, cue, end *time.Time, now time.Time) protocol.State {
	switch state {
	case protocol.StateInitial:
		if cue == nil || !now.Before(*cue) {
			return protocol.StateStarting
		}
	case protocol.StateStarting:
		return protocol.StateStarted
	case protocol.StateStarted:
		if end != nil && !now.Before(*end) {
			return protocol.StateStopping
		}
	}
	return state
}

func (d *Destination) Refresh(now time.Time) error {
	d.mu.Lock()
	if !d.scheduled {
		d.mu.Unlock()
		return nil
	}
	d.state = advanceDestinationSchedule(d.state, d.cueTime, d.endTime, now)
	state := d.state
	d.mu.Unlock()
	return d.syncLivePipeline(state)
}

func (d *Destination) Stop() error {
	return d.forceStop()
}

func (d *Destination) forceStop() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.pipeline = nil
	d.mu.Unlock()
	if pipeline != nil {
		if err := pipeline.SetState(PipelineStateNull); err != nil {
			d.markError(err)
		}
		if err := pipeline.Close(); err != nil {
			d.markError(err)
		}
	}
	d.mu.Lock()
	d.state = protocol.StateStopped
	d.stage = StageIdle
	d.mu.Unlock()
	return nil
}

func (d *Destination) MarkError(err error) { d.markError(err) }

func (d *Destination) AddConsumerLink(Medium, string)    {}
func (d *Destination) RemoveConsumerLink(Medium, string) {}

func (d *Destination) OutputSink(Medium) (bridge.Sink, bool) { return nil, false }

func (d *Destination) InputSource(m Medium, linkID string) (bridge.Consumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slotFor(m)
	if *slot == nil || **slot != linkID || d.pipeline == nil {
		return nil, false
	}
	port, ok := d.inputs[m]
	return port, ok
}

func (d *Destination) AsInfo() protocol.NodeInfo {
	cue, end, state, lastErr := d.scheduleFields()
	d.mu.Lock()
	audioSlot, videoSlot := d.audioSlotLinkID, d.videoSlotLinkID
	d.mu.Unlock()
	return protocol.DestinationInfo{
		Family:      d.family,
		AudioSlotID: audioSlot,
		VideoSlotID: videoSlot,
		CueTime:     cue,
		EndTime:     end,
		State:       state,
		LastError:   lastErr,
	}
}

func (d *Destination) syncLivePipeline(state protocol.State) error {
	switch state {
	case protocol.StateInitial:
		d.mu.Lock()
		pipeline := d.pipeline
		d.mu.Unlock()
		if pipeline != nil {
			return d.forceStop()
		}
		return nil
	case protocol.StateStarting, protocol.StateStarted:
		return d.ensurePlaying()
	case protocol.StateStopping:
		return d.stopWithEOS()
	}
	return nil
}

func (d *Destination) ensurePlaying() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if pipeline == nil {
		if err := d.construct(); err != nil {
			d.markError(err)
			d.mu.Lock()
			d.state = protocol.StateStopped
			d.stage = StageIdle
			d.mu.Unlock()
			return err
		}
		d.mu.Lock()
		pipeline = d.pipeline
		d.mu.Unlock()
	}
	msg, hasErr := pipeline.BusPoll(0, func(m BusMessage) bool { return m.Kind == BusMessageError })
	if hasErr {
		err := fmt.Errorf("destination %s: pipeline error: %s", d.id, msg.Text)
		d.markError(err)
		_ = d.forceStop()
		return err
	}
	if err := pipeline.SetState(PipelineStatePlaying); err != nil {
		return err
	}
	d.mu.Lock()
	d.stage = StagePlaying
	d.mu.Unlock()
	return nil
}

// stopWithEOS implements the destination's distinctive teardown: send
// end-of-stream to the application-sources, block up to eosWait for an
// end-of-stream or error bus message, then transition to Stopped and tear
// down (§4.4, §5).
func (d *Destination) stopWithEOS() error {
	d.mu.Lock()
	pipeline := d.pipeline
	d.mu.Unlock()
	if pipeline == nil {
		d.mu.Lock()
		d.state = protocol.StateStopped
		d.stage = StageIdle
		d.mu.Unlock()
		return nil
	}

	if err := pipeline.SendEOS(); err != nil {
		d.markError(err)
	}

	_, _ = pipeline.BusPoll(eosWait, func(m BusMessage) bool {
		return m.Kind == BusMessageEOS || m.Kind == BusMessageError
	})

	return d.forceStop()
}

// construct compiles this destination's pipeline profile for its family
// (§4.6) and realizes it against the injected Pipeline.
func (d *Destination) construct() error {
	pipeline := d.pipelineFactory(d.id)
	builder := &destinationProfile{d: d, pipeline: pipeline}
	if err := builder.build(); err != nil {
		_ = pipeline.Close()
		return err
	}

	if sk, ok := pipeline.(SampleSink); ok {
		d.mu.Lock()
		inputs := make(map[Medium]*inputPort, len(d.inputs))
		for m, port := range d.inputs {
			inputs[m] = port
		}
		d.mu.Unlock()
		for medium, port := range inputs {
			elementName := "audio_src"
			if medium == MediumVideo {
				elementName = "video_src"
			}
			if err := sk.BindInput(elementName); err != nil {
				_ = pipeline.Close()
				return fmt.Errorf("destination %s: binding input %q: %w", d.id, elementName, err)
			}
			boundElement := elementName
			port.bindForward(
				func(s bridge.Sample) error { return sk.PushSample(boundElement, s) },
				func() error { return sk.PushEOS(boundElement) },
			)
		}
	}

	d.mu.Lock()
	d.pipeline = pipeline
	d.mu.Unlock()
	return nil
}

// destinationProfile compiles one family's element chain against a
// Pipeline, selecting the first working video encoder/sink the way
// §4.6/§4.8 describe ("iterate, picking the first that constructs").
type destinationProfile struct {
	d        *Destination
	pipeline Pipeline
}

func (p *destinationProfile) add(el string) error {
	if err := p.pipeline.Add(el); err != nil {
		return fmt.Errorf("destination %s: adding element %q: %w", p.d.id, el, err)
	}
	return nil
}

func (p *destinationProfile) link(a, b string) error {
	if err := p.pipeline.Link(a, b); err != nil {
		return fmt.Errorf("destination %s: linking %s -> %s: %w", p.d.id, a, b, err)
	}
	return nil
}

// chooseFirstWorking iterates candidates (each a full element description
// including its name= clause), adding the first one the pipeline accepts.
// It returns the chosen element's name.
func (p *destinationProfile) chooseFirstWorking(name string, candidates []string) (string, error) {
	var lastErr error
	for _, candidate := range candidates {
		el := fmt.Sprintf("%s name=%s", candidate, name)
		err := p.pipeline.Add(el)
		if err == nil {
			return name, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("destination %s: no candidate element constructed for %s: %w", p.d.id, name, lastErr)
}

func (p *destinationProfile) videoEncoder(name string) (string, error) {
	return p.chooseFirstWorking(name, []string{
		"nvh264enc preset=low-latency-hq gop-size=30",
		"x264enc tune=zerolatency key-int-max=30",
		"openh264enc gop-size=30",
	})
}

func (p *destinationProfile) videoSink(name string) (string, error) {
	return p.chooseFirstWorking(name, []string{
		"autovideosink",
		"fakesink",
	})
}

func (p *destinationProfile) audioSink(name string) (string, error) {
	return p.chooseFirstWorking(name, []string{
		"autoaudiosink",
		"pulsesink",
		"alsasink",
		"fakesink",
	})
}

func (p *destinationProfile) build() error {
	d := p.d
	switch d.family.Kind {
	case protocol.FamilyRtmp:
		return p.buildRtmp()
	case protocol.FamilyUdp:
		return p.buildUdp()
	case protocol.FamilyLocalFile:
		return p.buildLocalFile()
	case protocol.FamilyLocalPlayback:
		return p.buildLocalPlayback()
	default:
		return fmt.Errorf("destination %s: unknown family %q", d.id, d.family.Kind)
	}
}

func (p *destinationProfile) buildRtmp() error {
	d := p.d
	if err := p.add("flvmux name=mux"); err != nil {
		return err
	}
	if d.videoEnabled {
		encoder, err := p.videoEncoder("video_encoder")
		if err != nil {
			return err
		}
		for _, el := range []string{
			"appsrc name=video_src format=time is-live=true",
			"videoconvert name=video_convert",
			"timecodestamper name=video_timecode",
			"timeoverlay name=video_overlay",
			"h264parse name=video_parse config-interval=-1",
			"queue name=video_queue",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"video_src", "video_convert"}, {"video_convert", "video_timecode"},
			{"video_timecode", "video_overlay"}, {"video_overlay", encoder},
			{encoder, "video_parse"}, {"video_parse", "video_queue"}, {"video_queue", "mux"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	if d.audioEnabled {
		for _, el := range []string{
			"appsrc name=audio_src format=time is-live=true",
			"audioconvert name=audio_convert",
			"audioresample name=audio_resample",
			"avenc_aac name=audio_encoder",
			"queue name=audio_queue",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"audio_src", "audio_convert"}, {"audio_convert", "audio_resample"},
			{"audio_resample", "audio_encoder"}, {"audio_encoder", "audio_queue"}, {"audio_queue", "mux"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	if err := p.add(fmt.Sprintf("rtmp2sink name=sink location=%s", d.family.URI)); err != nil {
		return err
	}
	return p.link("mux", "sink")
}

func (p *destinationProfile) buildUdp() error {
	d := p.d
	if err := p.add("mpegtsmux name=mux"); err != nil {
		return err
	}
	if d.videoEnabled {
		encoder, err := p.videoEncoder("video_encoder")
		if err != nil {
			return err
		}
		for _, el := range []string{
			"appsrc name=video_src format=time is-live=true",
			"videoconvert name=video_convert",
			"h264parse name=video_parse config-interval=-1",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"video_src", "video_convert"}, {"video_convert", encoder},
			{encoder, "video_parse"}, {"video_parse", "mux"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	if d.audioEnabled {
		for _, el := range []string{
			"appsrc name=audio_src format=time is-live=true",
			"audioconvert name=audio_convert",
			"audioresample name=audio_resample",
			"avenc_aac name=audio_encoder",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"audio_src", "audio_convert"}, {"audio_convert", "audio_resample"},
			{"audio_resample", "audio_encoder"}, {"audio_encoder", "mux"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	// Open Question (a): port 5005 is hard-coded with no exposed knob,
	// preserved as-is per DESIGN.md.
	if err := p.add(fmt.Sprintf("udpsink name=sink host=%s port=5005", d.family.Host)); err != nil {
		return err
	}
	return p.link("mux", "sink")
}

func (p *destinationProfile) buildLocalFile() error {
	d := p.d
	if err := p.add("multiqueue name=mq"); err != nil {
		return err
	}

	location := fmt.Sprintf("%s.mp4", d.family.BaseName)
	splitmux := "splitmuxsink name=smux"
	if d.family.MaxSizeTimeMs != nil {
		location = fmt.Sprintf("%s_%%05d.mp4", d.family.BaseName)
		splitmux = fmt.Sprintf(
			"splitmuxsink name=smux max-size-time=%d use-robust-muxing=true",
			uint64(*d.family.MaxSizeTimeMs)*1_000_000,
		)
	}
	if err := p.add(fmt.Sprintf("%s location=%s", splitmux, location)); err != nil {
		return err
	}

	if d.videoEnabled {
		encoder, err := p.videoEncoder("video_encoder")
		if err != nil {
			return err
		}
		for _, el := range []string{
			"appsrc name=video_src format=time is-live=true",
			"videoconvert name=video_convert",
			"h264parse name=video_parse config-interval=-1",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"video_src", "video_convert"}, {"video_convert", encoder},
			{encoder, "video_parse"}, {"video_parse", "mq.sink_0"}, {"mq.src_0", "smux.video"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	if d.audioEnabled {
		for _, el := range []string{
			"appsrc name=audio_src format=time is-live=true",
			"audioconvert name=audio_convert",
			"audioresample name=audio_resample",
			"avenc_aac name=audio_encoder",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"audio_src", "audio_convert"}, {"audio_convert", "audio_resample"},
			{"audio_resample", "audio_encoder"}, {"audio_encoder", "mq.sink_1"}, {"mq.src_1", "smux.audio_0"},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *destinationProfile) buildLocalPlayback() error {
	d := p.d
	if d.videoEnabled {
		sink, err := p.videoSink("video_sink")
		if err != nil {
			return err
		}
		for _, el := range []string{
			"appsrc name=video_src format=time is-live=true",
			"queue name=video_queue",
			"videoconvert name=video_convert",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"video_src", "video_queue"}, {"video_queue", "video_convert"}, {"video_convert", sink},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	if d.audioEnabled {
		sink, err := p.audioSink("audio_sink")
		if err != nil {
			return err
		}
		for _, el := range []string{
			"appsrc name=audio_src format=time is-live=true",
			"queue name=audio_queue",
			"audioconvert name=audio_convert",
			"audioresample name=audio_resample",
		} {
			if err := p.add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"audio_src", "audio_queue"}, {"audio_queue", "audio_convert"},
			{"audio_convert", "audio_resample"}, {"audio_resample", sink},
		} {
			if err := p.link(l[0], l[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
