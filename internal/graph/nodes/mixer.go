/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nodes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/control"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// mixerSettingKinds lists the allowed mixer settings keys (§3) and the
// JSON value kind each expects, for both create-time validation and
// node-level control-point target validation.
var mixerSettingKinds = map[string]string{
	"width":            "number",
	"height":           "number",
	"sample-rate":      "number",
	"fallback-image":   "string",
	"fallback-timeout": "number",
}

// mixerSlotKeyPrefixes lists the allowed slot-settings namespaces (§3).
// "video::sizing-policy" is accepted but has no corresponding pad
// property and is intentionally ignored when reconciling pads (Design
// Note §9, Open Question b).
var mixerSlotKeyKinds = map[string]string{
	"video::x":             "number",
	"video::y":             "number",
	"video::width":         "number",
	"video::height":        "number",
	"video::alpha":         "number",
	"video::zorder":        "number",
	"video::sizing-policy": "string",
	"audio::volume":        "number",
}

// ValidateMixerSettings checks a mixer's node-level settings bag against
// the known keys, returning the exact diagnostics §4.7/§8 S4 require.
func ValidateMixerSettings(settings map[string]any) error {
	for k, v := range settings {
		kind, ok := mixerSettingKinds[k]
		if !ok {
			return fmt.Errorf("No setting with name %s", k)
		}
		if err := checkSettingKind(k, v, kind); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSlotSettings checks a mixer-sink link's slot_settings bag.
func ValidateSlotSettings(settings map[string]any, audio, video bool) error {
	for k, v := range settings {
		kind, ok := mixerSlotKeyKinds[k]
		if !ok {
			return fmt.Errorf("No slot setting with name %s", k)
		}
		if strings.HasPrefix(k, "video::") && !video {
			return fmt.Errorf("slot setting %s requires the link to carry video", k)
		}
		if strings.HasPrefix(k, "audio::") && !audio {
			return fmt.Errorf("slot setting %s requires the link to carry audio", k)
		}
		if err := checkSettingKind(k, v, kind); err != nil {
			return err
		}
	}
	return nil
}

func checkSettingKind(key string, value any, kind string) error {
	switch kind {
	case "number":
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("setting %s expects a number, got %T", key, value)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("setting %s expects a string, got %T", key, value)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// mixerSlot is one incoming link's state: its settings bag, control
// points and the input ports the manager binds a StreamBridge consumer
// to.
type mixerSlot struct {
	linkID        string
	audio, video  bool
	settings      map[string]any
	controlPoints map[string][]protocol.ControlPoint
	volume        float64
	inputs        map[Medium]*inputPort
}

// Mixer combines any number of slot inputs into one audio and/or one
// video output (§4.7).
type Mixer struct {
	base

	settings      map[string]any
	controlPoints map[string][]protocol.ControlPoint
	slots         map[string]*mixerSlot

	pipelineFactory PipelineFactory
	pipeline        Pipeline
	outputs         map[Medium]*outputPort
}

// NewMixer constructs a mixer node. settings must already have passed
// ValidateMixerSettings.
func NewMixer(id string, settings map[string]any, audio, video bool, factory PipelineFactory, log zerolog.Logger) *Mixer {
	merged := map[string]any{
		"width":       1280.0,
		"height":      720.0,
		"sample-rate": 44100.0,
	}
	for k, v := range settings {
		merged[k] = v
	}
	m := &Mixer{
		base:            newBase(id, audio, video, log),
		settings:        merged,
		controlPoints:   make(map[string][]protocol.ControlPoint),
		slots:           make(map[string]*mixerSlot),
		pipelineFactory: factory,
		outputs:         make(map[Medium]*outputPort),
	}
	if audio {
		m.outputs[MediumAudio] = newOutputPort()
	}
	if video {
		m.outputs[MediumVideo] = newOutputPort()
	}
	return m
}

func (m *Mixer) Kind() Kind { return KindMixer }

func (m *Mixer) CanEmit(medium Medium) bool   { return m.hasMedium(medium) }
func (m *Mixer) CanIngest(medium Medium) bool { return m.hasMedium(medium) }

func (m *Mixer) currentDimensions() (width, height float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	width, _ = toFloat(m.settings["width"])
	height, _ = toFloat(m.settings["height"])
	return width, height
}

// AddSlot creates a slot for linkID with the §4.7 defaults, then applies
// and validates any caller-supplied overrides.
func (m *Mixer) AddSlot(linkID string, audio, video bool, overrides map[string]any) error {
	if err := ValidateSlotSettings(overrides, audio, video); err != nil {
		return err
	}
	width, height := m.currentDimensions()

	slot := &mixerSlot{
		linkID:        linkID,
		audio:         audio,
		video:         video,
		settings:      make(map[string]any),
		controlPoints: make(map[string][]protocol.ControlPoint),
		volume:        1.0,
		inputs:        make(map[Medium]*inputPort),
	}
	if audio {
		slot.settings["audio::volume"] = 1.0
		slot.inputs[MediumAudio] = newInputPort()
	}
	if video {
		slot.settings["video::x"] = 0.0
		slot.settings["video::y"] = 0.0
		slot.settings["video::width"] = width
		slot.settings["video::height"] = height
		slot.settings["video::alpha"] = 1.0
		slot.settings["video::zorder"] = 0.0
		slot.inputs[MediumVideo] = newInputPort()
	}
	for k, v := range overrides {
		slot.settings[k] = v
	}
	if v, ok := slot.settings["audio::volume"]; ok {
		if fv, ok := toFloat(v); ok {
			slot.volume = fv
		}
	}

	m.mu.Lock()
	m.slots[linkID] = slot
	m.mu.Unlock()
	return nil
}

// RemoveSlot removes the slot for linkID, if any.
func (m *Mixer) RemoveSlot(linkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, linkID)
}

// HasSlot reports whether linkID currently has a slot.
func (m *Mixer) HasSlot(linkID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[linkID]
	return ok
}

// AddControlPoint attaches a node-level control point to a known settings
// property, inserted in sorted (time, id) order (Design Note §9, "Ordered
// control points").
func (m *Mixer) AddControlPoint(property string, cp protocol.ControlPoint) error {
	if _, ok := mixerSettingKinds[property]; !ok {
		return fmt.Errorf("No setting with name %s", property)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlPoints[property] = insertControlPoint(m.controlPoints[property], cp)
	return nil
}

// RemoveControlPoint removes a previously added node-level control point.
func (m *Mixer) RemoveControlPoint(property, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlPoints[property] = removeControlPoint(m.controlPoints[property], id)
}

// AddSlotControlPoint attaches a control point to a slot's property.
func (m *Mixer) AddSlotControlPoint(linkID, property string, cp protocol.ControlPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[linkID]
	if !ok {
		return fmt.Errorf("mixer %s: no slot %s", m.id, linkID)
	}
	kind, known := mixerSlotKeyKinds[property]
	if !known {
		return fmt.Errorf("No slot setting with name %s", property)
	}
	if strings.HasPrefix(property, "video::") && !slot.video {
		return fmt.Errorf("slot %s does not carry video", linkID)
	}
	if strings.HasPrefix(property, "audio::") && !slot.audio {
		return fmt.Errorf("slot %s does not carry audio", linkID)
	}
	if err := checkSettingKind(property, cp.Value, kind); err != nil {
		return err
	}
	slot.controlPoints[property] = insertControlPoint(slot.controlPoints[property], cp)
	return nil
}

// RemoveSlotControlPoint removes a previously added slot control point.
func (m *Mixer) RemoveSlotControlPoint(linkID, property, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[linkID]
	if !ok {
		return
	}
	slot.controlPoints[property] = removeControlPoint(slot.controlPoints[property], id)
}

func insertControlPoint(series []protocol.ControlPoint, cp protocol.ControlPoint) []protocol.ControlPoint {
	out := append(series, cp)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

func removeControlPoint(series []protocol.ControlPoint, id string) []protocol.ControlPoint {
	out := series[:0:0]
	for _, cp := range series {
		if cp.ID != id {
			out = append(out, cp)
		}
	}
	return out
}

func (m *Mixer) Schedule(cue, end *time.Time, now time.Time) error {
	m.mu.Lock()
	m.cueTime, m.endTime = cue, end
	m.scheduled = true
	if m.state == protocol.StateStopped {
		m.state = protocol.StateInitial
	}
	m.mu.Unlock()
	return m.Refresh(now)
}

// Refresh evaluates control points regardless of whether the mixer has
// ever been scheduled (§8 S3 applies a slot control point and observes it
// in getinfo with no start call), but only advances the schedule state
// machine and reconciles the live pipeline once Schedule has been called.
func (m *Mixer) Refresh(now time.Time) error {
	m.evaluateControlPoints(now)

	m.mu.Lock()
	if !m.scheduled {
		m.mu.Unlock()
		return nil
	}
	m.state = advanceLeadPreroll(m.state, m.cueTime, m.endTime, now)
	m.stage = stageForLeadPreroll(m.state)
	stage := m.stage
	m.mu.Unlock()

	return m.syncLivePipeline(stage)
}

// evaluateControlPoints runs the evaluator over every node-level and
// slot-level series at now, overwriting the corresponding settings entry
// (§4.7: "those values overwrite the corresponding settings/slot-settings
// entries before the pipeline reconciliation step").
func (m *Mixer) evaluateControlPoints(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for property, series := range m.controlPoints {
		if val, ok := control.Eval(series, now); ok {
			m.settings[property] = val
		}
	}
	for _, slot := range m.slots {
		for property, series := range slot.controlPoints {
			val, ok := control.Eval(series, now)
			if !ok {
				continue
			}
			slot.settings[property] = val
			if property == "audio::volume" {
				if fv, ok := toFloat(val); ok {
					slot.volume = fv
				}
			}
		}
	}
}

func (m *Mixer) Stop() error {
	if err := m.teardown(); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = protocol.StateStopped
	m.stage = StageIdle
	m.mu.Unlock()
	return nil
}

func (m *Mixer) MarkError(err error) { m.markError(err) }

func (m *Mixer) AddConsumerLink(medium Medium, linkID string)    { m.addConsumerLink(medium, linkID) }
func (m *Mixer) RemoveConsumerLink(medium Medium, linkID string) { m.removeConsumerLink(medium, linkID) }

func (m *Mixer) OutputSink(medium Medium) (bridge.Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pipeline == nil {
		return nil, false
	}
	port, ok := m.outputs[medium]
	return port, ok
}

func (m *Mixer) InputSource(medium Medium, linkID string) (bridge.Consumer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pipeline == nil {
		return nil, false
	}
	slot, ok := m.slots[linkID]
	if !ok {
		return nil, false
	}
	port, ok := slot.inputs[medium]
	return port, ok
}

func (m *Mixer) AsInfo() protocol.NodeInfo {
	cue, end, state, lastErr := m.scheduleFields()
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make(map[string]protocol.MixerSlotInfo, len(m.slots))
	slotSettings := make(map[string]map[string]any, len(m.slots))
	slotControlPoints := make(map[string]map[string][]protocol.ControlPoint, len(m.slots))
	for id, slot := range m.slots {
		slots[id] = protocol.MixerSlotInfo{Volume: slot.volume}
		slotSettings[id] = cloneAnyMap(slot.settings)
		slotControlPoints[id] = cloneControlPointMap(slot.controlPoints)
	}

	return protocol.MixerInfo{
		Slots:                slots,
		AudioConsumerSlotIDs: append([]string(nil), m.audioConsumers...),
		VideoConsumerSlotIDs: append([]string(nil), m.videoConsumers...),
		CueTime:              cue,
		EndTime:              end,
		State:                state,
		Settings:             cloneAnyMap(m.settings),
		ControlPoints:        cloneControlPointMap(m.controlPoints),
		SlotSettings:         slotSettings,
		SlotControlPoints:    slotControlPoints,
		LastError:            lastErr,
	}
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneControlPointMap(in map[string][]protocol.ControlPoint) map[string][]protocol.ControlPoint {
	out := make(map[string][]protocol.ControlPoint, len(in))
	for k, v := range in {
		out[k] = append([]protocol.ControlPoint(nil), v...)
	}
	return out
}

func (m *Mixer) teardown() error {
	m.mu.Lock()
	pipeline := m.pipeline
	m.pipeline = nil
	m.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(PipelineStateNull); err != nil {
		m.markError(err)
	}
	return pipeline.Close()
}

// construct compiles the compositor/audiomixer pipeline shape (§4.7): a
// base pad (black video or silent audio) plus one request pad per slot,
// feeding a shared capsfilter into the output appsink.
func (m *Mixer) construct() error {
	pipeline := m.pipelineFactory(m.id)
	m.mu.Lock()
	width, _ := toFloat(m.settings["width"])
	height, _ := toFloat(m.settings["height"])
	sampleRate, _ := toFloat(m.settings["sample-rate"])
	slotIDs := make([]string, 0, len(m.slots))
	for id := range m.slots {
		slotIDs = append(slotIDs, id)
	}
	audioEnabled, videoEnabled := m.audioEnabled, m.videoEnabled
	m.mu.Unlock()
	sort.Strings(slotIDs)

	add := func(el string) error {
		if err := pipeline.Add(el); err != nil {
			return fmt.Errorf("mixer %s: adding element %q: %w", m.id, el, err)
		}
		return nil
	}
	link := func(a, b string) error {
		if err := pipeline.Link(a, b); err != nil {
			return fmt.Errorf("mixer %s: linking %s -> %s: %w", m.id, a, b, err)
		}
		return nil
	}

	if videoEnabled {
		if err := add("compositor name=video_mix"); err != nil {
			return err
		}
		if err := add("videotestsrc name=video_base pattern=black is-live=true"); err != nil {
			return err
		}
		if err := link("video_base", "video_mix.sink_base"); err != nil {
			return err
		}
		for i, id := range slotIDs {
			m.mu.Lock()
			hasVideo := m.slots[id].video
			m.mu.Unlock()
			if !hasVideo {
				continue
			}
			src := fmt.Sprintf("video_slot_src_%d", i)
			queue := fmt.Sprintf("video_slot_queue_%d", i)
			pad := fmt.Sprintf("video_mix.sink_%d", i)
			for _, el := range []string{
				fmt.Sprintf("appsrc name=%s format=time is-live=true", src),
				fmt.Sprintf("queue name=%s", queue),
			} {
				if err := add(el); err != nil {
					return err
				}
			}
			if err := link(src, queue); err != nil {
				return err
			}
			if err := link(queue, pad); err != nil {
				return err
			}
			if err := m.bindSlotInput(pipeline, id, MediumVideo, src); err != nil {
				return err
			}
		}
		if err := add(fmt.Sprintf("capsfilter name=video_caps caps=video/x-raw,width=%d,height=%d,framerate=30/1", int(width), int(height))); err != nil {
			return err
		}
		if err := add("appsink name=video_sink"); err != nil {
			return err
		}
		if err := link("video_mix", "video_caps"); err != nil {
			return err
		}
		if err := link("video_caps", "video_sink"); err != nil {
			return err
		}
		if err := m.bindOutput(pipeline, MediumVideo, "video_sink"); err != nil {
			return err
		}
	}

	if audioEnabled {
		if err := add("audiomixer name=audio_mix"); err != nil {
			return err
		}
		if err := add("audiotestsrc name=audio_base wave=silence is-live=true"); err != nil {
			return err
		}
		if err := link("audio_base", "audio_mix.sink_base"); err != nil {
			return err
		}
		if ps, ok := pipeline.(PropertySetter); ok {
			_ = ps.SetProperty("audio_mix.sink_base", "volume", 0.0)
		}
		for i, id := range slotIDs {
			m.mu.Lock()
			hasAudio := m.slots[id].audio
			m.mu.Unlock()
			if !hasAudio {
				continue
			}
			src := fmt.Sprintf("audio_slot_src_%d", i)
			convert := fmt.Sprintf("audio_slot_convert_%d", i)
			resample := fmt.Sprintf("audio_slot_resample_%d", i)
			caps := fmt.Sprintf("audio_slot_caps_%d", i)
			queue := fmt.Sprintf("audio_slot_queue_%d", i)
			pad := fmt.Sprintf("audio_mix.sink_%d", i)
			for _, el := range []string{
				fmt.Sprintf("appsrc name=%s format=time is-live=true", src),
				fmt.Sprintf("audioconvert name=%s", convert),
				fmt.Sprintf("audioresample name=%s", resample),
				fmt.Sprintf("capsfilter name=%s caps=audio/x-raw,rate=%d", caps, int(sampleRate)),
				fmt.Sprintf("queue name=%s", queue),
			} {
				if err := add(el); err != nil {
					return err
				}
			}
			for _, l := range [][2]string{{src, convert}, {convert, resample}, {resample, caps}, {caps, queue}, {queue, pad}} {
				if err := link(l[0], l[1]); err != nil {
					return err
				}
			}
			if err := m.bindSlotInput(pipeline, id, MediumAudio, src); err != nil {
				return err
			}
		}
		for _, el := range []string{
			"audioconvert name=audio_out_convert",
			"audioresample name=audio_out_resample",
			fmt.Sprintf("capsfilter name=audio_out_caps caps=audio/x-raw,channels=2,rate=%d", int(sampleRate)),
			"appsink name=audio_sink",
		} {
			if err := add(el); err != nil {
				return err
			}
		}
		for _, l := range [][2]string{
			{"audio_mix", "audio_out_convert"}, {"audio_out_convert", "audio_out_resample"},
			{"audio_out_resample", "audio_out_caps"}, {"audio_out_caps", "audio_sink"},
		} {
			if err := link(l[0], l[1]); err != nil {
				return err
			}
		}
		if err := m.bindOutput(pipeline, MediumAudio, "audio_sink"); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.pipeline = pipeline
	m.mu.Unlock()
	return m.reconcilePadProperties()
}

// bindSlotInput wires a slot's inputPort to the pipeline's real appsrc
// element, when the pipeline is capable of it, so a sample a StreamBridge
// pushes into the slot actually reaches the running pipeline.
func (m *Mixer) bindSlotInput(pipeline Pipeline, slotID string, medium Medium, elementName string) error {
	sk, ok := pipeline.(SampleSink)
	if !ok {
		return nil
	}
	m.mu.Lock()
	slot, exists := m.slots[slotID]
	m.mu.Unlock()
	if !exists {
		return nil
	}
	port, ok := slot.inputs[medium]
	if !ok {
		return nil
	}
	if err := sk.BindInput(elementName); err != nil {
		return fmt.Errorf("mixer %s: binding input %q: %w", m.id, elementName, err)
	}
	boundElement := elementName
	port.bindForward(
		func(s bridge.Sample) error { return sk.PushSample(boundElement, s) },
		func() error { return sk.PushEOS(boundElement) },
	)
	return nil
}

// bindOutput wires the mixer's own output port to the pipeline's real
// appsink element, when the pipeline is capable of it.
func (m *Mixer) bindOutput(pipeline Pipeline, medium Medium, elementName string) error {
	ss, ok := pipeline.(SampleSource)
	if !ok {
		return nil
	}
	m.mu.Lock()
	port, exists := m.outputs[medium]
	m.mu.Unlock()
	if !exists {
		return nil
	}
	if err := ss.BindOutput(elementName, port.emit, port.emitEOS); err != nil {
		return fmt.Errorf("mixer %s: binding output %q: %w", m.id, elementName, err)
	}
	return nil
}

// reconcilePadProperties re-applies every slot's current settings onto
// its compositor/audiomixer sink pad, with the x/y ↔ xpos/ypos aliasing
// §4.7 calls for, and ignores unrecognised properties / sizing-policy.
func (m *Mixer) reconcilePadProperties() error {
	m.mu.Lock()
	pipeline := m.pipeline
	m.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	ps, ok := pipeline.(PropertySetter)
	if !ok {
		return nil
	}

	m.mu.Lock()
	slotIDs := make([]string, 0, len(m.slots))
	for id := range m.slots {
		slotIDs = append(slotIDs, id)
	}
	sort.Strings(slotIDs)
	type slotSnapshot struct {
		video, audio bool
		settings     map[string]any
	}
	snapshots := make(map[string]slotSnapshot, len(slotIDs))
	for _, id := range slotIDs {
		slot := m.slots[id]
		snapshots[id] = slotSnapshot{video: slot.video, audio: slot.audio, settings: cloneAnyMap(slot.settings)}
	}
	m.mu.Unlock()

	for i, id := range slotIDs {
		snap := snapshots[id]
		if snap.video {
			pad := fmt.Sprintf("video_mix.sink_%d", i)
			for key, value := range snap.settings {
				prop, ok := videoPadProperty(key)
				if !ok {
					continue
				}
				if err := ps.SetProperty(pad, prop, value); err != nil {
					return fmt.Errorf("mixer %s: setting %s on %s: %w", m.id, prop, pad, err)
				}
			}
		}
		if snap.audio {
			pad := fmt.Sprintf("audio_mix.sink_%d", i)
			if v, ok := snap.settings["audio::volume"]; ok {
				if err := ps.SetProperty(pad, "volume", v); err != nil {
					return fmt.Errorf("mixer %s: setting volume on %s: %w", m.id, pad, err)
				}
			}
		}
	}
	return nil
}

// videoPadProperty maps a "video::*" slot-settings key to the compositor
// sink pad property it drives, applying the x↔xpos/y↔ypos aliasing and
// dropping sizing-policy (accepted-but-ignored, Open Question b).
func videoPadProperty(key string) (string, bool) {
	switch key {
	case "video::x":
		return "xpos", true
	case "video::y":
		return "ypos", true
	case "video::width":
		return "width", true
	case "video::height":
		return "height", true
	case "video::alpha":
		return "alpha", true
	case "video::zorder":
		return "zorder", true
	default:
		return "", false
	}
}

func (m *Mixer) syncLivePipeline(stage PipelineStage) error {
	m.mu.Lock()
	pipeline := m.pipeline
	m.mu.Unlock()

	if stage == StageIdle {
		if pipeline == nil {
			return nil
		}
		return m.teardown()
	}

	if pipeline == nil {
		if err := m.construct(); err != nil {
			m.markError(err)
			m.mu.Lock()
			m.state = protocol.StateStopped
			m.stage = StageIdle
			m.mu.Unlock()
			return err
		}
		m.mu.Lock()
		pipeline = m.pipeline
		m.mu.Unlock()
	} else if err := m.reconcilePadProperties(); err != nil {
		m.markError(err)
		return err
	}

	msg, hasErr := pipeline.BusPoll(0, func(b BusMessage) bool { return b.Kind == BusMessageError })
	if hasErr {
		err := fmt.Errorf("mixer %s: pipeline error: %s", m.id, msg.Text)
		m.markError(err)
		_ = m.teardown()
		m.mu.Lock()
		m.state = protocol.StateStopped
		m.stage = StageIdle
		m.mu.Unlock()
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
