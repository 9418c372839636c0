/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package manager owns the media graph: the node and link maps, the
// per-(producer, medium) stream bridges, and the single dispatch entry
// point that validates and applies commands, wires producers to
// consumers through bridges, and drives node ticks (§4.9).
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/events"
	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/nodes"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// link is the manager's record of one connection between two nodes.
type link struct {
	id     string
	srcID  string
	sinkID string
	audio  bool
	video  bool
	config map[string]any
}

func (l *link) hasMedium(m nodes.Medium) bool {
	if m == nodes.MediumAudio {
		return l.audio
	}
	return l.video
}

type bridgeKey struct {
	srcID  string
	medium nodes.Medium
}

// Manager owns the graph exclusively; every mutation is serialized by mu
// so that a dispatch is atomic with respect to other dispatches and to
// ticks (§5).
type Manager struct {
	mu sync.Mutex

	nodes   map[string]nodes.Node
	links   map[string]*link
	bridges map[bridgeKey]*bridge.Bridge

	pipelineFactory nodes.PipelineFactory
	nowFunc         func() time.Time
	started         bool

	log zerolog.Logger
	bus *events.Bus
}

// New constructs an empty Manager. pipelineFactory builds the live
// pipeline for a new node; nowFunc supplies wall-clock time (overridable
// in tests, per SPEC_FULL's "Test tooling" section).
func New(pipelineFactory nodes.PipelineFactory, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		nodes:           make(map[string]nodes.Node),
		links:           make(map[string]*link),
		bridges:         make(map[bridgeKey]*bridge.Bridge),
		pipelineFactory: pipelineFactory,
		nowFunc:         time.Now,
		bus:             bus,
		log:             log,
	}
}

// SetNowFunc overrides the wall clock used to drive schedules; tests use
// this to advance a virtual clock instead of sleeping.
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = f
}

func (m *Manager) now() time.Time { return m.nowFunc() }

// Tick runs a bare refresh pass with no command execution; the
// background ticker (internal/graph/runtime) calls this every 100ms.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshAllLocked(m.now())
}

// Dispatch processes one command to completion: refresh, execute,
// (if topology-mutating) synchronize bridges, refresh again (§4.9).
func (m *Manager) Dispatch(cmd protocol.Command) protocol.CommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = true
	m.refreshAllLocked(m.now())

	result := m.execute(cmd)

	if cmd.Kind() != protocol.KindGetInfo {
		m.syncBridgesLocked()
	}
	m.refreshAllLocked(m.now())

	return result
}

func (m *Manager) refreshAllLocked(now time.Time) {
	for id, n := range m.nodes {
		if err := n.Refresh(now); err != nil {
			m.log.Error().Err(err).Str("node_id", id).Msg("node refresh error")
			if m.bus != nil {
				m.bus.Publish(events.EventNodeError, events.Payload{"node_id": id, "error": err.Error()})
			}
		}
	}
}

func errResult(format string, args ...any) protocol.CommandResult {
	return protocol.ErrorResult{Message: fmt.Sprintf(format, args...)}
}

func (m *Manager) execute(cmd protocol.Command) protocol.CommandResult {
	switch c := cmd.(type) {
	case protocol.CreateVideoGenerator:
		return m.createVideoGenerator(c)
	case protocol.CreateSource:
		return m.createSource(c)
	case protocol.CreateDestination:
		return m.createDestination(c)
	case protocol.CreateMixer:
		return m.createMixer(c)
	case protocol.Connect:
		return m.connect(c)
	case protocol.Disconnect:
		return m.disconnect(c)
	case protocol.Start:
		return m.schedule(c.SchedulePayload)
	case protocol.Reschedule:
		return m.schedule(c.SchedulePayload)
	case protocol.Remove:
		return m.remove(c)
	case protocol.GetInfo:
		return m.getInfo(c)
	case protocol.AddControlPoint:
		return m.addControlPoint(c)
	case protocol.RemoveControlPoint:
		return m.removeControlPoint(c)
	default:
		return errResult("manager: unknown command type %T", cmd)
	}
}

func (m *Manager) publish(eventType events.EventType, payload events.Payload) {
	if m.bus != nil {
		m.bus.Publish(eventType, payload)
	}
}

func (m *Manager) createVideoGenerator(c protocol.CreateVideoGenerator) protocol.CommandResult {
	if _, exists := m.nodes[c.ID]; exists {
		return errResult("node %s already exists", c.ID)
	}
	m.nodes[c.ID] = nodes.NewVideoGenerator(c.ID, m.pipelineFactory, m.log)
	m.publish(events.EventNodeCreated, events.Payload{"node_id": c.ID, "kind": "video_generator"})
	return protocol.Success{}
}

func (m *Manager) createSource(c protocol.CreateSource) protocol.CommandResult {
	if _, exists := m.nodes[c.ID]; exists {
		return errResult("node %s already exists", c.ID)
	}
	if !c.Audio && !c.Video {
		return errResult("node %s: at least one of audio/video must be enabled", c.ID)
	}
	m.nodes[c.ID] = nodes.NewSource(c.ID, c.URI, c.Audio, c.Video, m.pipelineFactory, m.log)
	m.publish(events.EventNodeCreated, events.Payload{"node_id": c.ID, "kind": "source"})
	return protocol.Success{}
}

func (m *Manager) createDestination(c protocol.CreateDestination) protocol.CommandResult {
	if _, exists := m.nodes[c.ID]; exists {
		return errResult("node %s already exists", c.ID)
	}
	if !c.Audio && !c.Video {
		return errResult("node %s: at least one of audio/video must be enabled", c.ID)
	}
	m.nodes[c.ID] = nodes.NewDestination(c.ID, c.Family, c.Audio, c.Video, m.pipelineFactory, m.log)
	m.publish(events.EventNodeCreated, events.Payload{"node_id": c.ID, "kind": "destination"})
	return protocol.Success{}
}

func (m *Manager) createMixer(c protocol.CreateMixer) protocol.CommandResult {
	if _, exists := m.nodes[c.ID]; exists {
		return errResult("node %s already exists", c.ID)
	}
	if !c.Audio && !c.Video {
		return errResult("node %s: at least one of audio/video must be enabled", c.ID)
	}
	if err := nodes.ValidateMixerSettings(c.Config); err != nil {
		return errResult("%s", err.Error())
	}
	m.nodes[c.ID] = nodes.NewMixer(c.ID, c.Config, c.Audio, c.Video, m.pipelineFactory, m.log)
	m.publish(events.EventNodeCreated, events.Payload{"node_id": c.ID, "kind": "mixer"})
	return protocol.Success{}
}

func (m *Manager) connect(c protocol.Connect) protocol.CommandResult {
	if _, exists := m.links[c.LinkID]; exists {
		return errResult("link %s already exists", c.LinkID)
	}
	if !c.Audio && !c.Video {
		return errResult("link %s: at least one of audio/video must be enabled", c.LinkID)
	}
	src, ok := m.nodes[c.SrcID]
	if !ok {
		return errResult("link %s: no such node %s", c.LinkID, c.SrcID)
	}
	sink, ok := m.nodes[c.SinkID]
	if !ok {
		return errResult("link %s: no such node %s", c.LinkID, c.SinkID)
	}

	for _, medium := range []nodes.Medium{nodes.MediumAudio, nodes.MediumVideo} {
		enabled := medium == nodes.MediumAudio && c.Audio || medium == nodes.MediumVideo && c.Video
		if !enabled {
			continue
		}
		if !src.CanEmit(medium) || !sink.CanIngest(medium) {
			return errResult("link %s: %s capabilities do not match between %s and %s", c.LinkID, medium, c.SrcID, c.SinkID)
		}
	}

	if mixer, ok := sink.(*nodes.Mixer); ok {
		if err := mixer.AddSlot(c.LinkID, c.Audio, c.Video, c.Config); err != nil {
			return errResult("%s", err.Error())
		}
	} else if dest, ok := sink.(*nodes.Destination); ok {
		var attached []nodes.Medium
		rollback := func() {
			for _, medium := range attached {
				dest.DetachSlot(medium, c.LinkID)
			}
		}
		if c.Audio {
			if err := dest.AttachSlot(nodes.MediumAudio, c.LinkID); err != nil {
				rollback()
				return errResult("%s", err.Error())
			}
			attached = append(attached, nodes.MediumAudio)
		}
		if c.Video {
			if err := dest.AttachSlot(nodes.MediumVideo, c.LinkID); err != nil {
				rollback()
				return errResult("%s", err.Error())
			}
			attached = append(attached, nodes.MediumVideo)
		}
	}

	m.links[c.LinkID] = &link{id: c.LinkID, srcID: c.SrcID, sinkID: c.SinkID, audio: c.Audio, video: c.Video, config: c.Config}
	if c.Audio {
		src.AddConsumerLink(nodes.MediumAudio, c.LinkID)
	}
	if c.Video {
		src.AddConsumerLink(nodes.MediumVideo, c.LinkID)
	}
	m.publish(events.EventLinkConnected, events.Payload{"link_id": c.LinkID, "src_id": c.SrcID, "sink_id": c.SinkID})
	return protocol.Success{}
}

func (m *Manager) disconnect(c protocol.Disconnect) protocol.CommandResult {
	l, ok := m.links[c.LinkID]
	if !ok {
		return errResult("no such link %s", c.LinkID)
	}
	m.removeLinkLocked(l)
	m.publish(events.EventLinkDisconnected, events.Payload{"link_id": c.LinkID})
	return protocol.Success{}
}

// removeLinkLocked drops a link from every bookkeeping structure except
// the bridges, which the generic bridge synchronizer reconciles on the
// next pass.
func (m *Manager) removeLinkLocked(l *link) {
	delete(m.links, l.id)
	if src, ok := m.nodes[l.srcID]; ok {
		if l.audio {
			src.RemoveConsumerLink(nodes.MediumAudio, l.id)
		}
		if l.video {
			src.RemoveConsumerLink(nodes.MediumVideo, l.id)
		}
	}
	if sink, ok := m.nodes[l.sinkID]; ok {
		switch n := sink.(type) {
		case *nodes.Mixer:
			n.RemoveSlot(l.id)
		case *nodes.Destination:
			if l.audio {
				n.DetachSlot(nodes.MediumAudio, l.id)
			}
			if l.video {
				n.DetachSlot(nodes.MediumVideo, l.id)
			}
		}
	}
}

func (m *Manager) schedule(p protocol.SchedulePayload) protocol.CommandResult {
	n, ok := m.nodes[p.ID]
	if !ok {
		return errResult("no such node %s", p.ID)
	}
	if err := n.Schedule(p.CueTime, p.EndTime, m.now()); err != nil {
		return errResult("%s", err.Error())
	}
	m.publish(events.EventNodeStateChanged, events.Payload{"node_id": p.ID})
	return protocol.Success{}
}

func (m *Manager) remove(c protocol.Remove) protocol.CommandResult {
	n, ok := m.nodes[c.ID]
	if !ok {
		return errResult("no such node %s", c.ID)
	}
	if err := n.Stop(); err != nil {
		m.log.Error().Err(err).Str("node_id", c.ID).Msg("error stopping node during removal")
	}
	for _, l := range m.links {
		if l.srcID == c.ID || l.sinkID == c.ID {
			m.removeLinkLocked(l)
		}
	}
	delete(m.nodes, c.ID)
	m.publish(events.EventNodeRemoved, events.Payload{"node_id": c.ID})
	return protocol.Success{}
}

func (m *Manager) getInfo(c protocol.GetInfo) protocol.CommandResult {
	out := make(map[string]protocol.NodeInfo)
	if c.ID != nil {
		n, ok := m.nodes[*c.ID]
		if !ok {
			return errResult("no such node %s", *c.ID)
		}
		out[*c.ID] = n.AsInfo()
		return protocol.InfoResult{Info: protocol.Info{Nodes: out}}
	}
	for id, n := range m.nodes {
		out[id] = n.AsInfo()
	}
	return protocol.InfoResult{Info: protocol.Info{Nodes: out}}
}

// resolveControllee routes an AddControlPoint/RemoveControlPoint
// controllee id to either a mixer-slot link or a mixer node, per §4.9:
// "route by controllee — if the id matches a link, it's a mixer-slot
// operation (must target a mixer link); otherwise it's a node operation
// (must target a mixer)."
func (m *Manager) resolveControllee(controlleeID string) (mixer *nodes.Mixer, linkID string, isSlot bool, err error) {
	if l, ok := m.links[controlleeID]; ok {
		sink, ok := m.nodes[l.sinkID]
		if !ok {
			return nil, "", false, fmt.Errorf("controllee %s: link sink %s no longer exists", controlleeID, l.sinkID)
		}
		mixer, ok := sink.(*nodes.Mixer)
		if !ok {
			return nil, "", false, fmt.Errorf("controllee %s: link does not target a mixer", controlleeID)
		}
		return mixer, controlleeID, true, nil
	}
	n, ok := m.nodes[controlleeID]
	if !ok {
		return nil, "", false, fmt.Errorf("no such node or link %s", controlleeID)
	}
	mixer, ok = n.(*nodes.Mixer)
	if !ok {
		return nil, "", false, fmt.Errorf("controllee %s is not a mixer", controlleeID)
	}
	return mixer, "", false, nil
}

func (m *Manager) addControlPoint(c protocol.AddControlPoint) protocol.CommandResult {
	mixer, linkID, isSlot, err := m.resolveControllee(c.ControlleeID)
	if err != nil {
		return errResult("%s", err.Error())
	}
	if isSlot {
		if err := mixer.AddSlotControlPoint(linkID, c.Property, c.ControlPoint); err != nil {
			return errResult("%s", err.Error())
		}
	} else if err := mixer.AddControlPoint(c.Property, c.ControlPoint); err != nil {
		return errResult("%s", err.Error())
	}
	m.publish(events.EventControlPointAdded, events.Payload{"controllee_id": c.ControlleeID, "property": c.Property})
	return protocol.Success{}
}

func (m *Manager) removeControlPoint(c protocol.RemoveControlPoint) protocol.CommandResult {
	mixer, linkID, isSlot, err := m.resolveControllee(c.ControlleeID)
	if err != nil {
		return errResult("%s", err.Error())
	}
	if isSlot {
		mixer.RemoveSlotControlPoint(linkID, c.Property, c.ID)
	} else {
		mixer.RemoveControlPoint(c.Property, c.ID)
	}
	m.publish(events.EventControlPointRemoved, events.Payload{"controllee_id": c.ControlleeID, "property": c.Property})
	return protocol.Success{}
}

// syncBridgesLocked is the bridge synchronizer (§4.9): for every link,
// ensure a bridge per requested medium, bind the producer sink (if
// present) and the consumer source for that link (if present); evict
// consumers whose link no longer exists; drop bridges left with zero
// consumers.
func (m *Manager) syncBridgesLocked() {
	liveLinks := make(map[string]bool, len(m.links))
	for id := range m.links {
		liveLinks[id] = true
	}
	for _, br := range m.bridges {
		for _, consumerID := range br.ConsumerIDs() {
			if !liveLinks[consumerID] {
				br.RemoveConsumer(consumerID)
				m.publish(events.EventBridgeConsumerEvicted, events.Payload{"link_id": consumerID})
			}
		}
	}

	for _, l := range m.links {
		src := m.nodes[l.srcID]
		sink := m.nodes[l.sinkID]
		for _, medium := range []nodes.Medium{nodes.MediumAudio, nodes.MediumVideo} {
			if !l.hasMedium(medium) {
				continue
			}
			key := bridgeKey{srcID: l.srcID, medium: medium}
			br, ok := m.bridges[key]
			if !ok {
				br = bridge.New()
				m.bridges[key] = br
			}
			if src != nil {
				if sinkPort, ok := src.OutputSink(medium); ok {
					br.AttachSink(sinkPort)
				}
			}
			if sink != nil {
				if consumer, ok := sink.InputSource(medium, l.id); ok {
					br.AddConsumer(l.id, consumer)
					continue
				}
			}
			br.RemoveConsumer(l.id)
		}
	}

	for key, br := range m.bridges {
		if br.ConsumerCount() == 0 {
			br.Clear()
			delete(m.bridges, key)
		}
	}
}
