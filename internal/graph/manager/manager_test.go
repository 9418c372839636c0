/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package manager

import (
	"testing"
	"time"

	"github.com/friendsincode/graphengine/internal/events"
	"github.com/friendsincode/graphengine/internal/graph/nodes"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
	"github.com/friendsincode/graphengine/internal/logging"
)

func newTestManager(t *testing.T) (*Manager, *[]*nodes.FakePipeline, *time.Time) {
	t.Helper()
	var pipelines []*nodes.FakePipeline
	factory := nodes.NewFakePipelineFactory(&pipelines)
	log := logging.Setup("test")
	m := New(factory, events.NewBus(), log)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := now
	m.SetNowFunc(func() time.Time { return clock })
	return m, &pipelines, &clock
}

func mustSucceed(t *testing.T, result protocol.CommandResult) {
	t.Helper()
	if e, ok := result.(protocol.ErrorResult); ok {
		t.Fatalf("expected success, got error: %s", e.Message)
	}
}

func mustFail(t *testing.T, result protocol.CommandResult) protocol.ErrorResult {
	t.Helper()
	e, ok := result.(protocol.ErrorResult)
	if !ok {
		t.Fatalf("expected an ErrorResult, got %T", result)
	}
	return e
}

// S1: create-connect-getinfo with no start call ever issued leaves every
// node Initial.
func TestCreateConnectGetInfoLeavesNodesInitial(t *testing.T) {
	m, _, _ := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateSource{ID: "s1", URI: "https://x/v.mp4", Audio: true, Video: true}))
	mustSucceed(t, m.Dispatch(protocol.CreateDestination{ID: "d1", Family: protocol.DestinationFamily{Kind: protocol.FamilyLocalPlayback}, Audio: true, Video: true}))
	mustSucceed(t, m.Dispatch(protocol.Connect{LinkID: "L1", SrcID: "s1", SinkID: "d1", Audio: true, Video: true}))

	info := m.Dispatch(protocol.GetInfo{}).(protocol.InfoResult).Info
	if len(info.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(info.Nodes))
	}
	if got := info.Nodes["s1"].(protocol.SourceInfo).State; got != protocol.StateInitial {
		t.Fatalf("s1: expected Initial, got %s", got)
	}
	if got := info.Nodes["d1"].(protocol.DestinationInfo).State; got != protocol.StateInitial {
		t.Fatalf("d1: expected Initial, got %s", got)
	}
}

// Schedule determinism: a video generator and a local-playback
// destination, connected and started, reach Started once both sides of
// the link are live.
func TestSchedulePlaysThroughLinkedNodes(t *testing.T) {
	m, _, clock := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateVideoGenerator{ID: "gen"}))
	mustSucceed(t, m.Dispatch(protocol.CreateDestination{
		ID:     "dst",
		Family: protocol.DestinationFamily{Kind: protocol.FamilyLocalPlayback},
		Video:  true,
	}))
	mustSucceed(t, m.Dispatch(protocol.Connect{LinkID: "l1", SrcID: "gen", SinkID: "dst", Video: true}))

	cue := *clock
	mustSucceed(t, m.Dispatch(protocol.Start{SchedulePayload: protocol.SchedulePayload{ID: "gen", CueTime: &cue}}))
	mustSucceed(t, m.Dispatch(protocol.Start{SchedulePayload: protocol.SchedulePayload{ID: "dst", CueTime: &cue}}))

	info := m.Dispatch(protocol.GetInfo{}).(protocol.InfoResult).Info
	dstInfo := info.Nodes["dst"].(protocol.DestinationInfo)
	if dstInfo.State != protocol.StateStarted {
		t.Fatalf("expected destination Started at cue, got %s", dstInfo.State)
	}
	genInfo := info.Nodes["gen"].(protocol.SourceInfo)
	if genInfo.State != protocol.StateStarted {
		t.Fatalf("expected generator Started at cue, got %s", genInfo.State)
	}
}

// S2: connecting an audio-only source to a video-only destination must be
// rejected with a capabilities-do-not-match error, and must not mutate
// state (no link recorded, no slot attached).
func TestConnectRejectsCapabilityMismatch(t *testing.T) {
	m, _, _ := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateSource{ID: "src", URI: "file:///a.mp4", Audio: true}))
	mustSucceed(t, m.Dispatch(protocol.CreateDestination{ID: "dst", Family: protocol.DestinationFamily{Kind: protocol.FamilyLocalPlayback}, Video: true}))

	result := m.Dispatch(protocol.Connect{LinkID: "l1", SrcID: "src", SinkID: "dst", Video: true})
	e := mustFail(t, result)
	if e.Message == "" {
		t.Fatal("expected a non-empty error message")
	}

	info := m.Dispatch(protocol.GetInfo{}).(protocol.InfoResult).Info
	dstInfo := info.Nodes["dst"].(protocol.DestinationInfo)
	if dstInfo.VideoSlotID != nil {
		t.Fatalf("destination slot should not have been attached on a rejected connect")
	}
}

// S3: a destination cannot be started before every enabled medium has a
// slot attached.
func TestScheduleDestinationRequiresSlots(t *testing.T) {
	m, _, clock := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateDestination{ID: "dst", Family: protocol.DestinationFamily{Kind: protocol.FamilyLocalPlayback}, Audio: true, Video: true}))

	cue := *clock
	result := m.Dispatch(protocol.Start{SchedulePayload: protocol.SchedulePayload{ID: "dst", CueTime: &cue}})
	mustFail(t, result)
}

// S4: creating a mixer with an unknown setting name fails with the exact
// diagnostic the spec requires.
func TestCreateMixerRejectsUnknownSetting(t *testing.T) {
	m, _, _ := newTestManager(t)

	result := m.Dispatch(protocol.CreateMixer{
		ID:     "mix",
		Config: map[string]any{"bogus": 1.0},
		Audio:  true,
		Video:  true,
	})
	e := mustFail(t, result)
	if e.Message != "No setting with name bogus" {
		t.Fatalf("unexpected message: %q", e.Message)
	}
}

// S5: removing a node cascades to every link that references it, and a
// subsequent GetInfo no longer reports that node.
func TestRemoveCascadesLinks(t *testing.T) {
	m, _, _ := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateVideoGenerator{ID: "gen"}))
	mustSucceed(t, m.Dispatch(protocol.CreateMixer{ID: "mix", Video: true}))
	mustSucceed(t, m.Dispatch(protocol.Connect{LinkID: "l1", SrcID: "gen", SinkID: "mix", Video: true}))

	mustSucceed(t, m.Dispatch(protocol.Remove{ID: "gen"}))

	info := m.Dispatch(protocol.GetInfo{}).(protocol.InfoResult).Info
	if _, exists := info.Nodes["gen"]; exists {
		t.Fatal("removed node should no longer be reported")
	}
	mixInfo := info.Nodes["mix"].(protocol.MixerInfo)
	if _, exists := mixInfo.Slots["l1"]; exists {
		t.Fatal("mixer slot for the cascaded link should have been removed")
	}
}

// S6: a control point targeting a mixer-slot link id is routed to that
// slot; targeting the mixer node id directly is a node-level control
// point. Evaluating at the control point's own time reflects its value.
func TestControlPointRoutingBySlotOrNode(t *testing.T) {
	m, _, clock := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateVideoGenerator{ID: "gen"}))
	mustSucceed(t, m.Dispatch(protocol.CreateMixer{ID: "mix", Video: true}))
	mustSucceed(t, m.Dispatch(protocol.Connect{LinkID: "l1", SrcID: "gen", SinkID: "mix", Video: true}))

	cpTime := *clock
	mustSucceed(t, m.Dispatch(protocol.AddControlPoint{
		ControlleeID: "l1",
		Property:     "video::alpha",
		ControlPoint: protocol.ControlPoint{ID: "cp1", Time: cpTime, Value: 0.5, Mode: protocol.ControlModeSet},
	}))
	mustSucceed(t, m.Dispatch(protocol.AddControlPoint{
		ControlleeID: "mix",
		Property:     "width",
		ControlPoint: protocol.ControlPoint{ID: "cp2", Time: cpTime, Value: 640.0, Mode: protocol.ControlModeSet},
	}))

	// Nudge the clock so a subsequent dispatch re-evaluates control points.
	*clock = cpTime.Add(time.Second)
	mustSucceed(t, m.Dispatch(protocol.GetInfo{}))

	info := m.Dispatch(protocol.GetInfo{}).(protocol.InfoResult).Info
	mixInfo := info.Nodes["mix"].(protocol.MixerInfo)
	if mixInfo.SlotSettings["l1"]["video::alpha"] != 0.5 {
		t.Fatalf("expected slot alpha 0.5, got %v", mixInfo.SlotSettings["l1"]["video::alpha"])
	}
	if mixInfo.Settings["width"] != 640.0 {
		t.Fatalf("expected mixer width 640, got %v", mixInfo.Settings["width"])
	}

	// A control point targeting a non-mixer node's id must fail.
	result := m.Dispatch(protocol.AddControlPoint{
		ControlleeID: "gen",
		Property:     "width",
		ControlPoint: protocol.ControlPoint{ID: "cp3", Time: cpTime, Value: 1.0},
	})
	mustFail(t, result)
}

// Universal property: the bridge synchronizer only binds a consumer once
// both ends of the link expose a live port, and evicts it again once the
// link is disconnected.
func TestBridgeSyncFollowsLinkLifecycle(t *testing.T) {
	m, _, clock := newTestManager(t)

	mustSucceed(t, m.Dispatch(protocol.CreateVideoGenerator{ID: "gen"}))
	mustSucceed(t, m.Dispatch(protocol.CreateDestination{ID: "dst", Family: protocol.DestinationFamily{Kind: protocol.FamilyLocalPlayback}, Video: true}))
	mustSucceed(t, m.Dispatch(protocol.Connect{LinkID: "l1", SrcID: "gen", SinkID: "dst", Video: true}))

	if len(m.bridges) != 0 {
		t.Fatalf("no bridge should exist before either node is live, got %d", len(m.bridges))
	}

	cue := *clock
	mustSucceed(t, m.Dispatch(protocol.Start{SchedulePayload: protocol.SchedulePayload{ID: "gen", CueTime: &cue}}))
	mustSucceed(t, m.Dispatch(protocol.Start{SchedulePayload: protocol.SchedulePayload{ID: "dst", CueTime: &cue}}))

	found := false
	for key, br := range m.bridges {
		if key.srcID == "gen" && br.ConsumerCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a bridge from gen with one bound consumer once both nodes are live")
	}

	mustSucceed(t, m.Dispatch(protocol.Disconnect{LinkID: "l1"}))
	if len(m.bridges) != 0 {
		t.Fatalf("disconnecting the only link should drop the now-empty bridge, got %d remaining", len(m.bridges))
	}
}

// Dispatching an unscheduled Tick should not panic and should leave node
// state untouched when no commands have been issued yet.
func TestTickIsSafeBeforeAnyDispatch(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Tick()
}
