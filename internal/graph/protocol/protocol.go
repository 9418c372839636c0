/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package protocol defines the canonical on-the-wire shapes exchanged with
// the media-graph runtime: commands, responses, node info, control points
// and destination families. Commands are encoded as an object with a
// single lowercase tag key whose value is the payload object, e.g.
// {"createsource":{"id":"s1","uri":"file:///a.mp4"}}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandKind is the lowercase wire tag identifying a Command's payload shape.
type CommandKind string

const (
	KindCreateVideoGenerator CommandKind = "createvideogenerator"
	KindCreateSource         CommandKind = "createsource"
	KindCreateDestination    CommandKind = "createdestination"
	KindCreateMixer          CommandKind = "createmixer"
	KindConnect              CommandKind = "connect"
	KindDisconnect           CommandKind = "disconnect"
	KindStart                CommandKind = "start"
	KindReschedule           CommandKind = "reschedule"
	KindRemove               CommandKind = "remove"
	KindGetInfo              CommandKind = "getinfo"
	KindAddControlPoint      CommandKind = "addcontrolpoint"
	KindRemoveControlPoint   CommandKind = "removecontrolpoint"
)

// Command is any payload that can appear as a command's tagged value.
type Command interface {
	Kind() CommandKind
}

// CreateVideoGenerator creates a synthetic ball-pattern video source.
type CreateVideoGenerator struct {
	ID string `json:"id"`
}

func (CreateVideoGenerator) Kind() CommandKind { return KindCreateVideoGenerator }

// CreateSource creates a node that decodes one URI into audio and/or video.
type CreateSource struct {
	ID    string `json:"id"`
	URI   string `json:"uri"`
	Audio bool   `json:"audio"`
	Video bool   `json:"video"`
}

func (CreateSource) Kind() CommandKind { return KindCreateSource }

func (c *CreateSource) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string `json:"id"`
		URI   string `json:"uri"`
		Audio *bool  `json:"audio"`
		Video *bool  `json:"video"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.URI = raw.URI
	c.Audio = raw.Audio == nil || *raw.Audio
	c.Video = raw.Video == nil || *raw.Video
	return nil
}

// CreateDestination creates an egress node for one family.
type CreateDestination struct {
	ID     string            `json:"id"`
	Family DestinationFamily `json:"family"`
	Audio  bool              `json:"audio"`
	Video  bool              `json:"video"`
}

func (CreateDestination) Kind() CommandKind { return KindCreateDestination }

func (c *CreateDestination) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string            `json:"id"`
		Family DestinationFamily `json:"family"`
		Audio  *bool             `json:"audio"`
		Video  *bool             `json:"video"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Family = raw.Family
	c.Audio = raw.Audio == nil || *raw.Audio
	c.Video = raw.Video == nil || *raw.Video
	return nil
}

// CreateMixer creates a node that composites any number of slot inputs.
type CreateMixer struct {
	ID     string         `json:"id"`
	Config map[string]any `json:"config,omitempty"`
	Audio  bool           `json:"audio"`
	Video  bool           `json:"video"`
}

func (CreateMixer) Kind() CommandKind { return KindCreateMixer }

func (c *CreateMixer) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string         `json:"id"`
		Config map[string]any `json:"config,omitempty"`
		Audio  *bool          `json:"audio"`
		Video  *bool          `json:"video"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Config = raw.Config
	c.Audio = raw.Audio == nil || *raw.Audio
	c.Video = raw.Video == nil || *raw.Video
	return nil
}

// Connect creates a link from a producer-capable node to a consumer-capable node.
type Connect struct {
	LinkID string         `json:"link_id"`
	SrcID  string         `json:"src_id"`
	SinkID string         `json:"sink_id"`
	Audio  bool           `json:"audio"`
	Video  bool           `json:"video"`
	Config map[string]any `json:"config,omitempty"`
}

func (Connect) Kind() CommandKind { return KindConnect }

func (c *Connect) UnmarshalJSON(data []byte) error {
	var raw struct {
		LinkID string         `json:"link_id"`
		SrcID  string         `json:"src_id"`
		SinkID string         `json:"sink_id"`
		Audio  *bool          `json:"audio"`
		Video  *bool          `json:"video"`
		Config map[string]any `json:"config,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.LinkID = raw.LinkID
	c.SrcID = raw.SrcID
	c.SinkID = raw.SinkID
	c.Audio = raw.Audio == nil || *raw.Audio
	c.Video = raw.Video == nil || *raw.Video
	c.Config = raw.Config
	return nil
}

// Disconnect removes a link.
type Disconnect struct {
	LinkID string `json:"link_id"`
}

func (Disconnect) Kind() CommandKind { return KindDisconnect }

// SchedulePayload carries the fields shared by Start and Reschedule.
type SchedulePayload struct {
	ID      string     `json:"id"`
	CueTime *time.Time `json:"cue_time,omitempty"`
	EndTime *time.Time `json:"end_time,omitempty"`
}

// Start (re)activates a node's schedule.
type Start struct {
	SchedulePayload
}

func (Start) Kind() CommandKind { return KindStart }

// Reschedule has the exact same effect as Start; it exists as a distinct
// wire tag for callers that want to express intent.
type Reschedule struct {
	SchedulePayload
}

func (Reschedule) Kind() CommandKind { return KindReschedule }

// Remove deletes a node and cascades to every link that references it.
type Remove struct {
	ID string `json:"id"`
}

func (Remove) Kind() CommandKind { return KindRemove }

// GetInfo projects one node, or every node when ID is nil.
type GetInfo struct {
	ID *string `json:"id,omitempty"`
}

func (GetInfo) Kind() CommandKind { return KindGetInfo }

// AddControlPoint attaches a timestamped value to a node or mixer-slot property.
type AddControlPoint struct {
	ControlleeID string       `json:"controllee_id"`
	Property     string       `json:"property"`
	ControlPoint ControlPoint `json:"control_point"`
}

func (AddControlPoint) Kind() CommandKind { return KindAddControlPoint }

// RemoveControlPoint removes one previously added control point by its own id.
type RemoveControlPoint struct {
	ID           string `json:"id"`
	ControlleeID string `json:"controllee_id"`
	Property     string `json:"property"`
}

func (RemoveControlPoint) Kind() CommandKind { return KindRemoveControlPoint }

// commandConstructors maps a wire tag to a fresh, unmarshalable Command value.
var commandConstructors = map[CommandKind]func() Command{
	KindCreateVideoGenerator: func() Command { return &CreateVideoGenerator{} },
	KindCreateSource:         func() Command { return &CreateSource{} },
	KindCreateDestination:    func() Command { return &CreateDestination{} },
	KindCreateMixer:          func() Command { return &CreateMixer{} },
	KindConnect:              func() Command { return &Connect{} },
	KindDisconnect:           func() Command { return &Disconnect{} },
	KindStart:                func() Command { return &Start{} },
	KindReschedule:           func() Command { return &Reschedule{} },
	KindRemove:               func() Command { return &Remove{} },
	KindGetInfo:              func() Command { return &GetInfo{} },
	KindAddControlPoint:      func() Command { return &AddControlPoint{} },
	KindRemoveControlPoint:   func() Command { return &RemoveControlPoint{} },
}

// MarshalCommand encodes cmd as its externally-tagged JSON object.
func MarshalCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("protocol: cannot marshal a nil command")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{string(cmd.Kind()): payload})
}

// UnmarshalCommand decodes a single-key tagged command object.
func UnmarshalCommand(data []byte) (Command, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("protocol: command must be a JSON object: %w", err)
	}
	if len(tagged) != 1 {
		return nil, fmt.Errorf("protocol: command object must have exactly one tag key, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		ctor, ok := commandConstructors[CommandKind(tag)]
		if !ok {
			return nil, fmt.Errorf("protocol: unknown command tag %q", tag)
		}
		cmd := ctor()
		if err := json.Unmarshal(raw, cmd); err != nil {
			return nil, fmt.Errorf("protocol: decoding %q payload: %w", tag, err)
		}
		return derefCommand(cmd), nil
	}
	panic("unreachable")
}

// derefCommand returns the pointee value so callers and tests compare plain
// value types rather than pointers.
func derefCommand(cmd Command) Command {
	switch c := cmd.(type) {
	case *CreateVideoGenerator:
		return *c
	case *CreateSource:
		return *c
	case *CreateDestination:
		return *c
	case *CreateMixer:
		return *c
	case *Connect:
		return *c
	case *Disconnect:
		return *c
	case *Start:
		return *c
	case *Reschedule:
		return *c
	case *Remove:
		return *c
	case *GetInfo:
		return *c
	case *AddControlPoint:
		return *c
	case *RemoveControlPoint:
		return *c
	default:
		return cmd
	}
}

// ControlMode selects how an evaluator interprets the point relative to its neighbors.
type ControlMode string

const (
	ControlModeSet         ControlMode = "set"
	ControlModeInterpolate ControlMode = "interpolate"
)

// ControlPoint is a timestamped value applied to a named property.
type ControlPoint struct {
	ID    string      `json:"id"`
	Time  time.Time   `json:"time"`
	Value any         `json:"value"`
	Mode  ControlMode `json:"mode"`
}

// DestinationFamilyKind discriminates a destination's egress shape.
type DestinationFamilyKind string

const (
	FamilyRtmp          DestinationFamilyKind = "Rtmp"
	FamilyUdp           DestinationFamilyKind = "Udp"
	FamilyLocalFile     DestinationFamilyKind = "LocalFile"
	FamilyLocalPlayback DestinationFamilyKind = "LocalPlayback"
)

// DestinationFamily discriminates the egress shape of a Destination node.
// LocalPlayback has no fields and serializes as the bare string
// "LocalPlayback"; the others serialize as a single-key tagged object,
// e.g. {"Rtmp":{"uri":"rtmp://..."}}.
type DestinationFamily struct {
	Kind DestinationFamilyKind

	URI string // Rtmp

	Host string // Udp

	BaseName      string  // LocalFile
	MaxSizeTimeMs *uint32 // LocalFile, optional
}

func (f DestinationFamily) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FamilyLocalPlayback:
		return json.Marshal("LocalPlayback")
	case FamilyRtmp:
		return json.Marshal(map[string]any{"Rtmp": map[string]string{"uri": f.URI}})
	case FamilyUdp:
		return json.Marshal(map[string]any{"Udp": map[string]string{"host": f.Host}})
	case FamilyLocalFile:
		payload := map[string]any{"base_name": f.BaseName}
		if f.MaxSizeTimeMs != nil {
			payload["max_size_time"] = *f.MaxSizeTimeMs
		}
		return json.Marshal(map[string]any{"LocalFile": payload})
	default:
		return nil, fmt.Errorf("protocol: unknown destination family kind %q", f.Kind)
	}
}

func (f *DestinationFamily) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != string(FamilyLocalPlayback) {
			return fmt.Errorf("protocol: unknown destination family %q", bare)
		}
		f.Kind = FamilyLocalPlayback
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("protocol: destination family must be a string or single-key object: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("protocol: destination family object must have exactly one key, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		switch DestinationFamilyKind(tag) {
		case FamilyRtmp:
			var p struct {
				URI string `json:"uri"`
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			f.Kind, f.URI = FamilyRtmp, p.URI
		case FamilyUdp:
			var p struct {
				Host string `json:"host"`
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			f.Kind, f.Host = FamilyUdp, p.Host
		case FamilyLocalFile:
			var p struct {
				BaseName    string  `json:"base_name"`
				MaxSizeTime *uint32 `json:"max_size_time"`
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			f.Kind, f.BaseName, f.MaxSizeTimeMs = FamilyLocalFile, p.BaseName, p.MaxSizeTime
		default:
			return fmt.Errorf("protocol: unknown destination family key %q", tag)
		}
	}
	return nil
}

// State is a node's position in its lifecycle state machine.
type State string

const (
	StateInitial  State = "initial"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// NodeInfoKind discriminates the concrete shape of a NodeInfo.
type NodeInfoKind string

const (
	NodeInfoKindSource      NodeInfoKind = "source"
	NodeInfoKindDestination NodeInfoKind = "destination"
	NodeInfoKindMixer       NodeInfoKind = "mixer"
)

// NodeInfo is the stable projection of one node, returned from GetInfo.
type NodeInfo interface {
	NodeInfoKind() NodeInfoKind
}

// SourceInfo projects a Source or VideoGenerator node (the latter using a
// synthetic videogenerator:// URI so clients see a uniform shape).
type SourceInfo struct {
	URI                  string     `json:"uri"`
	AudioConsumerSlotIDs []string   `json:"audio_consumer_slot_ids"`
	VideoConsumerSlotIDs []string   `json:"video_consumer_slot_ids"`
	CueTime              *time.Time `json:"cue_time,omitempty"`
	EndTime              *time.Time `json:"end_time,omitempty"`
	State                State      `json:"state"`
	LastError            *string    `json:"last_error,omitempty"`
}

func (SourceInfo) NodeInfoKind() NodeInfoKind { return NodeInfoKindSource }

// DestinationInfo projects a Destination node.
type DestinationInfo struct {
	Family      DestinationFamily `json:"family"`
	AudioSlotID *string           `json:"audio_slot_id,omitempty"`
	VideoSlotID *string           `json:"video_slot_id,omitempty"`
	CueTime     *time.Time        `json:"cue_time,omitempty"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	State       State             `json:"state"`
	LastError   *string           `json:"last_error,omitempty"`
}

func (DestinationInfo) NodeInfoKind() NodeInfoKind { return NodeInfoKindDestination }

// MixerSlotInfo is the introspected view of one mixer slot.
type MixerSlotInfo struct {
	Volume float64 `json:"volume"`
}

// MixerInfo projects a Mixer node, including every slot and control point series.
type MixerInfo struct {
	Slots                map[string]MixerSlotInfo            `json:"slots"`
	AudioConsumerSlotIDs []string                             `json:"audio_consumer_slot_ids"`
	VideoConsumerSlotIDs []string                             `json:"video_consumer_slot_ids"`
	CueTime              *time.Time                           `json:"cue_time,omitempty"`
	EndTime              *time.Time                           `json:"end_time,omitempty"`
	State                State                                `json:"state"`
	Settings             map[string]any                       `json:"settings"`
	ControlPoints        map[string][]ControlPoint            `json:"control_points"`
	SlotSettings         map[string]map[string]any             `json:"slot_settings"`
	SlotControlPoints    map[string]map[string][]ControlPoint `json:"slot_control_points"`
	LastError            *string                              `json:"last_error,omitempty"`
}

func (MixerInfo) NodeInfoKind() NodeInfoKind { return NodeInfoKindMixer }

// Info is the payload of a successful GetInfo command.
type Info struct {
	Nodes map[string]NodeInfo `json:"nodes"`
}

// CommandError is a human-readable command failure. It is the sole error
// shape the wire protocol carries — there is no sentinel error taxonomy on
// the wire, only a message (see §7 of the specification).
type CommandError string

func (e CommandError) Error() string { return string(e) }

// CommandResult is the outcome of dispatching one Command.
type CommandResult interface {
	isCommandResult()
}

// Success indicates the command completed with no payload to return.
type Success struct{}

func (Success) isCommandResult() {}

// ErrorResult carries a human-readable failure message.
type ErrorResult struct {
	Message string
}

func (ErrorResult) isCommandResult() {}

func (e ErrorResult) Error() string { return e.Message }

// InfoResult carries the projection requested by GetInfo.
type InfoResult struct {
	Info Info
}

func (InfoResult) isCommandResult() {}

// MarshalCommandResult encodes a CommandResult as Success (bare string),
// {"error": message} or {"info": Info}.
func MarshalCommandResult(result CommandResult) ([]byte, error) {
	switch r := result.(type) {
	case Success:
		return json.Marshal("Success")
	case ErrorResult:
		return json.Marshal(map[string]string{"error": r.Message})
	case InfoResult:
		return json.Marshal(map[string]Info{"info": r.Info})
	default:
		return nil, fmt.Errorf("protocol: unknown command result type %T", result)
	}
}

// UnmarshalCommandResult decodes the shapes produced by MarshalCommandResult.
func UnmarshalCommandResult(data []byte) (CommandResult, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if bare != "Success" {
			return nil, fmt.Errorf("protocol: unknown bare command result %q", bare)
		}
		return Success{}, nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return nil, fmt.Errorf("protocol: command result must be \"Success\" or a single-key object: %w", err)
	}
	if raw, ok := tagged["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return ErrorResult{Message: msg}, nil
	}
	if raw, ok := tagged["info"]; ok {
		var info Info
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, err
		}
		return InfoResult{Info: info}, nil
	}
	return nil, fmt.Errorf("protocol: command result object must have an \"error\" or \"info\" key")
}

// UnmarshalJSON decodes the {"nodes": {...}} shape, dispatching each node
// by its "kind" discriminator field.
func (i *Info) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nodes := make(map[string]NodeInfo, len(raw.Nodes))
	for id, nodeRaw := range raw.Nodes {
		var probe struct {
			Kind NodeInfoKind `json:"kind"`
		}
		if err := json.Unmarshal(nodeRaw, &probe); err != nil {
			return err
		}
		switch probe.Kind {
		case NodeInfoKindSource:
			var info SourceInfo
			if err := json.Unmarshal(nodeRaw, &info); err != nil {
				return err
			}
			nodes[id] = info
		case NodeInfoKindDestination:
			var info DestinationInfo
			if err := json.Unmarshal(nodeRaw, &info); err != nil {
				return err
			}
			nodes[id] = info
		case NodeInfoKindMixer:
			var info MixerInfo
			if err := json.Unmarshal(nodeRaw, &info); err != nil {
				return err
			}
			nodes[id] = info
		default:
			return fmt.Errorf("protocol: unknown node info kind %q", probe.Kind)
		}
	}
	i.Nodes = nodes
	return nil
}

// MarshalJSON embeds each node's discriminator kind field alongside its
// natural fields.
func (i Info) MarshalJSON() ([]byte, error) {
	type wireNode struct {
		Kind NodeInfoKind `json:"kind"`
		NodeInfo
	}
	nodes := make(map[string]json.RawMessage, len(i.Nodes))
	for id, info := range i.Nodes {
		raw, err := json.Marshal(wireNode{Kind: info.NodeInfoKind(), NodeInfo: info})
		if err != nil {
			return nil, err
		}
		nodes[id] = raw
	}
	return json.Marshal(struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
	}{Nodes: nodes})
}

// ControllerMessage frames a command with a caller-supplied correlation id.
type ControllerMessage struct {
	ID      uuid.UUID
	Command Command
}

func (m ControllerMessage) MarshalJSON() ([]byte, error) {
	cmdRaw, err := MarshalCommand(m.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID      string          `json:"id"`
		Command json.RawMessage `json:"command"`
	}{ID: m.ID.String(), Command: cmdRaw})
}

func (m *ControllerMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string          `json:"id"`
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return fmt.Errorf("protocol: invalid controller message id: %w", err)
	}
	cmd, err := UnmarshalCommand(raw.Command)
	if err != nil {
		return err
	}
	m.ID = id
	m.Command = cmd
	return nil
}

// ServerMessage is the response envelope: a controller-framed request is
// answered with the request's id; an unframed command yields a nil id.
type ServerMessage struct {
	ID     *uuid.UUID
	Result CommandResult
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	resultRaw, err := MarshalCommandResult(m.Result)
	if err != nil {
		return nil, err
	}
	var idStr *string
	if m.ID != nil {
		s := m.ID.String()
		idStr = &s
	}
	return json.Marshal(struct {
		ID     *string         `json:"id"`
		Result json.RawMessage `json:"result"`
	}{ID: idStr, Result: resultRaw})
}

func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     *string         `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID != nil {
		id, err := uuid.Parse(*raw.ID)
		if err != nil {
			return fmt.Errorf("protocol: invalid server message id: %w", err)
		}
		m.ID = &id
	}
	result, err := UnmarshalCommandResult(raw.Result)
	if err != nil {
		return err
	}
	m.Result = result
	return nil
}

// DecodeInboundCommand accepts either a bare tagged Command or a
// {"id":...,"command":{...}} controller-framed request, matching the
// untagged-enum acceptance the command endpoint offers.
func DecodeInboundCommand(data []byte) (id *uuid.UUID, cmd Command, err error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("protocol: invalid command payload: %w", err)
	}
	if _, ok := probe["command"]; ok {
		var controller ControllerMessage
		if err := json.Unmarshal(data, &controller); err != nil {
			return nil, nil, err
		}
		return &controller.ID, controller.Command, nil
	}
	cmd, err = UnmarshalCommand(data)
	if err != nil {
		return nil, nil, err
	}
	return nil, cmd, nil
}
