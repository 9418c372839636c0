/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/nodes"
)

// Process realizes the nodes.Pipeline abstraction against a real
// gst-launch-1.0 subprocess (§4.11). Add/Link accumulate a declarative
// element graph exactly as node profiles describe it; the first SetState
// call towards Paused or Playing compiles that graph into a single
// gst-launch-1.0 argument chain and launches it through GStreamerProcess.
// Once running, gst-launch itself drives NULL->READY->PAUSED->PLAYING, so
// SetState only ever starts the process or (for Null) stops it; BusPoll
// and SendEOS are synthesized from the underlying process's telemetry and
// exit status rather than a real GStreamer bus, since a plain subprocess
// offers no other control channel into a running pipeline.
type Process struct {
	id  string
	bin string
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	elements []string
	names    []string // Add() order of element names, for declaration fallback
	descOf   map[string]string
	edges    [][2]string

	proc         *GStreamerProcess
	lastError    string
	exitReported bool

	// outputTaps/inputTaps back BindOutput/BindInput: each named appsink/
	// appsrc element declared via Add is spliced out to an fdsink/fdsrc
	// pair wired over an os.Pipe, since a gst-launch-1.0 subprocess has no
	// in-process appsink/appsrc callback to hook directly (§4.3's stream
	// bridge). extraFilesChild holds the child-facing ends in fd order, so
	// ExtraFiles[i] lands at fd 3+i in the spawned process.
	outputTaps     map[string]*outputTap
	inputTaps      map[string]*inputTap
	extraFilesChild []*os.File
}

// outputTap is the read side of a tapped appsink: GStreamer writes buffer
// bytes into the child end (fdsink), and pump reads them from r and
// invokes onSample per chunk. Buffer boundaries are not preserved across
// this transport (see DESIGN.md); each read is delivered as one Sample
// with no caps, since fdsink carries no caps information on its own.
type outputTap struct {
	r        *os.File
	onSample func(bridge.Sample)
	onEOS    func()
}

// inputTap is the write side of a tapped appsrc: PushSample writes
// straight into w (the parent's end of the pipe); fdsrc on the child end
// reads it back into the running pipeline.
type inputTap struct {
	w *os.File
}

// NewFactory returns a nodes.PipelineFactory building Process pipelines
// that launch gstBin (config.GStreamerBin), logging through log.
func NewFactory(gstBin string, log zerolog.Logger) nodes.PipelineFactory {
	return func(name string) nodes.Pipeline {
		return newProcess(name, gstBin, log)
	}
}

func newProcess(id, bin string, log zerolog.Logger) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	return &Process{
		id:     id,
		bin:    bin,
		log:    log.With().Str("node_id", id).Logger(),
		descOf: make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

var elementNameRegex = regexp.MustCompile(`\bname=(\S+)`)

func (p *Process) Add(elementDescription string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return fmt.Errorf("mediaengine: cannot add element %q once the pipeline has started", elementDescription)
	}
	matches := elementNameRegex.FindStringSubmatch(elementDescription)
	if matches == nil {
		return fmt.Errorf("mediaengine: element description %q has no name= clause", elementDescription)
	}
	name := matches[1]
	if _, exists := p.descOf[name]; exists {
		return fmt.Errorf("mediaengine: element name %q already added", name)
	}
	p.elements = append(p.elements, elementDescription)
	p.names = append(p.names, name)
	p.descOf[name] = elementDescription
	return nil
}

func (p *Process) Link(a, b string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return fmt.Errorf("mediaengine: cannot link %s -> %s once the pipeline has started", a, b)
	}
	p.edges = append(p.edges, [2]string{a, b})
	return nil
}

// SetProperty bakes a pad or element property into elementName's
// description ahead of launch, using gst-launch-1.0's own
// "padname::property=value" syntax for request-pad properties (and a
// plain "property=value" token when target names a bare element). Once
// the subprocess is running this is a documented no-op: gst-launch-1.0
// offers no external control point to change a running pipeline's
// properties (see the Paused/Playing note on SetState), so a change
// arriving after launch only takes effect the next time the node tears
// its pipeline down and reconstructs it.
func (p *Process) SetProperty(target, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elemName, padName := target, ""
	if i := strings.IndexByte(target, '.'); i >= 0 {
		elemName, padName = target[:i], target[i+1:]
	}

	if p.proc != nil {
		p.log.Debug().Str("target", target).Str("key", key).Msg("ignoring property change: pipeline already running")
		return nil
	}

	desc, ok := p.descOf[elemName]
	if !ok {
		return fmt.Errorf("mediaengine: no element named %q to set a property on", elemName)
	}
	token := key + "=" + formatPropertyValue(value)
	if padName != "" {
		token = padName + "::" + token
	}
	p.descOf[elemName] = desc + " " + token
	return nil
}

func formatPropertyValue(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", value)
	}
}

// BindOutput reserves an fdsink-backed transport for the named appsink
// element ahead of SetState: once the subprocess is running, every chunk
// it writes is delivered to onSample, and the tap's EOF (the pipeline
// tearing the element down, or reaching end-of-stream) calls onEOS. This
// is the real producer side of the stream bridge (§4.3): a future
// in-process GStreamer binding could instead implement SampleSource by
// registering directly on the appsink's new-sample signal.
func (p *Process) BindOutput(elementName string, onSample func(bridge.Sample), onEOS func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return fmt.Errorf("mediaengine: cannot tap %q once the pipeline has started", elementName)
	}
	if _, ok := p.descOf[elementName]; !ok {
		return fmt.Errorf("mediaengine: no element named %q to stream samples from", elementName)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("mediaengine: creating output pipe for %q: %w", elementName, err)
	}
	fd := p.allocateChildFD(w)
	p.descOf[elementName] = fmt.Sprintf("fdsink name=%s fd=%d sync=false", elementName, fd)
	if p.outputTaps == nil {
		p.outputTaps = make(map[string]*outputTap)
	}
	p.outputTaps[elementName] = &outputTap{r: r, onSample: onSample, onEOS: onEOS}
	return nil
}

// BindInput reserves an fdsrc-backed transport for the named appsrc
// element ahead of SetState. PushSample/PushEOS then deliver into it —
// the real consumer side of the stream bridge.
func (p *Process) BindInput(elementName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return fmt.Errorf("mediaengine: cannot tap %q once the pipeline has started", elementName)
	}
	if _, ok := p.descOf[elementName]; !ok {
		return fmt.Errorf("mediaengine: no element named %q to push samples into", elementName)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("mediaengine: creating input pipe for %q: %w", elementName, err)
	}
	fd := p.allocateChildFD(r)
	p.descOf[elementName] = fmt.Sprintf("fdsrc name=%s fd=%d do-timestamp=true", elementName, fd)
	if p.inputTaps == nil {
		p.inputTaps = make(map[string]*inputTap)
	}
	p.inputTaps[elementName] = &inputTap{w: w}
	return nil
}

// allocateChildFD records childEnd as the next entry GStreamerProcessConfig.
// ExtraFiles will carry, returning the fd it lands at inside the spawned
// process (os/exec.Cmd.ExtraFiles starts child descriptors at 3).
func (p *Process) allocateChildFD(childEnd *os.File) int {
	fd := 3 + len(p.extraFilesChild)
	p.extraFilesChild = append(p.extraFilesChild, childEnd)
	return fd
}

// PushSample writes sample.Data into the named input tap's pipe. The
// write blocks if the pipeline has fallen behind and the kernel pipe
// buffer has filled — the same backpressure a real fdsink/fdsrc
// transport exhibits, not a synthetic limitation of this transport.
func (p *Process) PushSample(elementName string, sample bridge.Sample) error {
	p.mu.Lock()
	tap, ok := p.inputTaps[elementName]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("mediaengine: no input tap named %q", elementName)
	}
	if len(sample.Data) == 0 {
		return nil
	}
	_, err := tap.w.Write(sample.Data)
	return err
}

// PushEOS closes the named input tap's pipe; fdsrc reports its fd
// reaching EOF as end-of-stream on that source element.
func (p *Process) PushEOS(elementName string) error {
	p.mu.Lock()
	tap, ok := p.inputTaps[elementName]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("mediaengine: no input tap named %q", elementName)
	}
	return tap.w.Close()
}

// SetState drives the subprocess towards state. Null stops and releases
// any running process; Paused/Playing lazily compile and launch it (a
// second call once running is a no-op, since gst-launch has no external
// hold-at-Paused control point).
func (p *Process) SetState(state nodes.PipelineState) error {
	if state == nodes.PipelineStateNull {
		return p.stop()
	}
	p.mu.Lock()
	alreadyRunning := p.proc != nil
	var pipeline string
	var extraFiles []*os.File
	if !alreadyRunning {
		pipeline = p.compile()
		extraFiles = p.extraFilesChild
	}
	p.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	proc := NewGStreamerProcess(p.ctx, GStreamerProcessConfig{
		ID:         p.id,
		Bin:        p.bin,
		Pipeline:   pipeline,
		ExtraFiles: extraFiles,
	}, p.log)
	if err := proc.Start(pipeline); err != nil {
		return fmt.Errorf("mediaengine: starting pipeline for %s: %w", p.id, err)
	}

	// The child has its own duplicated copies of every tap's fd now; close
	// our side of the child-facing ends so EOF/pipe-closed behaves as soon
	// as the subprocess itself exits.
	for _, f := range extraFiles {
		_ = f.Close()
	}

	p.mu.Lock()
	p.proc = proc
	outputTaps := make(map[string]*outputTap, len(p.outputTaps))
	for name, tap := range p.outputTaps {
		outputTaps[name] = tap
	}
	p.mu.Unlock()

	for name, tap := range outputTaps {
		go p.pumpOutputTap(name, tap)
	}
	return nil
}

// pumpOutputTap reads chunks off a tapped output element's pipe and
// delivers them as Samples until the child closes its end (the fdsink's
// fd closes when the pipeline tears down or the element reaches EOS).
func (p *Process) pumpOutputTap(name string, tap *outputTap) {
	buf := make([]byte, 32*1024)
	for {
		n, err := tap.r.Read(buf)
		if n > 0 && tap.onSample != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			tap.onSample(bridge.Sample{Data: data})
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug().Err(err).Str("element", name).Msg("output tap pipe closed")
			}
			if tap.onEOS != nil {
				tap.onEOS()
			}
			return
		}
	}
}

// SendEOS signals the running subprocess with SIGINT, the same way a
// graceful Stop does: gst-launch-1.0 responds to an interrupt by posting
// EOS into the pipeline and waiting for it to drain before exiting, which
// BusPoll then observes as the process exiting cleanly.
func (p *Process) SendEOS() error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	proc.mu.RLock()
	cmd := proc.cmd
	proc.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(os.Interrupt)
}

// BusPoll synthesizes bus messages from the subprocess's telemetry (a
// freshly observed ERROR: line) and its exit status (clean exit reported
// as EOS, non-zero or Failed state reported as Error), polling at a fixed
// interval until timeout elapses or filter accepts a message.
func (p *Process) BusPoll(timeout time.Duration, filter func(nodes.BusMessage) bool) (nodes.BusMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := p.pollOnce(); ok && (filter == nil || filter(msg)) {
			return msg, true
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nodes.BusMessage{}, false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (p *Process) pollOnce() (nodes.BusMessage, bool) {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nodes.BusMessage{}, false
	}

	if tel := proc.GetTelemetry(); tel.LastError != "" {
		p.mu.Lock()
		fresh := tel.LastError != p.lastError
		if fresh {
			p.lastError = tel.LastError
		}
		p.mu.Unlock()
		if fresh {
			return nodes.BusMessage{Kind: nodes.BusMessageError, Text: tel.LastError}, true
		}
	}

	switch proc.GetState() {
	case ProcessStateStopped, ProcessStateFailed:
		p.mu.Lock()
		already := p.exitReported
		p.exitReported = true
		p.mu.Unlock()
		if already {
			return nodes.BusMessage{}, false
		}
		if proc.GetState() == ProcessStateFailed {
			return nodes.BusMessage{Kind: nodes.BusMessageError, Text: "gst-launch-1.0 exited unexpectedly"}, true
		}
		return nodes.BusMessage{Kind: nodes.BusMessageEOS, Text: "gst-launch-1.0 reached end-of-stream"}, true
	}
	return nodes.BusMessage{}, false
}

// Close releases the subprocess, forcing a kill if SetState(Null) was
// never called, and releases every tap's pipe ends.
func (p *Process) Close() error {
	p.cancel()
	p.mu.Lock()
	proc := p.proc
	outputTaps := p.outputTaps
	inputTaps := p.inputTaps
	childEnds := p.extraFilesChild
	p.mu.Unlock()

	for _, tap := range outputTaps {
		_ = tap.r.Close()
	}
	for _, tap := range inputTaps {
		_ = tap.w.Close()
	}
	// If the process never started, these child-facing ends were never
	// handed off and closed in SetState; release them here instead.
	if proc == nil {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}

	if proc == nil {
		return nil
	}
	if proc.GetState() != ProcessStateStopped && proc.GetState() != ProcessStateFailed {
		return proc.Kill()
	}
	return nil
}

func (p *Process) stop() error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

// compile flattens the accumulated element/link graph into a single
// gst-launch-1.0 pipeline description. Each declared element is written
// out exactly once, either inline at the start of the chain that first
// reaches it or, for elements only ever referenced through a named pad
// (request pads on muxers, multiqueue, compositor, audiomixer), as a
// standalone declaration ahead of the chains that reference it by name.
func (p *Process) compile() string {
	base := func(token string) (name string, isPad bool) {
		if i := strings.IndexByte(token, '.'); i >= 0 {
			return token[:i], true
		}
		return token, false
	}

	emitted := make(map[string]bool, len(p.names))
	token := func(t string) string {
		name, isPad := base(t)
		if isPad {
			return t
		}
		if !emitted[name] {
			emitted[name] = true
			return p.descOf[name]
		}
		return name
	}

	var chains []string

	usedBare := make(map[string]bool)
	toSet := make(map[string]bool)
	fromTo := make(map[string]string)
	for _, e := range p.edges {
		fromTo[e[0]] = e[1]
		toSet[e[1]] = true
		if _, isPad := base(e[0]); !isPad {
			usedBare[e[0]] = true
		}
		if _, isPad := base(e[1]); !isPad {
			usedBare[e[1]] = true
		}
	}

	// Standalone declarations for elements only ever referenced via a
	// named pad (e.g. a muxer's "name.sink_0"), never as a bare endpoint.
	for _, name := range p.names {
		if !usedBare[name] && !emitted[name] {
			chains = append(chains, p.descOf[name])
			emitted[name] = true
		}
	}

	visited := make(map[string]bool)
	for _, e := range p.edges {
		from := e[0]
		if toSet[from] || visited[from] {
			continue
		}
		var toks []string
		cur := from
		for {
			firstVisit := !visited[cur]
			toks = append(toks, token(cur))
			visited[cur] = true
			if !firstVisit {
				break
			}
			next, ok := fromTo[cur]
			if !ok {
				break
			}
			cur = next
		}
		chains = append(chains, strings.Join(toks, " ! "))
	}

	// Any declared element that edges never touched at all (shouldn't
	// occur in practice, but keeps compile total).
	for _, name := range p.names {
		if !emitted[name] {
			chains = append(chains, p.descOf[name])
			emitted[name] = true
		}
	}

	return strings.Join(chains, " , ")
}
