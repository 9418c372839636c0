/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/bridge"
	"github.com/friendsincode/graphengine/internal/graph/nodes"
)

func newTestProcessPipeline(t *testing.T) *Process {
	t.Helper()
	p := newProcess("test-node", "", zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProcessAddRejectsElementWithoutName(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("videotestsrc pattern=ball"); err == nil {
		t.Fatal("expected an error for an element description with no name= clause")
	}
}

func TestProcessAddRejectsDuplicateName(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("videotestsrc name=src"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add("audiotestsrc name=src"); err == nil {
		t.Fatal("expected an error re-adding an already-declared element name")
	}
}

func TestProcessAddAndLinkRejectedOnceStarted(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("videotestsrc name=src"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Simulate a running pipeline without actually launching gst-launch-1.0.
	p.mu.Lock()
	p.proc = NewGStreamerProcess(context.Background(), GStreamerProcessConfig{ID: "test-node"}, zerolog.Nop())
	p.mu.Unlock()

	if err := p.Add("fakesink name=sink"); err == nil {
		t.Fatal("expected Add to fail once the pipeline has started")
	}
	if err := p.Link("src", "sink"); err == nil {
		t.Fatal("expected Link to fail once the pipeline has started")
	}
}

// Source's own buildProfile (source.go) shape: a single linear chain.
func TestProcessCompileLinearChain(t *testing.T) {
	p := newTestProcessPipeline(t)
	elements := []string{
		"fallbacksrc name=src uri=rtsp://cam manual-unblock=true immediate-fallback=true enable-audio=true enable-video=true",
		"deinterlace name=video_deinterlace",
		"appsink name=video_sink",
	}
	links := [][2]string{
		{"src", "video_deinterlace"},
		{"video_deinterlace", "video_sink"},
	}
	for _, e := range elements {
		if err := p.Add(e); err != nil {
			t.Fatalf("Add(%q): %v", e, err)
		}
	}
	for _, l := range links {
		if err := p.Link(l[0], l[1]); err != nil {
			t.Fatalf("Link(%s, %s): %v", l[0], l[1], err)
		}
	}

	got := p.compile()
	want := "fallbacksrc name=src uri=rtsp://cam manual-unblock=true immediate-fallback=true enable-audio=true enable-video=true ! deinterlace name=video_deinterlace ! appsink name=video_sink"
	if got != want {
		t.Fatalf("compile() = %q, want %q", got, want)
	}
}

// Mirrors destination.go's RTMP family: two chains converging on a
// muxer declared only once, with the shared tail ("! sink") appearing in
// only the chain that reaches the muxer first.
func TestProcessCompileFanInToSharedMuxer(t *testing.T) {
	p := newTestProcessPipeline(t)
	elements := []string{
		"flvmux name=mux",
		"appsrc name=video_src format=time is-live=true",
		"videoconvert name=video_convert",
		"queue name=video_queue",
		"appsrc name=audio_src format=time is-live=true",
		"audioconvert name=audio_convert",
		"queue name=audio_queue",
		"rtmp2sink name=sink location=rtmp://example/live",
	}
	links := [][2]string{
		{"video_src", "video_convert"},
		{"video_convert", "video_queue"},
		{"video_queue", "mux"},
		{"audio_src", "audio_convert"},
		{"audio_convert", "audio_queue"},
		{"audio_queue", "mux"},
		{"mux", "sink"},
	}
	for _, e := range elements {
		if err := p.Add(e); err != nil {
			t.Fatalf("Add(%q): %v", e, err)
		}
	}
	for _, l := range links {
		if err := p.Link(l[0], l[1]); err != nil {
			t.Fatalf("Link(%s, %s): %v", l[0], l[1], err)
		}
	}

	got := p.compile()
	chains := strings.Split(got, " , ")
	if len(chains) != 2 {
		t.Fatalf("compile() produced %d chains, want 2: %q", len(chains), got)
	}
	if strings.Count(got, "name=mux") != 1 {
		t.Fatalf("muxer declared more than once: %q", got)
	}
	if strings.Count(got, "name=sink") != 1 {
		t.Fatalf("sink declared more than once: %q", got)
	}
	if strings.Count(got, "! sink") != 1 {
		t.Fatalf("sink linked more than once: %q", got)
	}
	if !strings.Contains(chains[0], "video_src") || !strings.Contains(chains[1], "audio_src") {
		t.Fatalf("expected video chain before audio chain, got %q", got)
	}
}

// Mirrors destination.go's LocalFile family: a multiqueue referenced only
// through named pads, never bare, so it must be declared standalone.
func TestProcessCompileStandaloneForPadOnlyElement(t *testing.T) {
	p := newTestProcessPipeline(t)
	elements := []string{
		"multiqueue name=mq",
		"splitmuxsink name=smux location=out_%05d.mp4",
		"h264parse name=video_parse",
		"appsrc name=video_src format=time is-live=true",
	}
	links := [][2]string{
		{"video_src", "video_parse"},
		{"video_parse", "mq.sink_0"},
		{"mq.src_0", "smux.video"},
	}
	for _, e := range elements {
		if err := p.Add(e); err != nil {
			t.Fatalf("Add(%q): %v", e, err)
		}
	}
	for _, l := range links {
		if err := p.Link(l[0], l[1]); err != nil {
			t.Fatalf("Link(%s, %s): %v", l[0], l[1], err)
		}
	}

	got := p.compile()
	if !strings.Contains(got, "multiqueue name=mq") {
		t.Fatalf("expected a standalone multiqueue declaration, got %q", got)
	}
	if !strings.Contains(got, "mq.sink_0") || !strings.Contains(got, "mq.src_0") {
		t.Fatalf("expected both multiqueue pad references, got %q", got)
	}
	if strings.Count(got, "name=mq") != 1 {
		t.Fatalf("multiqueue declared more than once: %q", got)
	}
}

func TestProcessBusPollReturnsFalseWithoutAProcess(t *testing.T) {
	p := newTestProcessPipeline(t)
	if _, ok := p.BusPoll(0, nil); ok {
		t.Fatal("expected no bus message before the pipeline has started")
	}
}

func TestProcessSetStateNullWithoutAProcessIsANoop(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.SetState(nodes.PipelineStateNull); err != nil {
		t.Fatalf("SetState(Null): %v", err)
	}
}

func TestProcessSendEOSWithoutAProcessIsANoop(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.SendEOS(); err != nil {
		t.Fatalf("SendEOS: %v", err)
	}
}

// TestProcessSetPropertyBakesPadToken confirms SetProperty rewrites a
// "element.pad" target using gst-launch-1.0's own padname::property=value
// syntax, appended to the element's existing description.
func TestProcessSetPropertyBakesPadToken(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("compositor name=video_mix"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.SetProperty("video_mix.sink_0", "xpos", 100.0); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	want := "compositor name=video_mix sink_0::xpos=100"
	if got := p.descOf["video_mix"]; got != want {
		t.Fatalf("descOf[video_mix] = %q, want %q", got, want)
	}
}

// TestProcessSetPropertyBakesBareElementToken confirms a target with no
// pad component appends a plain property=value token.
func TestProcessSetPropertyBakesBareElementToken(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("audiotestsrc name=audio_base wave=silence is-live=true"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.SetProperty("audio_base", "volume", 0.0); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	want := "audiotestsrc name=audio_base wave=silence is-live=true volume=0"
	if got := p.descOf["audio_base"]; got != want {
		t.Fatalf("descOf[audio_base] = %q, want %q", got, want)
	}
}

func TestProcessSetPropertyRejectsUnknownElement(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.SetProperty("nope", "volume", 1.0); err == nil {
		t.Fatal("expected an error targeting an element that was never Add()ed")
	}
}

// TestProcessSetPropertyIsANoopOnceRunning confirms a property change
// arriving after the pipeline has started is silently ignored rather than
// erroring, since Mixer.reconcilePadProperties (internal/graph/nodes) calls
// SetProperty on every refresh and must not start failing once the node is
// playing.
func TestProcessSetPropertyIsANoopOnceRunning(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("compositor name=video_mix"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.mu.Lock()
	p.proc = NewGStreamerProcess(context.Background(), GStreamerProcessConfig{ID: "test-node"}, zerolog.Nop())
	p.mu.Unlock()

	if err := p.SetProperty("video_mix.sink_0", "xpos", 100.0); err != nil {
		t.Fatalf("expected a post-launch SetProperty to be a silent no-op, got %v", err)
	}
	if got := p.descOf["video_mix"]; got != "compositor name=video_mix" {
		t.Fatalf("expected descOf unchanged once running, got %q", got)
	}
}

// TestProcessBindOutputRewritesElementAndWiresThePipe confirms BindOutput
// replaces the named appsink's description with an fdsink bound to the
// next allocated child fd, and that the pipe it creates actually carries
// bytes from the child-facing end to the tap's read side.
func TestProcessBindOutputRewritesElementAndWiresThePipe(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("appsink name=video_sink"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.BindOutput("video_sink", nil, nil); err != nil {
		t.Fatalf("BindOutput: %v", err)
	}
	if got := p.descOf["video_sink"]; got != "fdsink name=video_sink fd=3 sync=false" {
		t.Fatalf("descOf[video_sink] = %q, want the rewritten fdsink element", got)
	}

	p.mu.Lock()
	childEnd := p.extraFilesChild[0]
	tap := p.outputTaps["video_sink"]
	p.mu.Unlock()

	if _, err := childEnd.Write([]byte("frame-bytes")); err != nil {
		t.Fatalf("writing to the child end: %v", err)
	}
	buf := make([]byte, 32)
	n, err := tap.r.Read(buf)
	if err != nil {
		t.Fatalf("reading from the tap: %v", err)
	}
	if string(buf[:n]) != "frame-bytes" {
		t.Fatalf("expected the written bytes to reach the tap, got %q", buf[:n])
	}
}

func TestProcessBindOutputRejectsUnknownElement(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.BindOutput("nope", nil, nil); err == nil {
		t.Fatal("expected an error tapping an element that was never Add()ed")
	}
}

// TestProcessPumpOutputTapDeliversSamplesAndEOS exercises the goroutine
// SetState launches per tapped output: a chunk written to the child end
// reaches onSample, and closing the child end reaches onEOS.
func TestProcessPumpOutputTapDeliversSamplesAndEOS(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("appsink name=video_sink"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	samples := make(chan bridge.Sample, 1)
	eos := make(chan struct{}, 1)
	if err := p.BindOutput("video_sink", func(s bridge.Sample) { samples <- s }, func() { eos <- struct{}{} }); err != nil {
		t.Fatalf("BindOutput: %v", err)
	}

	p.mu.Lock()
	childEnd := p.extraFilesChild[0]
	tap := p.outputTaps["video_sink"]
	p.mu.Unlock()

	go p.pumpOutputTap("video_sink", tap)

	if _, err := childEnd.Write([]byte("frame-bytes")); err != nil {
		t.Fatalf("writing to the child end: %v", err)
	}
	select {
	case s := <-samples:
		if string(s.Data) != "frame-bytes" {
			t.Fatalf("unexpected sample data: %q", s.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a sample")
	}

	if err := childEnd.Close(); err != nil {
		t.Fatalf("closing the child end: %v", err)
	}
	select {
	case <-eos:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EOS")
	}
}

// TestProcessBindInputWritesThroughThePipe confirms BindInput replaces the
// named appsrc's description with an fdsrc bound to the next allocated
// child fd, and that PushSample/PushEOS actually deliver bytes and an EOF
// through the pipe to the child-facing end.
func TestProcessBindInputWritesThroughThePipe(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("appsrc name=audio_src format=time is-live=true"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.BindInput("audio_src"); err != nil {
		t.Fatalf("BindInput: %v", err)
	}
	if got := p.descOf["audio_src"]; got != "fdsrc name=audio_src fd=3 do-timestamp=true" {
		t.Fatalf("descOf[audio_src] = %q, want the rewritten fdsrc element", got)
	}

	if err := p.PushSample("audio_src", bridge.Sample{Data: []byte("pcm-bytes")}); err != nil {
		t.Fatalf("PushSample: %v", err)
	}

	p.mu.Lock()
	childEnd := p.extraFilesChild[0]
	p.mu.Unlock()
	buf := make([]byte, 32)
	n, err := childEnd.Read(buf)
	if err != nil {
		t.Fatalf("reading from the child end: %v", err)
	}
	if string(buf[:n]) != "pcm-bytes" {
		t.Fatalf("expected the pushed bytes to arrive at the child end, got %q", buf[:n])
	}

	if err := p.PushEOS("audio_src"); err != nil {
		t.Fatalf("PushEOS: %v", err)
	}
	if n, err := childEnd.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("expected EOF on the child end after PushEOS, got n=%d err=%v", n, err)
	}
}

func TestProcessPushSampleRejectsUnboundElement(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.PushSample("nope", bridge.Sample{Data: []byte("x")}); err == nil {
		t.Fatal("expected an error pushing to an element that was never bound")
	}
}

// TestProcessAllocateChildFDIsSequential confirms successive taps land at
// consecutive fds starting at 3, matching os/exec.Cmd.ExtraFiles numbering.
func TestProcessAllocateChildFDIsSequential(t *testing.T) {
	p := newTestProcessPipeline(t)
	if err := p.Add("appsink name=video_sink"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add("appsrc name=audio_src format=time is-live=true"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.BindOutput("video_sink", nil, nil); err != nil {
		t.Fatalf("BindOutput: %v", err)
	}
	if err := p.BindInput("audio_src"); err != nil {
		t.Fatalf("BindInput: %v", err)
	}
	if !strings.Contains(p.descOf["video_sink"], "fd=3") {
		t.Fatalf("expected the first tap at fd 3, got %q", p.descOf["video_sink"])
	}
	if !strings.Contains(p.descOf["audio_src"], "fd=4") {
		t.Fatalf("expected the second tap at fd 4, got %q", p.descOf["audio_src"])
	}
}
