/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package runtime owns the process-resident pieces a running graph engine
// needs beyond the manager itself: the background ticker that advances
// schedule state without client input, and the loopback command endpoint
// (§4.10).
package runtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/graphengine/internal/graph/manager"
	"github.com/friendsincode/graphengine/internal/graph/protocol"
)

// tickInterval is how often the background ticker calls Manager.Tick to
// advance schedule state between client commands (§4.10).
const tickInterval = 100 * time.Millisecond

// Runtime wires a Manager to the background ticker and, when a bind
// address is configured, the loopback HTTP command endpoint. A zero
// CommandBind leaves the command endpoint closed; the manager is then
// only reachable through Dispatch by an embedder.
type Runtime struct {
	manager *manager.Manager
	log     zerolog.Logger
	bind    string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	http    *httpServer
}

// New constructs a Runtime over manager, binding its command endpoint to
// bind if non-empty.
func New(m *manager.Manager, bind string, log zerolog.Logger) *Runtime {
	return &Runtime{manager: m, bind: bind, log: log}
}

// Start is idempotent: calling it on an already-started Runtime is a no-op.
// It launches the 100ms background ticker and, if a bind address was
// configured, the command endpoint.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.tickLoop()

	if r.bind != "" {
		srv, err := newHTTPServer(r.bind, r.handleCommand, r.log)
		if err != nil {
			close(r.stopCh)
			r.wg.Wait()
			return err
		}
		r.http = srv
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			srv.serve()
		}()
		r.log.Info().Str("addr", srv.addr()).Msg("command endpoint listening")
	}

	r.started = true
	return nil
}

// Shutdown stops the ticker and, if running, the command endpoint. It
// blocks until both have fully stopped.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	close(r.stopCh)
	srv := r.http
	r.http = nil
	r.started = false
	r.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.stop()
	}
	r.wg.Wait()
	return err
}

// Addr reports the command endpoint's bound address, or "" if it was
// never started (no bind address configured, or Start has not run).
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.http == nil {
		return ""
	}
	return r.http.addr()
}

func (r *Runtime) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.manager.Tick()
		}
	}
}

// handleCommand is the httpServer's commandHandler: decode, dispatch,
// frame the result the same way a controller-framed request is answered
// (§4.10, §7).
func (r *Runtime) handleCommand(body []byte) []byte {
	id, cmd, err := protocol.DecodeInboundCommand(body)
	if err != nil {
		raw, _ := protocol.MarshalCommandResult(protocol.ErrorResult{Message: err.Error()})
		return raw
	}
	result := r.manager.Dispatch(cmd)
	raw, err := (protocol.ServerMessage{ID: id, Result: result}).MarshalJSON()
	if err != nil {
		r.log.Error().Err(err).Msg("marshaling command result")
		raw, _ = protocol.MarshalCommandResult(protocol.ErrorResult{Message: "internal error encoding response"})
	}
	return raw
}
