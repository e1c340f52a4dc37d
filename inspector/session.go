package inspector

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProcessHandle is the optional process collaborator a Session may hold.
// Spawning the debuggee (exe, working directory, environment vector) is
// explicitly out of scope for the core (spec.md §1) — see the separate
// launcher package. The core only ever needs to kill it and read back an
// exit code.
type ProcessHandle interface {
	Kill() error
	ExitCode() (code int, exited bool)
}

// StepMode selects the kind of step a continue requests; SteppingState
// below tracks the in-flight step request, if any. See spec.md §3.
type StepMode int

const (
	StepNone StepMode = iota
	StepOver
	StepInto
	StepOutOf
)

func (m StepMode) stepAction() string {
	switch m {
	case StepOver:
		return "next"
	case StepInto:
		return "in"
	case StepOutOf:
		return "out"
	default:
		return ""
	}
}

type SteppingState struct {
	Mode             StepMode
	FrameDepthAtStep int
	Resuming         bool
}

// Session is process-wide state for one debuggee. It exclusively owns all
// of its sub-maps; its lifetime ends on Terminate. See spec.md §3.
type Session struct {
	mu sync.Mutex

	stream  io.ReadWriter
	transport *Transport
	router    *Router

	attach  bool
	process ProcessHandle
	logger  Logger
	events  eventBus

	thread *Thread

	scripts     map[string]Script // keyed by lowercased name
	scriptsByID map[int]Script

	bindings map[int]*Binding // engine breakpoint id -> Binding

	treatments              map[string]Treatment
	defaultTreatment        Treatment
	errorCodes              map[int]string // handle -> code string
	lastSentBreakOnAll      bool
	lastSentBreakOnUncaught bool
	sentExceptionBreakOnce  bool

	stepping SteppingState

	loadCompleteHandled bool
	handleEntryPointHit bool
	firstResumeDone     bool

	closed        bool
	terminateOnce sync.Once

	ready    chan struct{}
	readyErr chan error
	loaded   bool
}

// SessionOption configures NewSession.
type SessionOption func(*Session)

// WithLogger overrides the default StderrLogger.
func WithLogger(l Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithProcess attaches a launched process's handle, used by Terminate to
// kill it and resolve its exit code.
func WithProcess(p ProcessHandle) SessionOption {
	return func(s *Session) { s.process = p }
}

// WithAttach marks the session as attaching to an already-running
// debuggee rather than one this process launched. It affects the leaf-only
// regex form used when binding a breakpoint in an unknown script
// (spec.md §4.5) and Terminate's no-op-on-already-detached case.
func WithAttach(attach bool) SessionOption {
	return func(s *Session) { s.attach = attach }
}

// NewSession wraps stream, an already-open bidirectional byte stream to
// the debuggee's inspector port. The core never dials TCP itself
// (spec.md §1 scopes socket primitives out); dialing is the embedder's or
// launcher's job.
func NewSession(stream io.ReadWriter, opts ...SessionOption) *Session {
	s := &Session{
		stream:           stream,
		logger:           NewStderrLogger(),
		scripts:          make(map[string]Script),
		scriptsByID:      make(map[int]Script),
		bindings:         make(map[int]*Binding),
		errorCodes:       make(map[int]string),
		ready:            make(chan struct{}),
		readyErr:         make(chan error, 1),
	}
	for _, apply := range opts {
		apply(s)
	}
	s.treatments, s.defaultTreatment = defaultExceptionTable()
	s.transport = NewTransport(stream, s.logger)
	s.router = newRouter(s.transport, s.logger)
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	s.transport.onResponse = s.router.Deliver
	// Event handlers issue synchronous requests whose responses arrive on
	// the listener goroutine, so events are queued to one handler goroutine
	// that keeps them in wire order.
	eventQueue := make(chan inboundPacket, 64)
	go func() {
		for pkt := range eventQueue {
			s.handleEvent(pkt)
		}
	}()
	s.transport.onEvent = func(pkt inboundPacket) { eventQueue <- pkt }
	s.transport.onConnect = func() { go s.processConnect() }
	s.transport.onClosed = func(err error) {
		close(eventQueue)
		s.onTransportClosed(err)
	}
	return s
}

// Thread returns the debuggee's sole thread, or nil before ProcessConnect
// has completed.
func (s *Session) Thread() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// Subscribe registers a Listener for every Event the core fires.
func (s *Session) Subscribe(l Listener) {
	s.events.Subscribe(l)
}

// Connect starts the listener goroutine and blocks until ProcessConnect
// completes (ProcessLoaded fired) or readyTimeout elapses.
func (s *Session) Connect(readyTimeout time.Duration) error {
	go s.transport.Listen()

	var timeoutCh <-chan time.Time
	if readyTimeout > 0 {
		timer := time.NewTimer(readyTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-s.ready:
		return nil
	case err := <-s.readyErr:
		return err
	case <-timeoutCh:
		return ErrRequestTimeout
	}
}

// processConnect implements spec.md §4.3 ProcessConnect, triggered by the
// inbound header-only connect packet.
func (s *Session) processConnect() {
	s.mu.Lock()
	s.thread = &Thread{ID: 1}
	thread := s.thread
	s.mu.Unlock()

	type scriptRecord struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	resp, ok := s.router.SendSync("scripts", map[string]interface{}{}, 2*time.Second, nil)
	if !ok {
		s.readyErr <- fmt.Errorf("initial scripts request failed")
		return
	}
	var records []scriptRecord
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &records); err != nil {
			s.logger.Warnf("malformed scripts response: %v", err)
		}
	}
	for _, rec := range records {
		s.indexScript(Script{ID: rec.ID, Name: rec.Name}, false)
	}

	s.configureExceptionBreaksLocked(true)

	btResp, ok := s.router.SendSync("backtrace", map[string]interface{}{"inlineRefs": true}, 2*time.Second, nil)
	if !ok {
		s.readyErr <- fmt.Errorf("initial backtrace request failed")
		return
	}
	s.applyBacktraceResponse(btResp)

	s.events.emit(Event{Kind: EventThreadCreated, Thread: thread})
	s.events.emit(Event{Kind: EventProcessLoaded, Running: btResp.Running})

	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	close(s.ready)
}

// indexScript records a newly discovered script and, if it is new, emits
// ModuleLoaded. Names are compared case-insensitively per spec.md §3.
func (s *Session) indexScript(sc Script, holdingLock bool) {
	if !holdingLock {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	key := strings.ToLower(sc.Name)
	if _, exists := s.scripts[key]; exists {
		return
	}
	s.scripts[key] = sc
	s.scriptsByID[sc.ID] = sc
	s.events.emit(Event{Kind: EventModuleLoaded, Script: sc})
}

func (s *Session) lookupScriptByName(name string) (Script, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[strings.ToLower(name)]
	return sc, ok
}

func (s *Session) lookupScriptByID(id int) (Script, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scriptsByID[id]
	return sc, ok
}

// handleEvent dispatches one inbound "event" packet. Unknown events are
// logged and dropped per spec.md §6.
func (s *Session) handleEvent(pkt inboundPacket) {
	switch pkt.Event {
	case "afterCompile":
		s.handleAfterCompile(pkt.Body)
	case "break":
		s.handleBreakEvent(pkt.Body)
	case "exception":
		s.handleExceptionEvent(pkt.Body)
	default:
		s.logger.Debugf("ignoring unknown event %q", pkt.Event)
	}
}

func (s *Session) handleAfterCompile(body json.RawMessage) {
	var payload struct {
		Script struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"script"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warnf("malformed afterCompile event: %v", err)
		return
	}
	s.indexScript(Script{ID: payload.Script.ID, Name: payload.Script.Name}, false)
}

// BreakAll sends suspend; on success performs a backtrace (whose frames
// are installed only when the response reports running=false) and emits
// AsyncBreakComplete.
func (s *Session) BreakAll() bool {
	resp, ok := s.router.SendSync("suspend", nil, 2*time.Second, s.HasExited)
	if !ok {
		return false
	}
	btResp, ok := s.router.SendSync("backtrace", map[string]interface{}{"inlineRefs": true}, 2*time.Second, s.HasExited)
	if !ok {
		return false
	}
	_ = resp
	s.applyBacktraceResponse(btResp)
	s.events.emit(Event{Kind: EventAsyncBreakComplete})
	return true
}

// Resume continues execution, applying the entry-point discipline that
// distinguishes the first resume after load from every later one.
func (s *Session) Resume() bool {
	return s.SendResumeThread()
}

// Continue translates mode into the engine's stepaction and sends
// continue. See spec.md §4.3.
func (s *Session) Continue(mode StepMode, reset bool) bool {
	s.mu.Lock()
	if reset {
		frameCount := 0
		if s.thread != nil {
			frameCount = s.thread.frameCount()
		}
		s.stepping = SteppingState{Mode: mode, FrameDepthAtStep: frameCount, Resuming: false}
	}
	s.loadCompleteHandled = true
	s.handleEntryPointHit = false
	s.mu.Unlock()

	args := map[string]interface{}{}
	if action := mode.stepAction(); action != "" {
		args["stepaction"] = action
	}
	return s.router.Send("continue", args)
}

// HasExited is the short-circuit predicate used by every synchronous call
// that must not deadlock against an exiting process.
func (s *Session) HasExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Terminate tears the session down. Idempotent: calling it N times emits
// exactly one ProcessExited. See spec.md §4.3.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		wasClosed := s.closed
		s.closed = true
		proc := s.process
		attach := s.attach
		s.mu.Unlock()

		if closer, ok := s.stream.(io.Closer); ok {
			_ = closer.Close()
		}
		s.router.AbandonAll()

		exitCode := -1
		switch {
		case proc != nil:
			if code, exited := proc.ExitCode(); exited {
				exitCode = code
			} else if err := proc.Kill(); err != nil {
				s.logger.Warnf("failed to kill debuggee process: %v", err)
			}
		case attach && wasClosed:
			return
		}

		s.events.emit(Event{Kind: EventProcessExited, ExitCode: exitCode})
	})
}

// Detach sends disconnect (no response expected), half-closes the socket,
// and drops it.
func (s *Session) Detach() {
	s.router.Send("disconnect", nil)
	if hc, ok := s.stream.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type halfCloser interface {
	CloseWrite() error
}

// onTransportClosed is the Transport's terminal callback on socket
// disconnection; it triggers Terminate (spec.md §4.1).
func (s *Session) onTransportClosed(err error) {
	if err != nil {
		s.logger.Warnf("transport closed: %v", err)
	}
	select {
	case s.readyErr <- fmt.Errorf("%w: connection closed before session was ready", ErrTransportFault):
	default:
	}
	s.Terminate()
}
