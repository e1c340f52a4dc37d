package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhd2015/v8dbg/inspector"
	"github.com/xhd2015/v8dbg/launcher"
)

// sessionEntry is one managed debug session plus the bookkeeping the MCP
// tools need on top of inspector.Session itself (program path, last known
// state string, launched process handle).
type sessionEntry struct {
	id      string
	session *inspector.Session
	proc    *launcher.Process
	program string
	args    []string

	mu    sync.Mutex
	state string // "running", "paused", "exited"
}

func (e *sessionEntry) setState(st string) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

func (e *sessionEntry) getState() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// sessionManager owns every live sessionEntry, keyed by a uuid string.
// Grounded on tools/debug/debug.go's common.SessionManager, generalized
// to hold multiple concurrent debuggees rather than delegating to a
// single debugger-type-specific backend.
type sessionManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry

	logger inspector.Logger
}

func newSessionManager(logger inspector.Logger) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*sessionEntry),
		logger:   logger,
	}
}

// Start launches a debuggee and blocks until its session reports loaded.
func (m *sessionManager) Start(ctx context.Context, command string, programArgs []string, cfgArgs []string) (*sessionEntry, error) {
	conn, proc, err := launcher.Launch(ctx, launcher.Config{
		Command:     command,
		Args:        cfgArgs,
		ScriptArgs:  programArgs,
		DialTimeout: 5 * time.Second,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, err
	}

	session := inspector.NewSession(conn, inspector.WithLogger(m.logger), inspector.WithProcess(proc))

	program := command
	if len(programArgs) > 0 {
		program = programArgs[0]
	}

	id := uuid.NewString()
	entry := &sessionEntry{
		id:      id,
		session: session,
		proc:    proc,
		program: program,
		args:    programArgs,
		state:   "running",
	}

	session.Subscribe(func(ev inspector.Event) {
		switch ev.Kind {
		case inspector.EventEntryPointHit, inspector.EventBreakpointHit, inspector.EventStepComplete,
			inspector.EventAsyncBreakComplete, inspector.EventExceptionRaised:
			entry.setState("paused")
		case inspector.EventProcessExited:
			entry.setState("exited")
		}
	})

	if err := session.Connect(10 * time.Second); err != nil {
		session.Terminate()
		return nil, fmt.Errorf("connect to debuggee: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = entry
	m.mu.Unlock()
	return entry, nil
}

func (m *sessionManager) Get(id string) (*sessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such debug session: %s", id)
	}
	return e, nil
}

func (m *sessionManager) Terminate(id string) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	e.session.Terminate()
	e.setState("exited")
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *sessionManager) List() []*sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	return out
}
