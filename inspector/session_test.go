package inspector

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	mu       sync.Mutex
	killed   bool
	exited   bool
	exitCode int
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func TestTerminateIsIdempotentAndEmitsExactlyOneProcessExited(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	proc := &fakeProcess{}
	s := NewSession(client, WithProcess(proc), WithLogger(NewStderrLogger()))

	var mu sync.Mutex
	exitedCount := 0
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventProcessExited {
			mu.Lock()
			exitedCount++
			mu.Unlock()
		}
	})

	s.Terminate()
	s.Terminate()
	s.Terminate()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, exitedCount, "Terminate must be idempotent")

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.killed, "Terminate should kill an un-exited process")
}

func TestTerminateUsesRecordedExitCodeWhenProcessAlreadyExited(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	proc := &fakeProcess{exited: true, exitCode: 7}
	s := NewSession(client, WithProcess(proc))

	var mu sync.Mutex
	var gotCode int
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventProcessExited {
			mu.Lock()
			gotCode = ev.ExitCode
			mu.Unlock()
		}
	})

	s.Terminate()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 7, gotCode)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.False(t, proc.killed, "an already-exited process should not be killed again")
}

func TestConnectTimesOutIfNoHandshakeArrives(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	err := s.Connect(30 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestIndexScriptEmitsModuleLoadedOnceCaseInsensitively(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	s := NewSession(client)

	var mu sync.Mutex
	loadedCount := 0
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventModuleLoaded {
			mu.Lock()
			loadedCount++
			mu.Unlock()
		}
	})

	s.indexScript(Script{ID: 1, Name: "app.js"}, false)
	s.indexScript(Script{ID: 1, Name: "APP.JS"}, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, loadedCount, "the same script name seen twice should only emit once")

	sc, ok := s.lookupScriptByName("App.Js")
	require.True(t, ok)
	assert.Equal(t, 1, sc.ID)
}
