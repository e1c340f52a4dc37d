// Package dapbridge republishes inspector.Session events as
// github.com/google/go-dap wire events, for embedders that want to drive
// this client from a DAP-speaking editor front end instead of the native
// inspector.Listener callback. It is the reverse of
// debug/dap_old/client.go's convertDelveToDAP-style translation: there the
// teacher turns Delve's JSON-RPC notifications into dap.Message values,
// here a Bridge turns inspector.Event values into the same dap.Message
// types and writes them out.
package dapbridge

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"

	"github.com/xhd2015/v8dbg/inspector"
)

// Bridge writes DAP protocol messages derived from one Session's events
// to an output stream, and assigns outgoing sequence numbers the way a
// real DAP adapter must.
type Bridge struct {
	session *inspector.Session
	w       io.Writer
	logger  inspector.Logger

	mu   sync.Mutex
	seq  int64
	subd bool
}

// New creates a Bridge for session, writing DAP-framed events to w. Call
// Start to begin forwarding; events before Start are dropped. logger may
// be nil, in which case write errors are dropped silently.
func New(session *inspector.Session, w io.Writer, logger inspector.Logger) *Bridge {
	return &Bridge{session: session, w: w, logger: logger}
}

// Start subscribes to the session's event stream. Safe to call once.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.subd {
		b.mu.Unlock()
		return
	}
	b.subd = true
	b.mu.Unlock()
	b.session.Subscribe(b.onEvent)
}

func (b *Bridge) nextSeq() int {
	return int(atomic.AddInt64(&b.seq, 1))
}

func (b *Bridge) write(msg dap.Message) {
	if err := dap.WriteProtocolMessage(b.w, msg); err != nil && b.logger != nil {
		b.logger.Warnf("dapbridge: write failed: %v", err)
	}
}

// onEvent is the inspector.Listener driving the translation. Unmapped
// event kinds (ModuleLoaded, ThreadCreated, BreakpointBound/Unbound/
// BindFailure) have no DAP equivalent that a minimal bridge needs, and
// are intentionally dropped the same way the teacher's dispatcher drops
// Delve notifications it doesn't recognize (debug/dap_old/client.go's
// unhandled-response fallthrough).
func (b *Bridge) onEvent(ev inspector.Event) {
	switch ev.Kind {
	case inspector.EventEntryPointHit:
		b.write(&dap.StoppedEvent{
			Event: newDAPEvent(b.nextSeq(), "stopped"),
			Body: dap.StoppedEventBody{
				Reason:            "entry",
				ThreadId:          1,
				AllThreadsStopped: true,
			},
		})
	case inspector.EventBreakpointHit:
		b.write(&dap.StoppedEvent{
			Event: newDAPEvent(b.nextSeq(), "stopped"),
			Body: dap.StoppedEventBody{
				Reason:            "breakpoint",
				ThreadId:          1,
				AllThreadsStopped: true,
			},
		})
	case inspector.EventStepComplete:
		b.write(&dap.StoppedEvent{
			Event: newDAPEvent(b.nextSeq(), "stopped"),
			Body: dap.StoppedEventBody{
				Reason:            "step",
				ThreadId:          1,
				AllThreadsStopped: true,
			},
		})
	case inspector.EventAsyncBreakComplete:
		b.write(&dap.StoppedEvent{
			Event: newDAPEvent(b.nextSeq(), "stopped"),
			Body: dap.StoppedEventBody{
				Reason:            "pause",
				ThreadId:          1,
				AllThreadsStopped: true,
			},
		})
	case inspector.EventExceptionRaised:
		desc := fmt.Sprintf("%s: %s", ev.ExceptionName, ev.ExceptionText)
		b.write(&dap.StoppedEvent{
			Event: newDAPEvent(b.nextSeq(), "stopped"),
			Body: dap.StoppedEventBody{
				Reason:            "exception",
				Description:       desc,
				Text:              ev.ExceptionText,
				ThreadId:          1,
				AllThreadsStopped: true,
			},
		})
	case inspector.EventProcessExited:
		b.write(&dap.ExitedEvent{
			Event: newDAPEvent(b.nextSeq(), "exited"),
			Body:  dap.ExitedEventBody{ExitCode: ev.ExitCode},
		})
		b.write(&dap.TerminatedEvent{
			Event: newDAPEvent(b.nextSeq(), "terminated"),
			Body:  dap.TerminatedEventBody{},
		})
	}
}

func newDAPEvent(seq int, event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
		Event:           event,
	}
}
