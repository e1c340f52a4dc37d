package inspector

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Script is an engine-known source unit. Created on discovery (initial
// inventory or an afterCompile event); never mutated once created.
type Script struct {
	ID   int
	Name string
}

// UnknownScript stands in for frames whose script could not be resolved.
var UnknownScript = Script{ID: -1, Name: "<unknown>"}

// Thread is the debuggee's sole thread. The engine this client talks to is
// single-threaded (see spec.md Non-goals); the core hard-codes exactly one.
type Thread struct {
	ID int

	mu     sync.Mutex
	frames []*StackFrame
}

// Frames returns the thread's current frame vector. Replaced atomically at
// the end of every applyBacktraceResponse.
func (t *Thread) Frames() []*StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*StackFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *Thread) setFrames(frames []*StackFrame) {
	t.mu.Lock()
	t.frames = frames
	t.mu.Unlock()
}

func (t *Thread) topFrame() *StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[0]
}

func (t *Thread) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// StackFrame is a per-stop snapshot. Re-created on every backtrace;
// previous frames are invalidated the moment a new vector is installed.
type StackFrame struct {
	Thread   *Thread
	Script   Script
	Function string
	Line     int // 1-based
	Index    int
	Params   []*EvaluationResult
	Locals   []*EvaluationResult
}

// ValueType tags a materialized EvaluationResult.
type ValueType string

const (
	TypeObject   ValueType = "object"
	TypeString   ValueType = "string"
	TypeNumber   ValueType = "number"
	TypeBoolean  ValueType = "boolean"
	TypeNull     ValueType = "null"
	TypeDate     ValueType = "date"
	TypeFunction ValueType = "function"
)

// EvaluationResult is a materialized value. The "undefined" type has no
// ValueType: CreateFrameVariableResult drops such values, and ExecuteText
// reports one as a TypeObject result displaying "undefined".
type EvaluationResult struct {
	Handle     int // engine handle; 0 when not applicable
	HasHandle  bool
	Display    string
	Hex        string
	Type       ValueType
	Name       string
	Expression string // trail used to resolve children (EnumChildren)
	Expandable bool
}

// quoteString renders a string value the way the client displays it.
func quoteString(s string) string {
	return strconv.Quote(s)
}

// hexForDecimal returns the "0x%08X" form of dec when it parses as a
// 32-bit integer, and "" otherwise.
func hexForDecimal(dec string) string {
	n, err := strconv.ParseInt(dec, 10, 64)
	if err != nil {
		return ""
	}
	if n < -(1<<31) || n > (1<<32-1) {
		return ""
	}
	return fmt.Sprintf("0x%08X", uint32(n))
}

// functionDisplay renders a function value per spec.md §3: "[Function]" or
// "[Function: name]" using name if non-blank, else inferredName.
func functionDisplay(name, inferredName string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		n = strings.TrimSpace(inferredName)
	}
	if n == "" {
		return "[Function]"
	}
	return fmt.Sprintf("[Function: %s]", n)
}
