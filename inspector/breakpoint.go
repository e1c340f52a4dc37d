package inspector

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// BreakOnKind selects how a Breakpoint's hit count gates its firing.
// See spec.md §3.
type BreakOnKind int

const (
	// BreakOnAlways fires on every hit.
	BreakOnAlways BreakOnKind = iota
	// BreakOnEqual fires only when the hit count equals Count.
	BreakOnEqual
	// BreakOnGreaterOrEqual fires once the hit count reaches Count and on
	// every hit thereafter.
	BreakOnGreaterOrEqual
	// BreakOnMod fires every Count-th hit (hitCount % Count == 0).
	BreakOnMod
)

// BreakOn pairs a BreakOnKind with the count it gates on. Construct with
// NewBreakOn, which ignores Count (storing 0) for BreakOnAlways and
// enforces that it is >= 1 otherwise.
type BreakOn struct {
	Kind  BreakOnKind
	Count int
}

// NewBreakOn validates and builds a BreakOn.
func NewBreakOn(kind BreakOnKind, count int) (BreakOn, error) {
	switch kind {
	case BreakOnAlways:
		return BreakOn{Kind: kind}, nil
	case BreakOnEqual, BreakOnGreaterOrEqual, BreakOnMod:
		if count < 1 {
			return BreakOn{}, fmt.Errorf("%w: count must be >= 1 for conditional break-on", ErrBindFailure)
		}
		return BreakOn{Kind: kind, Count: count}, nil
	default:
		return BreakOn{}, fmt.Errorf("%w: unknown break-on kind %d", ErrBindFailure, kind)
	}
}

func (b BreakOn) shouldFire(hitCount int) bool {
	switch b.Kind {
	case BreakOnAlways:
		return true
	case BreakOnEqual:
		return hitCount == b.Count
	case BreakOnGreaterOrEqual:
		return hitCount >= b.Count
	case BreakOnMod:
		return b.Count > 0 && hitCount%b.Count == 0
	default:
		return false
	}
}

// Binding is one engine-side realization of a Breakpoint. A binding the
// engine reports without a script id, or at a line other than the
// requested one, is partially bound; it is re-bound (a fresh Binding
// replaces the old one) when a break event reports it. See spec.md §4.5.
type Binding struct {
	EngineID int

	ScriptID *int // nil until the engine resolves the backing script
	Line     int

	FullyBound bool // false => partially bound (no ScriptID, or Line differs from the requested line)
	Unbound    bool // true once Remove or a superseding rebind has run

	HitCount int

	Breakpoint *Breakpoint
}

// Breakpoint is the embedder-visible, user-facing half of a set breakpoint.
// One Breakpoint may, over its life, be realized by a succession of
// Bindings (each rebind discards the previous one). See spec.md §4.5.
type Breakpoint struct {
	mu sync.Mutex

	File      string
	Line      int
	Enabled   bool
	On        BreakOn
	Condition string

	binding *Binding
}

// SetBreakpoint creates a Breakpoint and attempts to bind it immediately.
// If the script named by file is not yet loaded, the breakpoint still
// binds (PartiallyBound, via the engine's own script-name regex matching)
// so it fires the moment the script loads — this client never deep-copies
// the engine's pending-breakpoint semantics, it relies on them.
func (s *Session) SetBreakpoint(file string, line int, on BreakOn, condition string, enabled bool) (*Breakpoint, error) {
	bp := &Breakpoint{
		File:      file,
		Line:      line,
		Enabled:   enabled,
		On:        on,
		Condition: condition,
	}
	if err := s.bindBreakpoint(bp); err != nil {
		return bp, err
	}
	return bp, nil
}

// bindBreakpoint implements spec.md §4.5 Bind: it calls SetBreakpoint on
// the wire, decides fully_bound from the engine's answer, and — for a
// partial bind that carries a condition predicate the engine could not
// honor at the location it snapped to — removes that binding and retries
// once without the predicate, per the engine's own quirk.
func (s *Session) bindBreakpoint(bp *Breakpoint) error {
	engineID, scriptID, actualLine, ok := s.sendSetBreakpoint(bp, false)
	if !ok {
		s.events.emit(Event{Kind: EventBreakpointBindFailure, Binding: &Binding{Breakpoint: bp, Line: bp.Line}})
		return fmt.Errorf("%w: setbreakpoint request failed for %s:%d", ErrBindFailure, bp.File, bp.Line)
	}

	fullyBound := scriptID != nil && actualLine == bp.Line

	if !fullyBound && bp.Condition != "" {
		// The engine couldn't honor the predicate at the location it
		// snapped to. Drop that binding and retry without it; spec.md
		// §4.5 still reports failure to the caller even though a
		// binding now exists.
		s.removeEngineBinding(engineID)
		engineID, scriptID, actualLine, ok = s.sendSetBreakpoint(bp, true)
		if !ok {
			s.events.emit(Event{Kind: EventBreakpointBindFailure, Binding: &Binding{Breakpoint: bp, Line: bp.Line}})
			return fmt.Errorf("%w: setbreakpoint retry without predicate failed for %s:%d", ErrBindFailure, bp.File, bp.Line)
		}
		fullyBound = scriptID != nil && actualLine == bp.Line
	}

	b := s.installBinding(bp, engineID, scriptID, actualLine, fullyBound)

	if !fullyBound {
		// Partially bound, with or without a predicate: the binding is
		// retained for a possible later re-bind, but the caller is told
		// failure (spec.md §4.5, §9 "Partial-bind ambiguity").
		s.events.emit(Event{Kind: EventBreakpointBindFailure, Binding: b})
		return fmt.Errorf("%w: breakpoint for %s:%d bound at line %d instead", ErrBindFailure, bp.File, bp.Line, actualLine)
	}

	s.events.emit(Event{Kind: EventBreakpointBound, Binding: b})
	return nil
}

// sendSetBreakpoint implements spec.md §4.5 SetBreakpoint: it converts
// user coordinates to engine coordinates, picks scriptId targeting when
// the file is already in the script inventory and falls back to the
// case-insensitive scriptRegExp form otherwise, and parses the engine's
// actual bound location.
func (s *Session) sendSetBreakpoint(bp *Breakpoint, withoutPredicate bool) (engineID int, scriptID *int, actualLine int, ok bool) {
	wireLine := bp.Line - 1 // both coordinates are zero-based on the wire
	column := 0
	if wireLine == 0 {
		// Engine quirk: require-loaded scripts expect column 1 at line 0.
		column = 1
	}

	args := map[string]interface{}{
		"line":    wireLine,
		"column":  column,
		"enabled": bp.Enabled,
	}
	if sc, known := s.lookupScriptByName(bp.File); known {
		args["type"] = "scriptId"
		args["target"] = sc.ID
	} else {
		args["type"] = "scriptRegExp"
		args["target"] = leafRegexp(bp.File, s.attach)
	}
	if !withoutPredicate {
		if bp.Condition != "" {
			args["condition"] = bp.Condition
		}
		if bp.On.Kind != BreakOnAlways {
			args["ignoreCount"] = bp.On.Count - 1
		}
	}

	resp, sent := s.router.SendSync("setbreakpoint", args, 2*time.Second, s.HasExited)
	if !sent {
		return 0, nil, 0, false
	}

	var body struct {
		BreakpointID    int  `json:"breakpoint"`
		ScriptID        *int `json:"script_id"`
		ActualLocations []struct {
			Line int `json:"line"`
		} `json:"actual_locations"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			s.logger.Warnf("malformed setbreakpoint response: %v", err)
			return 0, nil, 0, false
		}
	}

	actualLine = bp.Line
	if len(body.ActualLocations) > 0 {
		actualLine = body.ActualLocations[0].Line + 1
	}
	return body.BreakpointID, body.ScriptID, actualLine, true
}

// installBinding replaces bp's live Binding (if any) with a fresh one,
// keeping the session's engine-id -> Binding map consistent under its own
// mutex — there is never a window with two live Bindings for one
// Breakpoint (spec.md §3 invariant).
func (s *Session) installBinding(bp *Breakpoint, engineID int, scriptID *int, line int, fullyBound bool) *Binding {
	b := &Binding{
		EngineID:   engineID,
		ScriptID:   scriptID,
		Line:       line,
		FullyBound: fullyBound,
		Breakpoint: bp,
	}

	bp.mu.Lock()
	old := bp.binding
	bp.binding = b
	bp.mu.Unlock()

	s.mu.Lock()
	if old != nil {
		old.Unbound = true
		delete(s.bindings, old.EngineID)
	}
	s.bindings[b.EngineID] = b
	s.mu.Unlock()

	return b
}

// removeEngineBinding clears engineID on the wire without touching any
// Breakpoint's local state — used when a rebind is about to install its
// replacement immediately.
func (s *Session) removeEngineBinding(engineID int) {
	s.router.SendSync("clearbreakpoint", map[string]interface{}{"breakpoint": engineID}, 2*time.Second, s.HasExited)
}

// Update changes a Breakpoint's enabled flag, condition, or break-on
// policy and pushes the change to the engine's existing binding.
func (bp *Breakpoint) Update(session *Session, enabled bool, on BreakOn, condition string) error {
	bp.mu.Lock()
	b := bp.binding
	bp.mu.Unlock()
	if b == nil || b.Unbound {
		return fmt.Errorf("%w: breakpoint has no live binding", ErrBindFailure)
	}

	args := map[string]interface{}{
		"breakpoint": b.EngineID,
		"enabled":    enabled,
	}
	if condition != "" {
		args["condition"] = condition
	}
	if on.Kind != BreakOnAlways {
		args["ignoreCount"] = on.Count - 1
	}
	if _, ok := session.router.SendSync("changebreakpoint", args, 2*time.Second, session.HasExited); !ok {
		return fmt.Errorf("%w: changebreakpoint request failed", ErrBindFailure)
	}

	bp.mu.Lock()
	bp.Enabled = enabled
	bp.On = on
	bp.Condition = condition
	bp.mu.Unlock()
	return nil
}

// GetHitCount reports how many times the live binding has fired.
func (bp *Breakpoint) GetHitCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if bp.binding == nil {
		return 0
	}
	return bp.binding.HitCount
}

// Remove unbinds bp from the engine. Idempotent.
func (bp *Breakpoint) Remove(session *Session) error {
	bp.mu.Lock()
	b := bp.binding
	bp.binding = nil
	bp.mu.Unlock()
	if b == nil || b.Unbound {
		return nil
	}

	b.Unbound = true
	session.mu.Lock()
	delete(session.bindings, b.EngineID)
	session.mu.Unlock()

	args := map[string]interface{}{"breakpoint": b.EngineID}
	session.router.SendSync("clearbreakpoint", args, 2*time.Second, session.HasExited)
	session.events.emit(Event{Kind: EventBreakpointUnbound, Binding: b})
	return nil
}

// TestAndProcessHit is called by the Break Orchestrator for one binding
// that the engine reports as hit. It bumps the hit count, evaluates the
// break-on policy, and returns whether the owning Breakpoint should
// actually suspend the debuggee.
func (b *Binding) TestAndProcessHit() bool {
	b.HitCount++
	if b.Breakpoint == nil {
		return true
	}
	b.Breakpoint.mu.Lock()
	enabled := b.Breakpoint.Enabled
	on := b.Breakpoint.On
	b.Breakpoint.mu.Unlock()
	if !enabled {
		return false
	}
	return on.shouldFire(b.HitCount)
}

// lookupBinding resolves an engine breakpoint id to its live Binding.
func (s *Session) lookupBinding(engineID int) (*Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[engineID]
	return b, ok
}

// leafRegexp builds the scriptRegExp target used to bind against a file
// name, per spec.md §4.5: an attaching session only ever sees the
// debuggee's own leaf file names on the wire, so the pattern matches a
// path separator followed by the leaf name at the end of the string;
// a launched session knows the full path it started the debuggee with,
// so the pattern anchors the whole thing.
func leafRegexp(file string, attach bool) string {
	if attach {
		return `[\\/]` + caseInsensitivePattern(basename(file)) + "$"
	}
	return "^" + caseInsensitivePattern(file) + "$"
}

func basename(file string) string {
	for i := len(file) - 1; i >= 0; i-- {
		if file[i] == '/' || file[i] == '\\' {
			return file[i+1:]
		}
	}
	return file
}

// caseInsensitivePattern escapes s for use inside a regex and replaces
// every alphabetic character with a two-letter character class, since
// the engine's regex dialect has no case-insensitive flag (spec.md §4.5).
func caseInsensitivePattern(s string) string {
	const special = ".+*?()|[]{}^$\\"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			b.WriteByte('[')
			b.WriteByte(c - 'a' + 'A')
			b.WriteByte(c)
			b.WriteByte(']')
		case c >= 'A' && c <= 'Z':
			b.WriteByte('[')
			b.WriteByte(c)
			b.WriteByte(c - 'A' + 'a')
			b.WriteByte(']')
		case strings.IndexByte(special, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
