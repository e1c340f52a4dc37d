package inspector

import (
	"encoding/json"
	"strings"
	"time"
)

// breakEventPayload is the inbound "break" event body. Breakpoints is nil
// when the field is absent or JSON null (step-completion path), non-nil
// and empty when the wire sends `[]` (no binding matched), and populated
// otherwise — encoding/json's slice-unmarshal semantics give this
// three-way distinction for free.
type breakEventPayload struct {
	Breakpoints []int `json:"breakpoints"`
	SourceLine  int   `json:"sourceLine"`
}

// handleBreakEvent is the Break Orchestrator's entry point, spec.md §4.4.
// It always refreshes the backtrace first, then enters ProcessBreak.
func (s *Session) handleBreakEvent(body json.RawMessage) {
	var payload breakEventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warnf("malformed break event: %v", err)
		return
	}

	btResp, ok := s.router.SendSync("backtrace", map[string]interface{}{"inlineRefs": true}, 2*time.Second, s.HasExited)
	if ok {
		s.applyBacktraceResponse(btResp)
	}

	s.processBreak(payload.Breakpoints, func() { s.autoResume(StepNone) }, true)
}

// processBreak implements spec.md §4.4 ProcessBreak. bindings==nil routes
// to the step-completion path; a non-nil empty slice or a populated one
// with nothing that actually fires calls noHitHandler; otherwise every
// fired binding gets its own BreakpointHit.
func (s *Session) processBreak(engineIDs []int, noHitHandler func(), testFullyBound bool) {
	if engineIDs == nil {
		s.mu.Lock()
		stepping := s.stepping
		s.mu.Unlock()
		if stepping.Mode != StepNone {
			s.completeStepping(stepping)
			return
		}
		s.stopAndReport(nil)
		return
	}

	var hit []*Binding
	for _, id := range engineIDs {
		b, ok := s.lookupBinding(id)
		if !ok || b.Unbound {
			continue
		}

		switch {
		case b.FullyBound && testFullyBound:
			if b.TestAndProcessHit() {
				hit = append(hit, b)
			}
		case b.FullyBound:
			hit = append(hit, b)
		default:
			// Partially bound: the engine had no script id for it or
			// placed it on a line other than the requested one. Re-resolve
			// it now that more scripts may have loaded, then test only if the rebind
			// landed exactly on the current top frame (a lambda/eval
			// fix-up where the binding belongs to a different, unrelated
			// location is "not hit", not an error).
			rebound, err := s.rebindPartial(b)
			if err != nil || rebound == nil {
				continue
			}
			if rebound.FullyBound && rebound.Line == currentTopFrameLine(s) && rebound.TestAndProcessHit() {
				hit = append(hit, rebound)
			}
		}
	}

	if len(hit) == 0 {
		noHitHandler()
		return
	}

	for _, b := range hit {
		s.mu.Lock()
		s.stepping = SteppingState{}
		s.mu.Unlock()
		s.events.emit(Event{Kind: EventBreakpointHit, Breakpoint: b.Breakpoint})
	}
}

// rebindPartial removes a partially bound Binding from the engine and
// sets it again via the normal Bind flow, returning the Binding that
// replaces it.
func (s *Session) rebindPartial(b *Binding) (*Binding, error) {
	if b.Breakpoint == nil {
		return nil, nil
	}
	s.removeEngineBinding(b.EngineID)
	if err := s.bindBreakpoint(b.Breakpoint); err != nil && b.Breakpoint.binding == nil {
		return nil, err
	}
	b.Breakpoint.mu.Lock()
	rebound := b.Breakpoint.binding
	b.Breakpoint.mu.Unlock()
	return rebound, nil
}

func currentTopFrameLine(s *Session) int {
	s.mu.Lock()
	thread := s.thread
	s.mu.Unlock()
	if thread == nil {
		return -1
	}
	f := thread.topFrame()
	if f == nil {
		return -1
	}
	return f.Line
}

// completeStepping implements spec.md §4.4 CompleteStepping. The fix-up
// applies only while resuming (i.e. this call came via AutoResume after a
// no-op hit during an active step) — a genuine direct step-complete event
// always surfaces StepComplete.
func (s *Session) completeStepping(stepping SteppingState) {
	if stepping.Resuming {
		s.mu.Lock()
		thread := s.thread
		s.mu.Unlock()
		currentDepth := 0
		if thread != nil {
			currentDepth = thread.frameCount()
		}

		if steppedAcrossTracepoint(stepping.Mode, stepping.FrameDepthAtStep, currentDepth) {
			s.Continue(StepOutOf, false)
			return
		}
	}

	s.mu.Lock()
	s.stepping = SteppingState{}
	s.mu.Unlock()
	s.events.emit(Event{Kind: EventStepComplete})
}

// steppedAcrossTracepoint implements the fix-up predicate on its own so it
// can be tested without a live backtrace round trip, per spec.md §4.4
// CompleteStepping: a step-over or step-out that lands in a deeper frame
// than where it started crossed a tracepoint in a nested call rather than
// completing the requested step. A step-into never needs this correction
// — landing deeper is exactly what it asked for.
func steppedAcrossTracepoint(mode StepMode, startDepth, currentDepth int) bool {
	switch mode {
	case StepOver:
		return currentDepth > startDepth
	case StepOutOf:
		return currentDepth+1 > startDepth
	default:
		return false
	}
}

// autoResume implements spec.md §4.4 AutoResume: while a step is active,
// make sure a fresh backtrace is in hand, mark the stepping state as
// resuming, and run CompleteStepping; otherwise just continue.
func (s *Session) autoResume(mode StepMode) {
	s.mu.Lock()
	stepping := s.stepping
	s.mu.Unlock()
	if stepping.Mode != StepNone {
		if btResp, ok := s.router.SendSync("backtrace", map[string]interface{}{"inlineRefs": true}, 2*time.Second, s.HasExited); ok {
			s.applyBacktraceResponse(btResp)
		}
		s.mu.Lock()
		stepping.Resuming = true
		s.stepping = stepping
		s.mu.Unlock()
		s.completeStepping(stepping)
		return
	}
	s.Continue(mode, true)
}

// stopAndReport materializes the current stop as a BreakpointHit (binding
// non-nil) or leaves it unreported beyond the backtrace refresh already
// performed by the caller (binding nil, e.g. a bare "debugger" statement,
// which the embedder only observes through its own inspection calls).
func (s *Session) stopAndReport(binding *Binding) {
	s.mu.Lock()
	s.stepping = SteppingState{}
	s.mu.Unlock()

	if binding != nil {
		s.events.emit(Event{Kind: EventBreakpointHit, Breakpoint: binding.Breakpoint})
	}
}

// SendResumeThread implements spec.md §4.4's entry-point discipline. It is
// the one path by which the embedder's Resume() should continue a
// suspended debuggee, since the very first resume after load must be
// distinguished from every later one.
func (s *Session) SendResumeThread() bool {
	s.mu.Lock()
	first := !s.firstResumeDone
	s.firstResumeDone = true
	armed := s.handleEntryPointHit
	s.handleEntryPointHit = false
	s.mu.Unlock()

	if first {
		ids := s.bindingsAtCurrentLine()
		if len(ids) > 0 {
			s.processBreak(ids, func() { s.emitEntryPointHit() }, true)
			return true
		}
		s.emitEntryPointHit()
		return true
	}

	if armed {
		s.emitEntryPointHit()
		return true
	}

	s.autoResume(StepNone)
	return true
}

func (s *Session) emitEntryPointHit() {
	s.events.emit(Event{Kind: EventEntryPointHit})
}

// bindingsAtCurrentLine returns the engine ids of every enabled binding
// that sits at the thread's current top frame line and script.
func (s *Session) bindingsAtCurrentLine() []int {
	s.mu.Lock()
	thread := s.thread
	bindings := make([]*Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()

	if thread == nil {
		return nil
	}
	f := thread.topFrame()
	if f == nil {
		return nil
	}

	var ids []int
	for _, b := range bindings {
		if b.Unbound || b.Breakpoint == nil || !b.Breakpoint.Enabled {
			continue
		}
		if b.Line == f.Line && sameScript(b, f.Script) {
			ids = append(ids, b.EngineID)
		}
	}
	return ids
}

func sameScript(b *Binding, sc Script) bool {
	if b.ScriptID != nil {
		return *b.ScriptID == sc.ID
	}
	return b.Breakpoint != nil && strings.EqualFold(b.Breakpoint.File, sc.Name)
}
