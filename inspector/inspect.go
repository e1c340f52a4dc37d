package inspector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// wireValue is the shape of any materialized value in a response. Every
// backtrace request this client issues is sent with inlineRefs:true, so
// frame values rarely need a second lookup round trip. See spec.md §4.6.
type wireValue struct {
	Type         string          `json:"type"`
	Value        json.RawMessage `json:"value"`
	Text         string          `json:"text"`
	ClassName    string          `json:"className"`
	Ref          *int            `json:"ref"`
	Handle       *int            `json:"handle"`
	Name         string          `json:"name"`
	InferredName string          `json:"inferredName"`
}

type wireVar struct {
	Name  string    `json:"name"`
	Value wireValue `json:"value"`
}

type wireFrame struct {
	Index     int       `json:"index"`
	Line      int       `json:"line"`
	Func      wireValue `json:"func"`
	Script    wireValue `json:"script"`
	Arguments []wireVar `json:"arguments"`
	Locals    []wireVar `json:"locals"`
}

type backtraceBody struct {
	Frames []wireFrame `json:"frames"`
}

// applyBacktraceResponse parses a backtrace response and installs the
// resulting frame vector on the session's sole thread. Called from
// ProcessConnect, BreakAll, handleExceptionEvent, handleBreakEvent before
// it enters ProcessBreak, and autoResume while a step is active. See
// spec.md §4.6's FixupBacktrace.
func (s *Session) applyBacktraceResponse(resp Response) {
	if resp.Running {
		return
	}
	var body backtraceBody
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			s.logger.Warnf("malformed backtrace response: %v", err)
			return
		}
	}

	s.mu.Lock()
	thread := s.thread
	s.mu.Unlock()
	if thread == nil {
		return
	}

	frames := make([]*StackFrame, 0, len(body.Frames))
	for _, wf := range body.Frames {
		frames = append(frames, s.fixupFrame(thread, wf))
	}
	s.fixupBacktrace(frames)
	thread.setFrames(frames)
}

// fixupBacktrace implements spec.md §4.6 FixupBacktrace: it collects
// every numeric placeholder left by materializeValue (the engine omitted
// the inline value, leaving only a handle) across every frame's params
// and locals, resolves them all in one lookup, and overwrites their
// display text and hex rendering in place. On lookup failure the frames
// are left as-is.
func (s *Session) fixupBacktrace(frames []*StackFrame) {
	var placeholders []*EvaluationResult
	for _, f := range frames {
		for _, r := range f.Params {
			if r.Type == TypeNumber && r.Display == "null" && r.Handle > 0 {
				placeholders = append(placeholders, r)
			}
		}
		for _, r := range f.Locals {
			if r.Type == TypeNumber && r.Display == "null" && r.Handle > 0 {
				placeholders = append(placeholders, r)
			}
		}
	}
	if len(placeholders) == 0 {
		return
	}

	handles := make([]int, len(placeholders))
	for i, r := range placeholders {
		handles[i] = r.Handle
	}
	resp, ok := s.router.SendSync("lookup", map[string]interface{}{
		"handles":       handles,
		"includeSource": false,
	}, 2*time.Second, s.HasExited)
	if !ok {
		return
	}

	var body map[string]struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		s.logger.Warnf("malformed lookup response during backtrace fix-up: %v", err)
		return
	}

	for _, r := range placeholders {
		rec, ok := body[fmt.Sprintf("%d", r.Handle)]
		if !ok {
			continue
		}
		r.Display = rec.Text
		r.Hex = hexForDecimal(rec.Text)
	}
}

// fixupFrame resolves a wire frame's script reference (falling back to
// the session's script index by id when the script object in the
// response carries only a ref/id, not a name) and materializes its
// arguments and locals. See spec.md §4.6 FixupBacktrace.
func (s *Session) fixupFrame(thread *Thread, wf wireFrame) *StackFrame {
	script := s.resolveScript(wf.Script)
	fn := firstNonEmpty(wf.Func.Name, wf.Func.InferredName)

	sf := &StackFrame{
		Thread:   thread,
		Script:   script,
		Function: fn,
		Line:     wf.Line + 1, // wire is 0-based
		Index:    wf.Index,
	}
	for _, a := range wf.Arguments {
		if r := s.CreateFrameVariableResult(a); r != nil {
			sf.Params = append(sf.Params, r)
		}
	}
	for _, l := range wf.Locals {
		if r := s.CreateFrameVariableResult(l); r != nil {
			sf.Locals = append(sf.Locals, r)
		}
	}
	return sf
}

func (s *Session) resolveScript(v wireValue) Script {
	var id int
	switch {
	case v.Ref != nil:
		id = *v.Ref
	case v.Handle != nil:
		id = *v.Handle
	default:
		return UnknownScript
	}
	if v.Name != "" {
		return Script{ID: id, Name: v.Name}
	}
	if sc, ok := s.lookupScriptByID(id); ok {
		return sc
	}
	return UnknownScript
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// CreateFrameVariableResult materializes one named wire value into an
// EvaluationResult. Returns nil for "undefined", which this client never
// represents as a result (spec.md §3).
func (s *Session) CreateFrameVariableResult(v wireVar) *EvaluationResult {
	r := materializeValue(v.Value)
	if r == nil {
		return nil
	}
	r.Name = v.Name
	r.Expression = v.Name
	return r
}

// materializeValue converts one wireValue into an EvaluationResult,
// choosing Display/Hex/Type/Expandable per spec.md §3's rendering rules.
func materializeValue(v wireValue) *EvaluationResult {
	switch v.Type {
	case "undefined":
		return nil
	case "null":
		return &EvaluationResult{Type: TypeNull, Display: "null"}
	case "boolean":
		var b bool
		json.Unmarshal(v.Value, &b)
		return &EvaluationResult{Type: TypeBoolean, Display: fmt.Sprintf("%t", b)}
	case "number":
		if isNullValue(v.Value) {
			// The engine sometimes omits a numeric value inline, leaving
			// only a handle to look it up later; spec.md §4.6 FixupBacktrace
			// resolves these after the whole frame vector is built.
			handle := handleOf(v)
			return &EvaluationResult{Type: TypeNumber, Display: "null", Handle: handle, HasHandle: handle > 0}
		}
		var raw json.Number
		json.Unmarshal(v.Value, &raw)
		dec := raw.String()
		return &EvaluationResult{Type: TypeNumber, Display: dec, Hex: hexForDecimal(dec)}
	case "string":
		var str string
		json.Unmarshal(v.Value, &str)
		return &EvaluationResult{Type: TypeString, Display: quoteString(str)}
	case "function":
		handle := handleOf(v)
		return &EvaluationResult{
			Type:       TypeFunction,
			Display:    functionDisplay(v.Name, v.InferredName),
			Handle:     handle,
			HasHandle:  v.Handle != nil || v.Ref != nil,
			Expandable: true,
		}
	case "object":
		handle := handleOf(v)
		if v.ClassName == "Date" {
			return &EvaluationResult{Type: TypeDate, Display: v.Text, Handle: handle, HasHandle: v.Handle != nil || v.Ref != nil, Expandable: false}
		}
		display := v.Text
		if display == "" {
			display = fmt.Sprintf("[object %s]", firstNonEmpty(v.ClassName, "Object"))
		}
		return &EvaluationResult{Type: TypeObject, Display: display, Handle: handle, HasHandle: v.Handle != nil || v.Ref != nil, Expandable: true}
	default:
		return &EvaluationResult{Type: TypeObject, Display: v.Text}
	}
}

func isNullValue(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return len(trimmed) == 0 || trimmed == "null"
}

func handleOf(v wireValue) int {
	if v.Handle != nil {
		return *v.Handle
	}
	if v.Ref != nil {
		return *v.Ref
	}
	return 0
}

// EnumChildren resolves one expandable EvaluationResult's named
// properties via a "lookup" request keyed on its handle, materializing
// each into a fresh EvaluationResult. See spec.md §4.6.
func (s *Session) EnumChildren(parent *EvaluationResult) ([]*EvaluationResult, error) {
	if parent == nil || !parent.HasHandle {
		return nil, fmt.Errorf("%w: value has no handle to enumerate", ErrEngineFailure)
	}
	args := map[string]interface{}{
		"handles":    []int{parent.Handle},
		"includeSource": false,
	}
	resp, ok := s.router.SendSync("lookup", args, 2*time.Second, s.HasExited)
	if !ok {
		return nil, fmt.Errorf("%w: lookup request failed", ErrEngineFailure)
	}

	var body map[string]struct {
		Properties []wireVar `json:"properties"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: malformed lookup response: %v", ErrProtocolFault, err)
		}
	}
	entry, ok := body[fmt.Sprintf("%d", parent.Handle)]
	if !ok {
		return nil, nil
	}

	out := make([]*EvaluationResult, 0, len(entry.Properties))
	for _, p := range entry.Properties {
		if r := s.CreateFrameVariableResult(p); r != nil {
			if parent.Expression != "" {
				r.Expression = parent.Expression + "." + r.Name
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// ExecuteText evaluates expression against frame's scope and materializes
// the result. frame may be nil to evaluate in the global scope. See
// spec.md §4.6.
func (s *Session) ExecuteText(frame *StackFrame, expression string) (*EvaluationResult, error) {
	args := map[string]interface{}{
		"expression": expression,
		"global":     frame == nil,
	}
	if frame != nil {
		args["frame"] = frame.Index
	}
	resp, ok := s.router.SendSync("evaluate", args, 2*time.Second, s.HasExited)
	if !ok {
		return nil, fmt.Errorf("%w: evaluate request failed", ErrEngineFailure)
	}

	var v wireValue
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &v); err != nil {
			return nil, fmt.Errorf("%w: malformed evaluate response: %v", ErrProtocolFault, err)
		}
	}
	r := materializeValue(v)
	if r == nil {
		r = &EvaluationResult{Type: TypeObject, Display: "undefined"}
	}
	r.Expression = expression
	return r, nil
}

// TestPredicate evaluates expression via ExecuteText and reports whether
// the result is truthy under isTruthy. Nothing in this package calls it:
// a Breakpoint's condition is sent to the engine with setbreakpoint and
// TestAndProcessHit does not evaluate it.
func (s *Session) TestPredicate(frame *StackFrame, expression string) (bool, error) {
	r, err := s.ExecuteText(frame, expression)
	if err != nil {
		return false, err
	}
	return isTruthy(r), nil
}

// isTruthy applies the engine's coercion rules to a materialized result.
func isTruthy(r *EvaluationResult) bool {
	switch r.Type {
	case TypeBoolean:
		return r.Display == "true"
	case TypeNull:
		return false
	case TypeNumber:
		return r.Display != "0"
	case TypeString:
		return r.Display != `""`
	default:
		return true // any object/function is truthy
	}
}

// GetScriptText fetches a script's full source text by id.
func (s *Session) GetScriptText(scriptID int) (string, error) {
	args := map[string]interface{}{
		"types":       4,
		"includeSource": true,
		"ids":         []int{scriptID},
	}
	resp, ok := s.router.SendSync("scripts", args, 2*time.Second, s.HasExited)
	if !ok {
		return "", fmt.Errorf("%w: scripts request failed", ErrEngineFailure)
	}
	var records []struct {
		Source string `json:"source"`
	}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &records); err != nil {
			return "", fmt.Errorf("%w: malformed scripts response: %v", ErrProtocolFault, err)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: script %d not found", ErrEngineFailure, scriptID)
	}
	return records[0].Source, nil
}
