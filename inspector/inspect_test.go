package inspector

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireVal(t *testing.T, typ string, raw interface{}, extra map[string]interface{}) wireValue {
	t.Helper()
	v := wireValue{Type: typ}
	if raw != nil {
		b, err := json.Marshal(raw)
		require.NoError(t, err)
		v.Value = b
	}
	if extra != nil {
		if s, ok := extra["className"].(string); ok {
			v.ClassName = s
		}
		if s, ok := extra["text"].(string); ok {
			v.Text = s
		}
		if s, ok := extra["name"].(string); ok {
			v.Name = s
		}
	}
	return v
}

func TestMaterializeValueUndefinedYieldsNil(t *testing.T) {
	assert.Nil(t, materializeValue(wireValue{Type: "undefined"}))
}

func TestMaterializeValueString(t *testing.T) {
	r := materializeValue(wireVal(t, "string", "hi\nthere", nil))
	require.NotNil(t, r)
	assert.Equal(t, TypeString, r.Type)
	assert.Equal(t, `"hi\nthere"`, r.Display)
}

func TestMaterializeValueNumberIncludesHex(t *testing.T) {
	r := materializeValue(wireVal(t, "number", 255, nil))
	require.NotNil(t, r)
	assert.Equal(t, "255", r.Display)
	assert.Equal(t, "0x000000FF", r.Hex)
}

func TestMaterializeValueNumberWithNullWireValueKeepsHandleAsPlaceholder(t *testing.T) {
	handle := 55
	v := wireValue{Type: "number", Value: json.RawMessage("null"), Handle: &handle}
	r := materializeValue(v)
	require.NotNil(t, r)
	assert.Equal(t, TypeNumber, r.Type)
	assert.Equal(t, "null", r.Display)
	assert.Equal(t, 55, r.Handle)
	assert.True(t, r.HasHandle)
}

func TestMaterializeValueNumberWithAbsentWireValueKeepsHandleAsPlaceholder(t *testing.T) {
	handle := 56
	v := wireValue{Type: "number", Handle: &handle}
	r := materializeValue(v)
	require.NotNil(t, r)
	assert.Equal(t, "null", r.Display)
	assert.True(t, r.HasHandle)
}

func TestMaterializeValueFunctionUsesNameOrInferred(t *testing.T) {
	v := wireValue{Type: "function", InferredName: "anon"}
	r := materializeValue(v)
	require.NotNil(t, r)
	assert.Equal(t, "[Function: anon]", r.Display)
	assert.True(t, r.Expandable)
}

func TestMaterializeValueObjectExpandable(t *testing.T) {
	handle := 42
	v := wireValue{Type: "object", ClassName: "Object", Handle: &handle}
	r := materializeValue(v)
	require.NotNil(t, r)
	assert.Equal(t, TypeObject, r.Type)
	assert.True(t, r.Expandable)
	assert.True(t, r.HasHandle)
	assert.Equal(t, 42, r.Handle)
}

func TestCreateFrameVariableResultDropsUndefined(t *testing.T) {
	s := &Session{}
	r := s.CreateFrameVariableResult(wireVar{Name: "x", Value: wireValue{Type: "undefined"}})
	assert.Nil(t, r)
}

func TestCreateFrameVariableResultSetsNameAndExpression(t *testing.T) {
	s := &Session{}
	r := s.CreateFrameVariableResult(wireVar{Name: "count", Value: wireVal(t, "number", 7, nil)})
	require.NotNil(t, r)
	assert.Equal(t, "count", r.Name)
	assert.Equal(t, "count", r.Expression)
}

func TestFixupBacktraceResolvesNullNumberPlaceholdersInOneLookup(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	go s.transport.Listen()

	frames := []*StackFrame{
		{Params: []*EvaluationResult{{Type: TypeNumber, Display: "null", Handle: 55, HasHandle: true}}},
		{Locals: []*EvaluationResult{{Type: TypeNumber, Display: "null", Handle: 56, HasHandle: true}}},
	}

	engine := newFakeEngine(t, server)
	done := make(chan struct{})
	go func() {
		s.fixupBacktrace(frames)
		close(done)
	}()

	seq, command, args := engine.nextRequest()
	assert.Equal(t, "lookup", command)
	handles, ok := args["handles"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{float64(55), float64(56)}, handles)
	engine.respond(seq, `{"55":{"text":"12345"},"56":{"text":"9"}}`)
	<-done

	assert.Equal(t, "12345", frames[0].Params[0].Display)
	assert.NotEmpty(t, frames[0].Params[0].Hex)
	assert.Equal(t, "9", frames[1].Locals[0].Display)
}

func TestFixupBacktraceIsNoopWhenNoPlaceholdersPresent(t *testing.T) {
	s := &Session{}
	frames := []*StackFrame{{Params: []*EvaluationResult{{Type: TypeNumber, Display: "3"}}}}
	s.fixupBacktrace(frames)
	assert.Equal(t, "3", frames[0].Params[0].Display)
}

func TestTestPredicateInterpretsTruthiness(t *testing.T) {
	assert.True(t, isTruthy(&EvaluationResult{Type: TypeBoolean, Display: "true"}))
	assert.False(t, isTruthy(&EvaluationResult{Type: TypeBoolean, Display: "false"}))
	assert.False(t, isTruthy(&EvaluationResult{Type: TypeNumber, Display: "0"}))
	assert.True(t, isTruthy(&EvaluationResult{Type: TypeNumber, Display: "1"}))
	assert.False(t, isTruthy(&EvaluationResult{Type: TypeNull}))
	assert.True(t, isTruthy(&EvaluationResult{Type: TypeObject, Display: "[object Object]"}))
}
