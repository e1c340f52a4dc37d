package inspector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine is a minimal stand-in for the V8/Node debuggee on the other
// end of a net.Pipe: it reads one Content-Length-framed request at a
// time and hands the caller the decoded command/arguments so the test can
// assert on the outbound wire shape before crafting a response.
type fakeEngine struct {
	t *testing.T
	r *bufio.Reader
	w io.Writer
}

func newFakeEngine(t *testing.T, conn net.Conn) *fakeEngine {
	return &fakeEngine{t: t, r: bufio.NewReader(conn), w: conn}
}

func (e *fakeEngine) nextRequest() (seq int, command string, args map[string]interface{}) {
	contentLength := -1
	for {
		line, err := e.r.ReadString('\n')
		require.NoError(e.t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		var n int
		if _, scanErr := fmt.Sscanf(line, "Content-Length: %d", &n); scanErr == nil {
			contentLength = n
		}
	}
	require.GreaterOrEqual(e.t, contentLength, 0)
	body := make([]byte, contentLength)
	_, err := io.ReadFull(e.r, body)
	require.NoError(e.t, err)

	var env struct {
		Seq       int             `json:"seq"`
		Command   string          `json:"command"`
		Arguments json.RawMessage `json:"arguments"`
	}
	require.NoError(e.t, json.Unmarshal(body, &env))
	if len(env.Arguments) > 0 {
		require.NoError(e.t, json.Unmarshal(env.Arguments, &args))
	}
	return env.Seq, env.Command, args
}

func (e *fakeEngine) respond(seq int, bodyJSON string) {
	pkt := fmt.Sprintf(`{"type":"response","request_seq":%d,"success":true,"running":false,"body":%s}`, seq, bodyJSON)
	_, err := fmt.Fprintf(e.w, "Content-Length: %d\r\n\r\n%s", len(pkt), pkt)
	require.NoError(e.t, err)
}

func (e *fakeEngine) respondFailure(seq int) {
	pkt := fmt.Sprintf(`{"type":"response","request_seq":%d,"success":false,"running":false,"message":"no"}`, seq)
	_, err := fmt.Fprintf(e.w, "Content-Length: %d\r\n\r\n%s", len(pkt), pkt)
	require.NoError(e.t, err)
}

func TestNewBreakOnAlwaysIgnoresCount(t *testing.T) {
	on, err := NewBreakOn(BreakOnAlways, 0)
	require.NoError(t, err)
	assert.Equal(t, BreakOnAlways, on.Kind)
}

func TestNewBreakOnConditionalRequiresPositiveCount(t *testing.T) {
	_, err := NewBreakOn(BreakOnEqual, 0)
	assert.ErrorIs(t, err, ErrBindFailure)

	on, err := NewBreakOn(BreakOnGreaterOrEqual, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, on.Count)
}

func TestBreakOnEqualFiresOnlyOnExactHit(t *testing.T) {
	on, err := NewBreakOn(BreakOnEqual, 3)
	require.NoError(t, err)
	assert.False(t, on.shouldFire(1))
	assert.False(t, on.shouldFire(2))
	assert.True(t, on.shouldFire(3))
	assert.False(t, on.shouldFire(4))
}

func TestBreakOnGreaterOrEqualFiresFromThresholdOnward(t *testing.T) {
	on, err := NewBreakOn(BreakOnGreaterOrEqual, 3)
	require.NoError(t, err)
	assert.False(t, on.shouldFire(2))
	assert.True(t, on.shouldFire(3))
	assert.True(t, on.shouldFire(4))
}

func TestBindingTestAndProcessHitTracksHitCountAndPolicy(t *testing.T) {
	bp := &Breakpoint{Enabled: true, On: BreakOn{Kind: BreakOnEqual, Count: 2}}
	b := &Binding{Breakpoint: bp}

	assert.False(t, b.TestAndProcessHit(), "first hit shouldn't fire yet")
	assert.Equal(t, 1, b.HitCount)
	assert.True(t, b.TestAndProcessHit(), "second hit should fire")
	assert.Equal(t, 2, b.HitCount)
	assert.False(t, b.TestAndProcessHit(), "third hit is past the exact count, shouldn't fire")
}

func TestBindingTestAndProcessHitRespectsDisabled(t *testing.T) {
	bp := &Breakpoint{Enabled: false, On: BreakOn{Kind: BreakOnAlways}}
	b := &Binding{Breakpoint: bp}
	assert.False(t, b.TestAndProcessHit())
	assert.Equal(t, 1, b.HitCount, "hit count still accrues even while disabled")
}

func TestBreakOnModFiresEveryNthHit(t *testing.T) {
	on, err := NewBreakOn(BreakOnMod, 3)
	require.NoError(t, err)
	assert.False(t, on.shouldFire(1))
	assert.False(t, on.shouldFire(2))
	assert.True(t, on.shouldFire(3))
	assert.False(t, on.shouldFire(4))
	assert.True(t, on.shouldFire(6))
}

func TestLeafRegexpAnchorsOnFullPathForLaunchedSessions(t *testing.T) {
	pattern := leafRegexp("/home/user/project/app.js", false)
	assert.True(t, strings.HasPrefix(pattern, "^"))
	assert.True(t, strings.HasSuffix(pattern, "$"))
	assert.Contains(t, pattern, "[Hh][Oo][Mm][Ee]")
	assert.Contains(t, pattern, "[Pp][Pp]")
}

func TestLeafRegexpMatchesOnlyBasenameForAttachedSessions(t *testing.T) {
	pattern := leafRegexp("/home/user/project/app.js", true)
	assert.True(t, strings.HasPrefix(pattern, `[\\/]`))
	assert.True(t, strings.HasSuffix(pattern, "$"))
	assert.NotContains(t, pattern, "[Hh][Oo][Mm][Ee]")
}

func TestCaseInsensitivePatternBuildsTwoLetterClasses(t *testing.T) {
	pattern := caseInsensitivePattern("Ab.js")
	re := regexp.MustCompile(pattern)
	assert.True(t, re.MatchString("Ab.js"))
	assert.True(t, re.MatchString("ab.js"))
	assert.True(t, re.MatchString("AB.js"))
	assert.False(t, re.MatchString("Abxjs"))
}

func TestSetBreakpointUsesScriptIdWhenFileIsAlreadyKnown(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	go s.transport.Listen()
	s.indexScript(Script{ID: 5, Name: "app.js"}, false)

	engine := newFakeEngine(t, server)
	done := make(chan *Breakpoint, 1)
	go func() {
		bp, err := s.SetBreakpoint("app.js", 10, BreakOn{Kind: BreakOnAlways}, "", true)
		require.NoError(t, err)
		done <- bp
	}()

	seq, command, args := engine.nextRequest()
	assert.Equal(t, "setbreakpoint", command)
	assert.Equal(t, "scriptId", args["type"])
	assert.Equal(t, float64(5), args["target"])
	assert.Equal(t, float64(9), args["line"], "line is zero-based on the wire")
	assert.Equal(t, float64(0), args["column"], "column is 0 except at line 0")
	engine.respond(seq, `{"breakpoint":42,"script_id":5,"actual_locations":[{"line":9}]}`)

	select {
	case bp := <-done:
		assert.True(t, bp.binding.FullyBound)
		assert.Equal(t, 10, bp.binding.Line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SetBreakpoint")
	}
}

func TestSetBreakpointUsesColumnOneAtLineZero(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	go s.transport.Listen()
	s.indexScript(Script{ID: 1, Name: "app.js"}, false)

	engine := newFakeEngine(t, server)
	done := make(chan struct{}, 1)
	go func() {
		s.SetBreakpoint("app.js", 1, BreakOn{Kind: BreakOnAlways}, "", true)
		done <- struct{}{}
	}()

	seq, _, args := engine.nextRequest()
	assert.Equal(t, float64(0), args["line"])
	assert.Equal(t, float64(1), args["column"])
	engine.respond(seq, `{"breakpoint":1,"script_id":1,"actual_locations":[{"line":0}]}`)
	<-done
}

func TestSetBreakpointFallsBackToScriptRegExpForUnknownFile(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	go s.transport.Listen()

	engine := newFakeEngine(t, server)
	done := make(chan struct{}, 1)
	go func() {
		s.SetBreakpoint("/src/app.js", 3, BreakOn{Kind: BreakOnAlways}, "", true)
		done <- struct{}{}
	}()

	seq, _, args := engine.nextRequest()
	assert.Equal(t, "scriptRegExp", args["type"])
	assert.Contains(t, args["target"], "[Aa][Pp][Pp]")
	engine.respond(seq, `{"breakpoint":9,"script_id":3,"actual_locations":[{"line":2}]}`)
	<-done
}

func TestBindBreakpointRebindsWithoutPredicateOnLineMismatchWithCondition(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := NewSession(client)
	go s.transport.Listen()
	s.indexScript(Script{ID: 1, Name: "app.js"}, false)

	var failures []*Binding
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventBreakpointBindFailure {
			failures = append(failures, ev.Binding)
		}
	})

	engine := newFakeEngine(t, server)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.SetBreakpoint("app.js", 10, BreakOn{Kind: BreakOnAlways}, "x > 1", true)
		errCh <- err
	}()

	// First attempt: engine snaps to line 11 instead of the requested 10.
	seq, _, args := engine.nextRequest()
	assert.Equal(t, "x > 1", args["condition"])
	engine.respond(seq, `{"breakpoint":1,"script_id":1,"actual_locations":[{"line":10}]}`)

	// The mismatch plus a condition triggers removeEngineBinding...
	seq2, command2, _ := engine.nextRequest()
	assert.Equal(t, "clearbreakpoint", command2)
	engine.respond(seq2, `{}`)

	// ...then a retry without the predicate.
	seq3, _, args3 := engine.nextRequest()
	_, hasCondition := args3["condition"]
	assert.False(t, hasCondition, "retry must drop the predicate")
	engine.respond(seq3, `{"breakpoint":2,"script_id":1,"actual_locations":[{"line":10}]}`)

	err := <-errCh
	assert.ErrorIs(t, err, ErrBindFailure, "a line-mismatched bind is reported as failure even though a binding now exists")
	require.Len(t, failures, 1)
}
