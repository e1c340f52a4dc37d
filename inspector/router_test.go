package inspector

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *Router {
	transport := NewTransport(&bytes.Buffer{}, nil)
	return newRouter(transport, NewStderrLogger())
}

func TestSendAsyncInvokesCallbackOnDeliver(t *testing.T) {
	r := newTestRouter()

	var mu sync.Mutex
	var gotBody string
	ok := r.Send("scripts", nil, WithSuccess(func(resp Response) {
		mu.Lock()
		gotBody = string(resp.Body)
		mu.Unlock()
	}))
	require.True(t, ok, "async send should report the write succeeded")

	r.mu.Lock()
	require.Len(t, r.pending, 1, "one request should be pending")
	var seq int
	for s := range r.pending {
		seq = s
	}
	r.mu.Unlock()

	r.Deliver(inboundPacket{Type: packetResponse, RequestSeq: seq, Success: true, Body: []byte(`{"ok":true}`)})

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"ok":true}`, gotBody)
}

func TestSendSyncTimesOutWithoutResponse(t *testing.T) {
	r := newTestRouter()

	start := time.Now()
	_, ok := r.SendSync("suspend", nil, 30*time.Millisecond, nil)
	elapsed := time.Since(start)

	assert.False(t, ok, "sync send with no response should report failure")
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond, "should have actually waited out the timeout")

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.pending, "abandoned request should be removed from pending")
}

func TestSendShortCircuitEndsWaitEarly(t *testing.T) {
	r := newTestRouter()

	var fired bool
	pred := func() bool {
		if fired {
			return true
		}
		fired = true
		return false
	}

	start := time.Now()
	_, ok := r.SendSync("backtrace", nil, time.Second, pred)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Less(t, elapsed, 200*time.Millisecond, "short circuit should end the wait well before the full timeout")
}

func TestSendShortCircuitFiringBeforeSendNeverTouchesWire(t *testing.T) {
	r := newTestRouter()
	var failMsg string
	ok := r.Send("continue", nil,
		WithShortCircuit(func() bool { return true }),
		WithFailure(func(msg string) { failMsg = msg }),
	)
	assert.False(t, ok)
	assert.Empty(t, failMsg)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.pending)
}

func TestDeliverInvokesFailureOnUnsuccessfulResponse(t *testing.T) {
	r := newTestRouter()

	var gotMsg string
	r.Send("evaluate", nil, WithFailure(func(msg string) { gotMsg = msg }))

	r.mu.Lock()
	var seq int
	for s := range r.pending {
		seq = s
	}
	r.mu.Unlock()

	r.Deliver(inboundPacket{Type: packetResponse, RequestSeq: seq, Success: false, Message: "boom"})
	assert.Equal(t, "boom", gotMsg)
}

func TestAbandonAllFailsEveryPendingRequest(t *testing.T) {
	r := newTestRouter()

	var mu sync.Mutex
	failCount := 0
	for i := 0; i < 3; i++ {
		r.Send("scripts", nil, WithFailure(func(string) {
			mu.Lock()
			failCount++
			mu.Unlock()
		}))
	}

	r.AbandonAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, failCount)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.pending)
}
