package inspector

import (
	"encoding/json"
	"sync"
	"time"
)

// Response is what a success callback receives: the response body plus
// the protocol-level "running" flag the V8 debug wire format attaches to
// every response (spec.md §6).
type Response struct {
	Body    json.RawMessage
	Running bool
}

// pendingRequest is one in-flight correlation entry. See spec.md §3.
type pendingRequest struct {
	seq          int
	onSuccess    func(Response)
	onFailure    func(message string)
	done         chan struct{}
	timeout      time.Duration
	shortCircuit func() bool
}

// sendOptions configures one Router.Send call. Use the With* helpers.
type sendOptions struct {
	onSuccess    func(Response)
	onFailure    func(message string)
	timeout      time.Duration
	shortCircuit func() bool
	wait         bool
}

// SendOption configures a Router.Send call.
type SendOption func(*sendOptions)

// WithSuccess installs a callback invoked when the response arrives with
// success=true.
func WithSuccess(cb func(Response)) SendOption {
	return func(o *sendOptions) { o.onSuccess = cb }
}

// WithFailure installs a callback invoked when the response arrives with
// success=false, or when a short-circuit predicate fires before send.
func WithFailure(cb func(message string)) SendOption {
	return func(o *sendOptions) { o.onFailure = cb }
}

// WithTimeout makes the call synchronous: Send blocks until the response
// arrives or the timeout elapses.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithShortCircuit makes the call synchronous and polls pred at interval
// max(1, timeout/10) during the wait; the wait ends early if pred returns
// true, so an exiting process cannot deadlock a synchronous caller.
func WithShortCircuit(pred func() bool) SendOption {
	return func(o *sendOptions) { o.shortCircuit = pred }
}

// WithWait forces a synchronous wait even without a timeout or
// short-circuit predicate.
func WithWait() SendOption {
	return func(o *sendOptions) { o.wait = true }
}

// Router assigns monotonic sequence numbers and correlates responses to
// the pending request that sent them.
type Router struct {
	mu      sync.Mutex
	seq     int
	pending map[int]*pendingRequest
	t       *Transport
	logger  Logger
}

func newRouter(t *Transport, logger Logger) *Router {
	return &Router{
		seq:     1,
		pending: make(map[int]*pendingRequest),
		t:       t,
		logger:  logger,
	}
}

// Send allocates the next sequence id, installs a PendingRequest, and
// writes the packet. See spec.md §4.2.
//
// Returns true on an async call (no wait) that wrote successfully. For a
// sync call (timeout, short-circuit, or WithWait set) returns true on
// success, false on timeout or socket failure. If a short-circuit
// predicate is set and fires before send, the call never touches the
// wire: it invokes onFailure(nil equivalent) and returns false.
func (r *Router) Send(command string, args interface{}, opts ...SendOption) bool {
	var o sendOptions
	for _, apply := range opts {
		apply(&o)
	}

	if o.shortCircuit != nil && o.shortCircuit() {
		if o.onFailure != nil {
			o.onFailure("")
		}
		return false
	}

	isSync := o.timeout > 0 || o.shortCircuit != nil || o.wait

	r.mu.Lock()
	seq := r.seq
	r.seq++
	pr := &pendingRequest{
		seq:          seq,
		onSuccess:    o.onSuccess,
		onFailure:    o.onFailure,
		timeout:      o.timeout,
		shortCircuit: o.shortCircuit,
	}
	if isSync {
		pr.done = make(chan struct{})
	}
	r.pending[seq] = pr
	r.mu.Unlock()

	if err := r.t.Write(seq, command, args); err != nil {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
		r.logger.Warnf("send %s failed: %v", command, err)
		return false
	}

	if !isSync {
		return true
	}
	return r.wait(pr)
}

// wait blocks for pr.done, honoring timeout and short-circuit polling.
func (r *Router) wait(pr *pendingRequest) bool {
	if pr.timeout <= 0 && pr.shortCircuit == nil {
		<-pr.done
		return true
	}

	pollInterval := pr.timeout / 10
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}

	var deadline <-chan time.Time
	if pr.timeout > 0 {
		timer := time.NewTimer(pr.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pr.done:
			return true
		case <-deadline:
			r.abandon(pr.seq)
			return false
		case <-ticker.C:
			if pr.shortCircuit != nil && pr.shortCircuit() {
				r.abandon(pr.seq)
				return false
			}
		}
	}
}

func (r *Router) abandon(seq int) {
	r.mu.Lock()
	delete(r.pending, seq)
	r.mu.Unlock()
}

// Deliver looks up request_seq, removes the pending entry, and invokes its
// callback with the success boolean from the response.
func (r *Router) Deliver(pkt inboundPacket) {
	r.mu.Lock()
	pr, ok := r.pending[pkt.RequestSeq]
	if ok {
		delete(r.pending, pkt.RequestSeq)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if pkt.Success {
		if pr.onSuccess != nil {
			pr.onSuccess(Response{Body: pkt.Body, Running: pkt.Running})
		}
	} else {
		if pr.onFailure != nil {
			pr.onFailure(pkt.Message)
		}
	}
	if pr.done != nil {
		close(pr.done)
	}
}

// SendSync is a convenience wrapper for the common "wait up to timeout,
// bail out early if shortCircuit fires" pattern used throughout the
// Session, Breakpoint Manager, and Inspection components. shortCircuit may
// be nil.
func (r *Router) SendSync(command string, args interface{}, timeout time.Duration, shortCircuit func() bool) (Response, bool) {
	var resp Response
	var failed bool
	ok := r.Send(command, args,
		WithSuccess(func(rr Response) { resp = rr }),
		WithFailure(func(string) { failed = true }),
		WithTimeout(timeout),
		WithShortCircuit(shortCircuit),
	)
	return resp, ok && !failed
}

// AbandonAll fails every outstanding pending request as if its
// short-circuit predicate had just fired; called once on Terminate.
func (r *Router) AbandonAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int]*pendingRequest)
	r.mu.Unlock()

	for _, pr := range pending {
		if pr.onFailure != nil {
			pr.onFailure("session terminated")
		}
		if pr.done != nil {
			close(pr.done)
		}
	}
}
