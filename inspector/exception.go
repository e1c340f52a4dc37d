package inspector

import (
	"encoding/json"
	"fmt"
	"time"
)

// Treatment selects whether an exception type suspends the debuggee. See
// spec.md §4.7.
type Treatment int

const (
	// BreakNever never suspends for this exception type.
	BreakNever Treatment = iota
	// BreakAlways suspends regardless of caught/uncaught.
	BreakAlways
	// breakOnUnhandled is named in spec.md's glossary but has no engine
	// wire representation the exception event exposes (the event carries
	// only the caught/uncaught boolean, never a per-type "would have been
	// handled" verdict) — storing it is an open question resolved by
	// rejecting it outright. See SPEC_FULL.md OPEN QUESTION DECISIONS.
	breakOnUnhandled Treatment = iota + 100
)

// SetTreatment installs name's treatment, replacing any prior entry.
// Passing BreakOnUnhandled-equivalent values is rejected: the engine gives
// this client no signal to implement it correctly.
func (s *Session) SetTreatment(name string, t Treatment) error {
	if t == breakOnUnhandled {
		return fmt.Errorf("%w: break-on-unhandled has no wire signal to key off", ErrUnreachableTreatment)
	}
	s.mu.Lock()
	s.treatments[name] = t
	s.mu.Unlock()
	s.sendExceptionBreakConfig()
	return nil
}

// ClearTreatment removes name's override, reverting it to the default
// treatment.
func (s *Session) ClearTreatment(name string) {
	s.mu.Lock()
	delete(s.treatments, name)
	s.mu.Unlock()
	s.sendExceptionBreakConfig()
}

// ClearAll removes every override, reverting to defaultExceptionTable's
// defaults for every name.
func (s *Session) ClearAll() {
	s.mu.Lock()
	s.treatments, s.defaultTreatment = defaultExceptionTable()
	s.mu.Unlock()
	s.sendExceptionBreakConfig()
}

func (s *Session) treatmentFor(name string) Treatment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.treatments[name]; ok {
		return t
	}
	return s.defaultTreatment
}

// sendExceptionBreakConfig pushes the aggregate setexceptionbreak state:
// the engine only understands two coarse switches ("all" and
// "uncaught"), never per-type filtering, so the per-name table is applied
// client-side on the exception event itself (handleExceptionEvent); what
// goes over the wire is just "should we ever be asked".
func (s *Session) sendExceptionBreakConfig() {
	s.mu.Lock()
	anyAlways := s.defaultTreatment == BreakAlways
	for _, t := range s.treatments {
		if t == BreakAlways {
			anyAlways = true
		}
	}
	s.mu.Unlock()
	s.configureExceptionBreaksLocked(anyAlways)
}

// configureExceptionBreaksLocked sends setexceptionbreak for "all" and
// "uncaught" once each, idempotently skipping a resend of the same state.
func (s *Session) configureExceptionBreaksLocked(enable bool) {
	s.mu.Lock()
	if s.lastSentBreakOnAll == enable && s.lastSentBreakOnUncaught == enable && s.sentExceptionBreakOnce {
		s.mu.Unlock()
		return
	}
	s.lastSentBreakOnAll = enable
	s.lastSentBreakOnUncaught = enable
	s.sentExceptionBreakOnce = true
	s.mu.Unlock()

	s.router.Send("setexceptionbreak", map[string]interface{}{"type": "all", "enabled": enable})
	s.router.Send("setexceptionbreak", map[string]interface{}{"type": "uncaught", "enabled": enable})
}

type exceptionRef struct {
	Handle int    `json:"handle"`
	Name   string `json:"name"`
}

type exceptionProperty struct {
	Name string `json:"name"`
	Ref  int    `json:"ref"`
}

// handleExceptionEvent is invoked on every inbound "exception" event. It
// resolves the treatment for the reported (and possibly code-suffixed)
// name, and if it says to break, drives a backtrace and fires
// ExceptionRaised before leaving the debuggee suspended.
func (s *Session) handleExceptionEvent(body json.RawMessage) {
	var payload struct {
		Uncaught  bool           `json:"uncaught"`
		Refs      []exceptionRef `json:"refs"`
		Exception struct {
			Type               string `json:"type"`
			Text               string `json:"text"`
			ConstructorFunction struct {
				Ref int `json:"ref"`
			} `json:"constructorFunction"`
			Properties []exceptionProperty `json:"properties"`
		} `json:"exception"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.Warnf("malformed exception event: %v", err)
		return
	}

	name := payload.Exception.Type
	if name == "error" || name == "object" {
		for _, r := range payload.Refs {
			if r.Handle == payload.Exception.ConstructorFunction.Ref {
				name = r.Name
				break
			}
		}
	}

	if code := s.resolveErrorCode(payload.Exception.Properties); code != "" {
		name = fmt.Sprintf("%s(%s)", name, code)
	}

	treatment := s.treatmentFor(name)
	if treatment == BreakNever {
		s.autoResume(StepNone)
		return
	}

	btResp, ok := s.router.SendSync("backtrace", map[string]interface{}{"inlineRefs": true}, 2*time.Second, s.HasExited)
	if ok {
		s.applyBacktraceResponse(btResp)
	}

	s.events.emit(Event{
		Kind:          EventExceptionRaised,
		ExceptionName: name,
		ExceptionText: payload.Exception.Text,
		Uncaught:      payload.Uncaught,
	})
}

// resolveErrorCode finds the "code" property among properties (if any)
// and resolves its referenced handle to a string, via the session's
// error-code cache or, on a miss, a lookup request that populates it.
func (s *Session) resolveErrorCode(properties []exceptionProperty) string {
	var ref int
	found := false
	for _, p := range properties {
		if p.Name == "code" {
			ref = p.Ref
			found = true
			break
		}
	}
	if !found {
		return ""
	}

	s.mu.Lock()
	code, cached := s.errorCodes[ref]
	s.mu.Unlock()
	if cached {
		return code
	}

	resp, ok := s.router.SendSync("lookup", map[string]interface{}{
		"handles":      []int{ref},
		"includeSource": false,
	}, 2*time.Second, s.HasExited)
	if !ok {
		return ""
	}

	var body map[string]struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		s.logger.Warnf("malformed lookup response for error code: %v", err)
		return ""
	}

	rec, ok := body[fmt.Sprint(ref)]
	if !ok {
		return ""
	}

	s.mu.Lock()
	s.errorCodes[ref] = rec.Value
	s.mu.Unlock()
	return rec.Value
}

// defaultExceptionTable returns the built-in treatment table: every
// standard JS error constructor breaks, along with Error(X) for every
// POSIX errno and signal name the runtime surfaces as a plain Error
// instance carrying a code property — except Error(ENOENT), which is
// common enough (a missing file on a require/open) to default to not
// breaking. See spec.md §6.
func defaultExceptionTable() (map[string]Treatment, Treatment) {
	table := make(map[string]Treatment)
	for _, name := range []string{
		"Error",
		"EvalError",
		"RangeError",
		"ReferenceError",
		"SyntaxError",
		"TypeError",
		"URIError",
	} {
		table[name] = BreakAlways
	}
	for _, errno := range posixErrnoNames {
		table["Error("+errno+")"] = BreakAlways
	}
	for _, sig := range posixSignalNames {
		table["Error("+sig+")"] = BreakAlways
	}
	table["Error(ENOENT)"] = BreakNever
	return table, BreakNever
}

var posixErrnoNames = []string{
	"EACCES", "EADDRINUSE", "EADDRNOTAVAIL", "EAFNOSUPPORT", "EAGAIN",
	"EWOULDBLOCK", "EALREADY", "EBADF", "EBADMSG", "EBUSY", "ECANCELED",
	"ECHILD", "ECONNABORTED", "ECONNREFUSED", "ECONNRESET", "EDEADLK",
	"EDESTADDRREQ", "EDOM", "EEXIST", "EFAULT", "EFBIG", "EHOSTUNREACH",
	"EIDRM", "EILSEQ", "EINPROGRESS", "EINTR", "EINVAL", "EIO", "EISCONN",
	"EISDIR", "ELOOP", "EMFILE", "EMLINK", "EMSGSIZE", "ENAMETOOLONG",
	"ENETDOWN", "ENETRESET", "ENETUNREACH", "ENFILE", "ENOBUFS", "ENODATA",
	"ENODEV", "ENOENT", "ENOEXEC", "ENOLINK", "ENOLCK", "ENOMEM", "ENOMSG",
	"ENOPROTOOPT", "ENOSPC", "ENOSR", "ENOSTR", "ENOSYS", "ENOTCONN",
	"ENOTDIR", "ENOTEMPTY", "ENOTSOCK", "ENOTSUP", "ENOTTY", "ENXIO",
	"EOVERFLOW", "EPERM", "EPIPE", "EPROTO", "EPROTONOSUPPORT",
	"EPROTOTYPE", "ERANGE", "EROFS", "ESPIPE", "ESRCH", "ETIME",
	"ETIMEDOUT", "ETXTBSY", "EXDEV",
}

var posixSignalNames = []string{
	"SIGHUP", "SIGINT", "SIGILL", "SIGABRT", "SIGFPE", "SIGKILL",
	"SIGSEGV", "SIGTERM", "SIGBREAK", "SIGWINCH",
}
