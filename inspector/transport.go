package inspector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// packetType distinguishes inbound wire packets. See spec.md §4.1 and §6.
type packetType string

const (
	packetRequest  packetType = "request"
	packetResponse packetType = "response"
	packetEvent    packetType = "event"
	packetConnect  packetType = "connect"
)

// envelope is the outbound request shape: {seq, type, command, arguments?}.
type envelope struct {
	Seq       int             `json:"seq"`
	Type      packetType      `json:"type"`
	Command   string          `json:"command,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// inboundPacket decodes any inbound packet shape: response, event, or the
// header-only connect handshake. Fields absent on the wire simply decode
// to their zero value; ProtocolFault detection (missing required fields)
// happens in the caller that knows what the packet type requires.
type inboundPacket struct {
	Type packetType `json:"type"`

	// response fields
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Running    bool            `json:"running"`
	Body       json.RawMessage `json:"body,omitempty"`
	Message    string          `json:"message,omitempty"`
	Command    string          `json:"command,omitempty"`

	// event fields
	Event string `json:"event,omitempty"`
}

// Transport frames Content-Length-delimited JSON packets on a duplex byte
// stream and dispatches inbound packets as responses or events.
//
// Hand-rolled rather than built on github.com/google/go-dap: go-dap's
// decoder switches on DAP's own command set to pick a concrete message
// type, and this protocol's field names (request_seq/success/running) and
// commands (scripts/suspend/setbreakpoint/...) are V8 inspector wire
// shapes, not DAP's — see DESIGN.md and SPEC_FULL.md DOMAIN STACK.
type Transport struct {
	rw     io.ReadWriter
	reader *bufio.Reader

	writeMu sync.Mutex

	onResponse func(inboundPacket)
	onEvent    func(inboundPacket)
	onConnect  func()
	onClosed   func(error)

	logger Logger
}

// NewTransport wraps rw. The four callbacks are invoked from the single
// listener goroutine started by Listen; they must not block.
func NewTransport(rw io.ReadWriter, logger Logger) *Transport {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Transport{
		rw:     rw,
		reader: bufio.NewReader(rw),
		logger: logger,
	}
}

// Listen runs the single inbound reader loop until the stream closes or
// produces an unrecoverable framing error. It is meant to run in its own
// goroutine; on return it invokes onClosed exactly once.
func (t *Transport) Listen() {
	var closeErr error
	for {
		raw, isHeaderOnly, err := t.readPacket()
		if err != nil {
			closeErr = err
			break
		}
		if isHeaderOnly {
			if t.onConnect != nil {
				t.onConnect()
			}
			continue
		}

		var pkt inboundPacket
		if err := json.Unmarshal(raw, &pkt); err != nil {
			t.logger.Warnf("dropping malformed packet: %v", err)
			continue
		}

		switch pkt.Type {
		case packetResponse:
			if t.onResponse != nil {
				t.onResponse(pkt)
			}
		case packetEvent:
			if t.onEvent != nil {
				t.onEvent(pkt)
			}
		default:
			t.logger.Warnf("dropping packet with unknown type %q", pkt.Type)
		}
	}
	if t.onClosed != nil {
		t.onClosed(closeErr)
	}
}

// readPacket reads one Content-Length-framed packet. isHeaderOnly is true
// for the connect handshake (headers present, no body).
func (t *Transport) readPacket() (raw []byte, isHeaderOnly bool, err error) {
	contentLength := -1
	sawHeader := false
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrTransportFault, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line terminates the header block
		}
		sawHeader = true
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if strings.EqualFold(key, "Content-Length") {
			n, convErr := strconv.Atoi(val)
			if convErr != nil {
				return nil, false, fmt.Errorf("%w: bad Content-Length %q", ErrProtocolFault, val)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		if sawHeader {
			// Header-only packet: the connect handshake.
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%w: missing Content-Length header", ErrProtocolFault)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrTransportFault, err)
	}
	return body, false, nil
}

// Write serializes command and args as {seq, type:"request", command, arguments?} and
// frames it with a Content-Length header. args may be nil.
func (t *Transport) Write(seq int, command string, args interface{}) error {
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal arguments: %w", err)
		}
		rawArgs = b
	}

	payload, err := json.Marshal(envelope{
		Seq:       seq,
		Type:      packetRequest,
		Command:   command,
		Arguments: rawArgs,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(t.rw, header); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFault, err)
	}
	if _, err := t.rw.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFault, err)
	}
	return nil
}
