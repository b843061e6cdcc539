// Package editorpc implements the editor-integration channel: a
// newline-delimited JSON request/response protocol with id-correlated
// responses over any io stream.
package editorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrTimeout is returned when a call's response does not arrive in time.
// The late response, if it arrives at all, is dropped.
var ErrTimeout = errors.New("editorpc: call timed out")

// ErrClosed is returned for calls against a closed connection.
var ErrClosed = errors.New("editorpc: connection closed")

// Request is one inbound or outbound message. Every request carries a
// unique id that its response must echo.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the correlated reply to a Request.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler serves inbound requests from the editor. It runs on the reader
// goroutine, so shared engine state it touches must be lock-protected.
type Handler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Conn is a bidirectional ndjson channel. One background goroutine reads
// the stream; writes are serialized under a single coarse lock.
type Conn struct {
	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[string]chan Response
	nextID  int
	closed  bool

	handler Handler
	done    chan struct{}
}

// NewConn starts a connection over r/w. handler may be nil if the peer
// never issues requests of its own.
func NewConn(r io.Reader, w io.Writer, handler Handler) *Conn {
	c := &Conn{
		w:       w,
		pending: make(map[string]chan Response),
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends a request and waits for the matching response. A late response
// arriving after the timeout is dropped by the read loop.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("editorpc: marshal params: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	slot := make(chan Response, 1)
	c.pending[id] = slot
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeLine(Request{ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		if resp.Error != "" {
			return nil, fmt.Errorf("editorpc: %s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close marks the connection closed and releases waiting callers. The
// underlying streams are owned by the caller.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) writeLine(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("editorpc: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("editorpc: write: %w", err)
	}
	return nil
}

// readLoop reads ndjson lines, routing responses to their pending slot and
// requests to the handler. Unmatched responses are dropped.
func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// A line with a method is an inbound request; otherwise it is a
		// response to one of our calls.
		var probe struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		if probe.Method != "" {
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				continue
			}
			c.serveRequest(req)
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		slot, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case slot <- resp:
			default:
			}
		}
	}
	c.Close()
}

func (c *Conn) serveRequest(req Request) {
	resp := Response{ID: req.ID}
	if c.handler == nil {
		resp.Error = fmt.Sprintf("no handler for method %q", req.Method)
	} else {
		result, err := c.handler(context.Background(), req.Method, req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else if result != nil {
			raw, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = fmt.Sprintf("marshal result: %v", merr)
			} else {
				resp.Result = raw
			}
		}
	}
	_ = c.writeLine(resp)
}
