package editorpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

// pipePair wires two Conns back to back over in-memory pipes.
func pipePair(clientHandler, serverHandler Handler) (*Conn, *Conn, func()) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	client := NewConn(cr, cw, clientHandler)
	server := NewConn(sr, sw, serverHandler)
	cleanup := func() {
		client.Close()
		server.Close()
		cr.Close()
		cw.Close()
		sr.Close()
		sw.Close()
	}
	return client, server, cleanup
}

func echoHandler(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "echo":
		var v map[string]interface{}
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "fail":
		return nil, errors.New("intentional failure")
	case "slow":
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}
	return nil, fmt.Errorf("unknown method %q", method)
}

func TestCallRoundTrip(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	result, err := client.Call(context.Background(), "echo", map[string]interface{}{"file": "main.go"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatal(err)
	}
	if got["file"] != "main.go" {
		t.Errorf("unexpected result: %v", got)
	}
}

func TestCallHandlerError(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	_, err := client.Call(context.Background(), "fail", nil, time.Second)
	if err == nil || !strings.Contains(err.Error(), "intentional failure") {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestCallTimeoutDropsLateResponse(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	_, err := client.Call(context.Background(), "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The late response must not bleed into the next call.
	result, err := client.Call(context.Background(), "echo", map[string]interface{}{"k": "v"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatal(err)
	}
	if got["k"] != "v" {
		t.Errorf("late response leaked into later call: %v", got)
	}
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			want := fmt.Sprintf("value-%d", i)
			result, err := client.Call(context.Background(), "echo", map[string]interface{}{"v": want}, time.Second)
			if err != nil {
				errs <- err
				return
			}
			var got map[string]interface{}
			if err := json.Unmarshal(result, &got); err != nil {
				errs <- err
				return
			}
			if got["v"] != want {
				errs <- fmt.Errorf("call %d got %v, want %s", i, got["v"], want)
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestInboundRequestsDispatchToHandler(t *testing.T) {
	served := make(chan string, 1)
	handler := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		served <- method
		return "ok", nil
	}
	_, server, cleanup := pipePair(handler, nil)
	defer cleanup()

	// The server initiates a request toward the client's handler.
	result, err := server.Call(context.Background(), "open_file", map[string]interface{}{"path": "x.go"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `"ok"` {
		t.Errorf("unexpected result: %s", result)
	}
	select {
	case method := <-served:
		if method != "open_file" {
			t.Errorf("handler saw method %q", method)
		}
	default:
		t.Error("handler was not invoked")
	}
}

func TestCallAfterClose(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	client.Close()
	if _, err := client.Call(context.Background(), "echo", nil, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCallContextCancellation(t *testing.T) {
	client, _, cleanup := pipePair(nil, echoHandler)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := client.Call(ctx, "slow", nil, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
