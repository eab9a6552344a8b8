package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

// fakeServer reads newline-delimited JSON-RPC requests and answers each
// through handle, standing in for a sidecar process on the far side of the
// pipes.
func fakeServer(t *testing.T, in io.Reader, out io.Writer, handle func(req *Request) *Response) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := handle(&req)
			if resp == nil {
				continue
			}
			data, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			out.Write(append(data, '\n'))
		}
	}()
}

func newPipedTransport(t *testing.T, handle func(req *Request) *Response) *StdioTransport {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	fakeServer(t, stdinR, stdoutW, handle)

	tr := NewStdioTransport(stdinW, stdoutR)
	t.Cleanup(func() {
		tr.Close()
		stdoutW.Close()
	})
	return tr
}

func TestStdioTransport_SendRoundtrip(t *testing.T) {
	tr := newPipedTransport(t, func(req *Request) *Response {
		if req.Method != "echo" {
			return NewErrorResponse(req.ID, ErrMethodNotFound, "unknown method")
		}
		resp, _ := NewResponse(req.ID, map[string]string{"pong": "yes"})
		return resp
	})

	req, err := NewRequest(1, "echo", map[string]string{"ping": "yes"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error: %v", resp.Error)
	}

	var result map[string]string
	if err := resp.ParseResult(&result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result["pong"] != "yes" {
		t.Errorf("result = %v", result)
	}
}

func TestStdioTransport_ErrorResponse(t *testing.T) {
	tr := newPipedTransport(t, func(req *Request) *Response {
		return NewErrorResponse(req.ID, ErrSidecarNotReady, "still starting")
	})

	req, _ := NewRequest(7, "git/status", nil)
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrSidecarNotReady {
		t.Errorf("error = %v, want sidecar-not-ready", resp.Error)
	}
}

func TestStdioTransport_ContextCancelsUnansweredSend(t *testing.T) {
	tr := newPipedTransport(t, func(req *Request) *Response {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := NewRequest(2, "echo", nil)
	_, err := tr.Send(ctx, req)
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStdioTransport_NotificationFromSidecar(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	tr := NewStdioTransport(stdinW, stdoutR)
	defer tr.Close()

	got := make(chan *Request, 1)
	tr.OnNotification(func(req *Request) { got <- req })

	// Drain whatever the transport writes so pipe writes never block.
	go io.Copy(io.Discard, stdinR)

	note, _ := NewNotification("log/message", map[string]string{"level": "info"})
	data, _ := json.Marshal(note)
	stdoutW.Write(append(data, '\n'))

	select {
	case req := <-got:
		if req.Method != "log/message" {
			t.Errorf("method = %q", req.Method)
		}
		if !req.IsNotification() {
			t.Error("notification must carry no id")
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never fired")
	}
}

func TestStdioTransport_CloseUnblocksPendingSend(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	tr := NewStdioTransport(stdinW, stdoutR)
	go io.Copy(io.Discard, stdinR)

	errCh := make(chan error, 1)
	go func() {
		req, _ := NewRequest(3, "echo", nil)
		_, err := tr.Send(context.Background(), req)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	stdoutW.Close() // sidecar side goes away, read loop exits

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("pending send must fail when the transport dies")
		}
	case <-time.After(time.Second):
		t.Fatal("send never unblocked")
	}
}

func TestNormalizeID(t *testing.T) {
	if normalizeID(float64(5)) != 5 {
		t.Error("float64 ids must normalize to int")
	}
	if normalizeID("abc") != "abc" {
		t.Error("string ids pass through")
	}
}
