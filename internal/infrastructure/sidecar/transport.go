package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport carries JSON-RPC traffic to one sidecar.
type Transport interface {
	// Send sends a request and waits for the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)
	// SendNotification sends a request that expects no response.
	SendNotification(req *Request) error
	// OnNotification registers a handler for sidecar-initiated notifications.
	OnNotification(handler func(req *Request))
	// Close shuts the transport down.
	Close() error
}

// StdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdin/stdout, the same convention MCP servers use.
type StdioTransport struct {
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu            sync.Mutex
	pending       map[any]chan *Response
	notifyHandler func(req *Request)
	done          chan struct{}
	closeOnce     sync.Once
}

// NewStdioTransport creates a transport over the given pipe pair and starts
// the read loop.
func NewStdioTransport(stdin io.WriteCloser, stdout io.Reader) *StdioTransport {
	t := &StdioTransport{
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(map[any]chan *Response),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StdioTransport) readLoop() {
	defer close(t.done)

	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			return
		}

		// Responses carry an id; anything else with a method is a
		// sidecar-initiated notification.
		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			t.mu.Lock()
			ch, exists := t.pending[normalizeID(resp.ID)]
			if exists {
				delete(t.pending, normalizeID(resp.ID))
			}
			t.mu.Unlock()

			if ch != nil {
				ch <- &resp
			}
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err == nil && req.Method != "" {
			t.mu.Lock()
			handler := t.notifyHandler
			t.mu.Unlock()
			if handler != nil {
				go handler(&req)
			}
		}
	}
}

// Send writes the request and blocks until the response, cancellation, or
// transport shutdown.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[normalizeID(req.ID)] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.mu.Lock()
		delete(t.pending, normalizeID(req.ID))
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, normalizeID(req.ID))
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("transport closed")
	}
}

func (t *StdioTransport) SendNotification(req *Request) error {
	return t.write(req)
}

func (t *StdioTransport) OnNotification(handler func(req *Request)) {
	t.mu.Lock()
	t.notifyHandler = handler
	t.mu.Unlock()
}

func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.stdin.Close()
	})
	return err
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.stdin.Write(data)
	return err
}

// normalizeID keeps the pending map keyed consistently: JSON numbers decode
// as float64 while we send ints.
func normalizeID(id any) any {
	if f, ok := id.(float64); ok {
		return int(f)
	}
	return id
}
