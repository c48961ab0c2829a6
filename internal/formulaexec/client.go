// Package formulaexec speaks the formula worker protocol: formulas run in
// isolated execution contexts and results come back as asynchronous
// messages. The core never blocks its event flow on a worker; results are
// written back into the grid like any other mutation.
package formulaexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/formulapad/cellsync/internal/grid"
)

var ErrClientClosed = errors.New("formula client closed")

// Request is one formula evaluation: the formula source and the named input
// values from the row being computed.
type Request struct {
	Formula string                `json:"formula"`
	Inputs  map[string]grid.Value `json:"inputs"`
}

// Response is the worker's answer. Result is meaningful only when Success
// is true.
type Response struct {
	Success    bool       `json:"success"`
	Result     grid.Value `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Engine     string     `json:"engine,omitempty"`
}

type wireRequest struct {
	ID string `json:"id"`
	Request
}

type wireResponse struct {
	ID string `json:"id"`
	Response
}

// Evaluator is the capability the runner needs; Client implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// Client correlates requests and responses over one websocket connection.
// Outstanding calls are cancelled when the client closes, so a teardown
// never resolves into a disposed store.
type Client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan wireResponse

	nextID    uint64
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to a formula worker endpoint.
func Dial(ctx context.Context, workerURL string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, workerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial formula worker: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: map[string]chan wireResponse{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Evaluate sends one request and waits for the correlated response.
func (c *Client) Evaluate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-c.closed:
		return Response{}, ErrClientClosed
	default:
	}

	id := fmt.Sprintf("eval_%d", atomic.AddUint64(&c.nextID, 1))
	ch := make(chan wireResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(wireRequest{ID: id, Request: req})
	if err != nil {
		return Response{}, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp.Response, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{}, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Close tears the connection down and unblocks every outstanding Evaluate.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
