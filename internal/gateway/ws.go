package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *respError      `json:"error,omitempty"`
}

type respError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *respError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return "gateway: " + e.Message
}

// WSClient is a websocket Caller. Requests carry a uuid id; the read loop
// correlates responses back to the waiting call by that id.
type WSClient struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
}

// Dial connects to the gateway websocket endpoint. The token, when set, is
// sent as a bearer Authorization header.
func Dial(ctx context.Context, url, token string, ratePerSecond float64, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", url, err)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	c := &WSClient{
		conn:    conn,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)+1),
		pending: make(map[string]chan response),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one request and waits for the matching response or timeout.
func (c *WSClient) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{Type: "req", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("gateway write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("gateway call %s: %w", method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("gateway: connection closed")
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, fmt.Errorf("gateway call %s failed", method)
		}
		return resp.Result, nil
	}
}

func (c *WSClient) readLoop() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.failAll()
			return
		}
		if resp.Type != "res" || resp.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		} else {
			c.logger.Debug("gateway: unmatched response", "id", resp.ID)
		}
	}
}

func (c *WSClient) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears down the connection. In-flight calls fail.
func (c *WSClient) Close() error {
	c.failAll()
	return c.conn.Close()
}
