package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mm-hedge-bot/internal/bitmex"
)

const (
	pingFrame = "ping"
	pongFrame = "pong"
)

type Client struct {
	url            string
	creds          bitmex.Credentials
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	now            func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
	subs []interface{}
}

func New(url string, creds bitmex.Credentials, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if url == "" {
		url = bitmex.DefaultWSURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, creds: creds, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log, now: time.Now}
}

// Connect dials and, with credentials, authenticates the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 22)
	if !c.creds.Empty() {
		if err := writeJSON(ctx, conn, c.authMessage()); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "auth")
			return err
		}
	}
	c.conn = conn
	return nil
}

func (c *Client) authMessage() map[string]any {
	expires := bitmex.Expires(c.now(), 60*time.Second)
	sig := bitmex.Sign(c.creds.Secret, "GET", "/realtime", expires, nil)
	return map[string]any{"op": "authKeyExpires", "args": []any{c.creds.Key, expires, sig}}
}

// Subscribe sends sub now when connected and replays it after reconnects.
func (c *Client) Subscribe(ctx context.Context, sub interface{}) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.Error(err))
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				c.resetConn()
				return ctx.Err()
			}
			c.logReadLoopError(err)
			c.resetConn()
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.reconnectDelay):
		return true
	}
}

// ensureConnected dials when needed and replays every subscription on a
// fresh connection.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.conn == nil
	c.mu.Unlock()
	if !fresh {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]interface{}(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if string(data) == pongFrame {
			continue
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(pingFrame)); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
