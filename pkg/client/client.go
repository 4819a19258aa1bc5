// Package client connects a bridge to a relay over a websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/bridge"
	"github.com/fruitsalade/treesync/pkg/protocol"
	"github.com/fruitsalade/treesync/pkg/retry"
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrQueueFull    = errors.New("outbound queue full")
)

// Peer is the local side of the connection, usually a *bridge.Bridge.
type Peer interface {
	Join(roomID, username string) error
	Apply(env protocol.Envelope) error
	Disconnected()
}

// Config holds client settings.
type Config struct {
	URL      string // ws://host:3000/ws
	Token    string
	RoomID   string
	Username string

	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Retry        retry.Config
}

// DefaultConfig returns settings matching the relay defaults.
func DefaultConfig(url, roomID, username string) Config {
	return Config{
		URL:          url,
		RoomID:       roomID,
		Username:     username,
		SendBuffer:   64,
		PingInterval: 25 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		Retry:        retry.DefaultConfig(),
	}
}

// Client keeps one peer joined to one room, reconnecting and rejoining
// after the connection drops. It implements bridge.Emitter.
type Client struct {
	cfg  Config
	peer Peer
	log  *zap.Logger

	mu  sync.Mutex
	out chan protocol.Envelope
}

// New creates a client for peer. Call Run to connect.
func New(cfg Config, peer Peer, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Client{cfg: cfg, peer: peer, log: log}
}

// Emit queues one event for the relay. It never blocks.
func (c *Client) Emit(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}
	select {
	case out <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Connected reports whether a relay connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Run connects and serves until ctx is done or the relay refuses the peer
// for good. Lost connections are retried with backoff.
func (c *Client) Run(ctx context.Context) error {
	b := retry.NewBackoff(c.cfg.Retry)
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if retry.IsPermanent(err) {
			return err
		}
		if established {
			b.Reset()
		}
		if b.Exhausted() {
			return fmt.Errorf("relay unreachable: %w", err)
		}

		wait := b.Next()
		c.log.Warn("relay connection lost", zap.Error(err), zap.Duration("retry_in", wait))
		if err := retry.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// session runs one connection. established is true once the socket was
// open, so the caller can restart its backoff.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.WriteTimeout}
	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, retry.Permanent(fmt.Errorf("relay rejected token: %w", err))
		}
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	out := make(chan protocol.Envelope, c.cfg.SendBuffer)
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
		c.peer.Disconnected()
	}()

	c.log.Info("connected to relay", zap.String("url", c.cfg.URL))
	go c.writeLoop(connCtx, cancel, ws, out)

	if err := c.peer.Join(c.cfg.RoomID, c.cfg.Username); err != nil {
		return true, err
	}
	return true, c.readLoop(ws)
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame from relay", zap.Error(err))
			continue
		}
		if err := c.peer.Apply(env); err != nil {
			if errors.Is(err, bridge.ErrUsernameTaken) {
				return retry.Permanent(fmt.Errorf("join %s as %s: %w", c.cfg.RoomID, c.cfg.Username, err))
			}
			c.log.Warn("event not applied", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out <-chan protocol.Envelope) {
	defer cancel()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case env := <-out:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteJSON(env); err != nil {
				c.log.Warn("write to relay failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
