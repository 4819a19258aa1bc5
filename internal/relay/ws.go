package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/treesync/internal/auth"
	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/protocol"
)

// Handler is the websocket endpoint peers connect to.
type Handler struct {
	relay    *Relay
	cfg      *config.Config
	auth     *auth.Auth
	upgrader websocket.Upgrader
	log      *zap.Logger
	active   atomic.Int64
}

// NewHandler creates the websocket endpoint for r. A nil or disabled auth
// admits every connection.
func NewHandler(r *Relay, cfg *config.Config, a *auth.Auth, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		relay: r,
		cfg:   cfg,
		auth:  a,
		log:   log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if h.auth.Enabled() {
		c, err := h.auth.Authenticate(r)
		if err != nil {
			h.log.Info("websocket rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan protocol.Envelope, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		claims:  claims,
		limiter: newLimiter(h.cfg),
		cfg:     h.cfg,
	}
	c.log = h.log.With(zap.String("socket", c.id))

	metrics.SetWSConnectionsActive(h.active.Add(1))
	h.relay.Connect(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump()
	c.readPump(ctx, h.relay)

	h.relay.Disconnect(c.id)
	c.close()
	metrics.SetWSConnectionsActive(h.active.Add(-1))
}

func newLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.EventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst)
}

// conn is one websocket peer. Events queue on send and are written by
// writePump; a full queue drops the event.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan protocol.Envelope
	done    chan struct{}
	once    sync.Once
	claims  *auth.Claims
	limiter *rate.Limiter
	cfg     *config.Config
	log     *zap.Logger
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Send(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump hands inbound events to the relay in order. A peer sending
// faster than its limiter allows is slowed down: the pump stops reading
// until a token is free, so the backlog stays in the socket buffers.
func (c *conn) readPump(ctx context.Context, r *Relay) {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			metrics.RecordRateLimitHit()
			if err := c.limiter.Wait(ctx); err != nil {
				c.log.Debug("rate limiter wait aborted", zap.Error(err))
				return
			}
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			metrics.RecordDropped("malformed")
			c.log.Warn("malformed frame", zap.Int("size", len(data)))
			continue
		}
		if err := c.authorize(env); err != nil {
			metrics.RecordDropped("unauthorized")
			c.log.Warn("join refused", zap.Error(err))
			continue
		}
		r.Handle(c.id, env)
	}
}

// authorize checks a join against the token presented at upgrade time.
func (c *conn) authorize(env protocol.Envelope) error {
	if c.claims == nil || env.Event != protocol.JoinRequest {
		return nil
	}
	var p protocol.JoinRequestPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return c.claims.Allows(p.RoomID, p.Username)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Warn("websocket write failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stats summarizes the relay for the health endpoint.
type Stats struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// HealthHandler reports relay liveness and load.
func HealthHandler(r *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Stats{
			Status:      "ok",
			Rooms:       len(r.Rooms()),
			Connections: r.Connections(),
		})
	}
}
