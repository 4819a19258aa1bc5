// Package relay routes replication events between the members of a room.
//
// The relay keeps no tree. It tracks which socket belongs to which room
// under which name and forwards each event to the other members of the
// sender's room. Connect, Handle and Disconnect are serialized, so every
// event is routed against a consistent membership table.
package relay

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/protocol"
)

// Peer is one connected socket. Send must not block; it reports false when
// the event could not be queued.
type Peer interface {
	ID() string
	Send(env protocol.Envelope) bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) {
		r.log = l
	}
}

type member struct {
	peer   Peer
	user   models.User
	joined bool
}

// Relay holds the membership table.
type Relay struct {
	mu    sync.Mutex
	conns map[string]*member
	rooms map[string][]string // room id -> socket ids in join order
	log   *zap.Logger
}

// New creates an empty relay.
func New(opts ...Option) *Relay {
	r := &Relay{
		conns: make(map[string]*member),
		rooms: make(map[string][]string),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a socket that has not joined a room yet.
func (r *Relay) Connect(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[p.ID()] = &member{peer: p}
	r.log.Debug("socket connected", zap.String("socket", p.ID()))
}

// Disconnect tells the rest of the room that the socket left and forgets
// it. Unknown sockets are ignored.
func (r *Relay) Disconnect(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[socketID]
	if !ok {
		return
	}
	delete(r.conns, socketID)
	if !m.joined {
		return
	}

	r.broadcast(m, mustEnvelope(protocol.UserDisconnected, protocol.UserPayload{User: m.user}))
	r.leave(m)
	r.log.Info("user left",
		zap.String("room", m.user.RoomID),
		zap.String("user", m.user.Username),
		zap.String("socket", socketID),
	)
	r.updateGauges()
}

// Handle routes one event received from socketID.
func (r *Relay) Handle(socketID string, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[socketID]
	if !ok {
		r.log.Warn("event from unknown socket", zap.String("socket", socketID), zap.String("event", env.Event))
		return
	}

	if env.Event == protocol.JoinRequest {
		metrics.RecordEvent(env.Event)
		r.join(m, env)
		return
	}
	if !m.joined {
		r.drop(m, env, "not_joined")
		return
	}

	switch env.Event {
	case protocol.DirectoryCreated, protocol.DirectoryUpdated, protocol.DirectoryRenamed,
		protocol.DirectoryDeleted, protocol.FileCreated, protocol.FileUpdated,
		protocol.FileRenamed, protocol.FileDeleted:
		r.broadcast(m, env)

	case protocol.SyncFileStructure:
		r.sync(m, env)

	case protocol.UserOnline, protocol.UserOffline:
		r.status(m, env)

	case protocol.TypingStart, protocol.TypingPause:
		r.typing(m, env)

	case protocol.SendMessage:
		r.broadcast(m, protocol.Envelope{Event: protocol.ReceiveMessage, Data: env.Data})

	default:
		r.drop(m, env, "unknown_event")
		return
	}
	metrics.RecordEvent(env.Event)
}

func (r *Relay) join(m *member, env protocol.Envelope) {
	var p protocol.JoinRequestPayload
	if err := env.Decode(&p); err != nil || p.RoomID == "" || p.Username == "" {
		r.drop(m, env, "malformed")
		return
	}
	if m.joined {
		r.drop(m, env, "already_joined")
		return
	}

	for _, id := range r.rooms[p.RoomID] {
		if r.conns[id].user.Username == p.Username {
			metrics.RecordJoin(false)
			r.log.Info("username taken", zap.String("room", p.RoomID), zap.String("user", p.Username))
			r.deliver(m, protocol.Envelope{Event: protocol.UsernameExists})
			return
		}
	}

	m.joined = true
	m.user = models.User{
		SocketID: m.peer.ID(),
		Username: p.Username,
		RoomID:   p.RoomID,
		Status:   models.StatusOnline,
	}
	r.rooms[p.RoomID] = append(r.rooms[p.RoomID], m.peer.ID())

	metrics.RecordJoin(true)
	r.log.Info("user joined",
		zap.String("room", p.RoomID),
		zap.String("user", p.Username),
		zap.String("socket", m.peer.ID()),
	)

	r.deliver(m, mustEnvelope(protocol.JoinAccepted, protocol.JoinAcceptedPayload{
		User:  m.user,
		Users: r.members(p.RoomID),
	}))
	r.broadcast(m, mustEnvelope(protocol.UserJoined, protocol.UserPayload{User: m.user}))
	r.updateGauges()
}

// sync delivers a snapshot to the socket it names, or to the whole room
// when it names none.
func (r *Relay) sync(m *member, env protocol.Envelope) {
	var p protocol.SyncPayload
	if err := env.Decode(&p); err != nil {
		r.drop(m, env, "malformed")
		return
	}
	if p.SocketID == "" {
		r.broadcast(m, env)
		return
	}
	target, ok := r.conns[p.SocketID]
	if !ok || !target.joined || target.user.RoomID != m.user.RoomID {
		r.drop(m, env, "unroutable")
		return
	}
	r.deliver(target, env)
}

func (r *Relay) status(m *member, env protocol.Envelope) {
	var p protocol.SocketPayload
	if err := env.Decode(&p); err != nil {
		r.drop(m, env, "malformed")
		return
	}
	target, ok := r.conns[p.SocketID]
	if !ok || !target.joined || target.user.RoomID != m.user.RoomID {
		r.drop(m, env, "unroutable")
		return
	}
	target.user.Status = models.StatusOnline
	if env.Event == protocol.UserOffline {
		target.user.Status = models.StatusOffline
	}
	r.broadcast(m, env)
}

func (r *Relay) typing(m *member, env protocol.Envelope) {
	m.user.Typing = env.Event == protocol.TypingStart
	if m.user.Typing {
		var p protocol.TypingPayload
		if len(env.Data) > 0 {
			if err := env.Decode(&p); err != nil {
				r.drop(m, env, "malformed")
				return
			}
		}
		m.user.CursorPosition = p.CursorPosition
	}
	r.broadcast(m, mustEnvelope(env.Event, protocol.UserPayload{User: m.user}))
}

// broadcast sends env to every other member of from's room.
func (r *Relay) broadcast(from *member, env protocol.Envelope) {
	for _, id := range r.rooms[from.user.RoomID] {
		if id == from.peer.ID() {
			continue
		}
		r.deliver(r.conns[id], env)
	}
}

func (r *Relay) deliver(to *member, env protocol.Envelope) {
	if !to.peer.Send(env) {
		metrics.RecordDropped("backpressure")
		r.log.Warn("dropping event for slow consumer",
			zap.String("socket", to.peer.ID()),
			zap.String("event", env.Event),
		)
	}
}

func (r *Relay) drop(m *member, env protocol.Envelope, reason string) {
	metrics.RecordDropped(reason)
	r.log.Warn("event dropped",
		zap.String("socket", m.peer.ID()),
		zap.String("event", env.Event),
		zap.String("reason", reason),
	)
}

func (r *Relay) leave(m *member) {
	room := m.user.RoomID
	ids := r.rooms[room]
	for i, id := range ids {
		if id == m.peer.ID() {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.rooms, room)
		return
	}
	r.rooms[room] = ids
}

func (r *Relay) members(roomID string) []models.User {
	ids := r.rooms[roomID]
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.conns[id].user)
	}
	return out
}

func (r *Relay) updateGauges() {
	n := 0
	for _, ids := range r.rooms {
		n += len(ids)
	}
	metrics.SetRooms(len(r.rooms), n)
}

// Rooms returns the ids of rooms with at least one member.
func (r *Relay) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns the members of roomID in join order.
func (r *Relay) Members(roomID string) []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members(roomID)
}

// Connections returns the number of connected sockets, joined or not.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func mustEnvelope(event string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}
