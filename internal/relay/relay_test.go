package relay

import (
	"fmt"
	"testing"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/protocol"
)

type fakePeer struct {
	id   string
	got  []protocol.Envelope
	full bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(env protocol.Envelope) bool {
	if p.full {
		return false
	}
	p.got = append(p.got, env)
	return true
}

func (p *fakePeer) events() []string {
	var out []string
	for _, e := range p.got {
		out = append(out, e.Event)
	}
	return out
}

func (p *fakePeer) reset() { p.got = nil }

func env(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func joinAs(t *testing.T, r *Relay, id, room, name string) *fakePeer {
	t.Helper()
	p := &fakePeer{id: id}
	r.Connect(p)
	r.Handle(id, env(t, protocol.JoinRequest, protocol.JoinRequestPayload{RoomID: room, Username: name}))
	return p
}

func TestJoinAccepted(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	bob := joinAs(t, r, "s2", "room", "bob")

	if got := fmt.Sprint(alice.events()); got != "[JOIN_ACCEPTED USER_JOINED]" {
		t.Errorf("alice got %s", got)
	}
	if got := fmt.Sprint(bob.events()); got != "[JOIN_ACCEPTED]" {
		t.Errorf("bob got %s", got)
	}

	var p protocol.JoinAcceptedPayload
	if err := bob.got[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.User.SocketID != "s2" || p.User.Status != models.StatusOnline {
		t.Errorf("user = %+v", p.User)
	}
	if len(p.Users) != 2 || p.Users[0].Username != "alice" || p.Users[1].Username != "bob" {
		t.Errorf("users = %+v", p.Users)
	}
}

func TestUsernameExists(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	alice.reset()

	dup := joinAs(t, r, "s2", "room", "alice")
	if got := fmt.Sprint(dup.events()); got != "[USERNAME_EXISTS]" {
		t.Errorf("duplicate got %s", got)
	}
	if len(alice.got) != 0 {
		t.Errorf("alice notified of rejected join: %v", alice.events())
	}
	if n := len(r.Members("room")); n != 1 {
		t.Errorf("members = %d", n)
	}

	other := joinAs(t, r, "s3", "elsewhere", "alice")
	if got := fmt.Sprint(other.events()); got != "[JOIN_ACCEPTED]" {
		t.Errorf("same name in other room got %s", got)
	}
}

func TestRejectedSocketCanRetry(t *testing.T) {
	r := New()
	joinAs(t, r, "s1", "room", "alice")
	dup := joinAs(t, r, "s2", "room", "alice")
	dup.reset()

	r.Handle("s2", env(t, protocol.JoinRequest, protocol.JoinRequestPayload{RoomID: "room", Username: "alice2"}))
	if got := fmt.Sprint(dup.events()); got != "[JOIN_ACCEPTED]" {
		t.Errorf("retry got %s", got)
	}
}

func TestBroadcastExcludesSenderAndOtherRooms(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	bob := joinAs(t, r, "s2", "room", "bob")
	eve := joinAs(t, r, "s3", "other", "eve")
	alice.reset()
	bob.reset()
	eve.reset()

	created := env(t, protocol.FileCreated, protocol.FileCreatedPayload{ParentDirID: "root", NewFile: models.NewFile("f1", "a.txt")})
	r.Handle("s1", created)

	if len(alice.got) != 0 {
		t.Errorf("event echoed to sender")
	}
	if len(eve.got) != 0 {
		t.Errorf("event leaked to other room")
	}
	if len(bob.got) != 1 || string(bob.got[0].Data) != string(created.Data) {
		t.Errorf("bob got %v", bob.events())
	}
}

func TestTargetedSync(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	bob := joinAs(t, r, "s2", "room", "bob")
	carol := joinAs(t, r, "s3", "room", "carol")
	eve := joinAs(t, r, "s4", "other", "eve")
	for _, p := range []*fakePeer{alice, bob, carol, eve} {
		p.reset()
	}

	root := models.NewDirectory("root", "root")
	r.Handle("s1", env(t, protocol.SyncFileStructure, protocol.SyncPayload{FileStructure: root, SocketID: "s3"}))
	if len(bob.got) != 0 || len(carol.got) != 1 {
		t.Errorf("bob=%v carol=%v", bob.events(), carol.events())
	}

	r.Handle("s1", env(t, protocol.SyncFileStructure, protocol.SyncPayload{FileStructure: root, SocketID: "s4"}))
	if len(eve.got) != 0 {
		t.Error("snapshot crossed rooms")
	}

	r.Handle("s1", env(t, protocol.SyncFileStructure, protocol.SyncPayload{FileStructure: root}))
	if len(bob.got) != 1 || len(carol.got) != 2 || len(alice.got) != 0 {
		t.Errorf("untargeted sync: alice=%d bob=%d carol=%d", len(alice.got), len(bob.got), len(carol.got))
	}
}

func TestMessageRelayedAsReceive(t *testing.T) {
	r := New()
	joinAs(t, r, "s1", "room", "alice")
	bob := joinAs(t, r, "s2", "room", "bob")
	bob.reset()

	msg := protocol.Message{ID: "m1", Username: "alice", Message: "hi", Timestamp: 1}
	r.Handle("s1", env(t, protocol.SendMessage, protocol.MessagePayload{Message: msg}))

	if got := fmt.Sprint(bob.events()); got != "[RECEIVE_MESSAGE]" {
		t.Fatalf("bob got %s", got)
	}
	var p protocol.MessagePayload
	bob.got[0].Decode(&p)
	if p.Message != msg {
		t.Errorf("message = %+v", p.Message)
	}
}

func TestTypingAndStatus(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	joinAs(t, r, "s2", "room", "bob")
	alice.reset()

	r.Handle("s2", env(t, protocol.TypingStart, protocol.TypingPayload{CursorPosition: 12}))
	bob := r.Members("room")[1]
	if !bob.Typing || bob.CursorPosition != 12 {
		t.Errorf("bob = %+v", bob)
	}
	var p protocol.UserPayload
	alice.got[0].Decode(&p)
	if alice.got[0].Event != protocol.TypingStart || p.User.Username != "bob" || !p.User.Typing {
		t.Errorf("alice got %s %+v", alice.got[0].Event, p.User)
	}

	r.Handle("s2", protocol.Envelope{Event: protocol.TypingPause})
	if r.Members("room")[1].Typing {
		t.Error("typing not cleared")
	}

	r.Handle("s2", env(t, protocol.UserOffline, protocol.SocketPayload{SocketID: "s2"}))
	if st := r.Members("room")[1].Status; st != models.StatusOffline {
		t.Errorf("status = %s", st)
	}
	if last := alice.got[len(alice.got)-1]; last.Event != protocol.UserOffline {
		t.Errorf("alice last event = %s", last.Event)
	}
}

func TestDisconnect(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	joinAs(t, r, "s2", "room", "bob")
	alice.reset()

	r.Disconnect("s2")
	if got := fmt.Sprint(alice.events()); got != "[USER_DISCONNECTED]" {
		t.Errorf("alice got %s", got)
	}
	var p protocol.UserPayload
	alice.got[0].Decode(&p)
	if p.User.Username != "bob" {
		t.Errorf("departed = %+v", p.User)
	}
	if n := len(r.Members("room")); n != 1 {
		t.Errorf("members = %d", n)
	}

	r.Disconnect("s2")
	r.Disconnect("never-seen")

	r.Disconnect("s1")
	if rooms := r.Rooms(); len(rooms) != 0 {
		t.Errorf("rooms = %v", rooms)
	}
	if n := r.Connections(); n != 0 {
		t.Errorf("connections = %d", n)
	}

	// the name is free again
	again := joinAs(t, r, "s5", "room", "bob")
	if got := fmt.Sprint(again.events()); got != "[JOIN_ACCEPTED]" {
		t.Errorf("rejoin got %s", got)
	}
}

func TestEventsBeforeJoinAreDropped(t *testing.T) {
	r := New()
	alice := joinAs(t, r, "s1", "room", "alice")
	alice.reset()

	lurker := &fakePeer{id: "s2"}
	r.Connect(lurker)
	r.Handle("s2", env(t, protocol.FileDeleted, protocol.FileDeletedPayload{FileID: "x"}))
	r.Handle("s9", env(t, protocol.FileDeleted, protocol.FileDeletedPayload{FileID: "x"}))

	if len(alice.got) != 0 || len(lurker.got) != 0 {
		t.Errorf("alice=%v lurker=%v", alice.events(), lurker.events())
	}
	r.Disconnect("s2")
	if len(alice.got) != 0 {
		t.Error("unjoined disconnect announced")
	}
}

func TestSlowConsumerDoesNotBlockRoom(t *testing.T) {
	r := New()
	joinAs(t, r, "s1", "room", "alice")
	slow := joinAs(t, r, "s2", "room", "bob")
	fast := joinAs(t, r, "s3", "room", "carol")
	slow.full = true
	fast.reset()

	r.Handle("s1", env(t, protocol.FileDeleted, protocol.FileDeletedPayload{FileID: "x"}))
	if len(fast.got) != 1 {
		t.Errorf("fast peer got %v", fast.events())
	}
}
