package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fruitsalade/treesync/pkg/archive"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/protocol"
	"github.com/fruitsalade/treesync/pkg/session"
	"github.com/fruitsalade/treesync/pkg/tree"
)

// recorder is an Emitter that keeps every envelope it is given.
type recorder struct {
	events []protocol.Envelope
	err    error
}

func (r *recorder) Emit(event string, payload any) error {
	if r.err != nil {
		return r.err
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, env)
	return nil
}

func (r *recorder) names() []string {
	var out []string
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

// drain hands every recorded event to dst and forgets them.
func (r *recorder) drain(t *testing.T, dst *Bridge) {
	t.Helper()
	events := r.events
	r.events = nil
	for _, env := range events {
		if err := dst.Apply(env); err != nil {
			t.Fatalf("apply %s: %v", env.Event, err)
		}
	}
}

func newPeer(prefix string) (*Bridge, *recorder) {
	n := 0
	store := tree.New("root", tree.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}))
	rec := &recorder{}
	return New(store, session.New(store), rec), rec
}

func envelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func accept(t *testing.T, b *Bridge, self models.User, users ...models.User) {
	t.Helper()
	env := envelope(t, protocol.JoinAccepted, protocol.JoinAcceptedPayload{User: self, Users: append([]models.User{self}, users...)})
	if err := b.Apply(env); err != nil {
		t.Fatalf("join accepted: %v", err)
	}
}

func names(n *models.Node) []string {
	var out []string
	for _, c := range n.Children {
		out = append(out, c.Name)
	}
	return out
}

func equalTrees(a, b *models.Node) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Type != b.Type || a.Content != b.Content {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !equalTrees(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

func TestLocalMutationsEmitOnce(t *testing.T) {
	b, rec := newPeer("a")

	dir, err := b.CreateDirectory("", "src")
	if err != nil {
		t.Fatal(err)
	}
	file, err := b.CreateFile(dir, "main.go")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateFileContent(file, "package main"); err != nil {
		t.Fatal(err)
	}
	if err := b.RenameFile(file, "app.go"); err != nil {
		t.Fatal(err)
	}
	if err := b.RenameDirectory(dir, "cmd"); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteFile(file); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteDirectory(dir); err != nil {
		t.Fatal(err)
	}

	want := []string{
		protocol.DirectoryCreated,
		protocol.FileCreated,
		protocol.FileUpdated,
		protocol.FileRenamed,
		protocol.DirectoryRenamed,
		protocol.FileDeleted,
		protocol.DirectoryDeleted,
	}
	got := rec.names()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFailedMutationEmitsNothing(t *testing.T) {
	b, rec := newPeer("a")
	b.CreateDirectory("", "src")
	other, _ := b.CreateDirectory("", "lib")
	rec.events = nil

	if err := b.RenameDirectory(other, "src"); !errors.Is(err, tree.ErrNameConflict) {
		t.Errorf("rename err = %v, want ErrNameConflict", err)
	}
	if _, err := b.CreateFile("missing", "x"); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("create err = %v, want ErrNotFound", err)
	}
	if err := b.DeleteFile("missing"); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("emitted %v after failures", rec.names())
	}
}

func TestEmitFailureKeepsLocalChange(t *testing.T) {
	b, rec := newPeer("a")
	rec.err = errors.New("offline")

	id, err := b.CreateFile("", "notes.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := b.Get(id); !ok {
		t.Error("local file missing after emit failure")
	}
	if n := b.EmitFailures(); n != 1 {
		t.Errorf("failures = %d, want 1", n)
	}
}

func TestCreatedEventNamesRootExplicitly(t *testing.T) {
	b, rec := newPeer("a")
	b.CreateFile("", "x")

	var p protocol.FileCreatedPayload
	if err := rec.events[0].Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.ParentDirID != b.Tree().ID {
		t.Errorf("parentDirId = %q, want root %q", p.ParentDirID, b.Tree().ID)
	}
	if p.NewFile.Name != "x" || p.NewFile.Type != models.KindFile {
		t.Errorf("newFile = %+v", p.NewFile)
	}
}

func TestApplyDoesNotEcho(t *testing.T) {
	a, recA := newPeer("a")
	b, recB := newPeer("a")

	a.CreateDirectory("", "src")
	recA.drain(t, b)

	if len(recB.events) != 0 {
		t.Errorf("inbound event re-emitted: %v", recB.names())
	}
	if got := names(b.Tree()); fmt.Sprint(got) != "[src]" {
		t.Errorf("children = %v", got)
	}
}

func TestReplicationConverges(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	src, _ := a.CreateDirectory("", "src")
	f, _ := a.CreateFile(src, "index.ts")
	a.CreateFile(src, "index.ts")
	a.UpdateFileContent(f, "export {}")
	a.RenameFile(f, "main.ts")
	lib, _ := a.CreateDirectory(src, "lib")
	a.CreateFile(lib, "util.ts")
	a.RenameDirectory(lib, "pkg")
	recA.drain(t, b)

	if !equalTrees(a.Tree(), b.Tree()) {
		t.Fatalf("trees diverged:\n a=%v\n b=%v", archive.Export(a.Tree()), archive.Export(b.Tree()))
	}
	if got := names(b.Tree().Children[0]); fmt.Sprint(got) != "[main.ts index(1).ts pkg]" {
		t.Errorf("src children = %v", got)
	}

	a.DeleteDirectory(src)
	recA.drain(t, b)
	if len(b.Tree().Children) != 0 {
		t.Errorf("delete not replicated: %v", names(b.Tree()))
	}
}

func TestDeleteReplayIsIdempotent(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	dir, _ := a.CreateDirectory("", "tmp")
	file, _ := a.CreateFile("", "x")
	recA.drain(t, b)

	a.DeleteDirectory(dir)
	a.DeleteFile(file)
	events := recA.events
	recA.drain(t, b)
	for _, env := range events {
		if err := b.Apply(env); err != nil {
			t.Errorf("replay %s: %v", env.Event, err)
		}
	}
	if len(b.Tree().Children) != 0 {
		t.Errorf("children = %v", names(b.Tree()))
	}
}

func TestCreateReplayIsIdempotent(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	a.CreateFile("", "x")
	env := recA.events[0]
	recA.drain(t, b)
	if err := b.Apply(env); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n := len(b.Tree().Children); n != 1 {
		t.Errorf("children = %d, want 1", n)
	}
}

func TestRemoteDeleteClosesOpenFiles(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	dir, _ := a.CreateDirectory("", "src")
	inner, _ := a.CreateFile(dir, "a.go")
	outer, _ := a.CreateFile("", "b.go")
	recA.drain(t, b)

	b.OpenFile(outer)
	b.OpenFile(inner)
	a.DeleteDirectory(dir)
	recA.drain(t, b)

	open := b.OpenFiles()
	if len(open) != 1 || open[0].ID != outer {
		t.Errorf("open files = %v", open)
	}
	if act := b.ActiveFile(); act != nil {
		t.Errorf("active = %q, want none", act.ID)
	}
}

func TestRemoteUpdateReachesOpenCopy(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	f, _ := a.CreateFile("", "x")
	recA.drain(t, b)
	b.OpenFile(f)

	a.UpdateFileContent(f, "hello")
	a.RenameFile(f, "y")
	recA.drain(t, b)

	act := b.ActiveFile()
	if act == nil || act.Content != "hello" || act.Name != "y" {
		t.Errorf("active = %+v", act)
	}
}

func TestEditFileDiverges(t *testing.T) {
	a, recA := newPeer("a")
	f, _ := a.CreateFile("", "x")
	a.OpenFile(f)
	recA.events = nil

	if err := a.EditFile(f, "draft"); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.Get(f); n.Content != "" {
		t.Errorf("tree content = %q before flush", n.Content)
	}
	if got := recA.names(); fmt.Sprint(got) != "["+protocol.FileUpdated+"]" {
		t.Errorf("events = %v", got)
	}
	entries := a.Export()
	if entries[0].Content != "draft" {
		t.Errorf("export content = %q, want flushed draft", entries[0].Content)
	}
}

func TestEditFileRequiresActiveFile(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	f1, _ := a.CreateFile("", "one")
	f2, _ := a.CreateFile("", "two")
	recA.drain(t, b)
	a.OpenFile(f1)
	a.OpenFile(f2)

	if err := a.EditFile(f1, "hello"); !errors.Is(err, session.ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if len(recA.events) != 0 {
		t.Errorf("refused edit emitted %v", recA.names())
	}

	if err := a.EditFile(f2, "world"); err != nil {
		t.Fatal(err)
	}
	if err := a.CloseFile(f1); err != nil {
		t.Fatal(err)
	}
	if err := a.CloseFile(f2); err != nil {
		t.Fatal(err)
	}
	recA.drain(t, b)

	for _, id := range []string{f1, f2} {
		la, _ := a.Get(id)
		lb, _ := b.Get(id)
		if la.Content != lb.Content {
			t.Errorf("%s diverged: local %q, remote %q", la.Name, la.Content, lb.Content)
		}
	}
	if !equalTrees(a.Tree(), b.Tree()) {
		t.Error("trees differ after closing drafted files")
	}
}

func TestUpdateDirectoryKeepsDraftOutsideTarget(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	dir, _ := a.CreateDirectory("", "pkg")
	f, _ := a.CreateFile("", "notes")
	recA.drain(t, b)
	a.OpenFile(f)
	if err := a.EditFile(f, "draft"); err != nil {
		t.Fatal(err)
	}

	err := a.ImportDirectory(dir, []archive.Entry{{Path: "main.go", Content: "package main"}})
	if err != nil {
		t.Fatal(err)
	}
	recA.drain(t, b)

	if n, _ := a.Get(f); n.Content != "draft" {
		t.Errorf("local draft = %q, want flushed before update", n.Content)
	}
	if !equalTrees(a.Tree(), b.Tree()) {
		t.Error("trees differ after directory update")
	}
}

func TestUpdateDirectoryClearsSession(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("a")

	f, _ := a.CreateFile("", "x")
	recA.drain(t, b)
	a.OpenFile(f)
	b.OpenFile(f)

	err := a.ImportDirectory("", []archive.Entry{
		{Path: "src/"},
		{Path: "src/main.go", Content: "package main"},
	})
	if err != nil {
		t.Fatal(err)
	}
	recA.drain(t, b)

	if len(a.OpenFiles()) != 0 || len(b.OpenFiles()) != 0 {
		t.Error("open files survived directory update")
	}
	if !equalTrees(a.Tree(), b.Tree()) {
		t.Errorf("trees diverged after import")
	}
	if _, ok := b.Resolve("src/main.go"); !ok {
		t.Error("imported file not resolvable")
	}
}

func TestJoinerAdoptsFirstSnapshotOnly(t *testing.T) {
	alice := models.User{SocketID: "s1", Username: "alice", RoomID: "r"}
	bob := models.User{SocketID: "s2", Username: "bob", RoomID: "r"}
	carol := models.User{SocketID: "s3", Username: "carol", RoomID: "r"}

	a, recA := newPeer("a")
	c, recC := newPeer("c")
	accept(t, a, alice)
	accept(t, c, carol)
	a.CreateFile("", "shared.txt")
	c.CreateFile("", "stale.txt")
	recA.events, recC.events = nil, nil

	b, recB := newPeer("b")
	accept(t, b, bob, alice, carol)
	if b.Synced() {
		t.Fatal("joiner synced before snapshot")
	}

	joined := envelope(t, protocol.UserJoined, protocol.UserPayload{User: bob})
	if err := a.Apply(joined); err != nil {
		t.Fatal(err)
	}
	if got := recA.names(); fmt.Sprint(got) != "["+protocol.SyncFileStructure+"]" {
		t.Fatalf("alice sent %v", got)
	}
	var p protocol.SyncPayload
	recA.events[0].Decode(&p)
	if p.SocketID != bob.SocketID {
		t.Errorf("snapshot target = %q", p.SocketID)
	}

	// carol holds her own tree and answers too; her snapshot arrives second
	c.Apply(joined)
	recA.drain(t, b)
	recC.drain(t, b)

	if !b.Synced() {
		t.Fatal("joiner not synced")
	}
	if !equalTrees(a.Tree(), b.Tree()) {
		t.Errorf("joiner did not adopt first snapshot: %v", names(b.Tree()))
	}
	if len(recB.events) != 0 {
		t.Errorf("joiner emitted %v", recB.names())
	}
}

func TestUnsyncedPeerDoesNotAnswerJoin(t *testing.T) {
	b, recB := newPeer("b")
	accept(t, b, models.User{SocketID: "s2"}, models.User{SocketID: "s1"})

	b.Apply(envelope(t, protocol.UserJoined, protocol.UserPayload{User: models.User{SocketID: "s3"}}))
	if len(recB.events) != 0 {
		t.Errorf("unsynced peer emitted %v", recB.names())
	}
}

func TestSoleMemberIsSynced(t *testing.T) {
	a, _ := newPeer("a")
	accept(t, a, models.User{SocketID: "s1"})
	if !a.Synced() {
		t.Error("sole member should hold the tree")
	}
}

func TestUsernameExists(t *testing.T) {
	a, _ := newPeer("a")
	err := a.Apply(protocol.Envelope{Event: protocol.UsernameExists})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("err = %v", err)
	}
}

func TestPresence(t *testing.T) {
	a, recA := newPeer("a")
	self := models.User{SocketID: "s1", Username: "alice", Status: models.StatusOnline}
	bob := models.User{SocketID: "s2", Username: "bob", Status: models.StatusOnline}
	accept(t, a, self, bob)

	a.Apply(envelope(t, protocol.UserOffline, protocol.SocketPayload{SocketID: "s2"}))
	users := a.Users()
	if users[1].Status != models.StatusOffline {
		t.Errorf("bob status = %s", users[1].Status)
	}

	typing := bob
	typing.Typing = true
	typing.CursorPosition = 7
	a.Apply(envelope(t, protocol.TypingStart, protocol.UserPayload{User: typing}))
	if u := a.Users()[1]; !u.Typing || u.CursorPosition != 7 {
		t.Errorf("bob = %+v", u)
	}

	a.Apply(envelope(t, protocol.UserDisconnected, protocol.UserPayload{User: bob}))
	if n := len(a.Users()); n != 1 {
		t.Errorf("users = %d after disconnect", n)
	}

	if err := a.SetStatus(false); err != nil {
		t.Fatal(err)
	}
	last := recA.events[len(recA.events)-1]
	if last.Event != protocol.UserOffline {
		t.Errorf("event = %s", last.Event)
	}
}

func TestPresenceRequiresJoin(t *testing.T) {
	a, _ := newPeer("a")
	if err := a.SetStatus(true); !errors.Is(err, ErrNotJoined) {
		t.Errorf("SetStatus err = %v", err)
	}
	if err := a.SendMessage("hi"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("SendMessage err = %v", err)
	}
}

func TestMessages(t *testing.T) {
	a, recA := newPeer("a")
	b, _ := newPeer("b")
	accept(t, a, models.User{SocketID: "s1", Username: "alice"})

	if err := a.SendMessage("hello"); err != nil {
		t.Fatal(err)
	}
	var p protocol.MessagePayload
	recA.events[0].Decode(&p)
	b.Apply(envelope(t, protocol.ReceiveMessage, p))

	got := b.Messages()
	if len(got) != 1 || got[0].Username != "alice" || got[0].Message != "hello" {
		t.Errorf("messages = %+v", got)
	}
	if len(a.Messages()) != 1 {
		t.Errorf("sender history = %d", len(a.Messages()))
	}
}

func TestLocalOnlyBridge(t *testing.T) {
	store := tree.New("root")
	b := New(store, session.New(store), nil)
	if _, err := b.CreateDirectory("", "src"); err != nil {
		t.Fatalf("create without emitter: %v", err)
	}
	if err := b.Join("r", "u"); err == nil {
		t.Error("join without transport should fail")
	}
}
