package sync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/chirp/internal/bus"
	"github.com/matheus3301/chirp/internal/model"
	"github.com/matheus3301/chirp/internal/remote"
	"github.com/matheus3301/chirp/internal/runstate"
	"github.com/matheus3301/chirp/internal/store"
)

// recordingNotifier collects every notified message.
type recordingNotifier struct {
	mu   gosync.Mutex
	msgs []*model.Message
}

func (n *recordingNotifier) MessageReceived(m *model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *recordingNotifier) last() *model.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return nil
	}
	return n.msgs[len(n.msgs)-1]
}

type harness struct {
	db      *store.DB
	client  *remote.Memory
	gw      *remote.Gateway
	bus     *bus.Bus
	clock   clockwork.FakeClock
	machine *runstate.Machine
	notes   *recordingNotifier
	eng     *Engine
}

func newHarness(t *testing.T) *harness {
	return buildHarness(t, bus.New(), nil)
}

// newMachineHarness wires a state machine already walked to LIVE, the
// state the daemon reaches before connectivity flips start mattering.
func newMachineHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	m := runstate.NewMachine(b)
	for _, s := range []runstate.State{runstate.InitialSync, runstate.Live} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	return buildHarness(t, b, m)
}

func buildHarness(t *testing.T, b *bus.Bus, machine *runstate.Machine) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	client := remote.NewMemory()
	clock := clockwork.NewFakeClock()
	gw := remote.NewGateway(client, db, clock, remote.DefaultCoalesceDelay, zap.NewNop())
	t.Cleanup(gw.Close)

	notes := &recordingNotifier{}
	eng, err := NewEngine(db, gw, b, machine, notes, clock, Config{SyncWorkers: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.StopRealtime)
	return &harness{db: db, client: client, gw: gw, bus: b, clock: clock, machine: machine, notes: notes, eng: eng}
}

func (h *harness) seedRemoteUser(t *testing.T, id, name string) {
	t.Helper()
	if err := h.client.Write(context.Background(), remote.UserPath(id), remote.UserDoc{DisplayName: name}); err != nil {
		t.Fatal(err)
	}
}

// seedRemoteChat writes the chat document first and indexes it for each
// member afterwards, the same order the gateway writes new chats in.
func (h *harness) seedRemoteChat(t *testing.T, chatID string, kind model.ChatKind, members ...string) {
	t.Helper()
	ctx := context.Background()
	participants := make(map[string]bool, len(members))
	for _, id := range members {
		participants[id] = true
	}
	doc := remote.ChatDoc{Kind: string(kind), CreatedAt: h.clock.Now().UnixMilli(), Participants: participants}
	if err := h.client.Write(ctx, remote.ChatPath(chatID), doc); err != nil {
		t.Fatal(err)
	}
	for _, id := range members {
		if err := h.client.Patch(ctx, remote.UserChatsPath(id), map[string]any{chatID: true}); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) seedRemoteMessage(t *testing.T, chatID, remoteID string, doc remote.MessageDoc) {
	t.Helper()
	doc.ChatID = chatID
	if err := h.client.Write(context.Background(), remote.MessagePath(chatID, remoteID), doc); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) remoteMessageDoc(t *testing.T, chatID, remoteID string) remote.MessageDoc {
	t.Helper()
	raw := h.client.Data(remote.MessagePath(chatID, remoteID))
	if raw == nil {
		t.Fatalf("message %s/%s not stored remotely", chatID, remoteID)
	}
	var d remote.MessageDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func unreadFor(t *testing.T, db *store.DB, chatID, userID string) int {
	t.Helper()
	chat, err := db.GetChat(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil {
		t.Fatalf("chat %s not stored locally", chatID)
	}
	for _, p := range chat.Participants {
		if p.UserID == userID {
			return p.UnreadCount
		}
	}
	t.Fatalf("user %s not a participant of %s", userID, chatID)
	return 0
}

func waitEvent(t *testing.T, events <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func TestInitialSyncMirrorsRemoteGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")
	now := h.clock.Now().UnixMilli()

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	h.seedRemoteMessage(t, chatID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "hey", SentAt: now - 3000})
	h.seedRemoteMessage(t, chatID, "m2", remote.MessageDoc{
		SenderID: "alice", Kind: "text", Body: "hi", SentAt: now - 2000,
		DeliveredTo: map[string]int64{"bob": now - 1500},
		ReadBy:      map[string]int64{"bob": now - 1000},
	})
	h.seedRemoteMessage(t, chatID, "m3", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "lunch?", SentAt: now - 1000})

	opsBefore := len(h.client.Ops())
	if err := h.eng.InitialSync(ctx, "alice"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// Catch-up is a pure download; nothing is written back.
	if got := len(h.client.Ops()); got != opsBefore {
		t.Fatalf("initial sync issued %d remote writes, want 0", got-opsBefore)
	}

	bob, err := h.db.GetUser("bob")
	if err != nil || bob == nil {
		t.Fatalf("get bob: %v, %v", bob, err)
	}
	if bob.DisplayName != "Bob" {
		t.Fatalf("got display name %q, want Bob", bob.DisplayName)
	}
	chat, err := h.db.GetChat(chatID)
	if err != nil || chat == nil {
		t.Fatalf("get chat: %v, %v", chat, err)
	}
	if len(chat.Participants) != 2 {
		t.Fatalf("got %d participants, want 2", len(chat.Participants))
	}

	msgs, err := h.db.ListMessages(chatID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].RemoteID != "m3" {
		t.Fatalf("newest first: got %s, want m3", msgs[0].RemoteID)
	}

	mirrored, err := h.db.GetMessageByRemoteID(chatID, "m2")
	if err != nil || mirrored == nil {
		t.Fatalf("get m2: %v, %v", mirrored, err)
	}
	if mirrored.State != model.SendConfirmed {
		t.Fatalf("got state %q, want %q", mirrored.State, model.SendConfirmed)
	}
	if len(mirrored.DeliveredTo) != 1 || mirrored.DeliveredTo[0] != "bob" {
		t.Fatalf("got delivered set %v, want [bob]", mirrored.DeliveredTo)
	}
	if len(mirrored.ReadBy) != 1 || mirrored.ReadBy[0] != "bob" {
		t.Fatalf("got read set %v, want [bob]", mirrored.ReadBy)
	}

	cp, err := h.db.GetCheckpoint("initial_sync_completed_at")
	if err != nil {
		t.Fatal(err)
	}
	if cp == "" {
		t.Fatal("completion checkpoint not recorded")
	}
}

func TestInitialSyncBackfillsUnknownSenders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now().UnixMilli()

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteUser(t, "carol", "Carol")
	h.seedRemoteChat(t, "g1", model.ChatGroup, "alice", "bob")
	// carol left the group and dora's profile never existed; both still
	// have messages that must mirror cleanly.
	h.seedRemoteMessage(t, "g1", "m1", remote.MessageDoc{SenderID: "carol", Kind: "text", Body: "bye", SentAt: now - 2000})
	h.seedRemoteMessage(t, "g1", "m2", remote.MessageDoc{SenderID: "dora", Kind: "text", Body: "who?", SentAt: now - 1000})

	if err := h.eng.InitialSync(ctx, "alice"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	carol, err := h.db.GetUser("carol")
	if err != nil || carol == nil {
		t.Fatalf("get carol: %v, %v", carol, err)
	}
	if carol.DisplayName != "Carol" {
		t.Fatalf("got display name %q, want Carol", carol.DisplayName)
	}
	dora, err := h.db.GetUser("dora")
	if err != nil || dora == nil {
		t.Fatalf("get dora: %v, %v", dora, err)
	}
	if dora.DisplayName != "" {
		t.Fatalf("placeholder row got display name %q", dora.DisplayName)
	}
	msgs, err := h.db.ListMessages("g1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestInitialSyncIsolatesChatFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	goodID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, goodID, model.ChatDirect, "alice", "bob")
	h.seedRemoteChat(t, "g1", model.ChatGroup, "alice", "bob")
	h.seedRemoteMessage(t, goodID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "hey", SentAt: h.clock.Now().UnixMilli()})
	h.client.FailPath("chats/g1", errors.New("backend unavailable"))

	if err := h.eng.InitialSync(ctx, "alice"); err != nil {
		t.Fatalf("one bad chat aborted the pass: %v", err)
	}

	if chat, _ := h.db.GetChat(goodID); chat == nil {
		t.Fatal("healthy chat not mirrored")
	}
	if m, _ := h.db.GetMessageByRemoteID(goodID, "m1"); m == nil {
		t.Fatal("healthy chat messages not mirrored")
	}
	if chat, _ := h.db.GetChat("g1"); chat != nil {
		t.Fatal("failed chat unexpectedly mirrored")
	}
}

func TestInitialSyncRequiresOwnProfile(t *testing.T) {
	h := newHarness(t)
	h.client.FailPath(remote.UserPath("alice"), errors.New("backend unavailable"))
	if err := h.eng.InitialSync(context.Background(), "alice"); err == nil {
		t.Fatal("expected error when own profile is unreachable")
	}
}

func TestStartRealtimeMirrorsNewMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")

	events, cancel := h.bus.Subscribe("message.", 8)
	defer cancel()

	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	status := h.eng.Status()
	if !status.ChatListActive || status.MessageSubscriptions != 1 || status.PresenceSubscriptions != 1 || status.TypingSubscriptions != 1 {
		t.Fatalf("got status %+v, want chat list + 1 message + 1 presence + 1 typing", status)
	}

	sentAt := h.clock.Now().UnixMilli()
	h.seedRemoteMessage(t, chatID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "you there?", SentAt: sentAt})

	m, err := h.db.GetMessageByRemoteID(chatID, "m1")
	if err != nil || m == nil {
		t.Fatalf("message not mirrored: %v, %v", m, err)
	}
	if m.State != model.SendConfirmed {
		t.Fatalf("got state %q, want %q", m.State, model.SendConfirmed)
	}
	if got := unreadFor(t, h.db, chatID, "alice"); got != 1 {
		t.Fatalf("got %d unread, want 1", got)
	}
	if h.notes.count() != 1 || h.notes.last().RemoteID != "m1" {
		t.Fatalf("notifier saw %d messages, want exactly m1", h.notes.count())
	}
	chat, err := h.db.GetChat(chatID)
	if err != nil || chat == nil || chat.LastMessage == nil {
		t.Fatalf("chat summary missing: %v, %v", chat, err)
	}
	if chat.LastMessage.Body != "you there?" {
		t.Fatalf("got summary %q, want the new body", chat.LastMessage.Body)
	}
	evt := waitEvent(t, events)
	if evt.Kind != "message.upserted" {
		t.Fatalf("got event %q, want message.upserted", evt.Kind)
	}

	// The delivery receipt lands locally at once and remotely after the
	// coalescing window.
	ok, err := h.db.HasAck(chatID, "m1", "alice", model.AckDelivered)
	if err != nil || !ok {
		t.Fatalf("local delivery ack missing: %v, %v", ok, err)
	}
	h.clock.Advance(remote.DefaultCoalesceDelay)
	require.Eventually(t, func() bool {
		d := h.remoteMessageDoc(t, chatID, "m1")
		_, ok := d.DeliveredTo["alice"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplayedMessagesAreNotReacknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	h.seedRemoteMessage(t, chatID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "old news", SentAt: h.clock.Now().UnixMilli()})

	if err := h.eng.InitialSync(ctx, "alice"); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	opsBefore := len(h.client.Ops())

	// Subscription replay re-delivers the already mirrored message.
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	if got := unreadFor(t, h.db, chatID, "alice"); got != 0 {
		t.Fatalf("replay bumped unread to %d", got)
	}
	if h.notes.count() != 0 {
		t.Fatalf("replay notified %d times", h.notes.count())
	}
	h.clock.Advance(remote.DefaultCoalesceDelay)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.client.Ops()); got != opsBefore {
		t.Fatalf("replay issued %d remote writes", got-opsBefore)
	}
}

func TestEchoConfirmsPendingByLocalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	sentAt := h.clock.Now().UnixMilli()
	pending := &model.Message{
		LocalID: "l1", ChatID: chatID, SenderID: "alice",
		Kind: model.MessageText, Body: "omw", SentAt: sentAt, State: model.SendPending,
	}
	if err := h.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}
	if err := h.db.PutOutbox(&model.OutboxEntry{LocalID: "l1", CreatedAt: sentAt}); err != nil {
		t.Fatal(err)
	}

	h.seedRemoteMessage(t, chatID, "srv1", remote.MessageDoc{
		LocalID: "l1", SenderID: "alice", Kind: "text", Body: "omw", SentAt: sentAt,
	})

	m, err := h.db.GetMessage("l1")
	if err != nil || m == nil {
		t.Fatalf("get l1: %v, %v", m, err)
	}
	if m.RemoteID != "srv1" || m.State != model.SendConfirmed {
		t.Fatalf("got %q/%q, want confirmed srv1", m.RemoteID, m.State)
	}
	if entry, _ := h.db.GetOutbox("l1"); entry != nil {
		t.Fatal("retry bookkeeping survived the echo")
	}
	msgs, err := h.db.ListMessages(chatID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("echo duplicated the message: got %d rows", len(msgs))
	}
	if h.notes.count() != 0 {
		t.Fatal("own echo reached the notifier")
	}
	if got := unreadFor(t, h.db, chatID, "alice"); got != 0 {
		t.Fatalf("own echo bumped unread to %d", got)
	}
}

func TestEchoConfirmsPendingByContentMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	sentAt := h.clock.Now().UnixMilli()
	pending := &model.Message{
		LocalID: "l2", ChatID: chatID, SenderID: "alice",
		Kind: model.MessageText, Body: "brb", SentAt: sentAt, State: model.SendPending,
	}
	if err := h.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	// The echo lost its local id but lands inside the match window.
	h.seedRemoteMessage(t, chatID, "srv2", remote.MessageDoc{
		SenderID: "alice", Kind: "text", Body: "brb", SentAt: sentAt + 3000,
	})

	m, err := h.db.GetMessage("l2")
	if err != nil || m == nil {
		t.Fatalf("get l2: %v, %v", m, err)
	}
	if m.RemoteID != "srv2" || m.State != model.SendConfirmed {
		t.Fatalf("got %q/%q, want confirmed srv2", m.RemoteID, m.State)
	}
	msgs, err := h.db.ListMessages(chatID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("echo duplicated the message: got %d rows", len(msgs))
	}
}

func TestContentMatchOutsideWindowInsertsNewRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	sentAt := h.clock.Now().UnixMilli()
	pending := &model.Message{
		LocalID: "l3", ChatID: chatID, SenderID: "alice",
		Kind: model.MessageText, Body: "ok", SentAt: sentAt, State: model.SendPending,
	}
	if err := h.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	// Same words six seconds later is a different message, not an echo.
	h.seedRemoteMessage(t, chatID, "srv3", remote.MessageDoc{
		SenderID: "alice", Kind: "text", Body: "ok", SentAt: sentAt + 6000,
	})

	orig, err := h.db.GetMessage("l3")
	if err != nil || orig == nil {
		t.Fatalf("get l3: %v, %v", orig, err)
	}
	if orig.State != model.SendPending || orig.RemoteID != "" {
		t.Fatalf("pending copy was consumed: %q/%q", orig.RemoteID, orig.State)
	}
	mirrored, err := h.db.GetMessageByRemoteID(chatID, "srv3")
	if err != nil || mirrored == nil {
		t.Fatalf("get srv3: %v, %v", mirrored, err)
	}
	if mirrored.LocalID == "l3" {
		t.Fatal("distinct message reused the pending local id")
	}
}

func TestAckGrowthFlowsThroughChangedFeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	sentAt := h.clock.Now().UnixMilli()
	doc := remote.MessageDoc{LocalID: "l9", SenderID: "alice", Kind: "text", Body: "seen yet?", SentAt: sentAt}
	h.seedRemoteMessage(t, chatID, "m1", doc)
	before := h.notes.count()

	// Rewriting an existing document lands on the changed feed.
	doc.DeliveredTo = map[string]int64{"bob": sentAt + 100}
	doc.ReadBy = map[string]int64{"bob": sentAt + 200}
	h.seedRemoteMessage(t, chatID, "m1", doc)

	ok, err := h.db.HasAck(chatID, "m1", "bob", model.AckRead)
	if err != nil || !ok {
		t.Fatalf("read ack not absorbed: %v, %v", ok, err)
	}
	msgs, err := h.db.ListMessages(chatID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("change duplicated the message: got %d rows", len(msgs))
	}
	if h.notes.count() != before {
		t.Fatal("ack growth reached the notifier")
	}
}

func TestStopRealtimeSilencesAndRestartRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	h.eng.StopRealtime()
	status := h.eng.Status()
	if status.ChatListActive || status.MessageSubscriptions != 0 || status.PresenceSubscriptions != 0 || status.TypingSubscriptions != 0 {
		t.Fatalf("got status %+v after stop, want all torn down", status)
	}

	// Written while stopped: must not reach the local store.
	h.seedRemoteMessage(t, chatID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "anyone?", SentAt: h.clock.Now().UnixMilli()})
	if m, _ := h.db.GetMessageByRemoteID(chatID, "m1"); m != nil {
		t.Fatal("stopped engine still mirrored a message")
	}

	// Restart replays the collection and picks up what was missed.
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("restart realtime: %v", err)
	}
	status = h.eng.Status()
	if !status.ChatListActive || status.MessageSubscriptions != 1 {
		t.Fatalf("got status %+v after restart, want feeds back", status)
	}
	m, err := h.db.GetMessageByRemoteID(chatID, "m1")
	if err != nil || m == nil {
		t.Fatalf("missed message not recovered: %v, %v", m, err)
	}
	if got := unreadFor(t, h.db, chatID, "alice"); got != 1 {
		t.Fatalf("got %d unread, want 1", got)
	}
	if h.notes.count() != 1 {
		t.Fatalf("notifier saw %d messages, want 1", h.notes.count())
	}
}

func TestChatListChangesAdjustSubscriptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	directID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteUser(t, "carol", "Carol")
	h.seedRemoteChat(t, directID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	h.seedRemoteChat(t, "g1", model.ChatGroup, "alice", "carol")
	status := h.eng.Status()
	if status.MessageSubscriptions != 2 {
		t.Fatalf("got %d message feeds, want 2", status.MessageSubscriptions)
	}
	if status.PresenceSubscriptions != 2 {
		t.Fatalf("got %d presence feeds, want 2", status.PresenceSubscriptions)
	}
	if status.TypingSubscriptions != 2 {
		t.Fatalf("got %d typing feeds, want 2", status.TypingSubscriptions)
	}
	if chat, _ := h.db.GetChat("g1"); chat == nil {
		t.Fatal("new chat not mirrored")
	}

	// Rewrite the index without the direct chat: its feeds close.
	if err := h.client.Write(ctx, remote.UserChatsPath("alice"), map[string]bool{"g1": true}); err != nil {
		t.Fatal(err)
	}
	status = h.eng.Status()
	if status.MessageSubscriptions != 1 {
		t.Fatalf("got %d message feeds after removal, want 1", status.MessageSubscriptions)
	}
	if status.TypingSubscriptions != 1 {
		t.Fatalf("got %d typing feeds after removal, want 1", status.TypingSubscriptions)
	}
	h.seedRemoteMessage(t, directID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "gone", SentAt: h.clock.Now().UnixMilli()})
	if m, _ := h.db.GetMessageByRemoteID(directID, "m1"); m != nil {
		t.Fatal("closed feed still mirrored a message")
	}
}

func TestPresenceUpdatesMirrorLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")
	now := h.clock.Now().UnixMilli()

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}

	if err := h.client.Write(ctx, remote.PresencePath("bob"), remote.PresenceDoc{Online: true, LastSeenAt: now}); err != nil {
		t.Fatal(err)
	}
	bob, err := h.db.GetUser("bob")
	if err != nil || bob == nil {
		t.Fatalf("get bob: %v, %v", bob, err)
	}
	if !bob.Online {
		t.Fatal("presence flip not mirrored")
	}

	// Record removal means offline.
	if err := h.client.Write(ctx, remote.PresencePath("bob"), nil); err != nil {
		t.Fatal(err)
	}
	bob, err = h.db.GetUser("bob")
	if err != nil || bob == nil {
		t.Fatalf("get bob: %v, %v", bob, err)
	}
	if bob.Online {
		t.Fatal("presence removal left bob online")
	}
}

func TestTypingFlipsFanOutOnBus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	if got := h.eng.Status().TypingSubscriptions; got != 1 {
		t.Fatalf("got %d typing feeds, want 1", got)
	}

	events, cancel := h.bus.Subscribe("typing.", 8)
	defer cancel()

	doc := remote.TypingDoc{Active: true, At: h.clock.Now().UnixMilli()}
	if err := h.client.Write(ctx, remote.TypingPath(chatID, "bob"), doc); err != nil {
		t.Fatal(err)
	}
	evt := waitEvent(t, events)
	if evt.Kind != "typing.updated" {
		t.Fatalf("got event %q, want typing.updated", evt.Kind)
	}
	if evt.Payload["chat_id"] != chatID || evt.Payload["user_id"] != "bob" || evt.Payload["active"] != "true" {
		t.Fatalf("got payload %v, want bob typing in %s", evt.Payload, chatID)
	}

	// Record removal means the indicator went away.
	if err := h.client.Write(ctx, remote.TypingPath(chatID, "bob"), nil); err != nil {
		t.Fatal(err)
	}
	evt = waitEvent(t, events)
	if evt.Payload["active"] != "false" {
		t.Fatalf("got payload %v after clear, want active=false", evt.Payload)
	}
}

func TestConnectivityFlipsDriveBusAndMachine(t *testing.T) {
	h := newMachineHarness(t)
	ctx := context.Background()

	h.seedRemoteUser(t, "alice", "Alice")
	events, cancel := h.bus.Subscribe("net.", 8)
	defer cancel()

	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	if evt := waitEvent(t, events); evt.Kind != "net.online" {
		t.Fatalf("got %q, want initial net.online", evt.Kind)
	}
	if got := h.machine.Current(); got != runstate.Live {
		t.Fatalf("got state %q, want %q", got, runstate.Live)
	}

	h.client.SetConnected(false)
	if evt := waitEvent(t, events); evt.Kind != "net.offline" {
		t.Fatalf("got %q, want net.offline", evt.Kind)
	}
	if got := h.machine.Current(); got != runstate.Offline {
		t.Fatalf("got state %q, want %q", got, runstate.Offline)
	}

	h.client.SetConnected(true)
	if evt := waitEvent(t, events); evt.Kind != "net.online" {
		t.Fatalf("got %q, want net.online", evt.Kind)
	}
	if got := h.machine.Current(); got != runstate.Live {
		t.Fatalf("got state %q, want %q", got, runstate.Live)
	}
}

func TestMarkChatReadAcknowledgesAndResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chatID := model.DirectChatID("alice", "bob")
	now := h.clock.Now().UnixMilli()

	h.seedRemoteUser(t, "alice", "Alice")
	h.seedRemoteUser(t, "bob", "Bob")
	h.seedRemoteChat(t, chatID, model.ChatDirect, "alice", "bob")
	if err := h.eng.StartRealtime(ctx, "alice"); err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	h.seedRemoteMessage(t, chatID, "m1", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "one", SentAt: now - 2000})
	h.seedRemoteMessage(t, chatID, "m2", remote.MessageDoc{SenderID: "bob", Kind: "text", Body: "two", SentAt: now - 1000})
	if got := unreadFor(t, h.db, chatID, "alice"); got != 2 {
		t.Fatalf("got %d unread, want 2", got)
	}

	if err := h.eng.MarkChatRead(ctx, chatID, "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := unreadFor(t, h.db, chatID, "alice"); got != 0 {
		t.Fatalf("got %d unread after read, want 0", got)
	}
	for _, rid := range []string{"m1", "m2"} {
		ok, err := h.db.HasAck(chatID, rid, "alice", model.AckRead)
		if err != nil || !ok {
			t.Fatalf("local read ack missing for %s: %v, %v", rid, ok, err)
		}
	}

	h.clock.Advance(remote.DefaultCoalesceDelay)
	require.Eventually(t, func() bool {
		for _, rid := range []string{"m1", "m2"} {
			d := h.remoteMessageDoc(t, chatID, rid)
			if _, ok := d.ReadBy["alice"]; !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// Everything is acknowledged; a second pass writes nothing.
	opsBefore := len(h.client.Ops())
	if err := h.eng.MarkChatRead(ctx, chatID, "alice"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	h.clock.Advance(remote.DefaultCoalesceDelay)
	time.Sleep(50 * time.Millisecond)
	if got := len(h.client.Ops()); got != opsBefore {
		t.Fatalf("idempotent read issued %d remote writes", got-opsBefore)
	}
}
