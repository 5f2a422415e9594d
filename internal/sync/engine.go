package sync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chirp/internal/bus"
	"github.com/matheus3301/chirp/internal/model"
	"github.com/matheus3301/chirp/internal/remote"
	"github.com/matheus3301/chirp/internal/runstate"
	"github.com/matheus3301/chirp/internal/store"
)

const (
	DefaultSyncWorkers   = 4
	DefaultBackfillLimit = 50
	DefaultDedupCache    = 1024

	// Tolerance window of the content+timestamp duplicate match. The
	// fuzziness is load-bearing; see store.FindEchoCandidate.
	echoToleranceMs = 5000
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	SyncWorkers    int // concurrent per-chat workers during initial sync
	BackfillLimit  int // newest messages fetched per chat
	DedupCacheSize int // recently mirrored remote ids
}

// SyncStatus is a snapshot of the realtime subscription topology.
type SyncStatus struct {
	ChatListActive        bool
	MessageSubscriptions  int
	PresenceSubscriptions int
	TypingSubscriptions   int
}

// Engine keeps the local store consistent with the remote one: a one-time
// catch-up pass on session start, then long-lived subscriptions that mirror
// incremental changes. One engine serves one session.
type Engine struct {
	db       *store.DB
	gw       *remote.Gateway
	bus      *bus.Bus
	machine  *runstate.Machine
	notifier Notifier
	clock    clockwork.Clock
	logger   *zap.Logger

	workers  int
	backfill int

	mu       gosync.Mutex
	gen      int // bumped by StopRealtime to fence in-flight subscription setup
	userID   string
	chatList remote.Handle
	connSub  remote.Handle
	msgSubs  map[string]remote.Handle
	presSubs map[string]remote.Handle
	typSubs  map[string]remote.Handle // keyed chatID + "/" + userID
	seen     *lru.Cache[string, struct{}]
}

// NewEngine creates a sync engine. The machine may be nil; connectivity
// flips then only produce bus events.
func NewEngine(db *store.DB, gw *remote.Gateway, b *bus.Bus, machine *runstate.Machine, notifier Notifier, clock clockwork.Clock, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.SyncWorkers <= 0 {
		cfg.SyncWorkers = DefaultSyncWorkers
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = DefaultBackfillLimit
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCache
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Engine{
		db:       db,
		gw:       gw,
		bus:      b,
		machine:  machine,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		workers:  cfg.SyncWorkers,
		backfill: cfg.BackfillLimit,
		msgSubs:  make(map[string]remote.Handle),
		presSubs: make(map[string]remote.Handle),
		typSubs:  make(map[string]remote.Handle),
		seen:     seen,
	}, nil
}

// InitialSync performs the one-time catch-up pass: the user's own profile,
// the chat id set, then per chat its participants, the chat record and the
// newest messages, in that order so references always resolve. Per-chat
// failures are logged and skipped; one bad chat does not abort the pass.
func (e *Engine) InitialSync(ctx context.Context, userID string) error {
	start := e.clock.Now()

	if err := e.backfillUser(ctx, userID); err != nil {
		return fmt.Errorf("sync own profile: %w", err)
	}
	chatIDs, err := e.gw.FetchChatIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch chat list: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, chatID := range chatIDs {
		g.Go(func() error {
			if err := e.syncChat(ctx, chatID, true); err != nil {
				e.logger.Error("chat sync failed", zap.String("chat_id", chatID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	completedAt := e.clock.Now().UnixMilli()
	if err := e.db.SetCheckpoint("initial_sync_completed_at", strconv.FormatInt(completedAt, 10)); err != nil {
		e.logger.Warn("checkpoint write failed", zap.Error(err))
	}
	e.logger.Info("initial sync complete",
		zap.Int("chats", len(chatIDs)),
		zap.Duration("took", e.clock.Since(start)))
	e.publish("sync.initial_completed", map[string]string{
		"chats": strconv.Itoa(len(chatIDs)),
	})
	return nil
}

// StartRealtime opens the long-lived subscriptions: connectivity, the chat
// list, and per chat the message and participant presence feeds. Calling it
// while already live is a no-op.
func (e *Engine) StartRealtime(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.chatList != nil {
		e.mu.Unlock()
		return nil
	}
	e.userID = userID
	gen := e.gen
	e.mu.Unlock()

	connSub, err := e.gw.SubscribeConnectivity(func(online bool) {
		e.handleConnectivity(online)
	})
	if err != nil {
		return fmt.Errorf("subscribe connectivity: %w", err)
	}
	chatList, err := e.gw.SubscribeChatList(userID, func(chatIDs []string) {
		e.handleChatList(ctx, chatIDs)
	})
	if err != nil {
		connSub.Close()
		return fmt.Errorf("subscribe chat list: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		// StopRealtime won the race; do not resurrect the session.
		e.mu.Unlock()
		connSub.Close()
		chatList.Close()
		return nil
	}
	e.connSub = connSub
	e.chatList = chatList
	e.mu.Unlock()
	return nil
}

// StopRealtime closes every subscription. When it returns no further
// mirror writes happen. Idempotent.
func (e *Engine) StopRealtime() {
	e.mu.Lock()
	e.gen++
	chatList, connSub := e.chatList, e.connSub
	e.chatList, e.connSub = nil, nil
	msgSubs, presSubs, typSubs := e.msgSubs, e.presSubs, e.typSubs
	e.msgSubs = make(map[string]remote.Handle)
	e.presSubs = make(map[string]remote.Handle)
	e.typSubs = make(map[string]remote.Handle)
	e.userID = ""
	e.seen.Purge()
	e.mu.Unlock()

	// Closing outside the lock: Close waits for in-flight deliveries, and
	// those may be waiting on the lock.
	if chatList != nil {
		chatList.Close()
	}
	if connSub != nil {
		connSub.Close()
	}
	for _, h := range msgSubs {
		h.Close()
	}
	for _, h := range presSubs {
		h.Close()
	}
	for _, h := range typSubs {
		h.Close()
	}
}

// Status reports the current subscription topology.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		ChatListActive:        e.chatList != nil,
		MessageSubscriptions:  len(e.msgSubs),
		PresenceSubscriptions: len(e.presSubs),
		TypingSubscriptions:   len(e.typSubs),
	}
}

// MarkChatRead acknowledges every unread message in a chat for the given
// user and resets the local unread counter. Messages already acknowledged
// produce no remote writes.
func (e *Engine) MarkChatRead(ctx context.Context, chatID, userID string) error {
	msgs, err := e.db.UnreadMessages(chatID, userID)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	now := e.clock.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		if err := e.gw.MarkRead(ctx, chatID, m.RemoteID, userID); err != nil {
			return fmt.Errorf("queue read ack for %s: %w", m.RemoteID, err)
		}
		if err := e.db.AddAck(m.LocalID, userID, model.AckRead, now); err != nil {
			return fmt.Errorf("record read ack: %w", err)
		}
	}
	if err := e.db.ResetUnread(chatID, userID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	e.publish("chat.read", map[string]string{
		"chat_id": chatID,
		"count":   strconv.Itoa(len(msgs)),
	})
	return nil
}

func (e *Engine) handleConnectivity(online bool) {
	if online {
		e.logger.Info("remote connection up")
		e.publish("net.online", nil)
		e.transition(runstate.Offline, runstate.Live)
		return
	}
	e.logger.Warn("remote connection lost")
	e.publish("net.offline", nil)
	e.transition(runstate.Live, runstate.Offline)
}

func (e *Engine) transition(from, to runstate.State) {
	if e.machine == nil || e.machine.Current() != from {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Warn("state transition rejected", zap.Error(err))
	}
}

// handleChatList reacts to a chat-list emission: it refreshes each chat's
// local mirror, opens missing subscriptions and closes the ones whose chat
// left the list.
func (e *Engine) handleChatList(ctx context.Context, chatIDs []string) {
	e.mu.Lock()
	gen := e.gen
	self := e.userID
	e.mu.Unlock()

	current := make(map[string]bool, len(chatIDs))
	for _, chatID := range chatIDs {
		current[chatID] = true
		chat, err := e.syncChatRecord(ctx, chatID)
		if err != nil {
			e.logger.Error("chat refresh failed", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		e.ensureMessageSub(ctx, chatID, gen)
		for _, uid := range chat.ParticipantIDs() {
			if uid != self {
				e.ensurePresenceSub(uid, gen)
				e.ensureTypingSub(chatID, uid, gen)
			}
		}
	}

	// Chats that vanished from the list no longer need a feed.
	e.mu.Lock()
	var stale []remote.Handle
	for chatID, h := range e.msgSubs {
		if !current[chatID] {
			stale = append(stale, h)
			delete(e.msgSubs, chatID)
		}
	}
	for key, h := range e.typSubs {
		if !current[chatOfTypingKey(key)] {
			stale = append(stale, h)
			delete(e.typSubs, key)
		}
	}
	e.mu.Unlock()
	for _, h := range stale {
		h.Close()
	}
}

// syncChat mirrors one chat: member profiles, the chat record with its
// participant set, and optionally the newest messages.
func (e *Engine) syncChat(ctx context.Context, chatID string, withMessages bool) error {
	chat, err := e.syncChatRecord(ctx, chatID)
	if err != nil {
		return err
	}
	if !withMessages {
		return nil
	}
	msgs, err := e.gw.FetchRecentMessages(ctx, chatID, e.backfill)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	for _, m := range msgs {
		if _, _, err := e.mirrorMessage(ctx, m); err != nil {
			e.logger.Error("mirror message failed",
				zap.String("chat_id", chatID),
				zap.String("remote_id", m.RemoteID),
				zap.Error(err))
		}
	}
	e.publish("chat.updated", map[string]string{"chat_id": chat.ID})
	return nil
}

// syncChatRecord mirrors the chat row and its membership, member profiles
// first so the participant rows always resolve.
func (e *Engine) syncChatRecord(ctx context.Context, chatID string) (*model.Chat, error) {
	chat, err := e.gw.FetchChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch chat: %w", err)
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %s missing remotely", chatID)
	}
	for _, uid := range chat.ParticipantIDs() {
		if err := e.ensureUser(ctx, uid); err != nil {
			return nil, err
		}
	}
	if err := e.db.UpsertChat(chat); err != nil {
		return nil, fmt.Errorf("upsert chat: %w", err)
	}
	if err := e.db.ReplaceParticipants(chatID, chat.ParticipantIDs()); err != nil {
		return nil, fmt.Errorf("replace participants: %w", err)
	}
	return chat, nil
}

// ensureUser makes sure a user row exists locally, fetching the profile on
// a gap. A profile missing remotely still gets a bare row so references
// resolve.
func (e *Engine) ensureUser(ctx context.Context, userID string) error {
	u, err := e.db.GetUser(userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if u != nil {
		return nil
	}
	return e.backfillUser(ctx, userID)
}

func (e *Engine) backfillUser(ctx context.Context, userID string) error {
	u, err := e.gw.FetchUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if u == nil {
		u = &model.User{ID: userID}
	}
	if err := e.db.UpsertUser(u); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (e *Engine) ensureMessageSub(ctx context.Context, chatID string, gen int) {
	e.mu.Lock()
	if e.gen != gen || e.msgSubs[chatID] != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	h, err := e.gw.SubscribeChatMessages(chatID,
		func(m *model.Message) { e.handleMessageAdded(ctx, m) },
		func(m *model.Message) { e.handleMessageChanged(ctx, m) },
	)
	if err != nil {
		e.logger.Error("subscribe messages failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.msgSubs[chatID] != nil {
		e.mu.Unlock()
		h.Close()
		return
	}
	e.msgSubs[chatID] = h
	e.mu.Unlock()
}

func (e *Engine) ensurePresenceSub(userID string, gen int) {
	e.mu.Lock()
	if e.gen != gen || e.presSubs[userID] != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	h, err := e.gw.SubscribePresence(userID, func(p *model.Presence) {
		e.handlePresence(p)
	})
	if err != nil {
		e.logger.Error("subscribe presence failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.presSubs[userID] != nil {
		e.mu.Unlock()
		h.Close()
		return
	}
	e.presSubs[userID] = h
	e.mu.Unlock()
}

func (e *Engine) ensureTypingSub(chatID, userID string, gen int) {
	key := chatID + "/" + userID
	e.mu.Lock()
	if e.gen != gen || e.typSubs[key] != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	h, err := e.gw.SubscribeTyping(chatID, userID, func(t *model.Typing) {
		e.handleTyping(t)
	})
	if err != nil {
		e.logger.Error("subscribe typing failed",
			zap.String("chat_id", chatID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.typSubs[key] != nil {
		e.mu.Unlock()
		h.Close()
		return
	}
	e.typSubs[key] = h
	e.mu.Unlock()
}

func chatOfTypingKey(key string) string {
	chatID, _, _ := strings.Cut(key, "/")
	return chatID
}

// handleMessageAdded mirrors a message arriving on the added feed. New
// foreign messages bump the unread counter, get a delivery ack queued and
// reach the notifier; everything else is a duplicate via one of the three
// match keys and only refreshes acknowledgement state.
func (e *Engine) handleMessageAdded(ctx context.Context, m *model.Message) {
	key := m.ChatID + "/" + m.RemoteID
	if e.seen.Contains(key) {
		return
	}

	localID, isNew, err := e.mirrorMessage(ctx, m)
	if err != nil {
		e.logger.Error("mirror message failed",
			zap.String("chat_id", m.ChatID),
			zap.String("remote_id", m.RemoteID),
			zap.Error(err))
		return
	}
	e.seen.Add(key, struct{}{})

	if err := e.db.SetLastMessage(m.ChatID, &model.LastMessage{
		Body:     m.Body,
		SenderID: m.SenderID,
		Kind:     m.Kind,
		SentAt:   m.SentAt,
	}); err != nil {
		e.logger.Warn("chat summary update failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}

	e.mu.Lock()
	self := e.userID
	e.mu.Unlock()

	if isNew && m.SenderID != self && self != "" {
		if err := e.db.IncrementUnread(m.ChatID, self); err != nil {
			e.logger.Warn("unread bump failed", zap.String("chat_id", m.ChatID), zap.Error(err))
		}
		if err := e.gw.MarkDelivered(ctx, m.ChatID, m.RemoteID, self); err != nil {
			e.logger.Warn("delivery ack failed", zap.String("remote_id", m.RemoteID), zap.Error(err))
		} else if err := e.db.AddAck(localID, self, model.AckDelivered, e.clock.Now().UnixMilli()); err != nil {
			e.logger.Warn("record delivery ack failed", zap.String("remote_id", m.RemoteID), zap.Error(err))
		}
		e.notifier.MessageReceived(m)
	}

	e.publish("message.upserted", map[string]string{
		"chat_id":   m.ChatID,
		"local_id":  localID,
		"remote_id": m.RemoteID,
	})
}

// handleMessageChanged absorbs acknowledgement growth on a mirrored
// message. A change for a message never seen is routed through the added
// path; subscription replay makes that window real.
func (e *Engine) handleMessageChanged(ctx context.Context, m *model.Message) {
	existing, err := e.db.GetMessageByRemoteID(m.ChatID, m.RemoteID)
	if err != nil {
		e.logger.Error("lookup changed message", zap.String("remote_id", m.RemoteID), zap.Error(err))
		return
	}
	if existing == nil {
		e.handleMessageAdded(ctx, m)
		return
	}
	if err := e.applyAcks(existing.LocalID, m); err != nil {
		e.logger.Error("apply acks", zap.String("remote_id", m.RemoteID), zap.Error(err))
		return
	}
	e.publish("message.upserted", map[string]string{
		"chat_id":   m.ChatID,
		"local_id":  existing.LocalID,
		"remote_id": m.RemoteID,
	})
}

func (e *Engine) handlePresence(p *model.Presence) {
	if err := e.db.SetUserOnline(p.UserID, p.Online, p.LastSeenAt); err != nil {
		e.logger.Warn("presence mirror failed", zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	e.publish("presence.updated", map[string]string{
		"user_id": p.UserID,
		"online":  strconv.FormatBool(p.Online),
	})
}

// handleTyping fans a typing flip out on the bus. Typing state is never
// written to the store; it only exists while a subscription carries it.
func (e *Engine) handleTyping(t *model.Typing) {
	e.publish("typing.updated", map[string]string{
		"chat_id": t.ChatID,
		"user_id": t.UserID,
		"active":  strconv.FormatBool(t.Active),
	})
}

// mirrorMessage writes a remote message into the local store exactly once.
// The duplicate match runs remote id first, then the embedded local id,
// then content+timestamp within the tolerance window; a hit on either of
// the latter two confirms the local pending copy instead of inserting.
func (e *Engine) mirrorMessage(ctx context.Context, m *model.Message) (localID string, isNew bool, err error) {
	existing, err := e.db.GetMessageByRemoteID(m.ChatID, m.RemoteID)
	if err != nil {
		return "", false, fmt.Errorf("lookup by remote id: %w", err)
	}
	if existing != nil {
		return existing.LocalID, false, e.applyAcks(existing.LocalID, m)
	}

	if m.LocalID != "" {
		own, err := e.db.GetMessage(m.LocalID)
		if err != nil {
			return "", false, fmt.Errorf("lookup by local id: %w", err)
		}
		if own != nil {
			if own.IsConfirmed() && own.RemoteID != m.RemoteID {
				// Same local id, different message. Another client reused
				// the id; mint a fresh one below.
				m.LocalID = ""
			} else {
				return own.LocalID, false, e.confirmEcho(own.LocalID, m)
			}
		}
	}

	cand, err := e.db.FindEchoCandidate(m.ChatID, m.SenderID, m.Body, m.SentAt, echoToleranceMs)
	if err != nil {
		return "", false, fmt.Errorf("echo lookup: %w", err)
	}
	if cand != nil {
		if cand.IsConfirmed() {
			// Duplicate content within the window; leave the mirrored copy
			// alone.
			return cand.LocalID, false, nil
		}
		return cand.LocalID, false, e.confirmEcho(cand.LocalID, m)
	}

	if err := e.ensureRefs(ctx, m); err != nil {
		return "", false, err
	}
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if err := e.db.UpsertMessage(m); err != nil {
		return "", false, fmt.Errorf("upsert message: %w", err)
	}
	return m.LocalID, true, e.applyAcks(m.LocalID, m)
}

// confirmEcho marks a pending local copy as confirmed by its subscription
// echo and drops the now pointless retry bookkeeping.
func (e *Engine) confirmEcho(localID string, m *model.Message) error {
	if err := e.db.ConfirmMessage(localID, m.RemoteID); err != nil {
		return fmt.Errorf("confirm echo: %w", err)
	}
	if err := e.db.DeleteOutbox(localID); err != nil {
		e.logger.Warn("clear bookkeeping failed", zap.String("local_id", localID), zap.Error(err))
	}
	return e.applyAcks(localID, m)
}

// ensureRefs backfills the chat and sender a message points at, so the
// mirror write never trips over a reference gap. Gaps are real: a message
// event can outrun the chat-list emission that introduces its chat.
func (e *Engine) ensureRefs(ctx context.Context, m *model.Message) error {
	if err := e.ensureUser(ctx, m.SenderID); err != nil {
		return err
	}
	chat, err := e.db.GetChat(m.ChatID)
	if err != nil {
		return fmt.Errorf("get chat: %w", err)
	}
	if chat == nil {
		if _, err := e.syncChatRecord(ctx, m.ChatID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyAcks(localID string, m *model.Message) error {
	now := e.clock.Now().UnixMilli()
	for _, uid := range m.DeliveredTo {
		if err := e.db.AddAck(localID, uid, model.AckDelivered, now); err != nil {
			return fmt.Errorf("record delivery ack: %w", err)
		}
	}
	for _, uid := range m.ReadBy {
		if err := e.db.AddAck(localID, uid, model.AckRead, now); err != nil {
			return fmt.Errorf("record read ack: %w", err)
		}
	}
	return nil
}

func (e *Engine) publish(kind string, payload map[string]string) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: e.clock.Now(), Payload: payload})
}
