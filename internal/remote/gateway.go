package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/chirp/internal/model"
)

// AckSource reports whether an acknowledgement is already recorded in the
// local mirror. The gateway consults it before queueing delivery/read
// patches so re-acks produce zero remote writes.
type AckSource interface {
	HasAck(chatID, remoteID, userID, kind string) (bool, error)
}

// Gateway exposes typed operations over the raw remote client. Bursty
// acknowledgement updates go through the write coalescer; everything else
// writes directly.
type Gateway struct {
	client Client
	co     *Coalescer
	acks   AckSource
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewGateway creates a gateway. coalesceDelay <= 0 selects the default
// debounce window.
func NewGateway(client Client, acks AckSource, clock clockwork.Clock, coalesceDelay time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		client: client,
		co:     NewCoalescer(client, clock, coalesceDelay, logger),
		acks:   acks,
		clock:  clock,
		logger: logger,
	}
}

// Close flushes and stops the write coalescer.
func (g *Gateway) Close() {
	g.co.Close()
}

// FetchUser returns a user profile, or nil if none exists.
func (g *Gateway) FetchUser(ctx context.Context, userID string) (*model.User, error) {
	snap, err := g.client.Fetch(ctx, UserPath(userID))
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch user %s: %w", userID, err)
	}
	var d UserDoc
	if err := snap.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return d.Model(userID), nil
}

// SaveUser writes the full user profile.
func (g *Gateway) SaveUser(ctx context.Context, u *model.User) error {
	return g.client.Write(ctx, UserPath(u.ID), UserDocFrom(u))
}

// UpdateProfile patches the editable profile fields of a user.
func (g *Gateway) UpdateProfile(ctx context.Context, u *model.User) error {
	return g.client.Patch(ctx, UserPath(u.ID), map[string]any{
		"displayName":       u.DisplayName,
		"preferredLanguage": u.PreferredLanguage,
		"autoTranslate":     u.AutoTranslate,
	})
}

// SetPushToken patches the push-delivery token of a user.
func (g *Gateway) SetPushToken(ctx context.Context, userID, token string) error {
	return g.client.Patch(ctx, UserPath(userID), map[string]any{
		"pushToken": token,
	})
}

// FetchChat returns a chat with its membership, or nil if none exists.
func (g *Gateway) FetchChat(ctx context.Context, chatID string) (*model.Chat, error) {
	snap, err := g.client.Fetch(ctx, ChatPath(chatID))
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}
	var d ChatDoc
	if err := snap.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	return d.Model(chatID), nil
}

// FetchChatIDs returns the ids of the chats the user participates in,
// sorted, from the membership index.
func (g *Gateway) FetchChatIDs(ctx context.Context, userID string) ([]string, error) {
	snap, err := g.client.Fetch(ctx, UserChatsPath(userID))
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch chat ids for %s: %w", userID, err)
	}
	var index map[string]bool
	if err := snap.Decode(&index); err != nil {
		return nil, fmt.Errorf("decode chat index for %s: %w", userID, err)
	}
	return sortedBoolKeys(index), nil
}

// FetchRecentMessages returns up to limit newest messages of a chat in
// ascending timestamp order.
func (g *Gateway) FetchRecentMessages(ctx context.Context, chatID string, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	snap, err := g.client.Fetch(ctx, ChatMessagesPath(chatID))
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch messages for %s: %w", chatID, err)
	}
	var docs map[string]MessageDoc
	if err := snap.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", chatID, err)
	}
	msgs := make([]*model.Message, 0, len(docs))
	for remoteID, d := range docs {
		msgs = append(msgs, d.Model(chatID, remoteID))
	}
	sortMessages(msgs)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SendMessage writes a message to the remote store and refreshes the chat's
// denormalized summary. Returns the assigned remote id.
func (g *Gateway) SendMessage(ctx context.Context, m *model.Message) (string, error) {
	remoteID := g.client.GenerateID(ChatMessagesPath(m.ChatID))
	if err := g.client.Write(ctx, MessagePath(m.ChatID, remoteID), MessageDocFrom(m)); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	summary := LastMessageDoc{Body: m.Body, SenderID: m.SenderID, Kind: string(m.Kind), SentAt: m.SentAt}
	if err := g.client.Patch(ctx, ChatPath(m.ChatID), map[string]any{"lastMessage": summary}); err != nil {
		// The message is out; a stale summary heals on the next send.
		g.logger.Warn("chat summary update failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}
	return remoteID, nil
}

// EnsureDirectChat finds or creates the one-to-one chat between two users.
// The id is deterministic in the participant pair, so concurrent creators
// converge on the same record instead of racing a lookup.
func (g *Gateway) EnsureDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	chatID := model.DirectChatID(a, b)
	existing, err := g.FetchChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	chat := &model.Chat{
		ID:        chatID,
		Kind:      model.ChatDirect,
		CreatedAt: g.clock.Now().UnixMilli(),
		Participants: []model.Participant{
			{UserID: a}, {UserID: b},
		},
	}
	if err := g.writeChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// CreateGroupChat creates a named group chat with the given members.
func (g *Gateway) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (*model.Chat, error) {
	chat := &model.Chat{
		ID:        g.client.GenerateID("chats"),
		Kind:      model.ChatGroup,
		Name:      name,
		CreatedAt: g.clock.Now().UnixMilli(),
	}
	for _, id := range memberIDs {
		chat.Participants = append(chat.Participants, model.Participant{UserID: id})
	}
	if err := g.writeChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func (g *Gateway) writeChat(ctx context.Context, chat *model.Chat) error {
	if err := g.client.Write(ctx, ChatPath(chat.ID), ChatDocFrom(chat)); err != nil {
		return fmt.Errorf("write chat: %w", err)
	}
	for _, p := range chat.Participants {
		if err := g.client.Patch(ctx, UserChatsPath(p.UserID), map[string]any{chat.ID: true}); err != nil {
			return fmt.Errorf("index chat for %s: %w", p.UserID, err)
		}
	}
	return nil
}

// MarkDelivered queues a delivery acknowledgement for a message. A user
// already present in the delivered set produces no remote write at all.
func (g *Gateway) MarkDelivered(ctx context.Context, chatID, remoteID, userID string) error {
	return g.mark(ctx, chatID, remoteID, userID, model.AckDelivered, "deliveredTo")
}

// MarkRead queues a read acknowledgement for a message, with the same
// idempotence guarantee as MarkDelivered.
func (g *Gateway) MarkRead(ctx context.Context, chatID, remoteID, userID string) error {
	return g.mark(ctx, chatID, remoteID, userID, model.AckRead, "readBy")
}

func (g *Gateway) mark(_ context.Context, chatID, remoteID, userID, kind, field string) error {
	has, err := g.acks.HasAck(chatID, remoteID, userID, kind)
	if err != nil {
		return fmt.Errorf("ack lookup: %w", err)
	}
	if has {
		return nil
	}
	g.co.Add(MessagePath(chatID, remoteID), map[string]any{
		field + "/" + userID: g.clock.Now().UnixMilli(),
	})
	return nil
}

// SetPresence writes the user's presence record.
func (g *Gateway) SetPresence(ctx context.Context, userID string, online bool) error {
	return g.client.Write(ctx, PresencePath(userID), PresenceDoc{
		Online:     online,
		LastSeenAt: g.clock.Now().UnixMilli(),
	})
}

// RegisterPresenceCleanup arranges for the presence record to be removed
// when the connection drops.
func (g *Gateway) RegisterPresenceCleanup(userID string) error {
	return g.client.RegisterDisconnectCleanup(PresencePath(userID), nil)
}

// SetTyping writes or clears the user's typing indicator in a chat.
func (g *Gateway) SetTyping(ctx context.Context, chatID, userID string, active bool) error {
	path := TypingPath(chatID, userID)
	if !active {
		return g.client.Write(ctx, path, nil)
	}
	return g.client.Write(ctx, path, TypingDoc{
		Active: true,
		At:     g.clock.Now().UnixMilli(),
	})
}

// RegisterTypingCleanup arranges for the typing indicator to be removed
// when the connection drops.
func (g *Gateway) RegisterTypingCleanup(chatID, userID string) error {
	return g.client.RegisterDisconnectCleanup(TypingPath(chatID, userID), nil)
}

// SubscribeChatList opens a value subscription on the user's membership
// index. Each emission carries the full sorted chat id set.
func (g *Gateway) SubscribeChatList(userID string, fn func(chatIDs []string)) (Handle, error) {
	return g.client.SubscribeValue(UserChatsPath(userID), func(snap Snapshot) {
		if snap.Data == nil {
			fn(nil)
			return
		}
		var index map[string]bool
		if err := snap.Decode(&index); err != nil {
			g.logger.Warn("bad chat index emission", zap.String("user_id", userID), zap.Error(err))
			return
		}
		fn(sortedBoolKeys(index))
	})
}

// SubscribeChatMessages opens added and changed subscriptions on a chat's
// message collection, decoded to domain messages. One handle closes both.
func (g *Gateway) SubscribeChatMessages(chatID string, onAdded, onChanged func(*model.Message)) (Handle, error) {
	decode := func(fn func(*model.Message)) EventFunc {
		return func(snap Snapshot) {
			var d MessageDoc
			if err := snap.Decode(&d); err != nil {
				g.logger.Warn("bad message emission", zap.String("path", snap.Path), zap.Error(err))
				return
			}
			fn(d.Model(chatID, snap.Key()))
		}
	}
	added, err := g.client.SubscribeAdded(ChatMessagesPath(chatID), decode(onAdded))
	if err != nil {
		return nil, fmt.Errorf("subscribe added %s: %w", chatID, err)
	}
	changed, err := g.client.SubscribeChanged(ChatMessagesPath(chatID), decode(onChanged))
	if err != nil {
		added.Close()
		return nil, fmt.Errorf("subscribe changed %s: %w", chatID, err)
	}
	return multiHandle{added, changed}, nil
}

// SubscribePresence opens a value subscription on one user's presence
// record. A removed record reports offline.
func (g *Gateway) SubscribePresence(userID string, fn func(*model.Presence)) (Handle, error) {
	return g.client.SubscribeValue(PresencePath(userID), func(snap Snapshot) {
		p := &model.Presence{UserID: userID}
		if snap.Data != nil {
			var d PresenceDoc
			if err := snap.Decode(&d); err != nil {
				g.logger.Warn("bad presence emission", zap.String("user_id", userID), zap.Error(err))
				return
			}
			p.Online = d.Online
			p.LastSeenAt = d.LastSeenAt
		}
		fn(p)
	})
}

// SubscribeTyping opens a value subscription on one user's typing record
// in a chat. A removed record reports inactive.
func (g *Gateway) SubscribeTyping(chatID, userID string, fn func(*model.Typing)) (Handle, error) {
	return g.client.SubscribeValue(TypingPath(chatID, userID), func(snap Snapshot) {
		ty := &model.Typing{ChatID: chatID, UserID: userID}
		if snap.Data != nil {
			var d TypingDoc
			if err := snap.Decode(&d); err != nil {
				g.logger.Warn("bad typing emission",
					zap.String("chat_id", chatID),
					zap.String("user_id", userID),
					zap.Error(err))
				return
			}
			ty.Active = d.Active
			ty.At = d.At
		}
		fn(ty)
	})
}

// SubscribeConnectivity reports connection flips to the remote store.
func (g *Gateway) SubscribeConnectivity(fn func(online bool)) (Handle, error) {
	return g.client.SubscribeValue(PathConnected, func(snap Snapshot) {
		var online bool
		if snap.Data != nil {
			if err := snap.Decode(&online); err != nil {
				g.logger.Warn("bad connectivity emission", zap.Error(err))
				return
			}
		}
		fn(online)
	})
}

type multiHandle []Handle

func (h multiHandle) Close() {
	for _, sub := range h {
		sub.Close()
	}
}

func isMissing(err error) bool {
	return errors.Is(err, ErrPathMissing)
}

func sortMessages(msgs []*model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].RemoteID < msgs[j].RemoteID
	})
}
