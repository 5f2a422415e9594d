// Package model holds the domain types shared by the store, the remote
// gateway and the sync engine.
package model

import "sort"

// ChatKind discriminates one-to-one chats from group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// MessageKind is the payload type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
)

// SendState is the persisted outbox marker of a message. It tracks whether
// the write reached the remote store; viewer-facing status is derived, not
// read from this field.
type SendState string

const (
	SendPending   SendState = "sending"
	SendConfirmed SendState = "sent"
)

// Ack kinds recorded in the local acknowledgement table.
const (
	AckDelivered = "delivered"
	AckRead      = "read"
)

// User mirrors a remote user record. The remote copy is authoritative; the
// local row is refreshed by sync events.
type User struct {
	ID                string
	DisplayName       string
	Online            bool
	LastSeenAt        int64
	PushToken         string
	PreferredLanguage string
	AutoTranslate     bool
}

// Participant is a chat member together with the locally tracked unread
// counter for that member.
type Participant struct {
	UserID      string
	UnreadCount int
}

// LastMessage is the denormalized summary of the newest message in a chat.
type LastMessage struct {
	Body     string
	SenderID string
	Kind     MessageKind
	SentAt   int64
}

// Chat is a conversation. A direct chat has exactly two distinct
// participants and a deterministic id (see DirectChatID).
type Chat struct {
	ID           string
	Kind         ChatKind
	Name         string
	CreatedAt    int64
	LastMessage  *LastMessage
	Participants []Participant
}

// ParticipantIDs returns the member user ids in stable (sorted) order.
func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	sort.Strings(ids)
	return ids
}

// Message is a chat message. RemoteID stays empty until the remote store
// acknowledges the write; that emptiness is the queued/unconfirmed marker.
// LocalID is client-generated and stable across the pending-to-confirmed
// handoff. DeliveredTo and ReadBy grow monotonically and are the only
// mutable parts of a confirmed message.
type Message struct {
	LocalID     string
	RemoteID    string
	ChatID      string
	SenderID    string
	Kind        MessageKind
	Body        string
	SentAt      int64 // unix milliseconds
	State       SendState
	DeliveredTo []string
	ReadBy      []string
}

// IsConfirmed reports whether the remote store has acknowledged the message.
func (m *Message) IsConfirmed() bool {
	return m.RemoteID != ""
}

// OutboxEntry is the retry bookkeeping for one unconfirmed message. It is
// purely local and is deleted on confirmed send or when retries are
// exhausted.
type OutboxEntry struct {
	LocalID       string
	Attempts      int
	LastAttemptAt int64
	NextAttemptAt int64
	CreatedAt     int64
}

// Presence is a user's ephemeral online record.
type Presence struct {
	UserID     string
	Online     bool
	LastSeenAt int64
}

// Typing is an ephemeral typing indicator keyed by (chat, user).
type Typing struct {
	ChatID string
	UserID string
	Active bool
	At     int64
}

// DirectChatID derives the deterministic id of a one-to-one chat from its
// unordered participant pair, so two clients creating the same conversation
// concurrently converge on the same remote path.
func DirectChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}
