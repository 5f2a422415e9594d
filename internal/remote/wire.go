package remote

import (
	"sort"

	"github.com/matheus3301/chirp/internal/model"
)

// Wire documents mirror the JSON shapes stored remotely. Acknowledgement
// sets are maps of user id to ack timestamp, membership sets are maps of
// id to true, so individual entries can be patched without rewriting the
// whole document.

// UserDoc is the remote shape of a user profile.
type UserDoc struct {
	DisplayName       string `json:"displayName"`
	Online            bool   `json:"online"`
	LastSeenAt        int64  `json:"lastSeenAt"`
	PushToken         string `json:"pushToken,omitempty"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"`
	AutoTranslate     bool   `json:"autoTranslate,omitempty"`
}

// Model converts the document to the domain type.
func (d UserDoc) Model(id string) *model.User {
	return &model.User{
		ID:                id,
		DisplayName:       d.DisplayName,
		Online:            d.Online,
		LastSeenAt:        d.LastSeenAt,
		PushToken:         d.PushToken,
		PreferredLanguage: d.PreferredLanguage,
		AutoTranslate:     d.AutoTranslate,
	}
}

// UserDocFrom converts the domain type to its remote shape.
func UserDocFrom(u *model.User) UserDoc {
	return UserDoc{
		DisplayName:       u.DisplayName,
		Online:            u.Online,
		LastSeenAt:        u.LastSeenAt,
		PushToken:         u.PushToken,
		PreferredLanguage: u.PreferredLanguage,
		AutoTranslate:     u.AutoTranslate,
	}
}

// LastMessageDoc is the denormalized newest-message summary inside a chat
// document.
type LastMessageDoc struct {
	Body     string `json:"body"`
	SenderID string `json:"senderId"`
	Kind     string `json:"kind"`
	SentAt   int64  `json:"sentAt"`
}

// ChatDoc is the remote shape of a chat.
type ChatDoc struct {
	Kind         string          `json:"kind"`
	Name         string          `json:"name,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	Participants map[string]bool `json:"participants"`
	LastMessage  *LastMessageDoc `json:"lastMessage,omitempty"`
}

// Model converts the document to the domain type. Participants come out in
// sorted order.
func (d ChatDoc) Model(id string) *model.Chat {
	c := &model.Chat{
		ID:        id,
		Kind:      model.ChatKind(d.Kind),
		Name:      d.Name,
		CreatedAt: d.CreatedAt,
	}
	for _, uid := range sortedBoolKeys(d.Participants) {
		c.Participants = append(c.Participants, model.Participant{UserID: uid})
	}
	if d.LastMessage != nil {
		c.LastMessage = &model.LastMessage{
			Body:     d.LastMessage.Body,
			SenderID: d.LastMessage.SenderID,
			Kind:     model.MessageKind(d.LastMessage.Kind),
			SentAt:   d.LastMessage.SentAt,
		}
	}
	return c
}

// ChatDocFrom converts the domain type to its remote shape.
func ChatDocFrom(c *model.Chat) ChatDoc {
	d := ChatDoc{
		Kind:         string(c.Kind),
		Name:         c.Name,
		CreatedAt:    c.CreatedAt,
		Participants: make(map[string]bool, len(c.Participants)),
	}
	for _, p := range c.Participants {
		d.Participants[p.UserID] = true
	}
	if c.LastMessage != nil {
		d.LastMessage = &LastMessageDoc{
			Body:     c.LastMessage.Body,
			SenderID: c.LastMessage.SenderID,
			Kind:     string(c.LastMessage.Kind),
			SentAt:   c.LastMessage.SentAt,
		}
	}
	return d
}

// MessageDoc is the remote shape of a message. The remote id is the
// document key, not a field.
type MessageDoc struct {
	LocalID     string           `json:"localId"`
	ChatID      string           `json:"chatId"`
	SenderID    string           `json:"senderId"`
	Kind        string           `json:"kind"`
	Body        string           `json:"body"`
	SentAt      int64            `json:"sentAt"`
	DeliveredTo map[string]int64 `json:"deliveredTo,omitempty"`
	ReadBy      map[string]int64 `json:"readBy,omitempty"`
}

// Model converts the document to the domain type. A message that exists
// remotely is by definition confirmed.
func (d MessageDoc) Model(chatID, remoteID string) *model.Message {
	return &model.Message{
		LocalID:     d.LocalID,
		RemoteID:    remoteID,
		ChatID:      chatID,
		SenderID:    d.SenderID,
		Kind:        model.MessageKind(d.Kind),
		Body:        d.Body,
		SentAt:      d.SentAt,
		State:       model.SendConfirmed,
		DeliveredTo: sortedKeys(d.DeliveredTo),
		ReadBy:      sortedKeys(d.ReadBy),
	}
}

// MessageDocFrom converts the domain type to its remote shape. The
// acknowledgement sets are not carried over: they are owned by the remote
// store and grown only through patches.
func MessageDocFrom(m *model.Message) MessageDoc {
	return MessageDoc{
		LocalID:  m.LocalID,
		ChatID:   m.ChatID,
		SenderID: m.SenderID,
		Kind:     string(m.Kind),
		Body:     m.Body,
		SentAt:   m.SentAt,
	}
}

// AckTimes returns the ack timestamp maps of the document, keyed by the
// local ack kinds.
func (d MessageDoc) AckTimes() map[string]map[string]int64 {
	return map[string]map[string]int64{
		model.AckDelivered: d.DeliveredTo,
		model.AckRead:      d.ReadBy,
	}
}

// PresenceDoc is the remote shape of a presence record.
type PresenceDoc struct {
	Online     bool  `json:"online"`
	LastSeenAt int64 `json:"lastSeenAt"`
}

// TypingDoc is the remote shape of a typing indicator.
type TypingDoc struct {
	Active bool  `json:"active"`
	At     int64 `json:"at"`
}

func sortedKeys(m map[string]int64) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBoolKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
