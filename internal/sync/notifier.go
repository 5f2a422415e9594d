package sync

import "github.com/matheus3301/chirp/internal/model"

// Notifier is the collaborator told about newly arrived foreign messages.
// It is invoked for every new incoming message; deciding whether to stay
// quiet (focused chat, muted session) is the implementation's business.
type Notifier interface {
	MessageReceived(m *model.Message)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) MessageReceived(*model.Message) {}
