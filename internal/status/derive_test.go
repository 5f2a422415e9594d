package status

import (
	"testing"

	"github.com/matheus3301/chirp/internal/model"
)

func msg(remoteID string, deliveredTo, readBy []string) *model.Message {
	return &model.Message{
		LocalID:     "local-1",
		RemoteID:    remoteID,
		ChatID:      "chat-1",
		SenderID:    "u1",
		Kind:        model.MessageText,
		Body:        "hello",
		SentAt:      1000,
		DeliveredTo: deliveredTo,
		ReadBy:      readBy,
	}
}

func TestSenderSendingIffUnconfirmed(t *testing.T) {
	if got := Compute(msg("", nil, nil), "u1"); got != Sending {
		t.Errorf("empty remote id: status = %s, want sending", got)
	}
	if got := Compute(msg("m1", nil, nil), "u1"); got == Sending {
		t.Error("confirmed message must never be sending")
	}
}

func TestSenderSentWithoutAcks(t *testing.T) {
	if got := Compute(msg("m1", nil, nil), "u1"); got != Sent {
		t.Errorf("status = %s, want sent", got)
	}
}

func TestSenderDelivered(t *testing.T) {
	if got := Compute(msg("m1", []string{"u2"}, nil), "u1"); got != Delivered {
		t.Errorf("status = %s, want delivered", got)
	}
}

// A non-empty ReadBy wins regardless of DeliveredTo contents. Some backends
// record a read ack without ever recording the delivery ack; the derivation
// must treat read as implying delivered rather than demanding both.
func TestReadImpliesDelivered(t *testing.T) {
	tests := []struct {
		name        string
		deliveredTo []string
	}{
		{"read with delivery ack", []string{"u2"}},
		{"read without delivery ack", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := msg("m1", tt.deliveredTo, []string{"u2"})
			if got := Compute(m, "u1"); got != Read {
				t.Errorf("status = %s, want read", got)
			}
		})
	}
}

func TestRecipientAlwaysSent(t *testing.T) {
	// Even when the viewer appears in both acknowledgement sets, a message
	// they received renders as plain "sent": delivered/read describe the
	// sender's view of recipients, not a recipient's view of the message.
	tests := []struct {
		name string
		m    *model.Message
	}{
		{"no acks", msg("m1", nil, nil)},
		{"viewer delivered", msg("m1", []string{"u2"}, nil)},
		{"viewer read", msg("m1", []string{"u2"}, []string{"u2"})},
		{"unconfirmed", msg("", nil, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.m, "u2"); got != Sent {
				t.Errorf("recipient status = %s, want sent", got)
			}
		})
	}
}

func TestNoViewerUsesSenderRules(t *testing.T) {
	if got := Compute(msg("", nil, nil), ""); got != Sending {
		t.Errorf("status = %s, want sending", got)
	}
	if got := Compute(msg("m1", []string{"u2"}, nil), ""); got != Delivered {
		t.Errorf("status = %s, want delivered", got)
	}
	if got := Compute(msg("m1", nil, []string{"u3"}), ""); got != Read {
		t.Errorf("status = %s, want read", got)
	}
}

// One delivery ack in a group chat is enough for "delivered"; the status is
// not proportional to the participant count.
func TestGroupChatSingleAckSufficient(t *testing.T) {
	m := msg("m1", []string{"u2"}, nil)
	// Three non-sender participants exist; only u2 acked.
	if got := Compute(m, "u1"); got != Delivered {
		t.Errorf("status = %s, want delivered after a single ack", got)
	}
}

func TestLifecycleProgression(t *testing.T) {
	m := msg("", nil, nil)
	if got := Compute(m, "u1"); got != Sending {
		t.Fatalf("enqueued: status = %s, want sending", got)
	}

	m.RemoteID = "m1"
	m.State = model.SendConfirmed
	if got := Compute(m, "u1"); got != Sent {
		t.Fatalf("confirmed: status = %s, want sent", got)
	}

	m.DeliveredTo = []string{"u2"}
	if got := Compute(m, "u1"); got != Delivered {
		t.Fatalf("after delivery ack: status = %s, want delivered", got)
	}

	m.ReadBy = []string{"u2"}
	if got := Compute(m, "u1"); got != Read {
		t.Fatalf("after read ack: status = %s, want read", got)
	}
}
