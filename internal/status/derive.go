// Package status derives the viewer-facing lifecycle state of a message
// from its raw acknowledgement sets. Status is never stored; it is computed
// on demand so historical snapshots and live rows render identically.
package status

import "github.com/matheus3301/chirp/internal/model"

// Status is a message's lifecycle state as seen by one viewer.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
)

// Compute maps a message and a viewer to a status.
//
// For the sender (or when viewerID is empty): an unconfirmed message is
// "sending"; otherwise a non-empty ReadBy wins over DeliveredTo, since
// read implies delivered even when DeliveredTo is empty, and a confirmed
// message with no acknowledgements is "sent".
//
// For anyone else the status is always "sent": the acknowledgement sets
// record recipients' acks toward the sender, so delivered/read are
// sender-perspective terms only.
func Compute(m *model.Message, viewerID string) Status {
	if viewerID != "" && viewerID != m.SenderID {
		return Sent
	}
	if !m.IsConfirmed() {
		return Sending
	}
	if len(m.ReadBy) > 0 {
		return Read
	}
	if len(m.DeliveredTo) > 0 {
		return Delivered
	}
	return Sent
}
