// Package remote is the boundary to the authoritative store: the capability
// interface the push-capable backend is consumed through, the typed gateway
// layered on top of it, and the write coalescer that bounds update volume.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrPathMissing is returned by Fetch when no value exists at the path.
var ErrPathMissing = errors.New("remote: path missing")

// PathConnected is the special path whose value subscription reports
// connectivity to the authoritative store as a JSON bool.
const PathConnected = ".info/connected"

// Snapshot is one value observed at a remote path. Data is the raw JSON
// document; nil means the value was removed.
type Snapshot struct {
	Path string
	Data []byte
}

// Decode unmarshals the snapshot document into v.
func (s Snapshot) Decode(v any) error {
	return json.Unmarshal(s.Data, v)
}

// Key returns the last segment of the snapshot path (the child key).
func (s Snapshot) Key() string {
	if i := strings.LastIndexByte(s.Path, '/'); i >= 0 {
		return s.Path[i+1:]
	}
	return s.Path
}

// EventFunc receives subscription snapshots. Implementations must not block
// the delivery thread; hand work off if it is slow.
type EventFunc func(Snapshot)

// Handle is an active subscription. Close cancels it; once Close returns no
// further events are delivered.
type Handle interface {
	Close()
}

// Client is the capability interface of the remote authoritative store.
// Paths are slash-separated trees of JSON documents. Write with a nil value
// removes the node. The store is eventually consistent and always wins
// conflicts; callers treat every read as a cache refresh, never as truth to
// defend.
type Client interface {
	// Fetch reads the current value at path once. Returns ErrPathMissing
	// when nothing exists there.
	Fetch(ctx context.Context, path string) (Snapshot, error)

	// Write sets the full value at path, replacing whatever was there.
	Write(ctx context.Context, path string, value any) error

	// Patch updates only the given fields at path. Keys may address nested
	// children with slashes ("deliveredTo/u2").
	Patch(ctx context.Context, path string, fields map[string]any) error

	// SubscribeAdded delivers every existing child of path and then each
	// newly created one.
	SubscribeAdded(path string, fn EventFunc) (Handle, error)

	// SubscribeChanged delivers children of path whose value changed.
	SubscribeChanged(path string, fn EventFunc) (Handle, error)

	// SubscribeValue delivers the value at path itself, immediately on
	// subscribe and then on every change.
	SubscribeValue(path string, fn EventFunc) (Handle, error)

	// RegisterDisconnectCleanup arranges for value to be written at path by
	// the backend when this client's connection drops. A nil value removes
	// the node. Registrations fire once and are cleared afterwards.
	RegisterDisconnectCleanup(path string, value any) error

	// GenerateID returns a fresh child id under parentPath without writing
	// anything.
	GenerateID(parentPath string) string
}
