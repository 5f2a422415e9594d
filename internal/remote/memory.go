package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Client used by tests and by the daemon's
// standalone mode. It keeps the remote tree as flat JSON documents, fires
// subscription callbacks synchronously on the mutating goroutine, and can
// simulate connectivity flips and disconnect cleanups.
type Memory struct {
	mu        sync.Mutex
	nodes     map[string]json.RawMessage
	subs      map[int]*memSub
	nextSub   int
	nextID    int
	connected bool
	cleanups  []memCleanup
	failures  map[string]error
	ops       []Op
}

// Op records one mutating call for test assertions.
type Op struct {
	Kind string // "write" or "patch"
	Path string
}

type memCleanup struct {
	path  string
	value any
}

type subKind int

const (
	subAdded subKind = iota
	subChanged
	subValue
)

type memSub struct {
	id   int
	kind subKind
	path string
	fn   EventFunc

	mu   sync.Mutex // held while delivering; Close waits on it
	done bool
}

func (s *memSub) dispatch(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.fn(snap)
}

type memHandle struct {
	m   *Memory
	sub *memSub
}

func (h *memHandle) Close() {
	h.m.mu.Lock()
	delete(h.m.subs, h.sub.id)
	h.m.mu.Unlock()
	// Wait for any in-flight delivery, then fence off late ones.
	h.sub.mu.Lock()
	h.sub.done = true
	h.sub.mu.Unlock()
}

// NewMemory creates an empty in-memory remote store, initially connected.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]json.RawMessage),
		subs:      make(map[int]*memSub),
		connected: true,
		failures:  make(map[string]error),
	}
}

// Fetch returns the document at path, or a synthesized collection document
// (child key to raw value) when path only has children.
func (m *Memory) Fetch(_ context.Context, path string) (Snapshot, error) {
	m.mu.Lock()
	if err := m.failureFor(path); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	if raw, ok := m.nodes[path]; ok {
		m.mu.Unlock()
		return Snapshot{Path: path, Data: raw}, nil
	}
	children := make(map[string]json.RawMessage)
	prefix := path + "/"
	for p, raw := range m.nodes {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			children[rest] = raw
		}
	}
	m.mu.Unlock()
	if len(children) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrPathMissing, path)
	}
	data, err := json.Marshal(children)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Path: path, Data: data}, nil
}

// Write replaces the document at path; a nil value removes it.
func (m *Memory) Write(_ context.Context, path string, value any) error {
	m.mu.Lock()
	if err := m.failureFor(path); err != nil {
		m.mu.Unlock()
		return err
	}
	m.ops = append(m.ops, Op{Kind: "write", Path: path})

	if value == nil {
		delete(m.nodes, path)
		targets := m.valueTargets(path)
		m.mu.Unlock()
		deliver(targets, Snapshot{Path: path, Data: nil})
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	_, existed := m.nodes[path]
	m.nodes[path] = raw
	targets := m.mutationTargets(path, existed)
	m.mu.Unlock()
	deliver(targets, Snapshot{Path: path, Data: raw})
	return nil
}

// Patch merges fields into the document at path, creating it if absent.
// Keys may address nested children with slashes.
func (m *Memory) Patch(_ context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	if err := m.failureFor(path); err != nil {
		m.mu.Unlock()
		return err
	}
	m.ops = append(m.ops, Op{Kind: "patch", Path: path})

	doc := make(map[string]any)
	raw, existed := m.nodes[path]
	if existed {
		if err := json.Unmarshal(raw, &doc); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("patch non-object at %s: %w", path, err)
		}
	}
	for key, value := range fields {
		setNested(doc, strings.Split(key, "/"), value)
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.nodes[path] = merged
	targets := m.mutationTargets(path, existed)
	m.mu.Unlock()
	deliver(targets, Snapshot{Path: path, Data: merged})
	return nil
}

// SubscribeAdded replays existing children of path synchronously, then
// delivers each newly created child.
func (m *Memory) SubscribeAdded(path string, fn EventFunc) (Handle, error) {
	h, sub := m.addSub(subAdded, path, fn)
	m.mu.Lock()
	prefix := path + "/"
	var existing []Snapshot
	for p, raw := range m.nodes {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			existing = append(existing, Snapshot{Path: p, Data: raw})
		}
	}
	m.mu.Unlock()
	sort.Slice(existing, func(i, j int) bool { return existing[i].Path < existing[j].Path })
	for _, snap := range existing {
		sub.dispatch(snap)
	}
	return h, nil
}

// SubscribeChanged delivers children of path whose document changed.
func (m *Memory) SubscribeChanged(path string, fn EventFunc) (Handle, error) {
	h, _ := m.addSub(subChanged, path, fn)
	return h, nil
}

// SubscribeValue delivers the value at path immediately and then on every
// change. The connectivity path reports the simulated connection state.
func (m *Memory) SubscribeValue(path string, fn EventFunc) (Handle, error) {
	h, sub := m.addSub(subValue, path, fn)
	m.mu.Lock()
	var data json.RawMessage
	if path == PathConnected {
		data, _ = json.Marshal(m.connected)
	} else {
		data = m.nodes[path]
	}
	m.mu.Unlock()
	sub.dispatch(Snapshot{Path: path, Data: data})
	return h, nil
}

// RegisterDisconnectCleanup records a write to apply on disconnect. A second
// registration for the same path replaces the first.
func (m *Memory) RegisterDisconnectCleanup(path string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.cleanups {
		if m.cleanups[i].path == path {
			m.cleanups[i].value = value
			return nil
		}
	}
	m.cleanups = append(m.cleanups, memCleanup{path: path, value: value})
	return nil
}

// GenerateID returns a fresh deterministic child id.
func (m *Memory) GenerateID(string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("r%04d", m.nextID)
}

// SetConnected flips the simulated connectivity and notifies value
// subscribers of the connectivity path.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	targets := m.valueTargets(PathConnected)
	m.mu.Unlock()
	data, _ := json.Marshal(connected)
	deliver(targets, Snapshot{Path: PathConnected, Data: data})
}

// SimulateDisconnect drops connectivity and applies all registered
// disconnect cleanups, clearing them afterwards.
func (m *Memory) SimulateDisconnect() {
	m.SetConnected(false)
	m.mu.Lock()
	cleanups := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()
	for _, c := range cleanups {
		_ = m.Write(context.Background(), c.path, c.value)
	}
}

// FailPath makes every operation under the given path prefix return err.
// Pass a nil error to clear the failure.
func (m *Memory) FailPath(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, prefix)
		return
	}
	m.failures[prefix] = err
}

// Exists reports whether a document is stored at path.
func (m *Memory) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[path]
	return ok
}

// Data returns the raw document at path, or nil.
func (m *Memory) Data(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[path]
}

// Ops returns all mutating calls so far.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// WriteCount counts mutating calls whose path starts with prefix.
func (m *Memory) WriteCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if strings.HasPrefix(op.Path, prefix) {
			n++
		}
	}
	return n
}

// CleanupCount returns the number of registered disconnect cleanups.
func (m *Memory) CleanupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cleanups)
}

func (m *Memory) addSub(kind subKind, path string, fn EventFunc) (*memHandle, *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memSub{id: m.nextSub, kind: kind, path: path, fn: fn}
	m.subs[sub.id] = sub
	m.nextSub++
	return &memHandle{m: m, sub: sub}, sub
}

// failureFor must be called with m.mu held.
func (m *Memory) failureFor(path string) error {
	for prefix, err := range m.failures {
		if strings.HasPrefix(path, prefix) {
			return err
		}
	}
	return nil
}

// mutationTargets must be called with m.mu held. It collects the subs to
// notify for a created or changed document at path: value subs on the path
// itself plus added/changed subs on the parent.
func (m *Memory) mutationTargets(path string, existed bool) []*memSub {
	var targets []*memSub
	parent := ""
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		parent = path[:i]
	}
	for _, sub := range m.subs {
		switch sub.kind {
		case subValue:
			if sub.path == path {
				targets = append(targets, sub)
			}
		case subAdded:
			if sub.path == parent && !existed {
				targets = append(targets, sub)
			}
		case subChanged:
			if sub.path == parent && existed {
				targets = append(targets, sub)
			}
		}
	}
	return targets
}

// valueTargets must be called with m.mu held.
func (m *Memory) valueTargets(path string) []*memSub {
	var targets []*memSub
	for _, sub := range m.subs {
		if sub.kind == subValue && sub.path == path {
			targets = append(targets, sub)
		}
	}
	return targets
}

func deliver(targets []*memSub, snap Snapshot) {
	for _, sub := range targets {
		sub.dispatch(snap)
	}
}

func setNested(doc map[string]any, keys []string, value any) {
	for i := 0; i < len(keys)-1; i++ {
		child, ok := doc[keys[i]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			doc[keys[i]] = child
		}
		doc = child
	}
	doc[keys[len(keys)-1]] = value
}
