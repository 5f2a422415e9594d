package remote

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultCoalesceDelay is the debounce window for per-entity field updates.
const DefaultCoalesceDelay = 500 * time.Millisecond

// Coalescer batches rapid field updates to the same remote path into a
// single patch. Each update merges into a per-path pending map and re-arms
// that path's debounce timer; when the timer fires the accumulated fields
// are written once. This bounds write amplification when a burst of
// acknowledgements lands within milliseconds.
type Coalescer struct {
	client Client
	clock  clockwork.Clock
	delay  time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]map[string]any
	timers  map[string]clockwork.Timer
	closed  bool
}

// NewCoalescer creates a coalescer writing through the given client.
func NewCoalescer(client Client, clock clockwork.Clock, delay time.Duration, logger *zap.Logger) *Coalescer {
	if delay <= 0 {
		delay = DefaultCoalesceDelay
	}
	return &Coalescer{
		client:  client,
		clock:   clock,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]map[string]any),
		timers:  make(map[string]clockwork.Timer),
	}
}

// Add merges fields into the pending update for path and (re)arms its
// debounce timer. After Close, updates are written through immediately.
func (c *Coalescer) Add(path string, fields map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.write(path, fields)
		return
	}
	p, ok := c.pending[path]
	if !ok {
		p = make(map[string]any, len(fields))
		c.pending[path] = p
	}
	for k, v := range fields {
		p[k] = v
	}
	if t, ok := c.timers[path]; ok {
		t.Reset(c.delay)
	} else {
		c.timers[path] = c.clock.AfterFunc(c.delay, func() { c.flush(path) })
	}
	c.mu.Unlock()
}

func (c *Coalescer) flush(path string) {
	c.mu.Lock()
	fields := c.pending[path]
	delete(c.pending, path)
	delete(c.timers, path)
	c.mu.Unlock()
	if len(fields) == 0 {
		return
	}
	c.write(path, fields)
}

func (c *Coalescer) write(path string, fields map[string]any) {
	if err := c.client.Patch(context.Background(), path, fields); err != nil {
		c.logger.Warn("coalesced patch failed",
			zap.String("path", path),
			zap.Int("fields", len(fields)),
			zap.Error(err))
	}
}

// Close cancels every debounce timer and writes all pending updates out
// synchronously. Further Adds write through without coalescing.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	remaining := c.pending
	c.pending = make(map[string]map[string]any)
	c.timers = make(map[string]clockwork.Timer)
	c.mu.Unlock()

	for path, fields := range remaining {
		c.write(path, fields)
	}
}
