// Package presence maintains the session's ephemeral channels: the user's
// own online record and per-chat typing indicators. Both live only in the
// remote store; the manager's job is rate-limiting the writes, expiring
// stale typing records and making sure nothing survives a disconnect.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chirp/internal/remote"
)

const (
	// DefaultThrottle is the minimum spacing between remote writes that
	// set a channel active. Writes that clear a channel are never held
	// back.
	DefaultThrottle = 2 * time.Second

	// DefaultAutoClear is the typing inactivity window. A typing record
	// not refreshed within it is removed without user action.
	DefaultAutoClear = 5 * time.Second
)

// Config tunes the manager. Zero values select the defaults.
type Config struct {
	Throttle  time.Duration
	AutoClear time.Duration
}

type typingKey struct {
	chatID string
	userID string
}

// channel is the per-key state of one ephemeral record.
type channel struct {
	limit      *rate.Limiter
	timer      clockwork.Timer // armed while a typing record awaits auto-clear
	active     bool
	registered bool // disconnect cleanup installed remotely
}

// Manager owns the ephemeral channel state for one session. All methods
// are safe for concurrent use; a closed manager ignores further updates.
type Manager struct {
	gw     *remote.Gateway
	clock  clockwork.Clock
	logger *zap.Logger

	throttle  time.Duration
	autoClear time.Duration

	mu       sync.Mutex
	typing   map[typingKey]*channel
	presence map[string]*channel
	closed   bool
}

// NewManager creates a presence manager writing through the given gateway.
func NewManager(gw *remote.Gateway, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.AutoClear <= 0 {
		cfg.AutoClear = DefaultAutoClear
	}
	return &Manager{
		gw:        gw,
		clock:     clock,
		logger:    logger,
		throttle:  cfg.Throttle,
		autoClear: cfg.AutoClear,
		typing:    make(map[typingKey]*channel),
		presence:  make(map[string]*channel),
	}
}

// SetTyping transitions the (chat, user) typing indicator. Activations are
// throttled per key and arm the auto-clear timer; a throttled activation
// changes nothing, the standing record and timer cover it. Deactivation
// always writes through and disarms the timer.
func (m *Manager) SetTyping(ctx context.Context, chatID, userID string, active bool) error {
	key := typingKey{chatID: chatID, userID: userID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	ch := m.typing[key]
	if ch == nil {
		ch = &channel{limit: rate.NewLimiter(rate.Every(m.throttle), 1)}
		m.typing[key] = ch
	}

	if !active {
		m.disarmLocked(ch)
		ch.active = false
		m.mu.Unlock()
		return m.gw.SetTyping(ctx, chatID, userID, false)
	}

	if !ch.limit.AllowN(m.clock.Now(), 1) {
		m.mu.Unlock()
		return nil
	}
	ch.active = true
	first := !ch.registered
	ch.registered = true
	m.armLocked(ch, key)
	m.mu.Unlock()

	if first {
		if err := m.gw.RegisterTypingCleanup(chatID, userID); err != nil {
			m.logger.Warn("typing cleanup registration failed",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}
	return m.gw.SetTyping(ctx, chatID, userID, true)
}

// SetOnline transitions the user's own presence record. Going online is
// throttled per user and installs the disconnect cleanup once; going
// offline always writes through, stamping last-seen.
func (m *Manager) SetOnline(ctx context.Context, userID string, online bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	ch := m.presence[userID]
	if ch == nil {
		ch = &channel{limit: rate.NewLimiter(rate.Every(m.throttle), 1)}
		m.presence[userID] = ch
	}

	if !online {
		ch.active = false
		m.mu.Unlock()
		return m.gw.SetPresence(ctx, userID, false)
	}

	if !ch.limit.AllowN(m.clock.Now(), 1) {
		m.mu.Unlock()
		return nil
	}
	ch.active = true
	first := !ch.registered
	ch.registered = true
	m.mu.Unlock()

	if first {
		if err := m.gw.RegisterPresenceCleanup(userID); err != nil {
			m.logger.Warn("presence cleanup registration failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return m.gw.SetPresence(ctx, userID, true)
}

// Close tears the manager down: every timer is cancelled, every active
// typing record is removed and every online user is marked offline. After
// Close all updates are no-ops. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var typingClear []typingKey
	for key, ch := range m.typing {
		m.disarmLocked(ch)
		if ch.active {
			typingClear = append(typingClear, key)
		}
	}
	var offline []string
	for userID, ch := range m.presence {
		if ch.active {
			offline = append(offline, userID)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, key := range typingClear {
		if err := m.gw.SetTyping(ctx, key.chatID, key.userID, false); err != nil {
			m.logger.Warn("typing teardown failed",
				zap.String("chat_id", key.chatID), zap.Error(err))
		}
	}
	for _, userID := range offline {
		if err := m.gw.SetPresence(ctx, userID, false); err != nil {
			m.logger.Warn("presence teardown failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}

// armLocked replaces the key's auto-clear timer. The callback compares
// timer identity so a fire racing a rearm cannot clear a fresh record.
func (m *Manager) armLocked(ch *channel, key typingKey) {
	if ch.timer != nil {
		ch.timer.Stop()
	}
	var tm clockwork.Timer
	tm = m.clock.AfterFunc(m.autoClear, func() {
		m.autoClearTyping(key, tm)
	})
	ch.timer = tm
}

func (m *Manager) disarmLocked(ch *channel) {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
}

func (m *Manager) autoClearTyping(key typingKey, tm clockwork.Timer) {
	m.mu.Lock()
	ch := m.typing[key]
	if m.closed || ch == nil || ch.timer != tm {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	ch.active = false
	m.mu.Unlock()

	if err := m.gw.SetTyping(context.Background(), key.chatID, key.userID, false); err != nil {
		m.logger.Warn("typing auto-clear failed",
			zap.String("chat_id", key.chatID),
			zap.String("user_id", key.userID),
			zap.Error(err))
	}
}
