package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrylevesque/qrattend/internal/metrics"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// ActivityKind is a user interaction that counts as activity.
type ActivityKind int

const (
	PointerDown ActivityKind = iota
	KeyDown
	Scroll
	TouchStart
	Click
)

func (k ActivityKind) String() string {
	switch k {
	case PointerDown:
		return "pointerdown"
	case KeyDown:
		return "keydown"
	case Scroll:
		return "scroll"
	case TouchStart:
		return "touchstart"
	case Click:
		return "click"
	default:
		return "unknown"
	}
}

// ParseActivityKind maps a DOM event name to its kind.
func ParseActivityKind(s string) (ActivityKind, bool) {
	for k := PointerDown; k <= Click; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Prompter asks the user whether to stay logged in. ctx is cancelled when the
// question became moot (the session expired or was reset).
type Prompter interface {
	Confirm(ctx context.Context, msg string) bool
}

type PrompterFunc func(ctx context.Context, msg string) bool

func (f PrompterFunc) Confirm(ctx context.Context, msg string) bool { return f(ctx, msg) }

type SessionConfig struct {
	InactivityLimit  time.Duration
	WarningLead      time.Duration
	ActivityDebounce time.Duration
}

// SessionTimer logs the user out after a period without activity, warning
// them shortly before.
type SessionTimer struct {
	slot     *Slot
	clock    utils.Clock
	cfg      SessionConfig
	prompter Prompter
	onExpire func(msg string)
	log      *utils.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	running      bool
	lastReset    time.Time
	epoch        uint64
	warnTimer    utils.Timer
	expireTimer  utils.Timer
	cancelPrompt context.CancelFunc
	unsubscribe  func()
}

type SessionOption func(*SessionTimer)

func WithClock(c utils.Clock) SessionOption { return func(t *SessionTimer) { t.clock = c } }

func WithPrompter(p Prompter) SessionOption { return func(t *SessionTimer) { t.prompter = p } }

// OnExpire runs once per expiry, after the credential was cleared, with the message to show.
func OnExpire(f func(msg string)) SessionOption { return func(t *SessionTimer) { t.onExpire = f } }

func WithSessionLogger(l *utils.Logger) SessionOption { return func(t *SessionTimer) { t.log = l } }

func WithSessionMetrics(m *metrics.Metrics) SessionOption { return func(t *SessionTimer) { t.metrics = m } }

func NewSessionTimer(slot *Slot, cfg SessionConfig, opts ...SessionOption) *SessionTimer {
	if cfg.InactivityLimit <= 0 {
		cfg.InactivityLimit = 60 * time.Minute
	}
	if cfg.WarningLead <= 0 || cfg.WarningLead >= cfg.InactivityLimit {
		cfg.WarningLead = 5 * time.Minute
	}
	if cfg.ActivityDebounce < 0 {
		cfg.ActivityDebounce = 0
	}
	t := &SessionTimer{slot: slot, cfg: cfg, clock: utils.SystemClock{}, log: utils.Discard()}
	for _, o := range opts {
		o(t)
	}
	t.unsubscribe = slot.OnChange(func(authenticated bool) {
		if !authenticated {
			t.Stop()
		}
	})
	return t
}

// Start arms the timers if the slot holds a credential and reports whether it did.
func (t *SessionTimer) Start() bool {
	if !t.slot.Authenticated() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	t.resetLocked(t.clock.Now())
	t.log.Infof("session timer started: limit %s, warning %s before", t.cfg.InactivityLimit, t.cfg.WarningLead)
	return true
}

// Activity records a user interaction. Timers are rescheduled only if the
// debounce interval has passed since the last reset; it reports whether they were.
func (t *SessionTimer) Activity(kind ActivityKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	now := t.clock.Now()
	if now.Sub(t.lastReset) < t.cfg.ActivityDebounce {
		return false
	}
	t.resetLocked(now)
	return true
}

// Stop cancels both timers; neither callback fires afterwards.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.log.Info("session timer stopped")
	}
	t.running = false
	t.disarmLocked()
}

// Close stops the timer and detaches it from the slot.
func (t *SessionTimer) Close() {
	t.Stop()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// Deadline is when the session expires without further activity.
func (t *SessionTimer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReset.Add(t.cfg.InactivityLimit), t.running
}

// resetLocked reschedules warning and expiry from ref. Both deadlines derive
// from the same reference so they never drift apart.
func (t *SessionTimer) resetLocked(ref time.Time) {
	t.disarmLocked()
	e := t.epoch
	t.lastReset = ref
	t.warnTimer = t.clock.AfterFunc(t.cfg.InactivityLimit-t.cfg.WarningLead, func() { t.warn(e) })
	t.expireTimer = t.clock.AfterFunc(t.cfg.InactivityLimit, func() { t.expire(e) })
}

// disarmLocked stops the timers and voids callbacks already on their way.
func (t *SessionTimer) disarmLocked() {
	t.epoch++
	if t.warnTimer != nil {
		t.warnTimer.Stop()
		t.warnTimer = nil
	}
	if t.expireTimer != nil {
		t.expireTimer.Stop()
		t.expireTimer = nil
	}
	if t.cancelPrompt != nil {
		t.cancelPrompt()
		t.cancelPrompt = nil
	}
}

func (t *SessionTimer) warn(e uint64) {
	t.mu.Lock()
	if e != t.epoch || !t.running || t.prompter == nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelPrompt = cancel
	t.mu.Unlock()

	t.log.Info("session about to expire; asking user")
	ok := t.prompter.Confirm(ctx, fmt.Sprintf(utils.MsgSessionWarning, humanDuration(t.cfg.WarningLead)))
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if e != t.epoch || !t.running {
		return
	}
	t.cancelPrompt = nil
	if ok {
		t.resetLocked(t.clock.Now())
		t.log.Info("session extended by user")
	}
}

func (t *SessionTimer) expire(e uint64) {
	t.mu.Lock()
	if e != t.epoch || !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.disarmLocked()
	t.mu.Unlock()

	t.log.Warn("session expired due to inactivity")
	t.metrics.Expired()
	if err := t.slot.Clear(); err != nil {
		t.log.Errorf("clear credential on expiry: %v", err)
	}
	if t.onExpire != nil {
		t.onExpire(utils.MsgSessionExpired)
	}
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
