package alerting

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/circuitbreaker"
	"github.com/ocmt/control-plane/internal/events"
	"github.com/ocmt/control-plane/internal/keyring"
	"github.com/ocmt/control-plane/internal/metrics"
	"github.com/ocmt/control-plane/internal/notify"
	"github.com/ocmt/control-plane/internal/ratelimit"
)

const (
	channelTimeout = 10 * time.Second

	// DefaultChannelRateLimit caps dispatches per (channel, owner) per
	// minute.
	DefaultChannelRateLimit = 10
)

// RecipientResolver returns an owner's email delivery address, or "" when
// none is configured.
type RecipientResolver func(ctx context.Context, ownerID string) (string, error)

// Engine runs the trigger pipeline.
type Engine struct {
	stores   *Stores
	keyring  *keyring.Keyring
	metrics  *metrics.Metrics
	logger   *log.Logger
	client   *http.Client
	throttle *ratelimit.Limiter

	mailer    *notify.Mailer
	recipient RecipientResolver
	emitter   events.Emitter
	notifier  notify.Sender
	breakers  *circuitbreaker.ServiceBreakers

	channelLimit int
	defaults     map[string]Severity

	mu    sync.Mutex
	locks map[string]*dedupLock
}

// NewEngine builds an engine over the given stores. The keyring decrypts
// channel auth blobs and may be nil when no external channels are
// configured. Optional collaborators attach through the setters.
func NewEngine(stores *Stores, kr *keyring.Keyring, m *metrics.Metrics) *Engine {
	return &Engine{
		stores:       stores,
		keyring:      kr,
		metrics:      m,
		logger:       log.New(log.Writer(), "[ALERTS] ", log.LstdFlags),
		client:       &http.Client{Timeout: channelTimeout},
		throttle:     ratelimit.NewLimiter("api", "alert_channel", time.Minute, nil, ratelimit.NewMemoryStore(), m),
		channelLimit: DefaultChannelRateLimit,
		defaults:     defaultSeverities(),
		locks:        make(map[string]*dedupLock),
	}
}

// SetMailer wires the email channel.
func (e *Engine) SetMailer(m *notify.Mailer, resolve RecipientResolver) {
	e.mailer = m
	e.recipient = resolve
}

// SetEmitter wires the in-app channel's live broadcast.
func (e *Engine) SetEmitter(em events.Emitter) { e.emitter = em }

// SetNotifier wires platform webhook fan-out for fired alerts.
func (e *Engine) SetNotifier(n notify.Sender) { e.notifier = n }

// SetBreakers wires per-target circuit breakers around channel dispatch.
func (e *Engine) SetBreakers(b *circuitbreaker.ServiceBreakers) { e.breakers = b }

// SetThrottle replaces the per-channel limiter, for deployments sharing
// counters through the cache.
func (e *Engine) SetThrottle(l *ratelimit.Limiter, perMinute int) {
	if l != nil {
		e.throttle = l
	}
	if perMinute > 0 {
		e.channelLimit = perMinute
	}
}

// SetDefaultSeverity overrides the severity assumed for an event type when
// the trigger does not carry one.
func (e *Engine) SetDefaultSeverity(eventType string, s Severity) {
	if ValidSeverity(s) {
		e.defaults[eventType] = s
	}
}

func defaultSeverities() map[string]Severity {
	return map[string]Severity{
		"login.failed":             SeverityWarning,
		"vault.recovered":          SeverityCritical,
		"approval.ceiling_refused": SeverityWarning,
		"resource.call.blocked":    SeverityCritical,
		"ratelimit.exceeded":       SeverityInfo,
	}
}

// Trigger runs one event through the pipeline. It never returns an error
// and never panics outward: alerting is an observer, not a participant, of
// the operation that raised the event.
func (e *Engine) Trigger(ctx context.Context, in TriggerInput) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("❌ Trigger panic recovered: %v", r)
		}
	}()

	if in.EventType == "" {
		e.logger.Printf("⚠️ Dropping alert with empty event type")
		return
	}

	a := &Alert{
		ID:        uuid.NewString(),
		EventType: in.EventType,
		OwnerID:   in.OwnerID,
		GroupID:   in.GroupID,
		Title:     in.Title,
		Message:   in.Message,
		Severity:  e.resolveSeverity(in),
		Metadata:  in.Metadata,
		DedupKey:  DedupKeyFor(in),
		CreatedAt: time.Now().UTC(),
	}

	// The gate sequence below must not interleave for the same dedup key,
	// or a burst races past the cooldown before the first fan-out records
	// it.
	unlock := e.lockDedup(a.DedupKey)
	defer unlock()

	rules, err := e.stores.Rules.ListMatching(ctx, a.OwnerID, a.EventType)
	if err != nil {
		e.logger.Printf("⚠️ Rule lookup failed, using default rule: %v", err)
		rules = nil
	}
	if len(rules) == 0 {
		rules = []Rule{DefaultRule()}
	}

	delivered := false
	for _, rule := range rules {
		if e.applyRule(ctx, a, rule) {
			delivered = true
		}
	}
	if delivered && e.notifier != nil {
		e.notifier.Dispatch(notify.NewEvent(notify.EventAlertTriggered, a.OwnerID, map[string]interface{}{
			"alert_id":   a.ID,
			"event_type": a.EventType,
			"severity":   string(a.Severity),
			"title":      a.Title,
		}))
	}
}

// applyRule runs gates (a) through (e) for one rule and reports whether
// at least one channel received the alert.
func (e *Engine) applyRule(ctx context.Context, a *Alert, rule Rule) bool {
	if !a.Severity.AtLeast(rule.SeverityThreshold) {
		return false
	}

	now := time.Now().UTC()
	active, err := e.stores.Cooldowns.Active(ctx, a.DedupKey, now)
	if err != nil {
		// Cooldown state is a suppressor; when it cannot be read the
		// alert goes out rather than silently vanishing.
		e.logger.Printf("⚠️ Cooldown lookup failed: %v", err)
	}
	if active {
		return false
	}

	count, err := e.stores.History.CountSince(ctx, a.DedupKey, now.Add(-rule.Window()))
	if err != nil {
		e.logger.Printf("⚠️ History count failed: %v", err)
		count = 0
	}
	if count+1 < rule.ThresholdCount {
		e.appendHistory(ctx, a, nil)
		return false
	}

	e.metrics.RecordAlertTrigger(a.EventType, string(a.Severity))

	var sent []string
	for _, ch := range rule.Channels {
		if !e.admitChannel(ctx, ch, a.OwnerID) {
			e.metrics.RecordAlertDelivery(string(ch), "throttled")
			continue
		}
		if err := e.dispatch(ctx, ch, a); err != nil {
			if errors.Is(err, errChannelUnconfigured) {
				e.metrics.RecordChannelSkip(string(ch))
				continue
			}
			e.metrics.RecordAlertDelivery(string(ch), "failed")
			e.logger.Printf("❌ %s delivery failed for %s: %v", ch, a.EventType, err)
			continue
		}
		e.metrics.RecordAlertDelivery(string(ch), "sent")
		sent = append(sent, string(ch))
	}

	e.appendHistory(ctx, a, sent)
	if err := e.stores.Cooldowns.Set(ctx, a.DedupKey, now.Add(rule.Cooldown())); err != nil {
		e.logger.Printf("⚠️ Cooldown write failed: %v", err)
	}
	return len(sent) > 0
}

func (e *Engine) admitChannel(ctx context.Context, ch ChannelType, ownerID string) bool {
	if e.throttle == nil {
		return true
	}
	return e.throttle.Check(ctx, string(ch)+":"+ownerID, e.channelLimit).Allowed
}

func (e *Engine) appendHistory(ctx context.Context, a *Alert, sent []string) {
	if sent == nil {
		sent = []string{}
	}
	entry := &HistoryEntry{
		ID:           uuid.NewString(),
		OwnerID:      a.OwnerID,
		GroupID:      a.GroupID,
		EventType:    a.EventType,
		DedupKey:     a.DedupKey,
		Severity:     a.Severity,
		Title:        a.Title,
		Message:      a.Message,
		ChannelsSent: sent,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.stores.History.Append(ctx, entry); err != nil {
		e.logger.Printf("⚠️ History append failed: %v", err)
	}
}

func (e *Engine) resolveSeverity(in TriggerInput) Severity {
	if ValidSeverity(in.Severity) {
		return in.Severity
	}
	if s, ok := e.defaults[in.EventType]; ok {
		return s
	}
	return SeverityInfo
}

// ============================================================================
// READ / MANAGE SURFACES
// ============================================================================

// History lists an owner's recent alert history, newest first.
func (e *Engine) History(ctx context.Context, ownerID string, limit int) ([]HistoryEntry, error) {
	entries, err := e.stores.History.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load alert history", err)
	}
	return entries, nil
}

// Rules lists an owner's alert rules.
func (e *Engine) Rules(ctx context.Context, ownerID string) ([]Rule, error) {
	rules, err := e.stores.Rules.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load alert rules", err)
	}
	return rules, nil
}

// UpdateRule validates and persists one owner rule. A missing ID creates
// the rule.
func (e *Engine) UpdateRule(ctx context.Context, ownerID string, r *Rule) (*Rule, error) {
	if r == nil {
		return nil, apperr.New(apperr.KindValidationFailed, "rule body is required")
	}
	if r.ThresholdCount < 1 {
		return nil, apperr.New(apperr.KindValidationFailed, "threshold_count must be at least 1")
	}
	if r.ThresholdWindowMinutes < 1 {
		return nil, apperr.New(apperr.KindValidationFailed, "threshold_window_minutes must be at least 1")
	}
	if r.CooldownMinutes < 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "cooldown_minutes must not be negative")
	}
	if !ValidSeverity(r.SeverityThreshold) {
		return nil, apperr.New(apperr.KindValidationFailed, "unknown severity threshold")
	}
	if len(r.Channels) == 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "rule needs at least one channel")
	}
	for _, ch := range r.Channels {
		if !ValidChannel(ch) {
			return nil, apperr.New(apperr.KindValidationFailed, "unknown channel type")
		}
	}

	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	} else {
		existing, err := e.stores.Rules.Get(ctx, r.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			// A put to an unclaimed id creates the rule under it.
			r.CreatedAt = now
		case err != nil:
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load alert rule", err)
		case existing.OwnerID != ownerID:
			return nil, apperr.New(apperr.KindNotFound, "alert rule not found")
		default:
			r.CreatedAt = existing.CreatedAt
		}
	}
	r.OwnerID = ownerID
	r.UpdatedAt = now

	if err := e.stores.Rules.Upsert(ctx, r); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to save alert rule", err)
	}
	return r, nil
}

// Notifications lists an owner's in-app notifications, newest first.
func (e *Engine) Notifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := e.stores.Notifications.ListByOwner(ctx, ownerID, unreadOnly, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load notifications", err)
	}
	return rows, nil
}

// MarkNotificationRead flags one owner notification as read.
func (e *Engine) MarkNotificationRead(ctx context.Context, ownerID, id string) error {
	err := e.stores.Notifications.MarkRead(ctx, ownerID, id)
	if errors.Is(err, ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "notification not found")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update notification", err)
	}
	return nil
}

// ============================================================================
// SWEEPER + INTERNALS
// ============================================================================

// SweepCooldowns drops expired cooldown entries.
func (e *Engine) SweepCooldowns(ctx context.Context) int {
	n, err := e.stores.Cooldowns.Purge(ctx, time.Now().UTC())
	if err != nil {
		e.logger.Printf("⚠️ Cooldown purge failed: %v", err)
		return 0
	}
	if n > 0 {
		e.logger.Printf("⏳ Purged %d expired alert cooldowns", n)
	}
	return n
}

// StartSweeper purges expired cooldowns on a cadence until ctx ends.
func (e *Engine) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SweepCooldowns(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

type dedupLock struct {
	mu   sync.Mutex
	refs int
}

// lockDedup serializes pipeline runs per dedup key. Entries are removed
// when the last holder releases, so the map tracks only in-flight keys.
func (e *Engine) lockDedup(key string) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &dedupLock{}
		e.locks[key] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}
