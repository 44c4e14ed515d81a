package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ocmt/control-plane/internal/alerting"
)

// AlertStores returns the database-backed bundle for the alert engine.
// Cooldowns stay in the shared table so replicas suppress as one.
func AlertStores(c *Client) *alerting.Stores {
	return &alerting.Stores{
		Rules:         &alertRuleStore{c: c},
		History:       &alertHistoryStore{c: c},
		Cooldowns:     &alertCooldownStore{c: c},
		Notifications: &notificationStore{c: c},
		Channels:      &channelConfigStore{c: c},
	}
}

// ============================================================================
// ALERT RULES
// ============================================================================

type ruleRow struct {
	ID                     string   `json:"id"`
	OwnerID                string   `json:"owner_id"`
	EventType              string   `json:"event_type"`
	ThresholdCount         int      `json:"threshold_count"`
	ThresholdWindowMinutes int      `json:"threshold_window_minutes"`
	CooldownMinutes        int      `json:"cooldown_minutes"`
	SeverityThreshold      string   `json:"severity_threshold"`
	Channels               []string `json:"channels"`
	Enabled                bool     `json:"enabled"`
	CreatedAt              string   `json:"created_at,omitempty"`
	UpdatedAt              string   `json:"updated_at,omitempty"`
}

func ruleToRow(r *alerting.Rule) ruleRow {
	channels := make([]string, len(r.Channels))
	for i, ch := range r.Channels {
		channels[i] = string(ch)
	}
	return ruleRow{
		ID:                     r.ID,
		OwnerID:                r.OwnerID,
		EventType:              r.EventType,
		ThresholdCount:         r.ThresholdCount,
		ThresholdWindowMinutes: r.ThresholdWindowMinutes,
		CooldownMinutes:        r.CooldownMinutes,
		SeverityThreshold:      string(r.SeverityThreshold),
		Channels:               channels,
		Enabled:                r.Enabled,
		CreatedAt:              formatTime(r.CreatedAt),
		UpdatedAt:              formatTime(r.UpdatedAt),
	}
}

func (r ruleRow) toRule() alerting.Rule {
	channels := make([]alerting.ChannelType, len(r.Channels))
	for i, ch := range r.Channels {
		channels[i] = alerting.ChannelType(ch)
	}
	return alerting.Rule{
		ID:                     r.ID,
		OwnerID:                r.OwnerID,
		EventType:              r.EventType,
		ThresholdCount:         r.ThresholdCount,
		ThresholdWindowMinutes: r.ThresholdWindowMinutes,
		CooldownMinutes:        r.CooldownMinutes,
		SeverityThreshold:      alerting.Severity(r.SeverityThreshold),
		Channels:               channels,
		Enabled:                r.Enabled,
		CreatedAt:              parseTime(r.CreatedAt),
		UpdatedAt:              parseTime(r.UpdatedAt),
	}
}

type alertRuleStore struct {
	c *Client
}

// ListMatching pulls the owner's enabled rules and narrows to the event in
// process. Owners hold a handful of rules at most, so one round trip beats
// encoding the catch-all match into a PostgREST OR filter.
func (s *alertRuleStore) ListMatching(ctx context.Context, ownerID, eventType string) ([]alerting.Rule, error) {
	var rows []ruleRow
	_, err := s.c.db.From("alert_rules").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("enabled", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	var out []alerting.Rule
	for _, row := range rows {
		if row.EventType == "" || row.EventType == eventType {
			out = append(out, row.toRule())
		}
	}
	return out, nil
}

func (s *alertRuleStore) ListByOwner(ctx context.Context, ownerID string) ([]alerting.Rule, error) {
	var rows []ruleRow
	_, err := s.c.db.From("alert_rules").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	out := make([]alerting.Rule, len(rows))
	for i, row := range rows {
		out[i] = row.toRule()
	}
	return out, nil
}

func (s *alertRuleStore) Get(ctx context.Context, id string) (*alerting.Rule, error) {
	var rows []ruleRow
	_, err := s.c.db.From("alert_rules").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get alert rule: %w", err)
	}
	if len(rows) == 0 {
		return nil, alerting.ErrNotFound
	}
	rule := rows[0].toRule()
	return &rule, nil
}

func (s *alertRuleStore) Upsert(ctx context.Context, r *alerting.Rule) error {
	_, _, err := s.c.db.From("alert_rules").
		Upsert(ruleToRow(r), "id", "", "").
		Execute()
	return err
}

// ============================================================================
// ALERT HISTORY
// ============================================================================

type historyRow struct {
	ID           string   `json:"id"`
	OwnerID      string   `json:"owner_id"`
	GroupID      string   `json:"group_id,omitempty"`
	EventType    string   `json:"event_type"`
	DedupKey     string   `json:"dedup_key"`
	Severity     string   `json:"severity"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	ChannelsSent []string `json:"channels_sent"`
	CreatedAt    string   `json:"created_at"`
}

type alertHistoryStore struct {
	c *Client
}

func (s *alertHistoryStore) Append(ctx context.Context, e *alerting.HistoryEntry) error {
	channels := e.ChannelsSent
	if channels == nil {
		channels = []string{}
	}
	row := historyRow{
		ID:           e.ID,
		OwnerID:      e.OwnerID,
		GroupID:      e.GroupID,
		EventType:    e.EventType,
		DedupKey:     e.DedupKey,
		Severity:     string(e.Severity),
		Title:        e.Title,
		Message:      e.Message,
		ChannelsSent: channels,
		CreatedAt:    formatTime(e.CreatedAt),
	}
	_, _, err := s.c.db.From("alert_history").
		Insert(row, false, "", "", "").
		Execute()
	return err
}

func (s *alertHistoryStore) CountSince(ctx context.Context, dedupKey string, since time.Time) (int, error) {
	_, n, err := s.c.db.From("alert_history").
		Select("id", "exact", true).
		Eq("dedup_key", dedupKey).
		Gte("created_at", formatTime(since)).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("storage: count alert history: %w", err)
	}
	return int(n), nil
}

func (s *alertHistoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]alerting.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []historyRow
	_, err := s.c.db.From("alert_history").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert history: %w", err)
	}
	out := make([]alerting.HistoryEntry, len(rows))
	for i, row := range rows {
		out[i] = alerting.HistoryEntry{
			ID:           row.ID,
			OwnerID:      row.OwnerID,
			GroupID:      row.GroupID,
			EventType:    row.EventType,
			DedupKey:     row.DedupKey,
			Severity:     alerting.Severity(row.Severity),
			Title:        row.Title,
			Message:      row.Message,
			ChannelsSent: row.ChannelsSent,
			CreatedAt:    parseTime(row.CreatedAt),
		}
	}
	return out, nil
}

// ============================================================================
// ALERT COOLDOWNS
// ============================================================================

type cooldownRow struct {
	DedupKey string `json:"dedup_key"`
	Until    string `json:"until"`
}

type alertCooldownStore struct {
	c *Client
}

func (s *alertCooldownStore) Active(ctx context.Context, dedupKey string, now time.Time) (bool, error) {
	_, n, err := s.c.db.From("alert_cooldowns").
		Select("dedup_key", "exact", true).
		Eq("dedup_key", dedupKey).
		Gt("until", formatTime(now)).
		Execute()
	if err != nil {
		return false, fmt.Errorf("storage: check cooldown: %w", err)
	}
	return n > 0, nil
}

func (s *alertCooldownStore) Set(ctx context.Context, dedupKey string, until time.Time) error {
	row := cooldownRow{DedupKey: dedupKey, Until: formatTime(until)}
	_, _, err := s.c.db.From("alert_cooldowns").
		Upsert(row, "dedup_key", "", "").
		Execute()
	return err
}

func (s *alertCooldownStore) Purge(ctx context.Context, now time.Time) (int, error) {
	var purged []cooldownRow
	_, err := s.c.db.From("alert_cooldowns").
		Delete("", "").
		Lt("until", formatTime(now)).
		ExecuteTo(&purged)
	if err != nil {
		return 0, fmt.Errorf("storage: purge cooldowns: %w", err)
	}
	return len(purged), nil
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

type notificationRow struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

type notificationStore struct {
	c *Client
}

func (s *notificationStore) Insert(ctx context.Context, n *alerting.Notification) error {
	row := notificationRow{
		ID:        n.ID,
		OwnerID:   n.OwnerID,
		Title:     n.Title,
		Message:   n.Message,
		Severity:  string(n.Severity),
		Read:      n.Read,
		CreatedAt: formatTime(n.CreatedAt),
	}
	_, _, err := s.c.db.From("notifications").
		Insert(row, false, "", "", "").
		Execute()
	return err
}

func (s *notificationStore) ListByOwner(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]alerting.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.c.db.From("notifications").
		Select("*", "", false).
		Eq("owner_id", ownerID)
	if unreadOnly {
		q = q.Eq("read", "false")
	}
	var rows []notificationRow
	_, err := q.Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list notifications: %w", err)
	}
	out := make([]alerting.Notification, len(rows))
	for i, row := range rows {
		out[i] = alerting.Notification{
			ID:        row.ID,
			OwnerID:   row.OwnerID,
			Title:     row.Title,
			Message:   row.Message,
			Severity:  alerting.Severity(row.Severity),
			Read:      row.Read,
			CreatedAt: parseTime(row.CreatedAt),
		}
	}
	return out, nil
}

func (s *notificationStore) MarkRead(ctx context.Context, ownerID, id string) error {
	patch := map[string]interface{}{"read": true}
	var updated []notificationRow
	_, err := s.c.db.From("notifications").
		Update(patch, "", "").
		Eq("id", id).
		Eq("owner_id", ownerID).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("storage: mark notification read: %w", err)
	}
	if len(updated) == 0 {
		return alerting.ErrNotFound
	}
	return nil
}

// ============================================================================
// CHANNEL CONFIGS
// ============================================================================

type channelRow struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Type          string `json:"type"`
	EncryptedAuth string `json:"encrypted_auth"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type channelConfigStore struct {
	c *Client
}

func (s *channelConfigStore) Get(ctx context.Context, ownerID string, t alerting.ChannelType) (*alerting.ChannelConfig, error) {
	var rows []channelRow
	_, err := s.c.db.From("alert_channels").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("type", string(t)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get channel config: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	return &alerting.ChannelConfig{
		ID:            row.ID,
		OwnerID:       row.OwnerID,
		Type:          alerting.ChannelType(row.Type),
		EncryptedAuth: row.EncryptedAuth,
		Enabled:       row.Enabled,
		CreatedAt:     parseTime(row.CreatedAt),
	}, nil
}

func (s *channelConfigStore) Put(ctx context.Context, cfg *alerting.ChannelConfig) error {
	row := channelRow{
		ID:            cfg.ID,
		OwnerID:       cfg.OwnerID,
		Type:          string(cfg.Type),
		EncryptedAuth: cfg.EncryptedAuth,
		Enabled:       cfg.Enabled,
		CreatedAt:     formatTime(cfg.CreatedAt),
	}
	_, _, err := s.c.db.From("alert_channels").
		Upsert(row, "owner_id,type", "", "").
		Execute()
	return err
}
