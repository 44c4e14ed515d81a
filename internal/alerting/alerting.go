// Package alerting evaluates platform events against per-owner alert rules
// and fans matching alerts out to the owner's configured channels.
//
// A trigger runs severity gating, dedup-key cooldown, threshold-count
// windowing and a per-channel throttle before any delivery happens. The
// whole sequence is atomic per dedup key so a burst of identical events
// produces one fan-out, not many. Triggering is best effort: channel
// failures are isolated and never surface to the caller.
package alerting

import (
	"time"

	"github.com/ocmt/control-plane/internal/crypto"
)

// Severity orders alert importance. The zero-ish value for unknown inputs
// is info.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s meets the floor.
func (s Severity) AtLeast(floor Severity) bool {
	return severityRank[s] >= severityRank[floor]
}

// ChannelType names an alert delivery channel.
type ChannelType string

const (
	ChannelInApp   ChannelType = "in_app"
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelWebhook ChannelType = "webhook"
)

// ValidChannel reports whether t is a known channel type.
func ValidChannel(t ChannelType) bool {
	switch t {
	case ChannelInApp, ChannelEmail, ChannelSlack, ChannelDiscord, ChannelWebhook:
		return true
	}
	return false
}

// Severity colors shared by every rendered channel payload.
const (
	colorCritical = "#DC2626" // red
	colorWarning  = "#F59E0B" // amber
	colorInfo     = "#6366F1" // indigo
)

// ColorFor maps a severity to its display color.
func ColorFor(s Severity) string {
	switch s {
	case SeverityCritical:
		return colorCritical
	case SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}

// TriggerInput is one observed platform event.
type TriggerInput struct {
	EventType string                 `json:"event_type"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Alert is a trigger after severity resolution and dedup-key derivation.
type Alert struct {
	ID        string                 `json:"id"`
	EventType string                 `json:"event_type"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	GroupID   string                 `json:"group_id,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	DedupKey  string                 `json:"dedup_key"`
	CreatedAt time.Time              `json:"created_at"`
}

// DedupKeyFor derives the 32-hex dedup key for an event. Events that share
// type, owner, group and source IP collapse onto one key.
func DedupKeyFor(in TriggerInput) string {
	ip := ""
	if in.Metadata != nil {
		if v, ok := in.Metadata["ip"].(string); ok {
			ip = v
		}
	}
	return crypto.DedupHash(in.EventType, in.OwnerID, in.GroupID, ip)
}

// Rule gates and routes alerts for an event type. An empty EventType
// matches every event of the rule's owner.
type Rule struct {
	ID                     string        `json:"id"`
	OwnerID                string        `json:"owner_id,omitempty"`
	EventType              string        `json:"event_type,omitempty"`
	ThresholdCount         int           `json:"threshold_count"`
	ThresholdWindowMinutes int           `json:"threshold_window_minutes"`
	CooldownMinutes        int           `json:"cooldown_minutes"`
	SeverityThreshold      Severity      `json:"severity_threshold"`
	Channels               []ChannelType `json:"channels"`
	Enabled                bool          `json:"enabled"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Window returns the threshold counting window.
func (r Rule) Window() time.Duration {
	return time.Duration(r.ThresholdWindowMinutes) * time.Minute
}

// Cooldown returns the post-fire cooldown length.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// DefaultRule is the rule synthesized when an owner has none configured
// for the event.
func DefaultRule() Rule {
	return Rule{
		ThresholdCount:         1,
		ThresholdWindowMinutes: 15,
		CooldownMinutes:        60,
		SeverityThreshold:      SeverityWarning,
		Channels:               []ChannelType{ChannelInApp, ChannelEmail},
		Enabled:                true,
	}
}

// HistoryEntry records one rule evaluation that reached the threshold
// stage, with the channels that actually received the alert. Entries below
// the threshold carry an empty channel list.
type HistoryEntry struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	EventType    string    `json:"event_type"`
	DedupKey     string    `json:"dedup_key"`
	Severity     Severity  `json:"severity"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ChannelsSent []string  `json:"channels_sent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notification is the in-app channel's persisted record.
type Notification struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelConfig binds an owner to one external delivery target. The auth
// blob (webhook URL, optional token) is a keyring ciphertext and is only
// decrypted at dispatch time.
type ChannelConfig struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Type          ChannelType `json:"type"`
	EncryptedAuth string      `json:"-"`
	Enabled       bool        `json:"enabled"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ChannelAuth is the decrypted form of a channel config's auth blob.
type ChannelAuth struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}
