package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/alerting"
	"github.com/ocmt/control-plane/internal/approval"
	"github.com/ocmt/control-plane/internal/config"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(config.StorageConfig{})
	require.Error(t, err)

	_, err = NewClient(config.StorageConfig{SupabaseURL: "https://example.supabase.co"})
	require.Error(t, err)
}

func TestParseTimeFormats(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-03-01T10:20:30Z", time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"2026-03-01T10:20:30.123456+00:00", time.Date(2026, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{"2026-03-01T12:20:30.5+02:00", time.Date(2026, 3, 1, 10, 20, 30, 500000000, time.UTC)},
		{"2026-03-01T10:20:30.123456", time.Date(2026, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{"", time.Time{}},
		{"not a timestamp", time.Time{}},
	}
	for _, tc := range cases {
		assert.True(t, parseTime(tc.in).Equal(tc.want), tc.in)
	}
}

func TestFormatTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 30, 0, 250000000, time.UTC)
	assert.True(t, parseTime(formatTime(now)).Equal(now))

	// Non-UTC input normalizes to UTC on the way in.
	est := time.FixedZone("EST", -5*3600)
	local := time.Date(2026, 8, 25, 4, 30, 0, 0, est)
	assert.Equal(t, "2026-08-25T09:30:00Z", formatTime(local))
}

func TestApprovalRowRoundTrip(t *testing.T) {
	decided := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	maxCalls := int64(40)
	reduced := int64(3600)
	a := &approval.Approval{
		ID:               "ap-1",
		Token:            "tok",
		OwnerID:          "owner-1",
		SubjectPublicKey: "pk",
		SubjectEmail:     "agent@example.com",
		Resource:         "calendar",
		Scope:            []approval.Permission{approval.PermRead, approval.PermWrite},
		ExpiresInSeconds: 7200,
		MaxCalls:         &maxCalls,
		Reason:           "demo",
		Status:           approval.StatusApproved,
		ExceedsCeiling:   []approval.Permission{approval.PermAdmin},
		Applied: &approval.Constraints{
			ExpiresInSeconds: &reduced,
			Scope:            []approval.Permission{approval.PermRead},
		},
		CreatedAt: decided.Add(-time.Hour),
		ExpiresAt: decided.Add(23 * time.Hour),
		DecidedAt: &decided,
	}

	got := approvalToRow(a).toApproval()
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Scope, got.Scope)
	assert.Equal(t, a.ExceedsCeiling, got.ExceedsCeiling)
	assert.Equal(t, a.Status, got.Status)
	require.NotNil(t, got.MaxCalls)
	assert.Equal(t, maxCalls, *got.MaxCalls)
	require.NotNil(t, got.Applied)
	assert.Equal(t, []approval.Permission{approval.PermRead}, got.Applied.Scope)
	require.NotNil(t, got.DecidedAt)
	assert.True(t, got.DecidedAt.Equal(decided))
	assert.True(t, got.CreatedAt.Equal(a.CreatedAt))
	assert.True(t, got.ExpiresAt.Equal(a.ExpiresAt))
}

func TestApprovalRowOmitsUnsetOptionals(t *testing.T) {
	a := &approval.Approval{
		ID:        "ap-2",
		Token:     "tok-2",
		OwnerID:   "owner-1",
		Resource:  "mail",
		Scope:     []approval.Permission{approval.PermRead},
		Status:    approval.StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	row := approvalToRow(a)
	assert.Nil(t, row.MaxCalls)
	assert.Nil(t, row.Applied)
	assert.Nil(t, row.DecidedAt)

	got := row.toApproval()
	assert.Nil(t, got.MaxCalls)
	assert.Nil(t, got.Applied)
	assert.Nil(t, got.DecidedAt)
}

func TestRuleRowRoundTrip(t *testing.T) {
	r := &alerting.Rule{
		ID:                     "rule-1",
		OwnerID:                "owner-1",
		EventType:              "login.failed",
		ThresholdCount:         3,
		ThresholdWindowMinutes: 15,
		CooldownMinutes:        60,
		SeverityThreshold:      alerting.SeverityWarning,
		Channels:               []alerting.ChannelType{alerting.ChannelInApp, alerting.ChannelSlack},
		Enabled:                true,
		CreatedAt:              time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:              time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
	}
	got := ruleToRow(r).toRule()
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.SeverityThreshold, got.SeverityThreshold)
	assert.Equal(t, r.Channels, got.Channels)
	assert.True(t, got.CreatedAt.Equal(r.CreatedAt))
	assert.True(t, got.UpdatedAt.Equal(r.UpdatedAt))
}
