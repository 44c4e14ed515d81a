// Package storage is the Supabase-backed row layer. Each domain package
// defines its own store interface; this package implements them against
// PostgREST tables plus a handful of control-plane rows (owners, vault
// blobs, gateway tokens, webhook subscriptions) that have no engine of
// their own. Timestamps travel as strings because Supabase emits
// timestamptz with a zone offset; parse on the way out, write UTC.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/gateway"
)

// Client wraps the Supabase client with every control-plane table operation.
type Client struct {
	db *supabase.Client
}

// NewClient connects using the service-role key from configuration.
func NewClient(cfg config.StorageConfig) (*Client, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("storage: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	db, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &Client{db: db}, nil
}

// Ping verifies the PostgREST endpoint is answering queries. Health checks
// call this on a cadence; a head-only count keeps it cheap.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.db.From("owners").
		Select("id", "exact", true).
		Limit(1, "").
		Execute()
	if err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// formatTime writes a timestamptz value the way every row in this package
// stores one.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads the timestamp spellings Supabase produces. Unparseable
// input yields the zero time rather than an error; a bad timestamp should
// not make a whole row unreadable.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999-07",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ============================================================================
// OWNERS
// ============================================================================

// OwnerRow is one tenant account. RateLimitOverride follows the API-key
// override rule: nil means use the plan, zero or negative means unlimited.
type OwnerRow struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	Plan              string `json:"plan"`
	RateLimitOverride *int   `json:"rate_limit_override,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// GetOwner retrieves one owner. Returns nil when the row does not exist.
func (c *Client) GetOwner(ctx context.Context, ownerID string) (*OwnerRow, error) {
	var rows []OwnerRow
	_, err := c.db.From("owners").
		Select("*", "", false).
		Eq("id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get owner: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UpsertOwner creates or replaces an owner row.
func (c *Client) UpsertOwner(ctx context.Context, row *OwnerRow) error {
	_, _, err := c.db.From("owners").
		Upsert(row, "id", "", "").
		Execute()
	return err
}

// ============================================================================
// VAULT BLOBS
// ============================================================================

// VaultRow holds one owner's encrypted vault blob. The blob is opaque here;
// the vault engine owns its format.
type VaultRow struct {
	OwnerID   string          `json:"owner_id"`
	Blob      json.RawMessage `json:"blob"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// GetVault retrieves an owner's vault blob. Returns nil when no vault
// exists yet.
func (c *Client) GetVault(ctx context.Context, ownerID string) (*VaultRow, error) {
	var rows []VaultRow
	_, err := c.db.From("vaults").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get vault: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PutVault writes an owner's vault blob, replacing any previous one.
func (c *Client) PutVault(ctx context.Context, ownerID string, blob json.RawMessage) error {
	row := VaultRow{
		OwnerID:   ownerID,
		Blob:      blob,
		UpdatedAt: formatTime(time.Now()),
	}
	_, _, err := c.db.From("vaults").
		Upsert(row, "owner_id", "", "").
		Execute()
	return err
}

// ============================================================================
// GATEWAY TOKENS
// ============================================================================

// GatewayTokenRow holds one owner's permanent token, sealed by the keyring
// before it ever reaches this package.
type GatewayTokenRow struct {
	OwnerID        string `json:"owner_id"`
	EncryptedToken string `json:"encrypted_token"`
	RotatedAt      string `json:"rotated_at,omitempty"`
}

// GetGatewayToken retrieves an owner's sealed permanent token. Returns ""
// when no token has been issued.
func (c *Client) GetGatewayToken(ctx context.Context, ownerID string) (string, error) {
	var rows []GatewayTokenRow
	_, err := c.db.From("gateway_tokens").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return "", fmt.Errorf("storage: get gateway token: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].EncryptedToken, nil
}

// PutGatewayToken stores an owner's sealed permanent token, replacing any
// previous one. Rotation is a plain overwrite; the old token stops
// validating as soon as the row lands.
func (c *Client) PutGatewayToken(ctx context.Context, ownerID, encryptedToken string) error {
	row := GatewayTokenRow{
		OwnerID:        ownerID,
		EncryptedToken: encryptedToken,
		RotatedAt:      formatTime(time.Now()),
	}
	_, _, err := c.db.From("gateway_tokens").
		Upsert(row, "owner_id", "", "").
		Execute()
	return err
}

var _ gateway.TokenStore = (*Client)(nil)

// ============================================================================
// WEBHOOK SUBSCRIPTIONS
// ============================================================================

// SubscriptionRow is one persisted webhook subscription. The signing secret
// is keyring-sealed by the caller; this package never sees it in the clear.
type SubscriptionRow struct {
	ID              string   `json:"id"`
	OwnerID         string   `json:"owner_id"`
	URL             string   `json:"url"`
	Events          []string `json:"events"`
	EncryptedSecret string   `json:"encrypted_secret"`
	Active          bool     `json:"active"`
	FailCount       int      `json:"fail_count"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

// ListSubscriptions returns every persisted subscription. The delivery
// registry loads them once at boot.
func (c *Client) ListSubscriptions(ctx context.Context) ([]SubscriptionRow, error) {
	var rows []SubscriptionRow
	_, err := c.db.From("webhook_subscriptions").
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list subscriptions: %w", err)
	}
	return rows, nil
}

// InsertSubscription persists a new subscription.
func (c *Client) InsertSubscription(ctx context.Context, row *SubscriptionRow) error {
	_, _, err := c.db.From("webhook_subscriptions").
		Insert(row, false, "", "", "").
		Execute()
	return err
}

// DeleteSubscription removes a subscription. The owner filter keeps one
// tenant from deleting another's registration.
func (c *Client) DeleteSubscription(ctx context.Context, ownerID, id string) error {
	_, _, err := c.db.From("webhook_subscriptions").
		Delete("", "").
		Eq("id", id).
		Eq("owner_id", ownerID).
		Execute()
	return err
}

// UpdateSubscriptionDelivery records delivery bookkeeping: the consecutive
// failure count and whether the subscription is still active.
func (c *Client) UpdateSubscriptionDelivery(ctx context.Context, id string, active bool, failCount int) error {
	patch := map[string]interface{}{
		"active":     active,
		"fail_count": failCount,
	}
	_, _, err := c.db.From("webhook_subscriptions").
		Update(patch, "", "").
		Eq("id", id).
		Execute()
	return err
}
