package storage

import (
	"context"
	"fmt"

	"github.com/ocmt/control-plane/internal/outbound"
)

// OutboundStores returns the database-backed bundle for the call fabric.
func OutboundStores(c *Client) outbound.Stores {
	return outbound.Stores{
		Resources: &resourceStore{c: c},
		Grants:    &grantStore{c: c},
	}
}

// ============================================================================
// RESOURCES
// ============================================================================

type resourceRow struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	BaseEndpoint  string `json:"base_endpoint"`
	Status        string `json:"status"`
	EncryptedAuth string `json:"encrypted_auth,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

func (r resourceRow) toResource() *outbound.Resource {
	return &outbound.Resource{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		BaseEndpoint:  r.BaseEndpoint,
		Status:        r.Status,
		EncryptedAuth: r.EncryptedAuth,
		CreatedAt:     parseTime(r.CreatedAt),
	}
}

type resourceStore struct {
	c *Client
}

func (s *resourceStore) Get(ctx context.Context, ownerID, resourceID string) (*outbound.Resource, error) {
	var rows []resourceRow
	_, err := s.c.db.From("resources").
		Select("*", "", false).
		Eq("id", resourceID).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get resource: %w", err)
	}
	if len(rows) == 0 {
		return nil, outbound.ErrNotFound
	}
	return rows[0].toResource(), nil
}

func (s *resourceStore) ListByOwner(ctx context.Context, ownerID string) ([]*outbound.Resource, error) {
	var rows []resourceRow
	_, err := s.c.db.From("resources").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list resources: %w", err)
	}
	out := make([]*outbound.Resource, len(rows))
	for i := range rows {
		out[i] = rows[i].toResource()
	}
	return out, nil
}

func (s *resourceStore) Upsert(ctx context.Context, r *outbound.Resource) error {
	row := resourceRow{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Name:          r.Name,
		BaseEndpoint:  r.BaseEndpoint,
		Status:        r.Status,
		EncryptedAuth: r.EncryptedAuth,
		CreatedAt:     formatTime(r.CreatedAt),
	}
	_, _, err := s.c.db.From("resources").
		Upsert(row, "id", "", "").
		Execute()
	return err
}

// ============================================================================
// RESOURCE GRANTS
// ============================================================================

type grantRow struct {
	ID         string   `json:"id"`
	OwnerID    string   `json:"owner_id"`
	ResourceID string   `json:"resource_id"`
	Status     string   `json:"status"`
	Scope      []string `json:"scope"`
	CreatedAt  string   `json:"created_at,omitempty"`
}

func (r grantRow) toGrant() *outbound.Grant {
	return &outbound.Grant{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		ResourceID: r.ResourceID,
		Status:     r.Status,
		Scope:      stringsToPerms(r.Scope),
		CreatedAt:  parseTime(r.CreatedAt),
	}
}

type grantStore struct {
	c *Client
}

func (s *grantStore) Get(ctx context.Context, ownerID, resourceID string) (*outbound.Grant, error) {
	var rows []grantRow
	_, err := s.c.db.From("resource_grants").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("resource_id", resourceID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get grant: %w", err)
	}
	if len(rows) == 0 {
		return nil, outbound.ErrNotFound
	}
	return rows[0].toGrant(), nil
}

func (s *grantStore) ListByOwner(ctx context.Context, ownerID string) ([]*outbound.Grant, error) {
	var rows []grantRow
	_, err := s.c.db.From("resource_grants").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list grants: %w", err)
	}
	out := make([]*outbound.Grant, len(rows))
	for i := range rows {
		out[i] = rows[i].toGrant()
	}
	return out, nil
}

func (s *grantStore) Upsert(ctx context.Context, g *outbound.Grant) error {
	row := grantRow{
		ID:         g.ID,
		OwnerID:    g.OwnerID,
		ResourceID: g.ResourceID,
		Status:     g.Status,
		Scope:      permsToStrings(g.Scope),
		CreatedAt:  formatTime(g.CreatedAt),
	}
	_, _, err := s.c.db.From("resource_grants").
		Upsert(row, "owner_id,resource_id", "", "").
		Execute()
	return err
}
