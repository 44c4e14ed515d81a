package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ocmt/control-plane/internal/approval"
)

// ApprovalStore implements approval.Store against the approvals table.
//
// The table carries a partial unique index on (owner_id, subject_public_key,
// resource) where status = 'pending'; InsertPending leans on it so that two
// racing creates converge on one row. UpdateDecision is a filtered update:
// the status predicate rides in the WHERE clause, so the transition applies
// only if the row still holds the expected status.
type ApprovalStore struct {
	c *Client
}

// NewApprovalStore returns the database-backed approval store.
func NewApprovalStore(c *Client) *ApprovalStore {
	return &ApprovalStore{c: c}
}

type approvalRow struct {
	ID               string                `json:"id"`
	Token            string                `json:"token"`
	OwnerID          string                `json:"owner_id"`
	SubjectPublicKey string                `json:"subject_public_key"`
	SubjectEmail     string                `json:"subject_email,omitempty"`
	Resource         string                `json:"resource"`
	Scope            []string              `json:"scope"`
	ExpiresInSeconds int64                 `json:"expires_in_seconds"`
	MaxCalls         *int64                `json:"max_calls,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Status           string                `json:"status"`
	ExceedsCeiling   []string              `json:"exceeds_ceiling,omitempty"`
	Applied          *approval.Constraints `json:"applied_constraints,omitempty"`
	CreatedAt        string                `json:"created_at,omitempty"`
	ExpiresAt        string                `json:"expires_at"`
	DecidedAt        *string               `json:"decided_at,omitempty"`
}

func approvalToRow(a *approval.Approval) approvalRow {
	row := approvalRow{
		ID:               a.ID,
		Token:            a.Token,
		OwnerID:          a.OwnerID,
		SubjectPublicKey: a.SubjectPublicKey,
		SubjectEmail:     a.SubjectEmail,
		Resource:         a.Resource,
		Scope:            permsToStrings(a.Scope),
		ExpiresInSeconds: a.ExpiresInSeconds,
		MaxCalls:         a.MaxCalls,
		Reason:           a.Reason,
		Status:           string(a.Status),
		ExceedsCeiling:   permsToStrings(a.ExceedsCeiling),
		Applied:          a.Applied,
		CreatedAt:        formatTime(a.CreatedAt),
		ExpiresAt:        formatTime(a.ExpiresAt),
	}
	if a.DecidedAt != nil {
		s := formatTime(*a.DecidedAt)
		row.DecidedAt = &s
	}
	return row
}

func (r approvalRow) toApproval() *approval.Approval {
	a := &approval.Approval{
		ID:               r.ID,
		Token:            r.Token,
		OwnerID:          r.OwnerID,
		SubjectPublicKey: r.SubjectPublicKey,
		SubjectEmail:     r.SubjectEmail,
		Resource:         r.Resource,
		Scope:            stringsToPerms(r.Scope),
		ExpiresInSeconds: r.ExpiresInSeconds,
		MaxCalls:         r.MaxCalls,
		Reason:           r.Reason,
		Status:           approval.Status(r.Status),
		ExceedsCeiling:   stringsToPerms(r.ExceedsCeiling),
		Applied:          r.Applied,
		CreatedAt:        parseTime(r.CreatedAt),
		ExpiresAt:        parseTime(r.ExpiresAt),
	}
	if r.DecidedAt != nil {
		t := parseTime(*r.DecidedAt)
		a.DecidedAt = &t
	}
	return a
}

func permsToStrings(ps []approval.Permission) []string {
	if ps == nil {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func stringsToPerms(ss []string) []approval.Permission {
	if ss == nil {
		return nil
	}
	out := make([]approval.Permission, len(ss))
	for i, s := range ss {
		out[i] = approval.Permission(s)
	}
	return out
}

func (s *ApprovalStore) InsertPending(ctx context.Context, a *approval.Approval) (*approval.Approval, bool, error) {
	existing, err := s.findPending(a.OwnerID, a.SubjectPublicKey, a.Resource)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var inserted []approvalRow
	_, ierr := s.c.db.From("approvals").
		Insert(approvalToRow(a), false, "", "", "").
		ExecuteTo(&inserted)
	if ierr != nil {
		// A racing insert may have taken the pending slot; if so that row
		// wins and this call reports it as pre-existing.
		if racer, rerr := s.findPending(a.OwnerID, a.SubjectPublicKey, a.Resource); rerr == nil && racer != nil {
			return racer, false, nil
		}
		return nil, false, fmt.Errorf("storage: insert approval: %w", ierr)
	}
	if len(inserted) == 0 {
		return a, true, nil
	}
	return inserted[0].toApproval(), true, nil
}

func (s *ApprovalStore) findPending(ownerID, subjectKey, resource string) (*approval.Approval, error) {
	var rows []approvalRow
	_, err := s.c.db.From("approvals").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Eq("subject_public_key", subjectKey).
		Eq("resource", resource).
		Eq("status", string(approval.StatusPending)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: find pending approval: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toApproval(), nil
}

func (s *ApprovalStore) GetByID(ctx context.Context, id string) (*approval.Approval, error) {
	return s.getOne("id", id)
}

func (s *ApprovalStore) GetByToken(ctx context.Context, token string) (*approval.Approval, error) {
	return s.getOne("token", token)
}

func (s *ApprovalStore) getOne(col, val string) (*approval.Approval, error) {
	var rows []approvalRow
	_, err := s.c.db.From("approvals").
		Select("*", "", false).
		Eq(col, val).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get approval: %w", err)
	}
	if len(rows) == 0 {
		return nil, approval.ErrNotFound
	}
	return rows[0].toApproval(), nil
}

func (s *ApprovalStore) UpdateDecision(ctx context.Context, id string, from, to approval.Status, decidedAt time.Time, applied *approval.Constraints) error {
	patch := map[string]interface{}{
		"status": string(to),
	}
	// The first decision owns decided_at; issuing an approved capability
	// later must not move it.
	if from == approval.StatusPending {
		patch["decided_at"] = formatTime(decidedAt)
	}
	if applied != nil {
		patch["applied_constraints"] = applied
	}

	var updated []approvalRow
	_, err := s.c.db.From("approvals").
		Update(patch, "", "").
		Eq("id", id).
		Eq("status", string(from)).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("storage: update approval: %w", err)
	}
	if len(updated) == 0 {
		// Nothing matched: either the row is gone or another decision beat
		// this one. Re-read to report which.
		if _, gerr := s.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return approval.ErrStale
	}
	return nil
}

func (s *ApprovalStore) ExpirePending(ctx context.Context, cutoff time.Time) (int, error) {
	patch := map[string]interface{}{
		"status": string(approval.StatusExpired),
	}
	var moved []approvalRow
	_, err := s.c.db.From("approvals").
		Update(patch, "", "").
		Eq("status", string(approval.StatusPending)).
		Lt("expires_at", formatTime(cutoff)).
		ExecuteTo(&moved)
	if err != nil {
		return 0, fmt.Errorf("storage: expire approvals: %w", err)
	}
	return len(moved), nil
}

func (s *ApprovalStore) ListByOwner(ctx context.Context, ownerID string) ([]*approval.Approval, error) {
	var rows []approvalRow
	_, err := s.c.db.From("approvals").
		Select("*", "", false).
		Eq("owner_id", ownerID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	out := make([]*approval.Approval, len(rows))
	for i := range rows {
		out[i] = rows[i].toApproval()
	}
	return out, nil
}

var _ approval.Store = (*ApprovalStore)(nil)
