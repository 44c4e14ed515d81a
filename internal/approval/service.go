package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/crypto"
	"github.com/ocmt/control-plane/internal/metrics"
)

const approvalTokenBytes = 32

// CeilingResolver returns the permission ceiling for a subject. The default
// resolver grants {read, list} to every agent; a deployment with per-agent
// policies plugs its own lookup in here.
type CeilingResolver func(ctx context.Context, ownerID, subjectPublicKey string) []Permission

// Service drives the approval state machine on top of a Store.
type Service struct {
	store   Store
	auditor *audit.Recorder
	metrics *metrics.Metrics
	logger  *log.Logger

	ceilingFor CeilingResolver
	requestTTL time.Duration
}

func NewService(store Store, auditor *audit.Recorder, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		auditor: auditor,
		metrics: m,
		logger:  log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
		ceilingFor: func(ctx context.Context, ownerID, subjectPublicKey string) []Permission {
			return DefaultCeiling()
		},
		requestTTL: RequestTTL,
	}
}

// SetCeilingResolver replaces the per-agent ceiling lookup.
func (s *Service) SetCeilingResolver(f CeilingResolver) {
	if f != nil {
		s.ceilingFor = f
	}
}

// CreateParams describes a new capability request.
type CreateParams struct {
	OwnerID          string       `json:"owner_id"`
	SubjectPublicKey string       `json:"subject_public_key"`
	SubjectEmail     string       `json:"subject_email"`
	Resource         string       `json:"resource"`
	Scope            []Permission `json:"scope"`
	ExpiresInSeconds int64        `json:"expires_in_seconds"`
	MaxCalls         *int64       `json:"max_calls"`
	Reason           string       `json:"reason"`
}

// Create registers a capability request. Creation is idempotent per
// (owner, subject, resource): while a pending request for the triple is
// live, repeated creates return it instead of stacking duplicates.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Approval, error) {
	if p.OwnerID == "" || p.SubjectPublicKey == "" || p.Resource == "" {
		return nil, apperr.New(apperr.KindValidationFailed, "owner, subject and resource are required")
	}
	scope, err := normalizeScope(p.Scope)
	if err != nil {
		return nil, err
	}
	if p.ExpiresInSeconds <= 0 {
		p.ExpiresInSeconds = PresetSeconds("1h", 0)
	}
	if p.MaxCalls != nil && *p.MaxCalls < 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "max_calls must not be negative")
	}

	token, err := crypto.RandomHex(approvalTokenBytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to mint approval token", err)
	}

	now := time.Now().UTC()
	a := &Approval{
		ID:               uuid.NewString(),
		Token:            token,
		OwnerID:          p.OwnerID,
		SubjectPublicKey: p.SubjectPublicKey,
		SubjectEmail:     p.SubjectEmail,
		Resource:         p.Resource,
		Scope:            scope,
		ExpiresInSeconds: p.ExpiresInSeconds,
		MaxCalls:         p.MaxCalls,
		Reason:           p.Reason,
		Status:           StatusPending,
		ExceedsCeiling:   ExceedingPermissions(scope, s.ceilingFor(ctx, p.OwnerID, p.SubjectPublicKey)),
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.requestTTL),
	}

	row, created, err := s.store.InsertPending(ctx, a)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to store approval request", err)
	}
	if !created {
		s.logger.Printf("↩️ Reusing pending approval %s for %s on %s", row.ID, p.SubjectPublicKey, p.Resource)
		return row, nil
	}

	s.metrics.RecordApprovalTransition("none", string(StatusPending))
	s.auditor.Record(ctx, audit.Event{
		ActorID:   p.OwnerID,
		EventType: audit.EventApprovalCreated,
		TargetID:  row.ID,
		Success:   true,
	})
	if len(row.ExceedsCeiling) > 0 {
		s.logger.Printf("⚠️ Approval %s requests permissions above ceiling: %s", row.ID, joinPerms(row.ExceedsCeiling))
	}
	return row, nil
}

// Approve grants the request exactly as asked. Requests whose scope reaches
// above the permission ceiling cannot be approved this way; the approver
// must constrain the scope down first.
func (s *Service) Approve(ctx context.Context, id string) (*Approval, error) {
	return s.decide(ctx, id, StatusApproved, nil)
}

// ApproveWithConstraints grants the request reduced by the given
// constraints. Reductions only ever narrow: lifetime and call budget take
// minimums and scope intersects with what was requested.
func (s *Service) ApproveWithConstraints(ctx context.Context, id string, c Constraints) (*Approval, error) {
	for _, p := range c.Scope {
		if !ValidPermission(p) {
			return nil, apperr.Newf(apperr.KindValidationFailed, "unknown permission %q", p)
		}
	}
	if c.ExpiresInSeconds != nil && *c.ExpiresInSeconds <= 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "expiresInSeconds must be positive")
	}
	if c.MaxCalls != nil && *c.MaxCalls < 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "maxCalls must not be negative")
	}
	return s.decide(ctx, id, StatusApproved, &c)
}

// Deny refuses the request. Terminal.
func (s *Service) Deny(ctx context.Context, id string) (*Approval, error) {
	return s.decide(ctx, id, StatusDenied, nil)
}

// MarkIssued records that the capability was handed to the subject. Only an
// approved request can be issued.
func (s *Service) MarkIssued(ctx context.Context, id string) (*Approval, error) {
	a, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusApproved {
		return nil, apperr.Newf(apperr.KindConflict, "approval is %s, not approved", a.Status)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateDecision(ctx, id, StatusApproved, StatusIssued, now, nil); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, apperr.New(apperr.KindConflict, "approval changed concurrently")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to mark approval issued", err)
	}
	s.metrics.RecordApprovalTransition(string(StatusApproved), string(StatusIssued))
	return s.get(ctx, id)
}

// Get returns an approval by id.
func (s *Service) Get(ctx context.Context, id string) (*Approval, error) {
	return s.get(ctx, id)
}

// GetByToken resolves an approval token. Every miss looks the same to the
// caller.
func (s *Service) GetByToken(ctx context.Context, token string) (*Approval, error) {
	a, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthInvalid, "invalid approval token")
	}
	return a, nil
}

// ListByOwner returns the owner's approvals newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*Approval, error) {
	out, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list approvals", err)
	}
	return out, nil
}

// SweepExpired retires pending requests whose decision window lapsed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.ExpirePending(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.ApprovalsExpired.Add(float64(n))
		s.metrics.ApprovalTransitions.WithLabelValues(string(StatusPending), string(StatusExpired)).Add(float64(n))
		s.logger.Printf("⏳ Expired %d pending approvals", n)
	}
	return n, nil
}

// StartSweeper runs the expiry sweep on a ticker until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.logger.Printf("⚠️ Expiry sweep failed: %v", err)
				}
			}
		}
	}()
}

// ============================================================================
// INTERNALS
// ============================================================================

func (s *Service) get(ctx context.Context, id string) (*Approval, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "approval not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load approval", err)
	}
	return a, nil
}

// decide moves a pending request to its decided state. The conditional
// update in the store serializes racing decisions: exactly one wins, the
// rest surface a conflict.
func (s *Service) decide(ctx context.Context, id string, to Status, c *Constraints) (*Approval, error) {
	a, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, apperr.Newf(apperr.KindConflict, "approval already %s", a.Status)
	}

	now := time.Now().UTC()
	if now.After(a.ExpiresAt) {
		// Lazy expiry: the sweeper has not visited yet, but the window is
		// gone. Move the row and report it expired.
		if err := s.store.UpdateDecision(ctx, id, StatusPending, StatusExpired, now, nil); err == nil {
			s.metrics.RecordApprovalTransition(string(StatusPending), string(StatusExpired))
			s.metrics.ApprovalsExpired.Inc()
		}
		return nil, apperr.New(apperr.KindConflict, "approval request expired")
	}

	var applied *Constraints
	effective := a.Scope
	if to == StatusApproved {
		if c != nil {
			reduced := Reduce(a, *c)
			applied = &reduced
			effective = reduced.Scope
		}
		// The ceiling is re-resolved at decision time, not trusted from the
		// row: policy may have moved since the request was created.
		ceiling := s.ceilingFor(ctx, a.OwnerID, a.SubjectPublicKey)
		if exceeding := ExceedingPermissions(effective, ceiling); len(exceeding) > 0 {
			s.logger.Printf("🚫 Refusing approval %s: %s above permission ceiling", id, joinPerms(exceeding))
			s.auditor.Record(ctx, audit.Event{
				ActorID:   a.OwnerID,
				EventType: audit.EventApprovalRefused,
				TargetID:  id,
				Success:   false,
				Error:     fmt.Sprintf("scope exceeds ceiling: %s", joinPerms(exceeding)),
			})
			return nil, apperr.New(apperr.KindForbidden, "requested permissions exceed the allowed ceiling").
				WithDetails(map[string]interface{}{"exceeds_ceiling": exceeding})
		}
	}

	if err := s.store.UpdateDecision(ctx, id, StatusPending, to, now, applied); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, apperr.New(apperr.KindConflict, "approval already decided")
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to record decision", err)
	}

	s.metrics.RecordApprovalTransition(string(StatusPending), string(to))
	s.auditor.Record(ctx, audit.Event{
		ActorID:   a.OwnerID,
		EventType: audit.EventApprovalDecided,
		TargetID:  id,
		Success:   true,
		Metadata:  map[string]interface{}{"decision": string(to)},
	})
	return s.get(ctx, id)
}

func normalizeScope(scope []Permission) ([]Permission, error) {
	if len(scope) == 0 {
		return nil, apperr.New(apperr.KindValidationFailed, "scope must not be empty")
	}
	seen := make(map[Permission]bool, len(scope))
	out := make([]Permission, 0, len(scope))
	for _, p := range scope {
		if !ValidPermission(p) {
			return nil, apperr.Newf(apperr.KindValidationFailed, "unknown permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func joinPerms(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
