package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/control-plane/internal/apperr"
	"github.com/ocmt/control-plane/internal/audit"
	"github.com/ocmt/control-plane/internal/metrics"
)

func newTestService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	svc := NewService(NewMemoryStore(), audit.NewRecorder(auditStore), metrics.NewMetricsWith(prometheus.NewRegistry()))
	return svc, auditStore
}

func fullLattice(ctx context.Context, ownerID, subjectPublicKey string) []Permission {
	return []Permission{PermRead, PermList, PermWrite, PermDelete, PermAdmin, PermShareFurther}
}

func baseParams() CreateParams {
	return CreateParams{
		OwnerID:          "owner-1",
		SubjectPublicKey: "agent-pk-1",
		Resource:         "crm",
		Scope:            []Permission{PermRead},
		ExpiresInSeconds: 3600,
	}
}

func i64(v int64) *int64 { return &v }

func TestCreate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)
	assert.Len(t, a.ID, 36)
	assert.Len(t, a.Token, 64)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, a.CreatedAt.Add(24*time.Hour), a.ExpiresAt)
	assert.Nil(t, a.DecidedAt)
	assert.Empty(t, a.ExceedsCeiling)
}

func TestCreateIsIdempotentPerTriple(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	// Same triple, different reason: still the same pending row.
	p := baseParams()
	p.Reason = "asked twice"
	again, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Token, again.Token)

	// A different resource is a different request.
	p = baseParams()
	p.Resource = "calendar"
	other, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	// Once decided, the triple is free for a fresh request.
	_, err = svc.Deny(ctx, first.ID)
	require.NoError(t, err)
	fresh, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p := baseParams()
	p.OwnerID = ""
	_, err := svc.Create(ctx, p)
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))

	p = baseParams()
	p.Scope = nil
	_, err = svc.Create(ctx, p)
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))

	p = baseParams()
	p.Scope = []Permission{"sudo"}
	_, err = svc.Create(ctx, p)
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))

	p = baseParams()
	p.MaxCalls = i64(-1)
	_, err = svc.Create(ctx, p)
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))
}

func TestCreateSurfacesCeilingExcess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p := baseParams()
	p.Scope = []Permission{PermRead, PermWrite, PermAdmin}
	a, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermWrite, PermAdmin}, a.ExceedsCeiling)
}

func TestApproveAndStickyTerminals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.DecidedAt)

	// Approved is not terminal, but it is not pending either: a second
	// decision must conflict.
	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	_, err = svc.Deny(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	issued, err := svc.MarkIssued(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, issued.Status)

	// Issued is terminal.
	_, err = svc.MarkIssued(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestDenyIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	denied, err := svc.Deny(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, denied.Status)

	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	_, err = svc.MarkIssued(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestMarkIssuedRequiresApproved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	_, err = svc.MarkIssued(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestApproveWithConstraintsReduces(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetCeilingResolver(fullLattice)
	ctx := context.Background()

	p := baseParams()
	p.Scope = []Permission{PermRead, PermList, PermWrite}
	p.ExpiresInSeconds = 86400
	p.MaxCalls = nil
	a, err := svc.Create(ctx, p)
	require.NoError(t, err)

	decided, err := svc.ApproveWithConstraints(ctx, a.ID, Constraints{
		Scope:            []Permission{PermRead, PermWrite, PermDelete},
		ExpiresInSeconds: i64(172800),
		MaxCalls:         i64(10),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, []Permission{PermRead, PermWrite}, decided.EffectiveScope())
	assert.Equal(t, int64(86400), decided.EffectiveExpiresIn())
	require.NotNil(t, decided.EffectiveMaxCalls())
	assert.Equal(t, int64(10), *decided.EffectiveMaxCalls())

	// The requested fields stay on the row untouched.
	assert.Equal(t, []Permission{PermRead, PermList, PermWrite}, decided.Scope)
	assert.Equal(t, int64(86400), decided.ExpiresInSeconds)
	assert.Nil(t, decided.MaxCalls)
}

func TestApproveWithConstraintsNeverWidens(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetCeilingResolver(fullLattice)
	ctx := context.Background()

	p := baseParams()
	p.Scope = []Permission{PermRead}
	p.ExpiresInSeconds = 3600
	p.MaxCalls = i64(5)
	a, err := svc.Create(ctx, p)
	require.NoError(t, err)

	decided, err := svc.ApproveWithConstraints(ctx, a.ID, Constraints{
		Scope:            []Permission{PermRead, PermWrite},
		ExpiresInSeconds: i64(7200),
	})
	require.NoError(t, err)

	assert.Equal(t, []Permission{PermRead}, decided.EffectiveScope())
	assert.Equal(t, int64(3600), decided.EffectiveExpiresIn())
	require.NotNil(t, decided.EffectiveMaxCalls())
	assert.Equal(t, int64(5), *decided.EffectiveMaxCalls())
}

func TestApproveWithConstraintsValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	_, err = svc.ApproveWithConstraints(ctx, a.ID, Constraints{Scope: []Permission{"sudo"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))

	_, err = svc.ApproveWithConstraints(ctx, a.ID, Constraints{ExpiresInSeconds: i64(0)})
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))

	_, err = svc.ApproveWithConstraints(ctx, a.ID, Constraints{MaxCalls: i64(-3)})
	assert.True(t, apperr.IsKind(err, apperr.KindValidationFailed))
}

func TestCeilingRefusal(t *testing.T) {
	svc, auditStore := newTestService(t)
	ctx := context.Background()

	p := baseParams()
	p.Scope = []Permission{PermRead, PermWrite}
	a, err := svc.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermWrite}, a.ExceedsCeiling)

	// Plain approval would grant write, which the default ceiling forbids.
	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.Eventually(t, func() bool {
		events, _ := auditStore.Search(ctx, audit.Query{EventType: audit.EventApprovalRefused})
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)

	// Constraining the scope inside the ceiling makes the decision legal.
	decided, err := svc.ApproveWithConstraints(ctx, a.ID, Constraints{Scope: []Permission{PermRead}})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, []Permission{PermRead}, decided.EffectiveScope())
}

func TestGetByToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	got, err := svc.GetByToken(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = svc.GetByToken(ctx, "deadbeef")
	assert.True(t, apperr.IsKind(err, apperr.KindAuthInvalid))
}

func TestSweepExpired(t *testing.T) {
	svc, _ := newTestService(t)
	svc.requestTTL = -time.Minute
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	p := baseParams()
	p.Resource = "calendar"
	b, err := svc.Create(ctx, p)
	require.NoError(t, err)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	}

	// A second sweep finds nothing.
	n, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestLazyExpiryOnDecision(t *testing.T) {
	svc, _ := newTestService(t)
	svc.requestTTL = -time.Minute
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	// No sweep has run, but the window is gone: the decision itself moves
	// the row to expired.
	_, err = svc.Approve(ctx, a.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, baseParams())
	require.NoError(t, err)

	const racers = 20
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			if n%2 == 0 {
				_, err = svc.Approve(ctx, a.ID)
			} else {
				_, err = svc.Deny(ctx, a.ID)
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, apperr.IsKind(err, apperr.KindConflict))
		}
	}
	assert.Equal(t, 1, wins)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusApproved, StatusDenied}, got.Status)
}

func TestPresetSeconds(t *testing.T) {
	cases := []struct {
		preset string
		hours  int
		want   int64
	}{
		{"1h", 0, 3600},
		{"4h", 0, 14400},
		{"1d", 0, 86400},
		{"1w", 0, 604800},
		{"custom", 36, 129600},
		{"custom", 0, 3600},
		{"fortnight", 0, 3600},
		{"", 0, 3600},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PresetSeconds(tc.preset, tc.hours), "preset %q", tc.preset)
	}
}

func TestReduceHelpers(t *testing.T) {
	assert.Equal(t, []Permission{PermRead, PermWrite},
		Intersect([]Permission{PermRead, PermList, PermWrite}, []Permission{PermWrite, PermRead, PermDelete}))
	assert.Empty(t, Intersect([]Permission{PermRead}, nil))

	assert.Nil(t, minIgnoringNull(nil, nil))
	assert.Equal(t, int64(5), *minIgnoringNull(i64(5), nil))
	assert.Equal(t, int64(5), *minIgnoringNull(nil, i64(5)))
	assert.Equal(t, int64(3), *minIgnoringNull(i64(7), i64(3)))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusApproved.Terminal())
	assert.True(t, StatusDenied.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusIssued.Terminal())
}
