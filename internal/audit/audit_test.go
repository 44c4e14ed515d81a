package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderStampsAndPersists(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	rec.Record(context.Background(), Event{
		ActorID:   "owner-1",
		EventType: EventApprovalCreated,
		TargetID:  "appr-1",
		Success:   true,
	})

	require.Eventually(t, func() bool { return store.Len() == 1 },
		time.Second, 10*time.Millisecond)

	events, err := store.Search(context.Background(), Query{ActorID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.Equal(t, EventApprovalCreated, events[0].EventType)
}

func TestRecorderNilStoreIsSafe(t *testing.T) {
	rec := NewRecorder(nil)
	rec.Record(context.Background(), Event{ActorID: "a", EventType: "x"})

	events, err := rec.Search(context.Background(), Query{})
	assert.NoError(t, err)
	assert.Nil(t, events)

	var none *Recorder
	none.Record(context.Background(), Event{ActorID: "a"})
}

func TestMemoryStoreSearch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []Event{
		{ID: "1", ActorID: "alice", EventType: EventVaultUnlock, Success: true, CreatedAt: base},
		{ID: "2", ActorID: "alice", EventType: EventVaultUnlock, Success: false, Error: "invalid password", CreatedAt: base.Add(time.Minute)},
		{ID: "3", ActorID: "bob", EventType: EventResourceCall, TargetID: "crm", Success: true, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "4", ActorID: "alice", EventType: EventResourceCall, TargetID: "crm", Success: true, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, e := range seed {
		require.NoError(t, store.Insert(ctx, e))
	}

	t.Run("by actor newest first", func(t *testing.T) {
		events, err := store.Search(ctx, Query{ActorID: "alice"})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "4", events[0].ID)
		assert.Equal(t, "1", events[2].ID)
	})

	t.Run("by event type and target", func(t *testing.T) {
		events, err := store.Search(ctx, Query{EventType: EventResourceCall, TargetID: "crm"})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("by success flag", func(t *testing.T) {
		failed := false
		events, err := store.Search(ctx, Query{Success: &failed})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "invalid password", events[0].Error)
	})

	t.Run("time window", func(t *testing.T) {
		events, err := store.Search(ctx, Query{
			Start: base.Add(30 * time.Second),
			End:   base.Add(150 * time.Second),
		})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "3", events[0].ID)
		assert.Equal(t, "2", events[1].ID)
	})

	t.Run("limit and offset", func(t *testing.T) {
		events, err := store.Search(ctx, Query{Limit: 2})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "4", events[0].ID)

		events, err = store.Search(ctx, Query{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "2", events[0].ID)
	})
}

func TestMemoryStoreCapsRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < maxMemoryEvents+10; i++ {
		require.NoError(t, store.Insert(ctx, Event{ID: "x", ActorID: "a", EventType: "t"}))
	}
	assert.Equal(t, maxMemoryEvents, store.Len())
}

func TestPostgresStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreFromDB(db)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs("evt-1", "owner-1", EventApprovalCreated, "appr-1", nil, "203.0.113.9",
			true, nil, nil, created).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Insert(context.Background(), Event{
		ID:        "evt-1",
		ActorID:   "owner-1",
		EventType: EventApprovalCreated,
		TargetID:  "appr-1",
		IP:        "203.0.113.9",
		Success:   true,
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSearch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStoreFromDB(db)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "actor_id", "event_type", "target_id", "group_id", "ip", "success", "error", "metadata", "created_at"}
	mock.ExpectQuery("SELECT id, actor_id, event_type").
		WithArgs("owner-1", 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("evt-2", "owner-1", EventResourceCall, "crm", nil, nil, true, nil, []byte(`{"method":"GET","status":200}`), created))

	events, err := store.Search(context.Background(), Query{ActorID: "owner-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "crm", events[0].TargetID)
	assert.Equal(t, "GET", events[0].Metadata["method"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
