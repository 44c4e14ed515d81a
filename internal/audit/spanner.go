package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore persists audit events in Cloud Spanner. Reads use a bounded
// stale timestamp so the query API never competes with the write path.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore creates an audit store backed by Spanner.
func NewSpannerStore(project, instance, database string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[AuditSpanner] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) Insert(ctx context.Context, e Event) error {
	var meta string
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = string(b)
	}

	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("AuditEvents",
			[]string{"AuditID", "ActorID", "EventType", "TargetID", "GroupID", "IP", "Success", "Error", "Metadata", "CreatedAt"},
			[]interface{}{e.ID, e.ActorID, e.EventType, e.TargetID, e.GroupID, e.IP, e.Success, e.Error, meta, e.CreatedAt},
		),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		// Callers may stamp their own IDs, so a replayed event can land
		// twice. The row is already there.
		return nil
	}
	return err
}

func (s *SpannerStore) Search(ctx context.Context, q Query) ([]Event, error) {
	sql := `SELECT AuditID, ActorID, EventType, TargetID, GroupID, IP, Success, Error, Metadata, CreatedAt
		FROM AuditEvents WHERE TRUE`
	params := map[string]interface{}{}

	if q.ActorID != "" {
		sql += " AND ActorID = @actor"
		params["actor"] = q.ActorID
	}
	if q.EventType != "" {
		sql += " AND EventType = @etype"
		params["etype"] = q.EventType
	}
	if q.TargetID != "" {
		sql += " AND TargetID = @target"
		params["target"] = q.TargetID
	}
	if q.Success != nil {
		sql += " AND Success = @success"
		params["success"] = *q.Success
	}
	if !q.Start.IsZero() {
		sql += " AND CreatedAt >= @start"
		params["start"] = q.Start
	}
	if !q.End.IsZero() {
		sql += " AND CreatedAt <= @end"
		params["end"] = q.End
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	sql += " ORDER BY CreatedAt DESC LIMIT @limit"
	params["limit"] = int64(limit)
	if q.Offset > 0 {
		sql += " OFFSET @offset"
		params["offset"] = int64(q.Offset)
	}

	// Stale read: audit queries tolerate a few seconds of lag.
	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	iter := roTx.Query(ctx, spanner.Statement{SQL: sql, Params: params})
	defer iter.Stop()

	var out []Event
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return nil, fmt.Errorf("audit: AuditEvents table missing: %w", err)
			}
			return nil, err
		}

		var (
			e    Event
			meta string
		)
		if err := row.Columns(&e.ID, &e.ActorID, &e.EventType, &e.TargetID, &e.GroupID, &e.IP,
			&e.Success, &e.Error, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the Spanner client.
func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
