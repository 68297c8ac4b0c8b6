package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/firewatch/internal/detection"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Store appends to and queries the detection event log. It is safe for
// concurrent use; appends are serialized and reads run against a separate
// connection pool.
type Store struct {
	db     *state.Database
	logger *logger.Logger
	bus    *service.EventBus
	now    func() time.Time
	mu     sync.Mutex
}

// NewStore creates a store over an opened database
func NewStore(db *state.Database, log *logger.Logger) *Store {
	return &Store{db: db, logger: log, now: time.Now}
}

// SetEventBus makes Record publish EventTypeDetectionRecorded
func (s *Store) SetEventBus(bus *service.EventBus) {
	s.bus = bus
}

// Record durably appends e and returns it with its assigned id and time. The
// time is the current clock, raised to the newest stored time if the clock
// went backwards, so the log stays ordered. Write failures wrap
// ErrStorageWrite.
func (s *Store) Record(ctx context.Context, e NewEvent) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ev Event
	err := s.db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(occurred_at), 0) FROM detection_events").Scan(&last); err != nil {
			return fmt.Errorf("read last timestamp: %w", err)
		}
		ts := s.now().UnixNano()
		if ts < last {
			ts = last
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO detection_events (detection_type, confidence, source_reference, occurred_at, alert_sent)
			VALUES (?, ?, ?, ?, ?)`,
			string(e.Type), e.Confidence, nullString(e.SourceReference), ts, e.AlertSent,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read event id: %w", err)
		}

		ev = Event{
			ID:              id,
			Type:            e.Type,
			Confidence:      e.Confidence,
			SourceReference: e.SourceReference,
			OccurredAt:      time.Unix(0, ts),
			AlertSent:       e.AlertSent,
		}
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.logger.Debug("Detection event recorded",
		"id", ev.ID,
		"type", ev.Type,
		"confidence", ev.Confidence,
		"alert_sent", ev.AlertSent,
	)
	if s.bus != nil {
		s.bus.Publish(service.Event{Type: service.EventTypeDetectionRecorded, Source: "events", Data: ev})
	}
	return ev, nil
}

// List returns up to limit events matching f, newest first. limit <= 0 uses
// DefaultLimit; it is capped at MaxLimit.
func (s *Store) List(ctx context.Context, f Filter, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	where, args := f.clauses()
	query := "SELECT id, detection_type, confidence, source_reference, occurred_at, alert_sent FROM detection_events" +
		where + " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev   Event
			typ  string
			ref  sql.NullString
			nano int64
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Confidence, &ref, &nano, &ev.AlertSent); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = detection.Type(typ)
		ev.SourceReference = ref.String
		ev.OccurredAt = time.Unix(0, nano)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// Count returns how many events match f
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.clauses()
	var n int
	if err := s.db.Reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM detection_events"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Stats aggregates the whole log and attaches the recentAlerts most recent
// events that triggered an alert
func (s *Store) Stats(ctx context.Context, recentAlerts int) (Stats, error) {
	var st Stats
	err := s.db.Reader().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN detection_type = 'fire' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN detection_type = 'smoke' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN detection_type = 'both' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN alert_sent THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN confidence > ? THEN 1 ELSE 0 END), 0)
		FROM detection_events`, HighConfidenceAbove,
	).Scan(&st.Total, &st.Fire, &st.Smoke, &st.Both, &st.Alerts, &st.HighConfidence)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate events: %w", err)
	}

	st.RecentAlerts = []Recent{}
	if recentAlerts > 0 {
		sent := true
		recent, err := s.List(ctx, Filter{AlertSent: &sent}, recentAlerts)
		if err != nil {
			return st, err
		}
		for _, ev := range recent {
			st.RecentAlerts = append(st.RecentAlerts, ev.Summary())
		}
	}
	return st, nil
}

func (f Filter) clauses() (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f.Type != "" {
		conds = append(conds, "detection_type = ?")
		args = append(args, string(f.Type))
	}
	if f.AlertSent != nil {
		conds = append(conds, "alert_sent = ?")
		args = append(args, *f.AlertSent)
	}
	if f.MinConfidence != nil {
		conds = append(conds, "confidence > ?")
		args = append(args, *f.MinConfidence)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "occurred_at < ?")
		args = append(args, f.Until.UnixNano())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
