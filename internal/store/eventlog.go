package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vallit/flowexec/pkg/schema"
)

// AppendRunEvent appends an event with a monotonically increasing per-run sequence.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

// ListRunEvents returns events of a run with sequence > since, ordered by sequence.
func (s *LibSQLStore) ListRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StepTrace is the per-step view reconstructed from a run's event log.
type StepTrace struct {
	StepID      string     `json:"step_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ReplayRunEvents folds a run's events into step traces, in first-seen order.
// Returns an error if sequence gaps are detected.
func ReplayRunEvents(ctx context.Context, es RunEventStore, runID string) ([]*StepTrace, error) {
	events, err := es.ListRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	var order []*StepTrace
	traces := make(map[string]*StepTrace)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		tr, ok := traces[e.StepID]
		if !ok {
			tr = &StepTrace{StepID: e.StepID, Status: "pending"}
			traces[e.StepID] = tr
			order = append(order, tr)
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			tr.Status = "running"
			tr.Attempts++
			if tr.StartedAt == nil {
				tr.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			tr.Status = "retrying"
		case schema.EventStepCompleted:
			tr.Status = "completed"
			tr.CompletedAt = &ts
		case schema.EventStepFailed:
			tr.Status = "failed"
			tr.CompletedAt = &ts
			var p struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(e.Payload, &p) == nil {
				tr.Error = p.Error
			}
		}
		if tr.StartedAt != nil && tr.CompletedAt != nil {
			tr.DurationMs = tr.CompletedAt.Sub(*tr.StartedAt).Milliseconds()
		}
	}
	return order, nil
}
