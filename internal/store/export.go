package store

import (
	"context"
	"database/sql"
	"time"
)

// ExportStatus is the state of a recorded export run.
type ExportStatus string

const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// ExportRun is one entry of the export history.
type ExportRun struct {
	ID          string
	QuizID      int64
	Filename    string
	Options     string
	Status      ExportStatus
	Rows        int
	Entries     int
	Failures    int
	Error       string
	RequestedBy string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// StartExport records a pending export run.
func (s *Store) StartExport(ctx context.Context, run ExportRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO export_history (id, quiz_id, filename, options, status, requested_by, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.QuizID, run.Filename, run.Options, ExportPending, run.RequestedBy, run.StartedAt,
	)
	return err
}

// FinishExport stores the outcome of an export run. A non-empty errMsg marks
// the run as failed.
func (s *Store) FinishExport(ctx context.Context, id string, rows, entries, failures int, errMsg string) error {
	status := ExportCompleted
	if errMsg != "" {
		status = ExportFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE export_history
		 SET status = ?, row_count = ?, entry_count = ?, failure_count = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		status, rows, entries, failures, errMsg, time.Now(), id,
	)
	return err
}

// ListExports returns the export history of a quiz, newest first.
func (s *Store) ListExports(ctx context.Context, quizID int64) ([]ExportRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, quiz_id, filename, options, status, row_count, entry_count, failure_count, error, requested_by, started_at, finished_at
		 FROM export_history WHERE quiz_id = ? ORDER BY started_at DESC, id`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []ExportRun
	for rows.Next() {
		var r ExportRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.QuizID, &r.Filename, &r.Options, &r.Status, &r.Rows, &r.Entries,
			&r.Failures, &r.Error, &r.RequestedBy, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
