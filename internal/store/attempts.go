package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/respexport/internal/model"
)

// attemptPageSize bounds how many attempt rows are held while iterating.
const attemptPageSize = 100

// UpsertStudent returns the id of the student with the given username,
// creating or renaming it as needed.
func (s *Store) UpsertStudent(ctx context.Context, username, firstName, lastName string) (int64, error) {
	return upsertStudent(ctx, s.db, username, firstName, lastName)
}

func upsertStudent(ctx context.Context, db dbtx, username, firstName, lastName string) (int64, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO students (username, firstname, lastname) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET firstname = ?, lastname = ?`,
		username, firstName, lastName, firstName, lastName,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = db.QueryRowContext(ctx, `SELECT id FROM students WHERE username = ?`, username).Scan(&id)
	return id, err
}

// CreateUsage creates an empty question usage owned by the given context.
func (s *Store) CreateUsage(ctx context.Context, contextID int64) (int64, error) {
	return insertUsage(ctx, s.db, contextID)
}

func insertUsage(ctx context.Context, db dbtx, contextID int64) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO question_usages (context_id) VALUES (?)`, contextID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateAttempt stores a quiz attempt for an existing student.
func (s *Store) CreateAttempt(ctx context.Context, a model.Attempt) (int64, error) {
	return insertAttempt(ctx, s.db, a)
}

func insertAttempt(ctx context.Context, db dbtx, a model.Attempt) (int64, error) {
	if a.State == "" {
		a.State = model.StateInProgress
	}
	if a.Number == 0 {
		a.Number = 1
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO attempts (quiz_id, usage_id, student_id, attempt, state, timefinish)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.QuizID, a.UsageID, a.UserID, a.Number, a.State, a.TimeFinish,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddQuestionAttempt adds a slot to a question usage.
func (s *Store) AddQuestionAttempt(ctx context.Context, usageID int64, slot int, behaviour string) (int64, error) {
	return insertQuestionAttempt(ctx, s.db, usageID, slot, behaviour)
}

func insertQuestionAttempt(ctx context.Context, db dbtx, usageID int64, slot int, behaviour string) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO question_attempts (usage_id, slot, behaviour) VALUES (?, ?, ?)`,
		usageID, slot, behaviour,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddStep appends a step with its data to a question attempt.
func (s *Store) AddStep(ctx context.Context, questionAttemptID int64, step model.Step) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertStep(ctx, tx, questionAttemptID, step)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func insertStep(ctx context.Context, db dbtx, questionAttemptID int64, step model.Step) (int64, error) {
	if step.TimeCreated.IsZero() {
		step.TimeCreated = time.Now()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO question_attempt_steps (question_attempt_id, seq, state, time_created) VALUES (?, ?, ?, ?)`,
		questionAttemptID, step.Seq, step.State, step.TimeCreated,
	)
	if err != nil {
		return 0, err
	}
	stepID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for name, value := range step.Data {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO question_attempt_step_data (step_id, name, value) VALUES (?, ?, ?)`,
			stepID, name, value,
		); err != nil {
			return 0, err
		}
	}
	return stepID, nil
}

// EachAttempt calls fn for every attempt of the quiz in attempt id order.
// Attempts are fetched page by page so that fn may use the store.
// An empty states slice selects every state.
func (s *Store) EachAttempt(ctx context.Context, quizID int64, states []model.AttemptState, fn func(model.Attempt) error) error {
	var lastID int64
	for {
		page, err := s.attemptPage(ctx, quizID, states, lastID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		for _, a := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(a); err != nil {
				return err
			}
		}
		if len(page) < attemptPageSize {
			return nil
		}
		lastID = page[len(page)-1].ID
	}
}

func (s *Store) attemptPage(ctx context.Context, quizID int64, states []model.AttemptState, afterID int64) ([]model.Attempt, error) {
	query := `SELECT a.id, a.quiz_id, a.usage_id, a.student_id, st.username, st.firstname, st.lastname,
			a.attempt, a.state, a.timefinish
		FROM attempts a
		JOIN students st ON st.id = a.student_id
		WHERE a.quiz_id = ? AND a.id > ?`
	args := []any{quizID, afterID}
	if len(states) > 0 {
		query += ` AND a.state IN (?` + strings.Repeat(`, ?`, len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY a.id LIMIT ?`
	args = append(args, attemptPageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var page []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var finish sql.NullTime
		if err := rows.Scan(&a.ID, &a.QuizID, &a.UsageID, &a.UserID, &a.Username, &a.FirstName, &a.LastName,
			&a.Number, &a.State, &finish); err != nil {
			return nil, err
		}
		if finish.Valid {
			t := finish.Time
			a.TimeFinish = &t
		}
		page = append(page, a)
	}
	return page, rows.Err()
}

// LoadUsage decodes the full step history of a question usage, ordered by
// slot and step sequence.
func (s *Store) LoadUsage(ctx context.Context, usageID int64) (*model.Usage, error) {
	u := &model.Usage{ID: usageID, Attempts: make(map[int]*model.QuestionAttempt)}
	err := s.db.QueryRowContext(ctx,
		`SELECT context_id FROM question_usages WHERE id = ?`, usageID,
	).Scan(&u.ContextID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrUsageNotFound, usageID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT qa.slot, qa.behaviour, qas.id, qas.seq, qas.state, qas.time_created, qasd.name, qasd.value
		 FROM question_attempts qa
		 JOIN question_attempt_steps qas ON qas.question_attempt_id = qa.id
		 LEFT JOIN question_attempt_step_data qasd ON qasd.step_id = qas.id
		 WHERE qa.usage_id = ?
		 ORDER BY qa.slot, qas.seq`, usageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cur *model.Step
	for rows.Next() {
		var (
			slot        int
			behaviour   string
			step        model.Step
			name, value sql.NullString
		)
		if err := rows.Scan(&slot, &behaviour, &step.ID, &step.Seq, &step.State, &step.TimeCreated, &name, &value); err != nil {
			return nil, err
		}
		qa, ok := u.Attempts[slot]
		if !ok {
			qa = &model.QuestionAttempt{Slot: slot, Behaviour: behaviour}
			u.Attempts[slot] = qa
		}
		if cur == nil || cur.ID != step.ID {
			step.Data = make(map[string]string)
			qa.Steps = append(qa.Steps, step)
			cur = &qa.Steps[len(qa.Steps)-1]
		}
		if name.Valid {
			cur.Data[name.String] = value.String
		}
	}
	return u, rows.Err()
}
