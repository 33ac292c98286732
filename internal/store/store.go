package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pavelanni/respexport/internal/model"

	_ "modernc.org/sqlite"
)

// DefaultBehaviour is the question behaviour used when none is given.
const DefaultBehaviour = "deferredfeedback"

var (
	ErrQuizNotFound  = errors.New("quiz not found")
	ErrUsageNotFound = errors.New("question usage not found")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers; attempt iteration pages instead of holding rows open.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quizzes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		course_short TEXT NOT NULL DEFAULT '',
		context_id INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quiz_id INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		number INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		response_filename TEXT NOT NULL DEFAULT '',
		behaviour TEXT NOT NULL DEFAULT 'deferredfeedback',
		UNIQUE (quiz_id, slot),
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id)
	);

	CREATE TABLE IF NOT EXISTS students (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		firstname TEXT NOT NULL DEFAULT '',
		lastname TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS question_usages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		context_id INTEGER NOT NULL,
		component TEXT NOT NULL DEFAULT 'mod_quiz'
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quiz_id INTEGER NOT NULL,
		usage_id INTEGER NOT NULL DEFAULT 0,
		student_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		state TEXT NOT NULL DEFAULT 'inprogress',
		timefinish DATETIME,
		FOREIGN KEY (quiz_id) REFERENCES quizzes(id),
		FOREIGN KEY (student_id) REFERENCES students(id)
	);

	CREATE TABLE IF NOT EXISTS question_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		usage_id INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		behaviour TEXT NOT NULL,
		UNIQUE (usage_id, slot),
		FOREIGN KEY (usage_id) REFERENCES question_usages(id)
	);

	CREATE TABLE IF NOT EXISTS question_attempt_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_attempt_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		time_created DATETIME NOT NULL,
		UNIQUE (question_attempt_id, seq),
		FOREIGN KEY (question_attempt_id) REFERENCES question_attempts(id)
	);

	CREATE TABLE IF NOT EXISTS question_attempt_step_data (
		step_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (step_id, name),
		FOREIGN KEY (step_id) REFERENCES question_attempt_steps(id)
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		context_id INTEGER NOT NULL,
		component TEXT NOT NULL,
		filearea TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		filepath TEXT NOT NULL,
		filename TEXT NOT NULL,
		contenthash TEXT NOT NULL DEFAULT '',
		filesize INTEGER NOT NULL DEFAULT 0,
		UNIQUE (context_id, component, filearea, item_id, filepath, filename)
	);

	CREATE TABLE IF NOT EXISTS file_contents (
		contenthash TEXT PRIMARY KEY,
		content BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'teacher',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quiz_metadata (
		quiz_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (quiz_id, key)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS export_history (
		id TEXT PRIMARY KEY,
		quiz_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		entry_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateQuiz stores a quiz.
func (s *Store) CreateQuiz(ctx context.Context, q model.Quiz) (int64, error) {
	return insertQuiz(ctx, s.db, q)
}

func insertQuiz(ctx context.Context, db dbtx, q model.Quiz) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO quizzes (name, course_short, context_id) VALUES (?, ?, ?)`,
		q.Name, q.CourseShort, q.ContextID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetQuiz returns a quiz by ID.
func (s *Store) GetQuiz(ctx context.Context, id int64) (model.Quiz, error) {
	var q model.Quiz
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, course_short, context_id FROM quizzes WHERE id = ?`, id,
	).Scan(&q.ID, &q.Name, &q.CourseShort, &q.ContextID)
	if errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("%w: %d", ErrQuizNotFound, id)
	}
	return q, err
}

// ListQuizzes returns all quizzes.
func (s *Store) ListQuizzes(ctx context.Context) ([]model.Quiz, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, course_short, context_id FROM quizzes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quizzes []model.Quiz
	for rows.Next() {
		var q model.Quiz
		if err := rows.Scan(&q.ID, &q.Name, &q.CourseShort, &q.ContextID); err != nil {
			return nil, err
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// InsertQuestion stores a question in a quiz slot.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	return insertQuestion(ctx, s.db, q)
}

func insertQuestion(ctx context.Context, db dbtx, q model.Question) (int64, error) {
	if q.Behaviour == "" {
		q.Behaviour = DefaultBehaviour
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO questions (quiz_id, slot, number, text, response_filename, behaviour)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.QuizID, q.Slot, q.Number, q.Text, q.ResponseFileName, q.Behaviour,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListQuestions returns the questions of a quiz keyed by slot.
func (s *Store) ListQuestions(ctx context.Context, quizID int64) (map[int]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, quiz_id, slot, number, text, response_filename, behaviour
		 FROM questions WHERE quiz_id = ? ORDER BY slot`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	questions := make(map[int]model.Question)
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Slot, &q.Number, &q.Text, &q.ResponseFileName, &q.Behaviour); err != nil {
			return nil, err
		}
		questions[q.Slot] = q
	}
	return questions, rows.Err()
}
