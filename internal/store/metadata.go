package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetQuizMetadata upserts a key-value pair attached to a quiz.
func (s *Store) SetQuizMetadata(ctx context.Context, quizID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quiz_metadata (quiz_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(quiz_id, key) DO UPDATE SET value = ?`,
		quizID, key, value, value,
	)
	return err
}

// GetQuizMetadata returns the value for a quiz metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetQuizMetadata(ctx context.Context, quizID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM quiz_metadata WHERE quiz_id = ? AND key = ?`, quizID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetImportedFileHash returns the hash recorded for an imported file, or ""
// if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = ?`,
		path, hash, hash,
	)
	return err
}
