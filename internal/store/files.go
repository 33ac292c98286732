package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/respexport/internal/model"
)

const (
	// FileComponent owns every response file.
	FileComponent = "question"
	// FileAreaPrefix is prepended to a step variable name to form its file area.
	FileAreaPrefix = "response_"
)

var ErrContentNotFound = errors.New("file content not found")

const fileColumns = `id, context_id, component, filearea, item_id, filepath, filename, contenthash, filesize`

func scanFile(sc interface{ Scan(...any) error }) (model.StoredFile, error) {
	var f model.StoredFile
	err := sc.Scan(&f.ID, &f.ContextID, &f.Component, &f.FileArea, &f.ItemID, &f.FilePath, &f.FileName, &f.ContentHash, &f.Size)
	return f, err
}

// AddFile records file metadata. Directory records use model.DirectoryName.
func (s *Store) AddFile(ctx context.Context, f model.StoredFile) (int64, error) {
	return insertFile(ctx, s.db, f)
}

func insertFile(ctx context.Context, db dbtx, f model.StoredFile) (int64, error) {
	if f.Component == "" {
		f.Component = FileComponent
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO files (context_id, component, filearea, item_id, filepath, filename, contenthash, filesize)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ContextID, f.Component, f.FileArea, f.ItemID, f.FilePath, f.FileName, f.ContentHash, f.Size,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StepFiles returns the files saved for a step variable: plain files in the
// root directory plus the records of top-level subdirectories, ordered by
// path and name. Subdirectory contents are reached through DirectoryFiles.
func (s *Store) StepFiles(ctx context.Context, stepID int64, field string, contextID int64) ([]model.StoredFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE context_id = ? AND component = ? AND filearea = ? AND item_id = ?
		 ORDER BY filepath, filename`,
		contextID, FileComponent, FileAreaPrefix+field, stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("step files: %w", err)
	}
	defer rows.Close()

	var files []model.StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if isTopLevel(f) {
			files = append(files, f)
		}
	}
	return files, rows.Err()
}

// isTopLevel reports whether f is a root file or a direct child directory.
func isTopLevel(f model.StoredFile) bool {
	if f.FilePath == "/" {
		return !f.IsDir()
	}
	if !f.IsDir() {
		return false
	}
	return strings.Count(strings.Trim(f.FilePath, "/"), "/") == 0
}

// DirectoryFiles returns every descendant of a directory record (files and
// subdirectories), ordered by path and name.
func (s *Store) DirectoryFiles(ctx context.Context, dir model.StoredFile) ([]model.StoredFile, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("%s%s is not a directory", dir.FilePath, dir.FileName)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE context_id = ? AND component = ? AND filearea = ? AND item_id = ?
		   AND substr(filepath, 1, ?) = ?
		   AND NOT (filepath = ? AND filename = ?)
		 ORDER BY filepath, filename`,
		dir.ContextID, dir.Component, dir.FileArea, dir.ItemID,
		utf8.RuneCountInString(dir.FilePath), dir.FilePath,
		dir.FilePath, model.DirectoryName,
	)
	if err != nil {
		return nil, fmt.Errorf("directory files: %w", err)
	}
	defer rows.Close()

	var files []model.StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// PutContent stores file bytes under their content hash. Storing the same
// hash twice is a no-op.
func (s *Store) PutContent(ctx context.Context, hash string, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_contents (contenthash, content) VALUES (?, ?)
		 ON CONFLICT(contenthash) DO NOTHING`,
		hash, content,
	)
	return err
}

// GetContent returns the bytes stored under a content hash.
func (s *Store) GetContent(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM file_contents WHERE contenthash = ?`, hash,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, hash)
	}
	return content, err
}
