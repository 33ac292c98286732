package store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/respexport/internal/model"
)

// MetaSource is the quiz metadata key holding the import source name.
const MetaSource = "source"

var ErrInvalidImport = errors.New("invalid quiz import")

// ContentWriter stores file bytes under a content hash.
type ContentWriter interface {
	Put(ctx context.Context, hash string, r io.Reader, size int64) error
}

// ContentHash returns the hex SHA-1 used to address file contents.
func ContentHash(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

// ImportQuiz loads a quiz with its questions, attempts, step history and
// attachments. File bytes are written through content before the metadata
// is committed in one transaction.
func (s *Store) ImportQuiz(ctx context.Context, qi model.QuizImport, source string, content ContentWriter) (int64, error) {
	if err := validateImport(qi); err != nil {
		return 0, err
	}

	for _, ai := range qi.Attempts {
		for _, steps := range ai.Slots {
			for _, si := range steps {
				for _, files := range si.Files {
					for _, fi := range files {
						if fi.Dir {
							continue
						}
						data := []byte(fi.Content)
						if err := content.Put(ctx, ContentHash(data), bytes.NewReader(data), int64(len(data))); err != nil {
							return 0, fmt.Errorf("store content of %s: %w", fi.Name, err)
						}
					}
				}
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	quizID, err := insertQuiz(ctx, tx, model.Quiz{Name: qi.Name, CourseShort: qi.CourseShort, ContextID: qi.ContextID})
	if err != nil {
		return 0, fmt.Errorf("insert quiz: %w", err)
	}

	behaviours := make(map[int]string, len(qi.Questions))
	for _, q := range qi.Questions {
		number := q.Number
		if number == 0 {
			number = q.Slot
		}
		behaviour := q.Behaviour
		if behaviour == "" {
			behaviour = DefaultBehaviour
		}
		behaviours[q.Slot] = behaviour
		if _, err := insertQuestion(ctx, tx, model.Question{
			QuizID:           quizID,
			Slot:             q.Slot,
			Number:           number,
			Text:             q.Text,
			ResponseFileName: q.ResponseFileName,
			Behaviour:        behaviour,
		}); err != nil {
			return 0, fmt.Errorf("insert question in slot %d: %w", q.Slot, err)
		}
	}

	for i, ai := range qi.Attempts {
		if err := importAttempt(ctx, tx, quizID, qi.ContextID, behaviours, ai); err != nil {
			return 0, fmt.Errorf("attempt %d (%s): %w", i+1, ai.Username, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quiz_metadata (quiz_id, key, value) VALUES (?, ?, ?)`,
		quizID, MetaSource, source,
	); err != nil {
		return 0, fmt.Errorf("record source: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	slog.Info("imported quiz", "id", quizID, "name", qi.Name, "questions", len(qi.Questions), "attempts", len(qi.Attempts))
	return quizID, nil
}

func validateImport(qi model.QuizImport) error {
	if strings.TrimSpace(qi.Name) == "" {
		return fmt.Errorf("%w: quiz name is required", ErrInvalidImport)
	}
	slots := make(map[int]bool, len(qi.Questions))
	for _, q := range qi.Questions {
		if q.Slot < 1 {
			return fmt.Errorf("%w: slot must be positive, got %d", ErrInvalidImport, q.Slot)
		}
		if slots[q.Slot] {
			return fmt.Errorf("%w: duplicate slot %d", ErrInvalidImport, q.Slot)
		}
		slots[q.Slot] = true
	}
	for _, ai := range qi.Attempts {
		if ai.Username == "" {
			return fmt.Errorf("%w: attempt without username", ErrInvalidImport)
		}
		if ai.State != "" {
			if _, err := model.ParseStates([]string{string(ai.State)}); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidImport, err)
			}
		}
		for slot := range ai.Slots {
			if !slots[slot] {
				return fmt.Errorf("%w: attempt of %s answers unknown slot %d", ErrInvalidImport, ai.Username, slot)
			}
		}
	}
	return nil
}

func importAttempt(ctx context.Context, tx dbtx, quizID, contextID int64, behaviours map[int]string, ai model.AttemptImport) error {
	studentID, err := upsertStudent(ctx, tx, ai.Username, ai.FirstName, ai.LastName)
	if err != nil {
		return fmt.Errorf("upsert student: %w", err)
	}
	usageID, err := insertUsage(ctx, tx, contextID)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if _, err := insertAttempt(ctx, tx, model.Attempt{
		QuizID:     quizID,
		UsageID:    usageID,
		UserID:     studentID,
		Number:     ai.Number,
		State:      ai.State,
		TimeFinish: ai.TimeFinish,
	}); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	slots := make([]int, 0, len(ai.Slots))
	for slot := range ai.Slots {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	created := time.Now().UTC()
	if ai.TimeFinish != nil {
		created = ai.TimeFinish.UTC()
	}
	for _, slot := range slots {
		qaID, err := insertQuestionAttempt(ctx, tx, usageID, slot, behaviours[slot])
		if err != nil {
			return fmt.Errorf("insert question attempt for slot %d: %w", slot, err)
		}
		steps := ai.Slots[slot]
		for seq, si := range steps {
			data := make(map[string]string, len(si.Data)+len(si.Files))
			for k, v := range si.Data {
				data[k] = v
			}
			for field, files := range si.Files {
				if _, ok := data[field]; !ok {
					data[field] = strconv.Itoa(len(files))
				}
			}
			stepID, err := insertStep(ctx, tx, qaID, model.Step{
				Seq:         seq,
				State:       si.State,
				Data:        data,
				TimeCreated: created.Add(time.Duration(seq-len(steps)) * time.Second),
			})
			if err != nil {
				return fmt.Errorf("insert step %d of slot %d: %w", seq, slot, err)
			}
			for field, files := range si.Files {
				if err := importFiles(ctx, tx, contextID, stepID, field, files); err != nil {
					return fmt.Errorf("files of step %d slot %d: %w", seq, slot, err)
				}
			}
		}
	}
	return nil
}

// importFiles records the files of one step variable, creating a directory
// record for every directory level that holds a file.
func importFiles(ctx context.Context, tx dbtx, contextID, stepID int64, field string, files []model.FileImport) error {
	dirs := make(map[string]bool)
	addDir := func(dir string) error {
		for dir != "/" && !dirs[dir] {
			dirs[dir] = true
			if _, err := insertFile(ctx, tx, model.StoredFile{
				ContextID: contextID,
				FileArea:  FileAreaPrefix + field,
				ItemID:    stepID,
				FilePath:  dir,
				FileName:  model.DirectoryName,
			}); err != nil {
				return fmt.Errorf("insert directory %s: %w", dir, err)
			}
			dir = parentDir(dir)
		}
		return nil
	}

	for _, fi := range files {
		dir := normalizeDir(fi.Path)
		if fi.Dir {
			if err := addDir(dir); err != nil {
				return err
			}
			continue
		}
		if fi.Name == "" || fi.Name == model.DirectoryName {
			return fmt.Errorf("%w: file in %s has no name", ErrInvalidImport, dir)
		}
		if err := addDir(dir); err != nil {
			return err
		}
		data := []byte(fi.Content)
		if _, err := insertFile(ctx, tx, model.StoredFile{
			ContextID:   contextID,
			FileArea:    FileAreaPrefix + field,
			ItemID:      stepID,
			FilePath:    dir,
			FileName:    fi.Name,
			ContentHash: ContentHash(data),
			Size:        int64(len(data)),
		}); err != nil {
			return fmt.Errorf("insert file %s%s: %w", dir, fi.Name, err)
		}
	}
	return nil
}

// normalizeDir turns "a/b", "/a/b/" or "" into "/a/b/" or "/".
func normalizeDir(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	if p == "/" {
		return p
	}
	return p + "/"
}

func parentDir(dir string) string {
	parent := path.Dir(strings.TrimSuffix(dir, "/"))
	if parent == "/" {
		return parent
	}
	return parent + "/"
}
