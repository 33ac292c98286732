// Package quizfile loads quiz YAML documents into the store, skipping files
// that were already imported unchanged.
package quizfile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/respexport/internal/model"
	"github.com/pavelanni/respexport/internal/store"
)

var ErrAlreadyImported = errors.New("quiz file already imported")

// Parse decodes a quiz document. Unknown keys are rejected.
func Parse(data []byte) (model.QuizImport, error) {
	var qi model.QuizImport
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&qi); err != nil {
		if errors.Is(err, io.EOF) {
			return qi, fmt.Errorf("%w: empty document", store.ErrInvalidImport)
		}
		return qi, fmt.Errorf("%w: %w", store.ErrInvalidImport, err)
	}
	return qi, nil
}

// Import parses data and stores the quiz under the given source name. A file
// whose sha256 matches the last import of the same name returns
// ErrAlreadyImported. A changed file is imported as a new quiz.
func Import(ctx context.Context, s *store.Store, content store.ContentWriter, name string, data []byte) (int64, model.QuizImport, error) {
	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(name)
	if err != nil {
		return 0, model.QuizImport{}, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if storedHash == hash {
		slog.Info("quiz file unchanged, skipping", "path", name)
		return 0, model.QuizImport{}, fmt.Errorf("%w: %s", ErrAlreadyImported, name)
	}
	if storedHash != "" {
		slog.Warn("quiz file changed since last import, importing as a new quiz", "path", name)
	}

	qi, err := Parse(data)
	if err != nil {
		return 0, qi, fmt.Errorf("parse %s: %w", name, err)
	}
	id, err := s.ImportQuiz(ctx, qi, name, content)
	if err != nil {
		return 0, qi, fmt.Errorf("import %s: %w", name, err)
	}
	if err := s.SetImportedFileHash(name, hash); err != nil {
		return id, qi, fmt.Errorf("record import for %s: %w", name, err)
	}
	return id, qi, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
