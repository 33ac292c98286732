// Package export runs one response export: it streams the attempts of a quiz
// through the normalizer into an archive writer, one record at a time.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/respexport/internal/archive"
	"github.com/pavelanni/respexport/internal/model"
	"github.com/pavelanni/respexport/internal/normalize"
	"github.com/pavelanni/respexport/internal/store"
)

// Config holds the settings of an export run.
type Config struct {
	Options model.ExportOptions
	// Level is the deflate level; zero selects the default.
	Level int
	// ForceGC collects garbage after every attempt to bound memory on large
	// quizzes.
	ForceGC bool
	// RequestedBy is recorded in the export history.
	RequestedBy string
	// Filename is recorded in the export history; defaults to the base name
	// of the destination.
	Filename string
}

// Result summarizes a finished export.
type Result struct {
	ID       string
	Path     string
	Rows     int
	Entries  int
	Failures []archive.Failure
}

// Exporter exports quiz responses from the store.
type Exporter struct {
	store   *store.Store
	content archive.ContentOpener
	cfg     Config
}

// New returns an Exporter reading metadata from s and file bytes from content.
func New(s *store.Store, content archive.ContentOpener, cfg Config) *Exporter {
	return &Exporter{store: s, content: content, cfg: cfg}
}

// Run writes the archive of quizID to dest. On any fatal error dest is
// removed and the error returned; the run is recorded in the export history
// either way.
func (e *Exporter) Run(ctx context.Context, quizID int64, dest string) (Result, error) {
	res := Result{Path: dest}
	opts := e.cfg.Options

	quiz, err := e.store.GetQuiz(ctx, quizID)
	if err != nil {
		return res, fmt.Errorf("get quiz %d: %w", quizID, err)
	}
	questions, err := e.store.ListQuestions(ctx, quizID)
	if err != nil {
		return res, fmt.Errorf("list questions of quiz %d: %w", quizID, err)
	}

	w, err := archive.NewWriter(archive.Config{
		Options:   opts,
		Questions: questions,
		Content:   e.content,
		Dirs:      e.store,
		Level:     e.cfg.Level,
	})
	if err != nil {
		return res, err
	}

	res.ID = uuid.NewString()
	filename := e.cfg.Filename
	if filename == "" {
		filename = DownloadFilename(quiz.CourseShort, quiz.Name)
	}
	if err := e.store.StartExport(ctx, store.ExportRun{
		ID:          res.ID,
		QuizID:      quizID,
		Filename:    filename,
		Options:     EncodeOptions(opts),
		RequestedBy: e.cfg.RequestedBy,
		StartedAt:   time.Now(),
	}); err != nil {
		return res, fmt.Errorf("record export start: %w", err)
	}

	slog.Info("starting export", "id", res.ID, "quiz", quizID, "dest", dest,
		"folders", opts.Folders, "editorfilename", opts.EditorFilename, "whichtries", opts.WhichTries)

	if err := w.Start(dest); err != nil {
		e.finish(res, w, err)
		return res, err
	}

	n := normalize.New(e.store, e.store, e.cfg.ForceGC)
	err = e.store.EachAttempt(ctx, quizID, opts.States, func(a model.Attempt) error {
		return n.Each(ctx, a, opts.WhichTries, func(rec model.AttemptRecord) error {
			res.Rows++
			return w.WriteRecord(ctx, rec, res.Rows)
		})
	})
	if err != nil {
		w.Discard()
		err = fmt.Errorf("%w: %w", archive.ErrExportAborted, err)
		e.finish(res, w, err)
		res.Entries = w.Entries()
		res.Failures = w.Failures()
		return res, err
	}

	err = w.Finish()
	res.Entries = w.Entries()
	res.Failures = w.Failures()
	e.finish(res, w, err)
	if err != nil {
		return res, err
	}
	slog.Info("export finished", "id", res.ID, "rows", res.Rows, "entries", res.Entries, "failures", len(res.Failures))
	return res, nil
}

// finish records the outcome in the export history. The context may already
// be canceled, so a fresh one is used.
func (e *Exporter) finish(res Result, w *archive.Writer, runErr error) {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.FinishExport(ctx, res.ID, res.Rows, w.Entries(), len(w.Failures()), msg); err != nil {
		slog.Warn("cannot record export result", "id", res.ID, "error", err)
	}
}

// EncodeOptions renders options as a query string, the form accepted by
// model.ParseOptions.
func EncodeOptions(o model.ExportOptions) string {
	v := url.Values{}
	v.Set("folders", string(o.Folders))
	v.Set("editorfilename", string(o.EditorFilename))
	v.Set("whichtries", string(o.WhichTries))
	v.Set("naming", string(o.Naming))
	if o.ShowQText {
		v.Set("qtext", "1")
	}
	if !o.IgnoreInvalidFiles {
		v.Set("ignoreinvalidfiles", "0")
	}
	if len(o.States) > 0 {
		states := make([]string, len(o.States))
		for i, s := range o.States {
			states[i] = string(s)
		}
		v.Set("states", strings.Join(states, ","))
	}
	return v.Encode()
}

// DownloadFilename returns the archive name offered for download,
// "<course>-<quiz>-responses.zip" with unsafe characters removed.
func DownloadFilename(course, quiz string) string {
	var parts []string
	for _, p := range []string{course, quiz, "responses"} {
		p = strings.Join(strings.Fields(archive.SanitizeFileName(p)), " ")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-") + ".zip"
}

// IsAborted reports whether err ended an export without an archive.
func IsAborted(err error) bool {
	return errors.Is(err, archive.ErrExportAborted)
}
