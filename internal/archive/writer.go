// Package archive writes normalized attempt records into a ZIP archive,
// grouped by question or by student.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/pavelanni/respexport/internal/model"
)

var (
	ErrOptionsNotSet  = errors.New("export options not set")
	ErrNotOpen        = errors.New("archive is not open")
	ErrExportAborted  = errors.New("export aborted")
	ErrDuplicateEntry = errors.New("duplicate archive entry")
	ErrInvalidPath    = errors.New("invalid archive path")
)

// State is the lifecycle state of a Writer.
type State int

const (
	NotStarted State = iota
	Open
	Closed
	Aborted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ContentOpener opens stored file contents by hash.
type ContentOpener interface {
	Open(ctx context.Context, hash string) (io.ReadCloser, error)
}

// DirectoryLister lists every descendant of a directory record.
type DirectoryLister interface {
	DirectoryFiles(ctx context.Context, dir model.StoredFile) ([]model.StoredFile, error)
}

// Failure is an entry that could not be added to the archive.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) String() string {
	return f.Path + ": " + f.Err.Error()
}

// Config configures a Writer.
type Config struct {
	Options model.ExportOptions
	// Questions holds the question metadata keyed by slot.
	Questions map[int]model.Question
	Content   ContentOpener
	Dirs      DirectoryLister
	// Level is the deflate level, 1 to 9. Zero selects the default level.
	Level int
}

// Writer places response cells at computed paths inside one ZIP archive.
// Single entry failures are recorded and do not stop the export; unless
// IgnoreInvalidFiles is set they make Finish discard the archive.
type Writer struct {
	opts      model.ExportOptions
	questions map[int]model.Question
	content   ContentOpener
	dirs      DirectoryLister
	level     int
	now       func() time.Time

	state    State
	dest     string
	file     *os.File
	zw       *zip.Writer
	abort    bool
	names    map[string]bool
	failures []Failure
	entries  int
}

// NewWriter validates the options and returns a Writer in NotStarted state.
func NewWriter(cfg Config) (*Writer, error) {
	o := cfg.Options
	if o.Folders == "" && o.EditorFilename == "" && o.WhichTries == "" {
		return nil, ErrOptionsNotSet
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if cfg.Content == nil || cfg.Dirs == nil {
		return nil, errors.New("archive writer needs a content opener and a directory lister")
	}
	level := cfg.Level
	if level == 0 {
		level = flate.DefaultCompression
	} else if level < flate.BestSpeed || level > flate.BestCompression {
		return nil, fmt.Errorf("compression level %d out of range", level)
	}
	questions := cfg.Questions
	if questions == nil {
		questions = map[int]model.Question{}
	}
	return &Writer{
		opts:      o,
		questions: questions,
		content:   cfg.Content,
		dirs:      cfg.Dirs,
		level:     level,
		now:       time.Now,
	}, nil
}

// State returns the lifecycle state.
func (w *Writer) State() State { return w.state }

// Failures returns the entries that could not be written.
func (w *Writer) Failures() []Failure { return w.failures }

// Entries returns the number of entries written.
func (w *Writer) Entries() int { return w.entries }

// Start creates the archive at dest.
func (w *Writer) Start(dest string) error {
	if w.state != NotStarted {
		return fmt.Errorf("start archive in state %s", w.state)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		w.state = Aborted
		slog.Error("cannot open archive", "path", dest, "error", err)
		return fmt.Errorf("%w: open %s: %w", ErrExportAborted, dest, err)
	}
	w.dest = dest
	w.file = f
	w.zw = zip.NewWriter(f)
	level := w.level
	w.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	w.names = make(map[string]bool)
	w.state = Open
	slog.Debug("archive opened", "path", dest)
	return nil
}

// WriteRecord writes every non-empty cell of the record. rownum is the
// 1-based report row used in the attempt folder name. Entry failures are
// recorded, not returned.
func (w *Writer) WriteRecord(ctx context.Context, rec model.AttemptRecord, rownum int) error {
	if w.state != Open {
		return fmt.Errorf("%w: state %s", ErrNotOpen, w.state)
	}
	attemptName := AttemptName(rownum, rec.Attempt, w.opts.Naming)

	slots := make([]int, 0, len(rec.Cells))
	for slot := range rec.Cells {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		cell := rec.Cells[slot]
		if cell.Empty() {
			continue
		}
		questionName := QuestionName(slot)
		archivePath, err := ArchivePath(w.opts.Folders, questionName, attemptName)
		if err != nil {
			return err
		}
		q := w.questions[slot]

		if w.opts.ShowQText {
			w.writeQuestionText(questionName, archivePath, q)
		}
		if cell.Text != nil {
			name, err := ResponseFile(w.opts.EditorFilename, q)
			if err != nil {
				return err
			}
			w.addText(SanitizePath(archivePath+name), *cell.Text)
		}
		for _, f := range cell.Files {
			if f.IsDir() {
				w.addDirectory(ctx, archivePath, f)
				continue
			}
			name := SanitizeFileName(f.FileName)
			if name == "" {
				w.fail(archivePath+f.FileName, ErrInvalidPath, true)
				continue
			}
			w.addStored(ctx, SanitizePath(archivePath+name), f, true)
		}
	}
	return nil
}

// writeQuestionText adds the question text once per question folder, or
// once per attempt folder when grouping by student.
func (w *Writer) writeQuestionText(questionName, archivePath string, q model.Question) {
	if q.Text == "" {
		return
	}
	dir := archivePath
	if w.opts.Folders == model.QuestionWise {
		dir = questionName + "/"
	}
	p := SanitizePath(dir + QuestionTextFileName)
	if w.names[p] {
		return
	}
	w.addText(p, q.Text)
}

// Finish closes the archive. The archive is kept only if closing succeeded
// and no failure requested an abort; otherwise it is deleted.
func (w *Writer) Finish() error {
	switch w.state {
	case Open:
	case Aborted:
		return fmt.Errorf("%w: state %s", ErrExportAborted, w.state)
	default:
		return fmt.Errorf("%w: state %s", ErrNotOpen, w.state)
	}

	zerr := w.zw.Close()
	ferr := w.file.Close()
	if err := errors.Join(zerr, ferr); err != nil {
		w.remove()
		slog.Error("cannot close archive", "path", w.dest, "error", err)
		return fmt.Errorf("%w: close %s: %w", ErrExportAborted, w.dest, err)
	}
	if w.abort {
		w.remove()
		slog.Error("archive discarded", "path", w.dest, "failures", len(w.failures))
		return fmt.Errorf("%w: %d entries failed", ErrExportAborted, len(w.failures))
	}
	w.state = Closed
	slog.Info("archive written", "path", w.dest, "entries", w.entries, "failures", len(w.failures))
	return nil
}

// Discard closes and deletes an open archive after a fatal error elsewhere.
func (w *Writer) Discard() {
	if w.state != Open {
		return
	}
	w.zw.Close()
	w.file.Close()
	w.remove()
	slog.Warn("archive discarded", "path", w.dest)
}

func (w *Writer) remove() {
	w.state = Aborted
	if err := os.Remove(w.dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("cannot remove archive", "path", w.dest, "error", err)
	}
}

// fail records an entry failure. Escalating failures abort the export
// unless invalid files are ignored.
func (w *Writer) fail(p string, err error, escalate bool) {
	slog.Warn("cannot add archive entry", "path", p, "error", err)
	w.failures = append(w.failures, Failure{Path: p, Err: err})
	if escalate && !w.opts.IgnoreInvalidFiles {
		w.abort = true
	}
}

// create starts a new entry after checking its name.
func (w *Writer) create(p string, modified time.Time) (io.Writer, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return nil, ErrInvalidPath
	}
	if w.names[p] {
		return nil, ErrDuplicateEntry
	}
	method := zip.Deflate
	if strings.HasSuffix(p, "/") {
		method = zip.Store
	}
	fw, err := w.zw.CreateHeader(&zip.FileHeader{Name: p, Method: method, Modified: modified})
	if err != nil {
		return nil, err
	}
	w.names[p] = true
	w.entries++
	return fw, nil
}

func (w *Writer) addText(p, text string) {
	fw, err := w.create(p, w.now())
	if err != nil {
		w.fail(p, err, true)
		return
	}
	if _, err := io.WriteString(fw, text); err != nil {
		// The entry header is already written, so the archive is damaged.
		w.fail(p, err, true)
		w.abort = true
	}
}

func (w *Writer) addStored(ctx context.Context, p string, f model.StoredFile, escalate bool) {
	rc, err := w.content.Open(ctx, f.ContentHash)
	if err != nil {
		w.fail(p, err, escalate)
		return
	}
	defer rc.Close()

	fw, err := w.create(p, w.now())
	if err != nil {
		w.fail(p, err, escalate)
		return
	}
	if _, err := io.Copy(fw, rc); err != nil {
		// The entry header is already written, so the archive is damaged.
		w.fail(p, err, true)
		w.abort = true
	}
}

// addDirectory adds a directory entry and every descendant below it.
// Descendant failures are recorded but never abort the export.
func (w *Writer) addDirectory(ctx context.Context, archivePath string, dir model.StoredFile) {
	name := SanitizeFileName(path.Base(strings.TrimSuffix(dir.FilePath, "/")))
	if name == "" {
		w.fail(archivePath+dir.FilePath, ErrInvalidPath, true)
		return
	}
	base := SanitizePath(archivePath + name + "/")
	if _, err := w.create(base, w.now()); err != nil {
		w.fail(base, err, true)
		return
	}

	children, err := w.dirs.DirectoryFiles(ctx, dir)
	if err != nil {
		w.fail(base, err, false)
		return
	}
	for _, child := range children {
		rel := strings.TrimPrefix(child.FilePath, dir.FilePath)
		if child.IsDir() {
			p := SanitizePath(base + rel)
			if _, err := w.create(p, w.now()); err != nil {
				w.fail(base+rel, err, false)
			}
			continue
		}
		name := SanitizeFileName(child.FileName)
		if name == "" {
			w.fail(base+rel+child.FileName, ErrInvalidPath, false)
			continue
		}
		w.addStored(ctx, SanitizePath(base+rel+name), child, false)
	}
}
