package archive

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/respexport/internal/model"
)

type memContent map[string]string

func (m memContent) Open(_ context.Context, hash string) (io.ReadCloser, error) {
	data, ok := m[hash]
	if !ok {
		return nil, errors.New("content missing: " + hash)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

type memDirs map[string][]model.StoredFile

func (m memDirs) DirectoryFiles(_ context.Context, dir model.StoredFile) ([]model.StoredFile, error) {
	children, ok := m[dir.FilePath]
	if !ok {
		return nil, errors.New("unknown directory " + dir.FilePath)
	}
	return children, nil
}

func strPtr(s string) *string { return &s }

func file(path, name, hash string) model.StoredFile {
	return model.StoredFile{FilePath: path, FileName: name, ContentHash: hash}
}

func options(folders model.Folders, editor model.EditorFilename) model.ExportOptions {
	o := model.DefaultOptions()
	o.Folders = folders
	o.EditorFilename = editor
	return o
}

func newTestWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	if cfg.Content == nil {
		cfg.Content = memContent{}
	}
	if cfg.Dirs == nil {
		cfg.Dirs = memDirs{}
	}
	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w
}

func readZip(t *testing.T, p string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(p)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer r.Close()
	out := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func names(entries map[string]string) []string {
	var out []string
	for n := range entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func writeAll(t *testing.T, w *Writer, dest string, recs ...model.AttemptRecord) {
	t.Helper()
	if err := w.Start(dest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i, rec := range recs {
		if err := w.WriteRecord(context.Background(), rec, i+1); err != nil {
			t.Fatalf("WriteRecord: %v", err)
		}
	}
}

func TestAttemptName(t *testing.T) {
	finish := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	a := model.Attempt{Username: "jdoe", LastName: "Doe", FirstName: "Jane", TimeFinish: &finish}
	tests := []struct {
		naming model.NamingVariant
		att    model.Attempt
		want   string
	}{
		{model.NamingFull, a, "jdoe-R3-Doe-Jane 2024-05-06-07-08"},
		{model.NamingNoUser, a, "R3-Doe-Jane 2024-05-06-07-08"},
		{model.NamingNoTime, a, "jdoe-R3-Doe-Jane"},
		{model.NamingPlain, a, "R3-Doe-Jane"},
		{model.NamingFull, model.Attempt{LastName: "Doe", FirstName: "Jane"}, "R3-Doe-Jane"},
	}
	for _, tt := range tests {
		t.Run(string(tt.naming)+"/"+tt.want, func(t *testing.T) {
			if got := AttemptName(3, tt.att, tt.naming); got != tt.want {
				t.Errorf("AttemptName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestArchivePath(t *testing.T) {
	p, err := ArchivePath(model.QuestionWise, "Q1", "R1-Doe-Jane")
	if err != nil || p != "Q1/R1-Doe-Jane/" {
		t.Errorf("question-wise path = %q, %v", p, err)
	}
	p, err = ArchivePath(model.StudentWise, "Q1", "R1-Doe-Jane")
	if err != nil || p != "R1-Doe-Jane/Q1/" {
		t.Errorf("student-wise path = %q, %v", p, err)
	}
	if _, err := ArchivePath("3", "Q1", "R1"); !errors.Is(err, model.ErrUnsupportedFolders) {
		t.Errorf("expected ErrUnsupportedFolders, got %v", err)
	}
}

func TestResponseFile(t *testing.T) {
	withOverride := model.Question{ResponseFileName: "/tasks/sub/answer.java"}
	tests := []struct {
		mode model.EditorFilename
		q    model.Question
		want string
	}{
		{model.FixedName, withOverride, "editorresponse.txt"},
		{model.NameFromQuestionWithPath, withOverride, "/tasks/sub/answer.java"},
		{model.NameFromQuestionWithoutPath, withOverride, "answer.java"},
		{model.NameFromQuestionWithPath, model.Question{}, "editorresponse.txt"},
		{model.NameFromQuestionWithoutPath, model.Question{}, "editorresponse.txt"},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.want, func(t *testing.T) {
			got, err := ResponseFile(tt.mode, tt.q)
			if err != nil {
				t.Fatalf("ResponseFile: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResponseFile = %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := ResponseFile("9", withOverride); !errors.Is(err, model.ErrUnsupportedEditorFilename) {
		t.Errorf("expected ErrUnsupportedEditorFilename, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	paths := []struct{ in, want string }{
		{"Q1/R1-Doe-Jane/editorresponse.txt", "Q1/R1-Doe-Jane/editorresponse.txt"},
		{"Q1/R1//tasks/sub/a.java", "Q1/R1/tasks/sub/a.java"},
		{"Q1/R1/../../etc/passwd", "Q1/R1/etc/passwd"},
		{"Q1\\R1\\a.txt", "Q1/R1/a.txt"},
		{"Q1/R1/a<b>:c?.txt", "Q1/R1/abc.txt"},
		{"Q1/R1/dir/", "Q1/R1/dir/"},
		{"../..", ""},
	}
	for _, tt := range paths {
		if got := SanitizePath(tt.in); got != tt.want {
			t.Errorf("SanitizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	files := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../evil.sh", "..evil.sh"},
		{"a/b\\c", "abc"},
		{"..", ""},
		{"tab\there", "tabhere"},
	}
	for _, tt := range files {
		if got := SanitizeFileName(tt.in); got != tt.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewWriterValidation(t *testing.T) {
	if _, err := NewWriter(Config{Content: memContent{}, Dirs: memDirs{}}); !errors.Is(err, ErrOptionsNotSet) {
		t.Errorf("expected ErrOptionsNotSet, got %v", err)
	}
	o := model.DefaultOptions()
	o.Folders = "7"
	if _, err := NewWriter(Config{Options: o, Content: memContent{}, Dirs: memDirs{}}); !errors.Is(err, model.ErrUnsupportedFolders) {
		t.Errorf("expected ErrUnsupportedFolders, got %v", err)
	}
	if _, err := NewWriter(Config{Options: model.DefaultOptions(), Content: memContent{}, Dirs: memDirs{}, Level: 12}); err == nil {
		t.Error("expected error for compression level 12")
	}
}

func TestQuestionWiseFixedName(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	w := newTestWriter(t, Config{Options: options(model.QuestionWise, model.FixedName)})
	rec := model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells:   map[int]model.QuestionCell{2: {Text: strPtr("hello")}},
	}
	writeAll(t, w, dest, rec)
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if w.State() != Closed {
		t.Errorf("expected closed state, got %s", w.State())
	}
	entries := readZip(t, dest)
	if got := entries["Q2/R1-Doe-Jane/editorresponse.txt"]; got != "hello" {
		t.Errorf("expected hello at Q2/R1-Doe-Jane/editorresponse.txt, entries %v", names(entries))
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one entry, got %v", names(entries))
	}
}

func TestStudentWiseBaseName(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	w := newTestWriter(t, Config{
		Options:   options(model.StudentWise, model.NameFromQuestionWithoutPath),
		Questions: map[int]model.Question{3: {Slot: 3, ResponseFileName: "/tasks/sub/answer.java"}},
	})
	if err := w.Start(dest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Smith", FirstName: "Ann"},
		Cells:   map[int]model.QuestionCell{3: {Text: strPtr("class A {}")}},
	}
	if err := w.WriteRecord(context.Background(), rec, 5); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	entries := readZip(t, dest)
	if got, ok := entries["R5-Smith-Ann/Q3/answer.java"]; !ok || got != "class A {}" {
		t.Errorf("expected R5-Smith-Ann/Q3/answer.java, entries %v", names(entries))
	}
}

func TestOverridePathKept(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	w := newTestWriter(t, Config{
		Options:   options(model.QuestionWise, model.NameFromQuestionWithPath),
		Questions: map[int]model.Question{1: {Slot: 1, ResponseFileName: "/tasks/sub/answer.java"}},
	})
	writeAll(t, w, dest, model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells:   map[int]model.QuestionCell{1: {Text: strPtr("x")}},
	})
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, ok := readZip(t, dest)["Q1/R1-Doe-Jane/tasks/sub/answer.java"]; !ok {
		t.Errorf("expected nested override path, entries %v", names(readZip(t, dest)))
	}
}

func TestFailedAttachmentTolerated(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	w := newTestWriter(t, Config{
		Options: options(model.QuestionWise, model.FixedName),
		Content: memContent{"h1": "good"},
	})
	writeAll(t, w, dest, model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells: map[int]model.QuestionCell{1: {
			Text:  strPtr("text"),
			Files: []model.StoredFile{file("/", "ok.txt", "h1"), file("/", "broken.txt", "missing")},
		}},
	})
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if w.abort {
		t.Error("abort flag must stay false in tolerant mode")
	}
	if len(w.Failures()) != 1 || w.Failures()[0].Path != "Q1/R1-Doe-Jane/broken.txt" {
		t.Errorf("unexpected failures %v", w.Failures())
	}
	entries := readZip(t, dest)
	want := []string{"Q1/R1-Doe-Jane/editorresponse.txt", "Q1/R1-Doe-Jane/ok.txt"}
	if strings.Join(names(entries), ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", names(entries), want)
	}
}

func TestFailedAttachmentStrict(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	o := options(model.QuestionWise, model.FixedName)
	o.IgnoreInvalidFiles = false
	w := newTestWriter(t, Config{Options: o, Content: memContent{}})
	writeAll(t, w, dest, model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells:   map[int]model.QuestionCell{1: {Files: []model.StoredFile{file("/", "broken.txt", "missing")}}},
	})
	err := w.Finish()
	if !errors.Is(err, ErrExportAborted) {
		t.Fatalf("expected ErrExportAborted, got %v", err)
	}
	if w.State() != Aborted {
		t.Errorf("expected aborted state, got %s", w.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected archive to be deleted, stat err %v", err)
	}
}

func TestStartFails(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "missing", "out.zip")
	w := newTestWriter(t, Config{Options: model.DefaultOptions()})
	err := w.Start(dest)
	if !errors.Is(err, ErrExportAborted) {
		t.Fatalf("expected ErrExportAborted, got %v", err)
	}
	if w.State() != Aborted {
		t.Errorf("expected aborted state, got %s", w.State())
	}
	rec := model.AttemptRecord{Cells: map[int]model.QuestionCell{1: {Text: strPtr("x")}}}
	if err := w.WriteRecord(context.Background(), rec, 1); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := w.Finish(); !errors.Is(err, ErrExportAborted) {
		t.Errorf("expected ErrExportAborted from Finish, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected no file, stat err %v", err)
	}
}

func TestLifecycleErrors(t *testing.T) {
	w := newTestWriter(t, Config{Options: model.DefaultOptions()})
	if err := w.Finish(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Finish before Start: expected ErrNotOpen, got %v", err)
	}
	dest := filepath.Join(t.TempDir(), "out.zip")
	if err := w.Start(dest); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(dest); err == nil {
		t.Error("expected error on second Start")
	}
	w.Discard()
	if w.State() != Aborted {
		t.Errorf("expected aborted after Discard, got %s", w.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("expected discarded archive to be deleted, stat err %v", err)
	}
}

func TestRoundTripAndIdempotence(t *testing.T) {
	finish := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)
	recs := []model.AttemptRecord{
		{
			Attempt: model.Attempt{Username: "jdoe", LastName: "Doe", FirstName: "Jane", TimeFinish: &finish},
			Cells: map[int]model.QuestionCell{
				1: {Text: strPtr("first answer\nwith ünïcode")},
				2: {Files: []model.StoredFile{file("/", "main.go", "h1")}},
			},
		},
		{
			Attempt: model.Attempt{Username: "asmith", LastName: "Smith", FirstName: "Ann"},
			Cells: map[int]model.QuestionCell{
				1: {Text: strPtr("")},
				2: {},
			},
		},
	}
	export := func() map[string]string {
		dest := filepath.Join(t.TempDir(), "out.zip")
		w := newTestWriter(t, Config{
			Options: options(model.StudentWise, model.FixedName),
			Content: memContent{"h1": "package main"},
			Level:   9,
		})
		writeAll(t, w, dest, recs...)
		if err := w.Finish(); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		return readZip(t, dest)
	}
	first := export()
	second := export()

	if got := first["jdoe-R1-Doe-Jane 2024-01-02-03-04/Q1/editorresponse.txt"]; got != "first answer\nwith ünïcode" {
		t.Errorf("round trip mismatch: %q (entries %v)", got, names(first))
	}
	if got, ok := first["asmith-R2-Smith-Ann/Q1/editorresponse.txt"]; !ok || got != "" {
		t.Errorf("expected empty text entry, entries %v", names(first))
	}
	if _, ok := first["asmith-R2-Smith-Ann/Q2/"]; ok {
		t.Error("empty cell must not create entries")
	}
	if len(first) != len(second) {
		t.Fatalf("idempotence: %d vs %d entries", len(first), len(second))
	}
	for name, content := range first {
		if second[name] != content {
			t.Errorf("idempotence: entry %s differs", name)
		}
	}
}

func TestDirectoryExpansion(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	o := options(model.QuestionWise, model.FixedName)
	o.IgnoreInvalidFiles = false
	dir := model.StoredFile{FilePath: "/lib/", FileName: model.DirectoryName}
	w := newTestWriter(t, Config{
		Options: o,
		Content: memContent{"u": "util", "x": "deep"},
		Dirs: memDirs{"/lib/": {
			file("/lib/", "util.go", "u"),
			file("/lib/", "gone.go", "missing"),
			{FilePath: "/lib/deep/", FileName: model.DirectoryName},
			file("/lib/deep/", "x.txt", "x"),
		}},
	})
	writeAll(t, w, dest, model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells:   map[int]model.QuestionCell{1: {Files: []model.StoredFile{dir}}},
	})
	if err := w.Finish(); err != nil {
		t.Fatalf("descendant failure must not abort: %v", err)
	}
	entries := readZip(t, dest)
	want := []string{
		"Q1/R1-Doe-Jane/lib/",
		"Q1/R1-Doe-Jane/lib/deep/",
		"Q1/R1-Doe-Jane/lib/deep/x.txt",
		"Q1/R1-Doe-Jane/lib/util.go",
	}
	if strings.Join(names(entries), ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", names(entries), want)
	}
	if entries["Q1/R1-Doe-Jane/lib/deep/x.txt"] != "deep" {
		t.Errorf("unexpected nested content %q", entries["Q1/R1-Doe-Jane/lib/deep/x.txt"])
	}
	if len(w.Failures()) != 1 {
		t.Errorf("expected one recorded failure, got %v", w.Failures())
	}
}

func TestDuplicateEntryIsFailure(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.zip")
	w := newTestWriter(t, Config{
		Options: options(model.QuestionWise, model.FixedName),
		Content: memContent{"a": "one", "b": "two"},
	})
	writeAll(t, w, dest, model.AttemptRecord{
		Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"},
		Cells: map[int]model.QuestionCell{1: {
			Text:  strPtr("text"),
			Files: []model.StoredFile{file("/", "editorresponse.txt", "a"), file("/", "x.txt", "b")},
		}},
	})
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(w.Failures()) != 1 || !errors.Is(w.Failures()[0].Err, ErrDuplicateEntry) {
		t.Fatalf("expected one duplicate failure, got %v", w.Failures())
	}
	entries := readZip(t, dest)
	if entries["Q1/R1-Doe-Jane/editorresponse.txt"] != "text" {
		t.Errorf("first entry must win, got %q", entries["Q1/R1-Doe-Jane/editorresponse.txt"])
	}
}

func TestQuestionText(t *testing.T) {
	questions := map[int]model.Question{1: {Slot: 1, Text: "What is Go?"}}
	recs := []model.AttemptRecord{
		{Attempt: model.Attempt{LastName: "Doe", FirstName: "Jane"}, Cells: map[int]model.QuestionCell{1: {Text: strPtr("a")}}},
		{Attempt: model.Attempt{LastName: "Roe", FirstName: "Rick"}, Cells: map[int]model.QuestionCell{1: {Text: strPtr("b")}}},
	}
	tests := []struct {
		folders model.Folders
		want    []string
	}{
		{model.QuestionWise, []string{"Q1/questiontext.txt"}},
		{model.StudentWise, []string{"R1-Doe-Jane/Q1/questiontext.txt", "R2-Roe-Rick/Q1/questiontext.txt"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.folders), func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out.zip")
			o := options(tt.folders, model.FixedName)
			o.ShowQText = true
			w := newTestWriter(t, Config{Options: o, Questions: questions})
			writeAll(t, w, dest, recs...)
			if err := w.Finish(); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if len(w.Failures()) != 0 {
				t.Errorf("unexpected failures %v", w.Failures())
			}
			entries := readZip(t, dest)
			for _, p := range tt.want {
				if entries[p] != "What is Go?" {
					t.Errorf("expected question text at %s, entries %v", p, names(entries))
				}
			}
			if len(entries) != 2+len(tt.want) {
				t.Errorf("unexpected entry count %d: %v", len(entries), names(entries))
			}
		})
	}
}
