package main

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pavelanni/respexport/internal/store"
)

const fixture = "../../internal/quizfile/testdata/midterm.yaml"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestImportExportCommands(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "test.db")

	if _, err := run(t, "import", "--db", db, fixture); err != nil {
		t.Fatalf("import: %v", err)
	}
	// Unchanged files are skipped.
	if _, err := run(t, "import", "--db", db, fixture); err != nil {
		t.Fatalf("second import: %v", err)
	}

	out, err := run(t, "quizzes", "--db", db)
	if err != nil {
		t.Fatalf("quizzes: %v", err)
	}
	if strings.Count(out, "Midterm") != 1 {
		t.Errorf("expected one quiz listed, got:\n%s", out)
	}

	archive := filepath.Join(dir, "out.zip")
	out, err = run(t, "export", "--db", db, "--quiz-id", "1", "-o", archive,
		"--folders", "student", "--naming", "plain", "--qtext")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "1 rows") {
		t.Errorf("unexpected summary %q", out)
	}

	r, err := zip.OpenReader(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	for _, want := range []string{
		"R1-Doe-Jane/Q1/editorresponse.txt",
		"R1-Doe-Jane/Q1/questiontext.txt",
		"R1-Doe-Jane/Q2/main.go",
	} {
		if !names[want] {
			t.Errorf("missing %s in %v", want, names)
		}
	}

	out, err = run(t, "history", "--db", db, "--quiz-id", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "out.zip") {
		t.Errorf("unexpected history:\n%s", out)
	}
}

func TestExportRejectsBadOptions(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	if _, err := run(t, "import", "--db", db, fixture); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := run(t, "export", "--db", db, "--quiz-id", "1", "--whichtries", "best"); err == nil {
		t.Error("expected error for unknown whichtries")
	}
	if _, err := run(t, "export", "--db", db, "--quiz-id", "7"); err == nil {
		t.Error("expected error for unknown quiz")
	}
}

func TestUserCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "test.db")
	if _, err := run(t, "user", "add", "--db", db, "--username", "alice", "--password", "pw", "--role", "admin"); err != nil {
		t.Fatalf("user add: %v", err)
	}
	if _, err := run(t, "user", "add", "--db", db, "--username", "bob", "--password", "pw", "--role", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := run(t, "user", "passwd", "--db", db, "--username", "nobody", "--password", "x"); err == nil {
		t.Error("expected error for unknown user")
	}
	out, err := run(t, "user", "list", "--db", db)
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "admin") {
		t.Errorf("unexpected user list:\n%s", out)
	}
}

func TestSeedAdmin(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	if err := seedAdmin(s, ""); err == nil {
		t.Error("expected error without a password")
	}
	if err := seedAdmin(s, "secret"); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	if err := seedAdmin(s, "other"); err != nil {
		t.Fatalf("second seedAdmin: %v", err)
	}
	n, err := s.UserCount()
	if err != nil || n != 1 {
		t.Errorf("UserCount = %d, %v", n, err)
	}
}
