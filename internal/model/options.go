package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedFolders        = errors.New("folders option not supported")
	ErrUnsupportedEditorFilename = errors.New("editorfilename option not supported")
	ErrUnsupportedWhichTries     = errors.New("whichtries option not supported")
	ErrUnsupportedNaming         = errors.New("naming variant not supported")
	ErrUnsupportedState          = errors.New("attempt state not supported")
)

// Folders selects the folder hierarchy inside the archive.
type Folders string

const (
	// QuestionWise groups by question, then by student attempt.
	QuestionWise Folders = "1"
	// StudentWise groups by student attempt, then by question.
	StudentWise Folders = "2"
)

// EditorFilename selects the name of the file holding the text response.
type EditorFilename string

const (
	// FixedName always uses DefaultResponseFileName.
	FixedName EditorFilename = "1"
	// NameFromQuestionWithPath uses the question's override path verbatim.
	NameFromQuestionWithPath EditorFilename = "2"
	// NameFromQuestionWithoutPath uses the base name of the question's override.
	NameFromQuestionWithoutPath EditorFilename = "3"
)

// DefaultResponseFileName is the fixed name of the text response file.
const DefaultResponseFileName = "editorresponse.txt"

// WhichTries selects which tries of a question attempt are exported.
type WhichTries string

const (
	FirstTry WhichTries = "firsttry"
	LastTry  WhichTries = "lasttry"
	AllTries WhichTries = "alltries"
)

// NamingVariant controls the optional parts of the attempt folder name.
type NamingVariant string

const (
	// NamingFull prefixes the username and suffixes the finish time.
	NamingFull NamingVariant = "full"
	// NamingNoUser omits the username prefix.
	NamingNoUser NamingVariant = "nouser"
	// NamingNoTime omits the finish time suffix.
	NamingNoTime NamingVariant = "notime"
	// NamingPlain omits both.
	NamingPlain NamingVariant = "plain"
)

var validNaming = map[NamingVariant]bool{
	NamingFull:   true,
	NamingNoUser: true,
	NamingNoTime: true,
	NamingPlain:  true,
}

// IncludeUsername reports whether the variant prefixes the username.
func (v NamingVariant) IncludeUsername() bool {
	return v == NamingFull || v == NamingNoTime
}

// IncludeTimeFinish reports whether the variant suffixes the finish time.
func (v NamingVariant) IncludeTimeFinish() bool {
	return v == NamingFull || v == NamingNoUser
}

// ExportOptions configures one export run.
type ExportOptions struct {
	Folders        Folders
	EditorFilename EditorFilename
	ShowQText      bool
	WhichTries     WhichTries
	// IgnoreInvalidFiles keeps the archive when single entries fail.
	IgnoreInvalidFiles bool
	Naming             NamingVariant
	// States restricts the exported attempts; empty means all states.
	States []AttemptState
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() ExportOptions {
	return ExportOptions{
		Folders:            QuestionWise,
		EditorFilename:     FixedName,
		WhichTries:         LastTry,
		IgnoreInvalidFiles: true,
		Naming:             NamingFull,
	}
}

// Validate checks every enumerated option.
func (o ExportOptions) Validate() error {
	switch o.Folders {
	case QuestionWise, StudentWise:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFolders, o.Folders)
	}
	switch o.EditorFilename {
	case FixedName, NameFromQuestionWithPath, NameFromQuestionWithoutPath:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEditorFilename, o.EditorFilename)
	}
	switch o.WhichTries {
	case FirstTry, LastTry, AllTries:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedWhichTries, o.WhichTries)
	}
	if !validNaming[o.Naming] {
		return fmt.Errorf("%w: %q", ErrUnsupportedNaming, o.Naming)
	}
	for _, s := range o.States {
		switch s {
		case StateInProgress, StateOverdue, StateFinished, StateAbandoned:
		default:
			return fmt.Errorf("%w: %q", ErrUnsupportedState, s)
		}
	}
	return nil
}

// ParseFolders accepts the numeric form value or a descriptive alias.
func ParseFolders(s string) (Folders, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "question", "questionwise":
		return QuestionWise, nil
	case "2", "student", "studentwise", "attemptwise":
		return StudentWise, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFolders, s)
}

// ParseEditorFilename accepts the numeric form value or a descriptive alias.
func ParseEditorFilename(s string) (EditorFilename, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "fix", "fixed":
		return FixedName, nil
	case "2", "path", "pathname":
		return NameFromQuestionWithPath, nil
	case "3", "base", "basename":
		return NameFromQuestionWithoutPath, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEditorFilename, s)
}

// ParseWhichTries parses a whichtries value.
func ParseWhichTries(s string) (WhichTries, error) {
	w := WhichTries(strings.ToLower(strings.TrimSpace(s)))
	switch w {
	case FirstTry, LastTry, AllTries:
		return w, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedWhichTries, s)
}

// ParseNaming parses a naming variant.
func ParseNaming(s string) (NamingVariant, error) {
	v := NamingVariant(strings.ToLower(strings.TrimSpace(s)))
	if !validNaming[v] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedNaming, s)
	}
	return v, nil
}

// ParseStates parses a list of attempt states, ignoring empty items.
func ParseStates(items []string) ([]AttemptState, error) {
	var states []AttemptState
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it == "" {
			continue
		}
		s := AttemptState(it)
		switch s {
		case StateInProgress, StateOverdue, StateFinished, StateAbandoned:
			states = append(states, s)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedState, it)
		}
	}
	return states, nil
}

// ParseOptions builds options from string values, such as flags or a query
// string. Missing keys keep their defaults.
func ParseOptions(get func(key string) string) (ExportOptions, error) {
	o := DefaultOptions()
	var err error
	if v := get("folders"); v != "" {
		if o.Folders, err = ParseFolders(v); err != nil {
			return o, err
		}
	}
	if v := get("editorfilename"); v != "" {
		if o.EditorFilename, err = ParseEditorFilename(v); err != nil {
			return o, err
		}
	}
	if v := get("whichtries"); v != "" {
		if o.WhichTries, err = ParseWhichTries(v); err != nil {
			return o, err
		}
	}
	if v := get("naming"); v != "" {
		if o.Naming, err = ParseNaming(v); err != nil {
			return o, err
		}
	}
	switch strings.ToLower(get("qtext")) {
	case "1", "true", "yes", "on":
		o.ShowQText = true
	}
	switch strings.ToLower(get("ignoreinvalidfiles")) {
	case "0", "false", "no", "off":
		o.IgnoreInvalidFiles = false
	}
	if v := get("states"); v != "" {
		if o.States, err = ParseStates(strings.Split(v, ",")); err != nil {
			return o, err
		}
	}
	return o, nil
}
