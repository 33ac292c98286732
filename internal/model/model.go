package model

import (
	"context"
	"sort"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleTeacher may download response archives.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin may additionally import quizzes and manage users.
	UserRoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == UserRoleTeacher || r == UserRoleAdmin
}

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// AttemptState is the lifecycle state of a quiz attempt.
type AttemptState string

const (
	StateInProgress AttemptState = "inprogress"
	StateOverdue    AttemptState = "overdue"
	StateFinished   AttemptState = "finished"
	StateAbandoned  AttemptState = "abandoned"
)

// Quiz groups questions and attempts.
type Quiz struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	CourseShort string `json:"course_short"`
	ContextID   int64  `json:"context_id"`
}

// Question is a question placed in a quiz slot.
type Question struct {
	ID     int64  `json:"id"`
	QuizID int64  `json:"quiz_id"`
	Slot   int    `json:"slot"`
	Number int    `json:"number"`
	Text   string `json:"text"`
	// ResponseFileName optionally overrides the name (and relative path) of the
	// file that holds the editor response, e.g. "/tasks/sub/answer.java".
	ResponseFileName string `json:"response_filename,omitempty"`
	Behaviour        string `json:"behaviour"`
}

// Attempt is one student's attempt at a quiz.
type Attempt struct {
	ID         int64
	QuizID     int64
	UsageID    int64
	UserID     int64
	Username   string
	FirstName  string
	LastName   string
	Number     int
	State      AttemptState
	TimeFinish *time.Time
}

// Step is one save point within a question attempt.
type Step struct {
	ID          int64
	Seq         int
	State       string
	Data        map[string]string
	TimeCreated time.Time
}

// QTData returns the question-type variables of the step, i.e. every key that
// is not a behaviour variable (behaviour variables start with "-").
func (s Step) QTData() map[string]string {
	out := make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		if strings.HasPrefix(k, "-") {
			continue
		}
		out[k] = v
	}
	return out
}

// HasBehaviourVar reports whether the step carries the given behaviour variable
// (name without the leading "-").
func (s Step) HasBehaviourVar(name string) bool {
	_, ok := s.Data["-"+name]
	return ok
}

// QuestionAttempt is the step history of one slot in a question usage.
type QuestionAttempt struct {
	Slot      int
	Behaviour string
	Steps     []Step
}

// Usage is a decoded question usage: every slot's history for one attempt.
type Usage struct {
	ID        int64
	ContextID int64
	Attempts  map[int]*QuestionAttempt
}

// Slots returns the slot numbers of the usage in ascending order.
func (u *Usage) Slots() []int {
	slots := make([]int, 0, len(u.Attempts))
	for s := range u.Attempts {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

// StoredFile describes a file (or directory) held in file storage.
type StoredFile struct {
	ID          int64
	ContextID   int64
	Component   string
	FileArea    string
	ItemID      int64
	FilePath    string
	FileName    string
	ContentHash string
	Size        int64
}

// DirectoryName is the file name used by directory records.
const DirectoryName = "."

// IsDir reports whether the record represents a directory.
func (f StoredFile) IsDir() bool {
	return f.FileName == DirectoryName
}

// QuestionCell is the response to one question slot.
type QuestionCell struct {
	Text  *string
	Files []StoredFile
}

// Empty reports whether the cell has neither text nor files.
func (c QuestionCell) Empty() bool {
	return c.Text == nil && len(c.Files) == 0
}

// AttemptRecord is one logical report row: an attempt, or one try of it.
type AttemptRecord struct {
	Attempt
	// Try is the try number for first/all tries rows, 0 for last try rows.
	Try                int
	LastTryForAllParts bool
	Cells              map[int]QuestionCell
}

// QuizImport is the YAML document used to load a quiz with its attempts.
type QuizImport struct {
	Name        string           `yaml:"name"`
	CourseShort string           `yaml:"course"`
	ContextID   int64            `yaml:"context_id"`
	Questions   []QuestionImport `yaml:"questions"`
	Attempts    []AttemptImport  `yaml:"attempts"`
}

// QuestionImport is a question in a quiz import.
type QuestionImport struct {
	Slot             int    `yaml:"slot"`
	Number           int    `yaml:"number"`
	Text             string `yaml:"text"`
	ResponseFileName string `yaml:"response_filename"`
	Behaviour        string `yaml:"behaviour"`
}

// AttemptImport is an attempt in a quiz import.
type AttemptImport struct {
	Username   string               `yaml:"username"`
	FirstName  string               `yaml:"firstname"`
	LastName   string               `yaml:"lastname"`
	Number     int                  `yaml:"attempt"`
	State      AttemptState         `yaml:"state"`
	TimeFinish *time.Time           `yaml:"timefinish"`
	Slots      map[int][]StepImport `yaml:"slots"`
}

// StepImport is a step in an attempt import.
type StepImport struct {
	State string                  `yaml:"state"`
	Data  map[string]string       `yaml:"data"`
	Files map[string][]FileImport `yaml:"files"`
}

// FileImport is a file attached to a step variable in an import.
type FileImport struct {
	Path    string `yaml:"path"`
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
	Dir     bool   `yaml:"dir"`
}
