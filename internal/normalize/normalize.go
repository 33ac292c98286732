// Package normalize turns an attempt and its question usage into the report
// rows that get archived, one row per attempt or one per try.
package normalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/respexport/internal/model"
)

const (
	// AnswerKey holds the editor text of a response.
	AnswerKey = "answer"
	// AttachmentsKey holds the uploaded files of a response.
	AttachmentsKey = "attachments"
)

var ErrTryNotFound = errors.New("try not found in step history")

// FileResolver lists the files saved for a step variable.
type FileResolver interface {
	StepFiles(ctx context.Context, stepID int64, field string, contextID int64) ([]model.StoredFile, error)
}

// Normalizer expands attempts into records, holding one usage at a time.
type Normalizer struct {
	cache *UsageCache
	files FileResolver
}

func New(loader UsageLoader, files FileResolver, forceGC bool) *Normalizer {
	return &Normalizer{cache: NewUsageCache(loader, forceGC), files: files}
}

// Each loads the usage of the attempt, hands every record to fn and releases
// the usage before returning.
func (n *Normalizer) Each(ctx context.Context, a model.Attempt, which model.WhichTries, fn func(model.AttemptRecord) error) error {
	u, err := n.cache.Acquire(ctx, a)
	if err != nil {
		return err
	}
	defer n.cache.Release()
	return Expand(ctx, a, u, which, n.files, fn)
}

// Expand emits the records of one attempt according to the try policy. An
// attempt without any try emits nothing.
func Expand(ctx context.Context, a model.Attempt, u *model.Usage, which model.WhichTries, files FileResolver, fn func(model.AttemptRecord) error) error {
	var from, to int
	tries := MaxTries(u)
	switch which {
	case model.LastTry:
		if tries == 0 {
			return nil
		}
		rec, err := LastRecord(ctx, a, u, files)
		if err != nil {
			return err
		}
		return fn(rec)
	case model.FirstTry:
		from, to = 1, min(tries, 1)
	case model.AllTries:
		from, to = 1, tries
	default:
		return fmt.Errorf("%w: %q", model.ErrUnsupportedWhichTries, which)
	}
	for try := from; try <= to; try++ {
		rec, err := TryRecord(ctx, a, u, try, files)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// TryRecord builds the record of one try. Slots with fewer tries get an empty
// cell. A try outside 1..MaxTries is an inconsistency and fails.
func TryRecord(ctx context.Context, a model.Attempt, u *model.Usage, try int, files FileResolver) (model.AttemptRecord, error) {
	tries := MaxTries(u)
	if try < 1 || try > tries {
		return model.AttemptRecord{}, fmt.Errorf("%w: try %d of attempt %d has %d tries", ErrTryNotFound, try, a.ID, tries)
	}
	rec := model.AttemptRecord{
		Attempt:            a,
		Try:                try,
		LastTryForAllParts: try == tries,
		Cells:              make(map[int]model.QuestionCell, len(u.Attempts)),
	}
	if !rec.LastTryForAllParts {
		rec.State = model.StateInProgress
	}
	for _, slot := range u.Slots() {
		qa := u.Attempts[slot]
		steps := QualifyingSteps(qa)
		if try > len(steps) {
			rec.Cells[slot] = model.QuestionCell{}
			continue
		}
		st := qa.Steps[steps[try-1]]
		cell, err := stepCell(ctx, st, st, u.ContextID, files)
		if err != nil {
			return rec, fmt.Errorf("slot %d: %w", slot, err)
		}
		rec.Cells[slot] = cell
	}
	return rec, nil
}

// LastRecord builds the single record holding the latest response of every
// slot.
func LastRecord(ctx context.Context, a model.Attempt, u *model.Usage, files FileResolver) (model.AttemptRecord, error) {
	rec := model.AttemptRecord{
		Attempt:            a,
		LastTryForAllParts: true,
		Cells:              make(map[int]model.QuestionCell, len(u.Attempts)),
	}
	for _, slot := range u.Slots() {
		qa := u.Attempts[slot]
		textStep, textOK := lastStepWith(qa, AnswerKey)
		fileStep, fileOK := lastStepWith(qa, AttachmentsKey)
		if !textOK && !fileOK {
			rec.Cells[slot] = model.QuestionCell{}
			continue
		}
		cell, err := stepCell(ctx, textStep, fileStep, u.ContextID, files)
		if err != nil {
			return rec, fmt.Errorf("slot %d: %w", slot, err)
		}
		rec.Cells[slot] = cell
	}
	return rec, nil
}

func lastStepWith(qa *model.QuestionAttempt, key string) (model.Step, bool) {
	for i := len(qa.Steps) - 1; i >= 0; i-- {
		if _, ok := qa.Steps[i].Data[key]; ok {
			return qa.Steps[i], true
		}
	}
	return model.Step{}, false
}

// stepCell reads the answer text from textStep and the attachments from
// fileStep.
func stepCell(ctx context.Context, textStep, fileStep model.Step, contextID int64, files FileResolver) (model.QuestionCell, error) {
	var cell model.QuestionCell
	if text, ok := textStep.Data[AnswerKey]; ok {
		cell.Text = &text
	}
	if _, ok := fileStep.Data[AttachmentsKey]; ok {
		fs, err := files.StepFiles(ctx, fileStep.ID, AttachmentsKey, contextID)
		if err != nil {
			return cell, fmt.Errorf("resolve attachments of step %d: %w", fileStep.ID, err)
		}
		cell.Files = fs
	}
	return cell, nil
}
