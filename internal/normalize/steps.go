package normalize

import (
	"strings"

	"github.com/pavelanni/respexport/internal/model"
)

// submitBehaviours lists the behaviours that record a submitted response in
// a step carrying the "-submit" variable.
var submitBehaviours = map[string]bool{
	"interactive":          true,
	"interactivecountback": true,
	"immediatefeedback":    true,
	"immediatecbm":         true,
	"adaptive":             true,
	"adaptivenopenalty":    true,
}

const stateInvalid = "invalid"

// HasSubmittedResponse reports whether the behaviour treats the step as a
// submitted response.
func HasSubmittedResponse(behaviour string, st model.Step) bool {
	if !submitBehaviours[behaviour] {
		return false
	}
	return st.HasBehaviourVar("submit") && st.State != stateInvalid
}

// hasActualData reports whether the step holds response data. Keys starting
// with "_" are question type bookkeeping and do not count.
func hasActualData(st model.Step) bool {
	for k := range st.QTData() {
		if !strings.HasPrefix(k, "_") {
			return true
		}
	}
	return false
}

// QualifyingSteps returns the indices of the steps counted as tries, in
// chronological order. Every submitted step is a try. The last step holding
// data that was saved after the final submission is a try as well, so an
// answer that was saved but never submitted is not lost.
func QualifyingSteps(qa *model.QuestionAttempt) []int {
	var idx []int
	lastSaved := -1
	for i, st := range qa.Steps {
		if HasSubmittedResponse(qa.Behaviour, st) {
			idx = append(idx, i)
			lastSaved = -1
			continue
		}
		if hasActualData(st) {
			lastSaved = i
		}
	}
	if lastSaved >= 0 {
		idx = append(idx, lastSaved)
	}
	return idx
}

// MaxTries returns the highest number of tries over every slot of the usage.
func MaxTries(u *model.Usage) int {
	n := 0
	for _, qa := range u.Attempts {
		n = max(n, len(QualifyingSteps(qa)))
	}
	return n
}
