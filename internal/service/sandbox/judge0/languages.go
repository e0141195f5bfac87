package judge0

import (
	"fmt"
	"strings"

	"proctor/internal/domain/models/exam"
)

// languageIDs maps the language names the platform accepts to Judge0
// language ids (CE image).
var languageIDs = map[string]int{
	"c":          50,
	"cpp":        54,
	"c++":        54,
	"go":         60,
	"java":       62,
	"javascript": 63,
	"node":       63,
	"python":     71,
	"python3":    71,
}

// LanguageID resolves a platform language name to its Judge0 id.
func LanguageID(language string) (int, error) {
	id, ok := languageIDs[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return 0, fmt.Errorf("unsupported language %q", language)
	}
	return id, nil
}

// Judge0 status ids. 1 and 2 are non-terminal; everything else ends the run.
const (
	statusInQueue      = 1
	statusProcessing   = 2
	statusAccepted     = 3
	statusWrongAnswer  = 4
	statusTimeLimit    = 5
	statusCompileError = 6
	statusInternal     = 13
	statusExecFormat   = 14
)

// terminal reports whether a Judge0 status id ends the submission.
func terminal(statusID int) bool {
	return statusID > statusProcessing
}

// execStatus maps a terminal Judge0 status to the platform's classification.
// Wrong Answer still counts as a successful execution: the run was healthy
// and the evaluator judges correctness from stdout itself.
func execStatus(statusID int) (exam.ExecStatus, bool) {
	switch statusID {
	case statusAccepted, statusWrongAnswer:
		return exam.ExecSuccess, true
	case statusTimeLimit:
		return exam.ExecTimeout, true
	case statusCompileError:
		return exam.ExecCompileError, true
	case statusInternal, statusExecFormat:
		// Executor-side breakage, not a property of the submitted code.
		return "", false
	default:
		// 7..12 are the runtime error family (SIGSEGV, SIGFPE, NZEC, ...).
		return exam.ExecRuntimeError, true
	}
}
