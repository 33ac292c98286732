package archive

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/pavelanni/respexport/internal/model"
)

const (
	// QuestionTextFileName holds the question text when it is exported.
	QuestionTextFileName = "questiontext.txt"
	// TimeFinishLayout formats the finish time suffix of attempt folders.
	TimeFinishLayout = "2006-01-02-15-04"
)

// QuestionName returns the folder name of a question slot.
func QuestionName(slot int) string {
	return "Q" + strconv.Itoa(slot)
}

// AttemptName returns the folder name of a report row:
// [username-]R<rownum>-<lastname>-<firstname>[ <timefinish>].
func AttemptName(rownum int, a model.Attempt, naming model.NamingVariant) string {
	name := "R" + strconv.Itoa(rownum) + "-" + a.LastName + "-" + a.FirstName
	if naming.IncludeUsername() && a.Username != "" {
		name = a.Username + "-" + name
	}
	if naming.IncludeTimeFinish() && a.TimeFinish != nil {
		name += " " + a.TimeFinish.Format(TimeFinishLayout)
	}
	return name
}

// ArchivePath returns the folder of one response, always ending in "/".
func ArchivePath(folders model.Folders, questionName, attemptName string) (string, error) {
	var p string
	switch folders {
	case model.QuestionWise:
		p = questionName + "/" + attemptName
	case model.StudentWise:
		p = attemptName + "/" + questionName
	default:
		return "", fmt.Errorf("%w: %q", model.ErrUnsupportedFolders, folders)
	}
	return strings.Trim(p, "/") + "/", nil
}

// ResponseFile returns the name of the file holding the editor text. Without
// an override on the question the fixed name is used.
func ResponseFile(mode model.EditorFilename, q model.Question) (string, error) {
	switch mode {
	case model.FixedName:
		return model.DefaultResponseFileName, nil
	case model.NameFromQuestionWithPath:
		if q.ResponseFileName != "" {
			return q.ResponseFileName, nil
		}
		return model.DefaultResponseFileName, nil
	case model.NameFromQuestionWithoutPath:
		if q.ResponseFileName != "" {
			return path.Base(q.ResponseFileName), nil
		}
		return model.DefaultResponseFileName, nil
	}
	return "", fmt.Errorf("%w: %q", model.ErrUnsupportedEditorFilename, mode)
}

// stripUnsafe drops control characters and characters that are not allowed
// in file names on common filesystems.
func stripUnsafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			return -1
		}
		return r
	}, s)
}

// SanitizeFileName cleans a single file name. Separators are removed; an
// empty result means the name is unusable.
func SanitizeFileName(name string) string {
	name = stripUnsafe(name)
	name = strings.NewReplacer("/", "", "\\", "").Replace(name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// SanitizePath cleans a relative archive path: backslashes become slashes,
// unsafe characters are dropped, and empty, "." and ".." segments are
// removed so the path cannot leave the archive root. A trailing slash is
// kept.
func SanitizePath(p string) string {
	dir := strings.HasSuffix(p, "/") || strings.HasSuffix(p, "\\")
	p = strings.ReplaceAll(stripUnsafe(p), "\\", "/")
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return ""
	}
	out := strings.Join(parts, "/")
	if dir {
		out += "/"
	}
	return out
}
