package ingestion

import (
	"path"
	"strings"
)

var codeExtensions = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
}

// testPathSegments mark files that exercise code rather than implement
// it.
var testPathSegments = map[string]bool{
	"test":      true,
	"tests":     true,
	"spec":      true,
	"specs":     true,
	"__tests__": true,
	"testdata":  true,
}

// derived holds the attributes inferred from a file path.
type derived struct {
	FileType         string
	Language         string
	IsCode           bool
	IsImplementation bool
}

// deriveFileAttributes infers type, language, and implementation status
// from the file path alone.
func deriveFileAttributes(filePath string) derived {
	ext := strings.ToLower(path.Ext(filePath))
	d := derived{
		FileType:         strings.TrimPrefix(ext, "."),
		IsImplementation: true,
	}

	if lang, ok := codeExtensions[ext]; ok {
		d.IsCode = true
		d.Language = lang
	}

	lower := strings.ToLower(filePath)
	for _, seg := range strings.Split(lower, "/") {
		if testPathSegments[seg] {
			d.IsImplementation = false
			break
		}
	}
	base := path.Base(lower)
	if strings.HasSuffix(base, "_test"+ext) || strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") {
		d.IsImplementation = false
	}
	return d
}

// injectionPatterns are lowercase markers of prompt-injection attempts
// in ingested content. Matches are flagged in metadata, never blocked;
// retrieval consumers decide what to do with flagged chunks.
var injectionPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard the above",
	"disregard all prior",
	"you are now",
	"system prompt:",
	"<|im_start|>",
	"do not follow the user",
}

// detectInjection returns the patterns found in text, or nil.
func detectInjection(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			found = append(found, p)
		}
	}
	return found
}
