package pipeline

import (
	"regexp"
	"strings"
)

// tagRE matches XML-like tags (opening, closing, self-closing).
var tagRE = regexp.MustCompile(`</?[a-zA-Z_][a-zA-Z0-9_-]*[^>]*>`)

// SanitizeForPrompt strips XML-like tags that could be used for prompt
// injection when user-provided text is embedded in a prompt context.
func SanitizeForPrompt(text string) string {
	return tagRE.ReplaceAllString(text, "[quoted text]")
}

var spaceRunRE = regexp.MustCompile(`\s+`)

// Summarize sanitises, collapses to a single line and truncates to 200
// characters. Used for descriptive history placeholders.
func Summarize(text string) string {
	s := SanitizeForPrompt(text)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimLeft(s, " \t")
	s = spaceRunRE.ReplaceAllString(s, " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

var extRE = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// SafeFilenameExt extracts a validated file extension (without the dot),
// falling back to "bin" when missing or suspicious.
func SafeFilenameExt(filename string) string {
	if filename == "" {
		return "bin"
	}
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return "bin"
	}
	ext := filename[idx+1:]
	if !extRE.MatchString(ext) || len(ext) > 10 {
		return "bin"
	}
	return ext
}

var docNameRE = regexp.MustCompile(`[^a-zA-Z0-9._ -]`)

// SanitizeDocName cleans a filename for safe inclusion in prompts, dropping
// characters that could break prompt framing. Truncates to 255 characters.
func SanitizeDocName(name string) string {
	if name == "" {
		return "document"
	}
	cleaned := docNameRE.ReplaceAllString(name, "")
	if len(cleaned) > 255 {
		cleaned = cleaned[:255]
	}
	if cleaned == "" {
		return "document"
	}
	return cleaned
}
