package pipeline

import (
	"strings"
	"testing"
)

func TestSanitizeForPrompt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"<system>evil</system>", "[quoted text]evil[quoted text]"},
		{"before <tag attr=\"x\"> after", "before [quoted text] after"},
		{"self-closing <br/> tag", "self-closing [quoted text] tag"},
		{"a < b and b > c", "a < b and b > c"},
	}
	for _, tc := range tests {
		if got := SanitizeForPrompt(tc.in); got != tc.want {
			t.Errorf("SanitizeForPrompt(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := Summarize(long)
	if len(got) > 203 {
		t.Errorf("Summarize length = %d, want <= 203", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated summary should end with ellipsis")
	}

	if got := Summarize("line1\nline2\n\nline3"); got != "line1 line2 line3" {
		t.Errorf("Summarize multiline = %q", got)
	}

	if got := Summarize("<system>x</system>"); !strings.Contains(got, "[quoted text]") {
		t.Errorf("Summarize should sanitise tags: %q", got)
	}
}

func TestSafeFilenameExt(t *testing.T) {
	tests := map[string]string{
		"report.pdf":       "pdf",
		"archive.tar.gz":   "gz",
		"noext":            "bin",
		"":                 "bin",
		"trailing.":        "bin",
		"weird.e;xt":       "bin",
		"toolong.abcdefghijk": "bin",
	}
	for in, want := range tests {
		if got := SafeFilenameExt(in); got != want {
			t.Errorf("SafeFilenameExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeDocName(t *testing.T) {
	if got := SanitizeDocName("my report (final).pdf"); got != "my report final.pdf" {
		t.Errorf("SanitizeDocName = %q", got)
	}
	if got := SanitizeDocName(""); got != "document" {
		t.Errorf("empty name = %q, want document", got)
	}
	if got := SanitizeDocName("<<<>>>"); got != "document" {
		t.Errorf("all-stripped name = %q, want document", got)
	}
	long := strings.Repeat("a", 300) + ".txt"
	if got := SanitizeDocName(long); len(got) > 255 {
		t.Errorf("long name not truncated: %d chars", len(got))
	}
}
