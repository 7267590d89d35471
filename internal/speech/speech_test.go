package speech

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"code block", "before\n```go\ncode here\n```\nafter", "before\nafter"},
		{"inline code", "use `fmt.Println` here", "use  here"},
		{"bold", "this is **bold** text", "this is bold text"},
		{"italic", "this is *italic* text", "this is italic text"},
		{"bold italic", "***both***", "both"},
		{"underscore bold", "__bold__ and _italic_", "bold and italic"},
		{"link", "see [the docs](https://example.com) now", "see the docs now"},
		{"list", "- item one\n* item two", "  item one\n  item two"},
		{"blank lines", "a\n\n\n\n\nb", "a\n\nb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StripMarkdown(tc.in); got != tc.want {
				t.Errorf("StripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSynthesizeValidatesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"detail":"quota exceeded"}`) // JSON, not audio
	}))
	defer srv.Close()

	c := NewClient("key", WithAPIBase(srv.URL))
	out := filepath.Join(t.TempDir(), "out.mp3")
	err := c.Synthesize(context.Background(), "hello", out, "voice123", "eleven_multilingual_v2")
	if err == nil {
		t.Fatal("expected error for non-audio response")
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("non-audio output should have been deleted")
	}
}

func TestSynthesizeHappyPath(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write(append([]byte("ID3"), []byte("audio-bytes")...))
	}))
	defer srv.Close()

	c := NewClient("key", WithAPIBase(srv.URL))
	out := filepath.Join(t.TempDir(), "out.mp3")
	err := c.Synthesize(context.Background(), "**hello** `code`", out, "voice123", "eleven_multilingual_v2")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(gotBody, "**") || strings.Contains(gotBody, "`") {
		t.Errorf("markdown not stripped from TTS payload: %s", gotBody)
	}
	if _, err := os.Stat(out); err != nil {
		t.Error("output file missing after successful synthesis")
	}
}

func TestSynthesizeRejectsBadVoiceID(t *testing.T) {
	c := NewClient("key")
	err := c.Synthesize(context.Background(), "hi", "/tmp/x.mp3", "voice;rm -rf", "model")
	if err == nil {
		t.Fatal("expected error for voice id with metacharacters")
	}
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"text":"hola mundo","language_code":"es"}`)
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "v.oga")
	if err := os.WriteFile(audio, []byte("OggS audio"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewClient("key", WithAPIBase(srv.URL))
	text, err := c.Transcribe(context.Background(), audio, "scribe_v1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hola mundo" {
		t.Errorf("Transcribe = %q, want %q", text, "hola mundo")
	}
}

func TestTranscribeRejectsEmptyFile(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "empty.oga")
	if err := os.WriteFile(audio, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewClient("key")
	if _, err := c.Transcribe(context.Background(), audio, "scribe_v1"); err == nil {
		t.Fatal("expected error for empty audio file")
	}
}

func TestTranscribeRejectsBadModel(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "v.oga")
	os.WriteFile(audio, []byte("OggS"), 0o600)

	c := NewClient("key")
	if _, err := c.Transcribe(context.Background(), audio, "model; rm"); err == nil {
		t.Fatal("expected error for model with metacharacters")
	}
}
