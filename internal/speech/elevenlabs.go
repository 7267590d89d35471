package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/claudiohq/claudio/internal/platform"
)

const (
	defaultAPIBase = "https://api.elevenlabs.io/v1"

	// TTSMaxChars is a conservative input cap (the API supports up to 10000).
	TTSMaxChars = 5000

	// STTMaxSize is the upload cap for transcription (20 MB).
	STTMaxSize int64 = 20 * 1024 * 1024
)

var (
	voiceIDRE = regexp.MustCompile(`^[a-zA-Z0-9]{1,64}$`)
	modelRE   = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)
)

// Client calls the ElevenLabs TTS and STT endpoints.
type Client struct {
	apiKey  string
	apiBase string
	httpc   *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithAPIBase points the client at a different API server (tests).
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// NewClient builds an ElevenLabs client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		apiBase: defaultAPIBase,
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize converts text to speech and writes the MP3 to outputPath.
// Markdown is stripped first; input beyond TTSMaxChars is silently truncated
// (logged at INFO). The response is validated against MP3/ADTS magic bytes
// and the output file is deleted on mismatch.
func (c *Client) Synthesize(ctx context.Context, text, outputPath, voiceID, model string) error {
	if c.apiKey == "" {
		return fmt.Errorf("tts: api key not configured")
	}
	if !voiceIDRE.MatchString(voiceID) {
		return fmt.Errorf("tts: invalid voice id format")
	}
	if !modelRE.MatchString(model) {
		return fmt.Errorf("tts: invalid model format")
	}

	text = StripMarkdown(text)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("tts: no text left after stripping markdown")
	}
	if len(text) > TTSMaxChars {
		text = text[:TTSMaxChars]
		slog.Info("tts: text truncated", "max_chars", TTSMaxChars)
	}

	payload, err := json.Marshal(map[string]string{"text": text, "model_id": model})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=mp3_44100_128", c.apiBase, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts: %s", apiErrorDetail(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tts: read response: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return fmt.Errorf("tts: write output: %w", err)
	}

	if !platform.ValidateMP3Magic(outputPath) {
		os.Remove(outputPath)
		return fmt.Errorf("tts: provider returned non-audio content")
	}

	slog.Info("tts: generated voice audio", "bytes", len(data))
	return nil
}

// Transcribe posts an audio file to the speech-to-text endpoint and returns
// the transcription text. Empty or oversized files, and model names with
// metacharacters, are rejected before any network call.
func (c *Client) Transcribe(ctx context.Context, audioPath, model string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("stt: api key not configured")
	}
	if !modelRE.MatchString(model) {
		return "", fmt.Errorf("stt: invalid model format")
	}

	fi, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("stt: audio file: %w", err)
	}
	if fi.Size() == 0 {
		return "", fmt.Errorf("stt: audio file is empty")
	}
	if fi.Size() > STTMaxSize {
		return "", fmt.Errorf("stt: audio file too large: %d bytes (max %d)", fi.Size(), STTMaxSize)
	}

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("stt: read audio: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.WriteField("model_id", model); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/speech-to-text", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: %s", apiErrorDetail(resp))
	}

	var result struct {
		Text         string `json:"text"`
		LanguageCode string `json:"language_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("stt: parse response: %w", err)
	}
	if result.Text == "" {
		return "", fmt.Errorf("stt: empty transcription")
	}

	slog.Info("stt: transcribed audio",
		"bytes", fi.Size(), "language", result.LanguageCode, "chars", len(result.Text))
	return result.Text, nil
}

// apiErrorDetail extracts a short error description from an ElevenLabs
// error response body.
func apiErrorDetail(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 500))

	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.Detail) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Detail, &obj); err == nil && obj.Message != "" {
			return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(obj.Message, 100))
		}
		var s string
		if err := json.Unmarshal(parsed.Detail, &s); err == nil && s != "" {
			return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(s, 100))
		}
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
