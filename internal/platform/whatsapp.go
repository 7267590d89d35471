package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v21.0"

	// whatsappMaxMediaSize is the WhatsApp Cloud API media limit (16 MB).
	whatsappMaxMediaSize int64 = 16 * 1024 * 1024
)

// WhatsAppClient talks to the WhatsApp Business Cloud API for one bot.
type WhatsAppClient struct {
	phoneNumberID string
	accessToken   string
	botID         string
	apiBase       string
	httpc         *http.Client
	downloadc     *http.Client

	// allowInsecureMedia relaxes the HTTPS-only media URL check; set by the
	// test constructor only.
	allowInsecureMedia bool
}

// WhatsAppOption customises a WhatsAppClient.
type WhatsAppOption func(*WhatsAppClient)

// WithGraphAPIBase points the client at a different Graph API server (tests).
func WithGraphAPIBase(base string) WhatsAppOption {
	return func(c *WhatsAppClient) {
		c.apiBase = strings.TrimRight(base, "/")
		c.allowInsecureMedia = !strings.HasPrefix(c.apiBase, "https://")
	}
}

// NewWhatsAppClient builds a client for one phone number id + access token.
func NewWhatsAppClient(phoneNumberID, accessToken, botID string, opts ...WhatsAppOption) *WhatsAppClient {
	c := &WhatsAppClient{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		botID:         botID,
		apiBase:       defaultGraphAPIBase,
		httpc:         &http.Client{Timeout: 30 * time.Second},
		downloadc:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage sends text chunked to 4096 chars. Only the first chunk carries
// the context.message_id reply marker. Failures are logged, never returned.
func (c *WhatsAppClient) SendMessage(ctx context.Context, target, text, replyTo string) {
	first := true
	for len(text) > 0 {
		chunk := text
		if len(chunk) > MaxMessageLen {
			chunk = chunk[:MaxMessageLen]
		}
		text = text[len(chunk):]

		payload := map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                target,
			"type":              "text",
			"text":              map[string]any{"preview_url": false, "body": chunk},
		}
		if first && replyTo != "" {
			payload["context"] = map[string]any{"message_id": replyTo}
		}
		first = false

		result, err := c.postJSON(ctx, "messages", payload)
		if err != nil || firstMessageID(result) == "" {
			slog.Error("whatsapp: failed to send message",
				"bot", c.botID, "to", target, "error", err)
		}
	}
}

// SendVoice uploads an audio file to the media endpoint, then sends an audio
// message referencing the uploaded media id (the Cloud API two-step flow).
func (c *WhatsAppClient) SendVoice(ctx context.Context, target, audioPath, replyTo string) error {
	mediaID, err := c.uploadMedia(ctx, audioPath, "audio/mpeg")
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                target,
		"type":              "audio",
		"audio":             map[string]any{"id": mediaID},
	}
	if replyTo != "" {
		payload["context"] = map[string]any{"message_id": replyTo}
	}

	result, err := c.postJSON(ctx, "messages", payload)
	if err != nil {
		return fmt.Errorf("send audio message: %w", err)
	}
	if firstMessageID(result) == "" {
		return fmt.Errorf("send audio message: no message id in response")
	}
	return nil
}

// Ack sends a read receipt. Fire-and-forget.
func (c *WhatsAppClient) Ack(ctx context.Context, _ string, messageID string) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiBase+"/"+c.phoneNumberID+"/messages", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// SendTyping is a no-op: the Cloud API has no typing indicator.
func (c *WhatsAppClient) SendTyping(context.Context, string, bool) {}

// DownloadImage fetches an image with image magic validation.
func (c *WhatsAppClient) DownloadImage(ctx context.Context, mediaID, outputPath string) error {
	return c.downloadMedia(ctx, mediaID, outputPath, ValidateImageMagic)
}

// DownloadDocument fetches a document without content validation.
func (c *WhatsAppClient) DownloadDocument(ctx context.Context, mediaID, outputPath string) error {
	return c.downloadMedia(ctx, mediaID, outputPath, nil)
}

// DownloadVoice fetches an audio/voice file with audio magic validation.
func (c *WhatsAppClient) DownloadVoice(ctx context.Context, mediaID, outputPath string) error {
	return c.downloadMedia(ctx, mediaID, outputPath, ValidateAudioMagic)
}

// downloadMedia resolves a media id to its download URL, then fetches it.
// The URL must be HTTPS; the body must be non-empty and at most 16 MB; the
// file is written with owner-only permissions and deleted again when the
// validator rejects it.
func (c *WhatsAppClient) downloadMedia(ctx context.Context, mediaID, outputPath string, validate ValidateFunc) error {
	meta, err := c.getJSON(ctx, c.apiBase+"/"+mediaID)
	if err != nil {
		return fmt.Errorf("get media url for %s: %w", mediaID, err)
	}
	mediaURL, _ := meta["url"].(string)
	if mediaURL == "" {
		return fmt.Errorf("get media url for %s: empty url", mediaID)
	}
	if !strings.HasPrefix(strings.ToLower(mediaURL), "https://") && !c.allowInsecureMedia {
		return fmt.Errorf("invalid media url scheme (must be HTTPS)")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.downloadc.Do(req)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download media failed with status %d", resp.StatusCode)
	}

	n, err := writeLimited(outputPath, resp.Body, whatsappMaxMediaSize)
	if err != nil {
		return err
	}

	if validate != nil && !validate(outputPath) {
		os.Remove(outputPath)
		return fmt.Errorf("downloaded file failed content validation")
	}

	slog.Info("whatsapp: downloaded media", "bot", c.botID, "path", outputPath, "bytes", n)
	return nil
}

// uploadMedia posts a file to the media endpoint and returns the media id.
func (c *WhatsAppClient) uploadMedia(ctx context.Context, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media file: %w", err)
	}

	var result map[string]any
	err = c.withRetry(ctx, "media", func() error {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if fieldErr := w.WriteField("messaging_product", "whatsapp"); fieldErr != nil {
			return fieldErr
		}
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{
			fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(path)),
		}
		h["Content-Type"] = []string{contentType}
		part, partErr := w.CreatePart(h)
		if partErr != nil {
			return partErr
		}
		if _, writeErr := part.Write(data); writeErr != nil {
			return writeErr
		}
		if closeErr := w.Close(); closeErr != nil {
			return closeErr
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			c.apiBase+"/"+c.phoneNumberID+"/media", &buf)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Content-Type", w.FormDataContentType())

		var doErr error
		result, doErr = c.do(req)
		return doErr
	})
	if err != nil {
		return "", err
	}

	mediaID, _ := result["id"].(string)
	if mediaID == "" {
		return "", fmt.Errorf("no media id in upload response")
	}
	return mediaID, nil
}

// postJSON posts a JSON payload to an endpoint under the phone number id,
// with the shared retry policy.
func (c *WhatsAppClient) postJSON(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	err = c.withRetry(ctx, endpoint, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			c.apiBase+"/"+c.phoneNumberID+"/"+endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Content-Type", "application/json")

		var doErr error
		result, doErr = c.do(req)
		return doErr
	})
	return result, err
}

func (c *WhatsAppClient) getJSON(ctx context.Context, url string) (map[string]any, error) {
	var result map[string]any
	err := c.withRetry(ctx, url, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)

		var doErr error
		result, doErr = c.do(req)
		return doErr
	})
	return result, err
}

// httpStatusError marks an HTTP-level failure for retry classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, truncateBody(e.body))
}

func truncateBody(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// do executes a request and parses the JSON response. Non-2xx statuses are
// returned as *httpStatusError so withRetry can classify them.
func (c *WhatsAppClient) do(req *http.Request) (map[string]any, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return map[string]any{}, nil
	}
	return result, nil
}

// withRetry applies the shared platform retry policy to a Graph API call.
func (c *WhatsAppClient) withRetry(ctx context.Context, what string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}

		var statusErr *httpStatusError
		if errors.As(lastErr, &statusErr) &&
			statusErr.status >= 400 && statusErr.status < 500 &&
			statusErr.status != http.StatusTooManyRequests {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		delay := backoffDelay(attempt, 0)
		slog.Warn("whatsapp: API error, retrying",
			"bot", c.botID, "endpoint", what, "delay", delay, "error", lastErr)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	slog.Error("whatsapp: API failed after all attempts",
		"bot", c.botID, "endpoint", what, "error", lastErr)
	return lastErr
}

// firstMessageID extracts messages[0].id from a send response.
func firstMessageID(result map[string]any) string {
	msgs, _ := result["messages"].([]any)
	if len(msgs) == 0 {
		return ""
	}
	first, _ := msgs[0].(map[string]any)
	id, _ := first["id"].(string)
	return id
}
