package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	// telegramMaxFileSize is the Telegram Bot API download limit (20 MB).
	telegramMaxFileSize int64 = 20 * 1024 * 1024

	defaultTelegramAPIBase = "https://api.telegram.org"

	// ackEmoji is the reaction set on received messages.
	ackEmoji = "\U0001F440"
)

// filePathRE allows only safe characters in the file_path returned by
// getFile. Anything else (or a traversal sequence) aborts the download.
var filePathRE = regexp.MustCompile(`^[a-zA-Z0-9/_.\-]+$`)

// TelegramClient talks to the Telegram Bot API for a single bot token.
type TelegramClient struct {
	bot     *telego.Bot
	token   string
	botID   string
	apiBase string
	httpc   *http.Client
}

// TelegramOption customises a TelegramClient.
type TelegramOption func(*TelegramClient)

// WithTelegramAPIBase points the client at a different API server (used by
// tests and local Bot API deployments).
func WithTelegramAPIBase(base string) TelegramOption {
	return func(c *TelegramClient) { c.apiBase = strings.TrimRight(base, "/") }
}

// NewTelegramClient builds a client for one bot token. The botID is only
// used for log context.
func NewTelegramClient(token, botID string, opts ...TelegramOption) (*TelegramClient, error) {
	c := &TelegramClient{
		token:   token,
		botID:   botID,
		apiBase: defaultTelegramAPIBase,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}

	botOpts := []telego.BotOption{telego.WithDiscardLogger()}
	if c.apiBase != defaultTelegramAPIBase {
		botOpts = append(botOpts, telego.WithAPIServer(c.apiBase))
	}

	bot, err := telego.NewBot(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot
	return c, nil
}

// SendMessage sends text chunked to 4096 chars per message. Each chunk walks
// a three-step fallback ladder: Markdown parse mode, then no parse mode,
// then no reply marker. After the third failure the chunk is dropped with an
// error log — delivery problems never fail the pipeline.
func (c *TelegramClient) SendMessage(ctx context.Context, target, text, replyTo string) {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		slog.Error("telegram: invalid chat id", "bot", c.botID, "chat_id", target)
		return
	}
	replyID := 0
	if replyTo != "" {
		replyID, _ = strconv.Atoi(replyTo)
	}

	first := true
	for len(text) > 0 {
		chunk := text
		if len(chunk) > MaxMessageLen {
			chunk = chunk[:MaxMessageLen]
		}
		text = text[len(chunk):]

		shouldReply := first && replyID != 0
		first = false

		if c.sendChunk(ctx, chatID, chunk, "Markdown", shouldReply, replyID) {
			continue
		}
		if c.sendChunk(ctx, chatID, chunk, "", shouldReply, replyID) {
			continue
		}
		if c.sendChunk(ctx, chatID, chunk, "", false, 0) {
			continue
		}
		slog.Error("telegram: failed to send message after all fallbacks",
			"bot", c.botID, "chat_id", target)
	}
}

func (c *TelegramClient) sendChunk(ctx context.Context, chatID int64, chunk, parseMode string, reply bool, replyID int) bool {
	params := tu.Message(tu.ID(chatID), chunk)
	if parseMode != "" {
		params.ParseMode = parseMode
	}
	if reply {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
	}

	err := c.withRetry(ctx, "sendMessage", func() error {
		_, err := c.bot.SendMessage(ctx, params)
		return err
	})
	return err == nil
}

// SendVoice uploads an audio file as a Telegram voice message.
func (c *TelegramClient) SendVoice(ctx context.Context, target, audioPath, replyTo string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", target)
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open voice file: %w", err)
	}
	defer f.Close()

	params := &telego.SendVoiceParams{
		ChatID: tu.ID(chatID),
		Voice:  telego.InputFile{File: f},
	}
	if replyTo != "" {
		if id, convErr := strconv.Atoi(replyTo); convErr == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
		}
	}

	if err := c.withRetry(ctx, "sendVoice", func() error {
		// Multipart bodies are not replayable; rewind between attempts.
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
			return seekErr
		}
		_, sendErr := c.bot.SendVoice(ctx, params)
		return sendErr
	}); err != nil {
		return fmt.Errorf("sendVoice: %w", err)
	}
	return nil
}

// Ack sets an eyes reaction on the message. Fire-and-forget.
func (c *TelegramClient) Ack(ctx context.Context, chatID, messageID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return
	}

	_ = c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: ackEmoji},
		},
	})
}

// SendTyping sends a typing (or record-voice) chat action. Fire-and-forget.
func (c *TelegramClient) SendTyping(ctx context.Context, chatID string, recording bool) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	action := telego.ChatActionTyping
	if recording {
		action = telego.ChatActionRecordVoice
	}
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), action))
}

// DownloadImage fetches an image with image magic validation.
func (c *TelegramClient) DownloadImage(ctx context.Context, fileID, outputPath string) error {
	return c.downloadFile(ctx, fileID, outputPath, ValidateImageMagic)
}

// DownloadDocument fetches a document without content validation.
func (c *TelegramClient) DownloadDocument(ctx context.Context, fileID, outputPath string) error {
	return c.downloadFile(ctx, fileID, outputPath, nil)
}

// DownloadVoice fetches a voice note with OGG magic validation.
func (c *TelegramClient) DownloadVoice(ctx context.Context, fileID, outputPath string) error {
	return c.downloadFile(ctx, fileID, outputPath, ValidateOggMagic)
}

// downloadFile resolves a file_id through getFile and fetches the content.
// The API-returned file_path must match a safe character set and contain no
// traversal sequences; the body must be non-empty and at most 20 MB. The
// output file is written with owner-only permissions and removed again when
// a validator rejects it.
func (c *TelegramClient) downloadFile(ctx context.Context, fileID, outputPath string, validate ValidateFunc) error {
	var file *telego.File
	err := c.withRetry(ctx, "getFile", func() error {
		var apiErr error
		file, apiErr = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("getFile %s: %w", fileID, err)
	}
	if file.FilePath == "" {
		return fmt.Errorf("getFile %s: empty file path", fileID)
	}

	if !filePathRE.MatchString(file.FilePath) || strings.Contains(file.FilePath, "..") {
		return fmt.Errorf("unsafe file path from API: %q", file.FilePath)
	}

	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	n, err := writeLimited(outputPath, resp.Body, telegramMaxFileSize)
	if err != nil {
		return err
	}

	if validate != nil && !validate(outputPath) {
		os.Remove(outputPath)
		return fmt.Errorf("downloaded file failed magic byte validation")
	}

	slog.Info("telegram: downloaded file", "bot", c.botID, "path", outputPath, "bytes", n)
	return nil
}

// withRetry runs call with the shared platform retry policy: up to 4
// retries, honouring retry-after on 429 (minimum one second), exponential
// backoff on 5xx and transport errors, and an immediate return on any other
// 4xx.
func (c *TelegramClient) withRetry(ctx context.Context, method string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}

		retryable, retryAfter := classifyTelegramError(lastErr)
		if !retryable {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		delay := backoffDelay(attempt, retryAfter)
		slog.Warn("telegram: API error, retrying",
			"bot", c.botID, "method", method, "delay", delay, "error", lastErr)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}

	slog.Error("telegram: API failed after all attempts",
		"bot", c.botID, "method", method, "error", lastErr)
	return lastErr
}

// classifyTelegramError decides whether an error from telego is retryable
// and extracts the retry-after hint on 429 responses.
func classifyTelegramError(err error) (retryable bool, retryAfter time.Duration) {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			if apiErr.Parameters != nil {
				retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return true, retryAfter
		case apiErr.ErrorCode >= 500:
			return true, 0
		default:
			return false, 0
		}
	}
	// Transport error.
	return true, 0
}

// writeLimited streams body into path with mode 0600, rejecting empty or
// oversized content. Returns the byte count written.
func writeLimited(path string, body io.Reader, maxBytes int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, maxBytes+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return 0, closeErr
	}
	if n == 0 {
		os.Remove(path)
		return 0, fmt.Errorf("downloaded file is empty")
	}
	if n > maxBytes {
		os.Remove(path)
		return 0, fmt.Errorf("downloaded file exceeds size limit: %d bytes", n)
	}
	return n, nil
}
