// Package platform provides typed HTTP clients for the chat platforms a bot
// can be connected to. The two concrete clients (Telegram, WhatsApp) sit
// behind one small capability set so the message pipeline never branches on
// a platform enum.
package platform

import (
	"context"
	"time"
)

// MaxMessageLen is the per-chunk text limit shared by both platforms.
const MaxMessageLen = 4096

// ValidateFunc inspects a downloaded file and reports whether its content is
// acceptable. On false the caller deletes the file.
type ValidateFunc func(path string) bool

// Client is the capability set the message pipeline depends on.
//
// SendMessage chunks long text and applies a per-chunk fallback ladder; it
// never fails the pipeline (errors are logged inside). Downloads validate
// size, emptiness and — where a validator applies — magic bytes, deleting
// the output file when validation fails. Ack and SendTyping are
// fire-and-forget.
type Client interface {
	// SendMessage sends text to the target chat, chunked to MaxMessageLen.
	// Only the first chunk carries the reply marker.
	SendMessage(ctx context.Context, target, text, replyTo string)

	// SendVoice uploads an audio file and sends it as a voice/audio message.
	SendVoice(ctx context.Context, target, audioPath, replyTo string) error

	// DownloadImage fetches an image reference with image magic validation.
	DownloadImage(ctx context.Context, fileID, outputPath string) error

	// DownloadDocument fetches a document reference without content validation.
	DownloadDocument(ctx context.Context, fileID, outputPath string) error

	// DownloadVoice fetches a voice reference with audio magic validation.
	DownloadVoice(ctx context.Context, fileID, outputPath string) error

	// Ack acknowledges receipt of a message: a reaction on Telegram, a read
	// receipt on WhatsApp. Never returns an error.
	Ack(ctx context.Context, chatID, messageID string)

	// SendTyping shows a typing (or voice-recording) indicator where the
	// platform supports one. Never returns an error.
	SendTyping(ctx context.Context, chatID string, recording bool)
}

// maxRetries is the retry budget for every platform API call except
// fire-and-forget ones.
const maxRetries = 4

// backoffDelay computes the wait before the next retry attempt. retryAfter
// is the platform-provided hint on 429 (zero when absent); it is honoured
// when at least one second, otherwise exponential backoff applies.
func backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter >= time.Second {
		return retryAfter
	}
	return (1 << attempt) * time.Second
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
