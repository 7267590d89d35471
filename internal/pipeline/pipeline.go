package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/claudiohq/claudio/internal/agent"
	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/history"
	"github.com/claudiohq/claudio/internal/platform"
)

// typingInterval is how often the typing indicator is refreshed while the
// agent works (Telegram's indicator expires after ~5s).
const typingInterval = 4 * time.Second

// AgentRunner runs one Claude invocation.
type AgentRunner interface {
	Run(ctx context.Context, prompt string, cfg *config.BotConfig, historyContext, memories string) agent.Result
}

// MemoryService is the slice of the memory daemon the pipeline uses. Any
// error means "proceed without memories".
type MemoryService interface {
	Retrieve(query string, topK int) (string, error)
	Consolidate(timeoutSec int) error
}

// SpeechService is the STT/TTS surface.
type SpeechService interface {
	Transcribe(ctx context.Context, audioPath, model string) (string, error)
	Synthesize(ctx context.Context, text, outputPath, voiceID, model string) error
}

// Pipeline wires the collaborators of the unified message-processing flow.
type Pipeline struct {
	Service *config.Service
	Runner  AgentRunner
	Memory  MemoryService // nil disables memory integration

	// NewClient builds the platform client for one message. Injectable so
	// tests can observe the conversation.
	NewClient func(platformName string, cfg *config.BotConfig) (platform.Client, error)

	// NewSpeech builds the STT/TTS client for a bot's API key.
	NewSpeech func(apiKey string) SpeechService
}

// Process runs the full pipeline for one webhook body. It never returns an
// error and never panics out: all failures are logged and, where a user is
// waiting, answered with a generic apology.
func (p *Pipeline) Process(ctx context.Context, platformName, botID string, cfg *config.BotConfig, body []byte) {
	tracer := otel.Tracer("claudio/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("bot.id", botID),
		attribute.String("platform", platformName),
	)
	defer span.End()

	// Step 1: parse.
	var msg *ParsedMessage
	switch platformName {
	case "telegram":
		msg = ParseTelegram(body)
	case "whatsapp":
		msg = ParseWhatsApp(body)
	default:
		slog.Error("unknown platform", "platform", platformName, "bot", botID)
		return
	}
	if msg == nil {
		return
	}

	// Step 2: authorise. No configured sender means fail closed.
	if !p.authorize(platformName, botID, cfg, msg) {
		return
	}

	client, err := p.NewClient(platformName, cfg)
	if err != nil {
		slog.Error("failed to build platform client", "bot", botID, "error", err)
		return
	}

	// Step 3: WhatsApp rejects unsupported message types with a polite reply.
	if platformName == "whatsapp" {
		switch msg.MessageType {
		case "text", "image", "document", "audio", "voice":
		default:
			slog.Info("unsupported whatsapp message type",
				"bot", botID, "type", msg.MessageType)
			client.SendMessage(ctx, msg.ChatID,
				"Sorry, I don't support that message type yet.", msg.MessageID)
			return
		}
	}

	// Step 4: early exit when there is nothing to process.
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && !msg.HasImage() && !msg.HasDocument() && !msg.HasVoice() {
		return
	}

	// Step 5: commands — before reply-context injection so they work as
	// replies too.
	if p.handleCommand(ctx, text, cfg, client, msg) {
		return
	}

	// Step 6: reply-context injection.
	if text != "" {
		if platformName == "telegram" && msg.ReplyToText != "" {
			from := SanitizeForPrompt(msg.ReplyToFrom)
			if from == "" {
				from = "someone"
			}
			text = fmt.Sprintf("[Replying to %s: \"%s\"]\n\n%s", from, SanitizeForPrompt(msg.ReplyToText), text)
		} else if platformName == "whatsapp" && msg.ContextID != "" {
			text = "[Replying to a previous message]\n\n" + text
		}
	}

	slog.Info("received message", "bot", botID, "platform", platformName, "chat_id", msg.ChatID)

	// Step 7: acknowledge receipt (fire-and-forget).
	client.Ack(ctx, msg.ChatID, msg.MessageID)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in message pipeline", "bot", botID, "panic", r)
			client.SendMessage(ctx, msg.ChatID,
				"Sorry, an error occurred while processing your message. Please try again.",
				msg.MessageID)
		}
	}()

	p.processMessage(ctx, platformName, botID, cfg, client, msg, text)
}

func (p *Pipeline) authorize(platformName, botID string, cfg *config.BotConfig, msg *ParsedMessage) bool {
	switch platformName {
	case "telegram":
		if cfg.TelegramChatID == "" {
			slog.Error("TELEGRAM_CHAT_ID not configured, rejecting all messages", "bot", botID)
			return false
		}
		if msg.ChatID != cfg.TelegramChatID {
			slog.Info("rejected message from unauthorized chat", "bot", botID, "chat_id", msg.ChatID)
			return false
		}
	case "whatsapp":
		if cfg.WhatsAppPhoneNumber == "" {
			slog.Error("WHATSAPP_PHONE_NUMBER not configured, rejecting all messages", "bot", botID)
			return false
		}
		if msg.ChatID != cfg.WhatsAppPhoneNumber {
			slog.Info("rejected message from unauthorized number", "bot", botID, "number", msg.ChatID)
			return false
		}
	}
	return true
}

// handleCommand dispatches slash commands. Returns true when handled.
func (p *Pipeline) handleCommand(ctx context.Context, text string, cfg *config.BotConfig, client platform.Client, msg *ParsedMessage) bool {
	switch strings.TrimSpace(text) {
	case "/opus", "/sonnet", "/haiku":
		model := strings.TrimSpace(text)[1:]
		if err := cfg.SaveModel(model); err != nil {
			slog.Error("failed to save model", "bot", cfg.BotID, "error", err)
			return false
		}
		client.SendMessage(ctx, msg.ChatID,
			fmt.Sprintf("_Switched to %s model._", titleCase(model)), msg.MessageID)
		return true

	case "/start":
		client.SendMessage(ctx, msg.ChatID,
			"_Hola!_ Send me a message and I'll forward it to Claude Code.", msg.MessageID)
		return true
	}
	return false
}

// processMessage runs downloads, transcription, agent invocation, history
// recording and reply delivery. Temp files are removed on every exit path.
func (p *Pipeline) processMessage(ctx context.Context, platformName, botID string, cfg *config.BotConfig, client platform.Client, msg *ParsedMessage, text string) {
	var tmpFiles []string
	defer func() {
		for _, path := range tmpFiles {
			os.Remove(path)
		}
	}()

	tmpDir, err := p.Service.TmpDir()
	if err != nil {
		slog.Error("failed to create tmp dir", "bot", botID, "error", err)
		client.SendMessage(ctx, msg.ChatID,
			"Sorry, an error occurred while processing your message. Please try again.",
			msg.MessageID)
		return
	}

	voiceLabel := "voice"
	if platformName != "telegram" {
		voiceLabel = "audio"
	}

	// -- Media downloads --

	imageFile := ""
	var extraImageFiles []string
	if msg.HasImage() {
		imageFile = tmpPath(tmpDir, "claudio-img-", msg.ImageExt)
		tmpFiles = append(tmpFiles, imageFile)

		if err := client.DownloadImage(ctx, msg.ImageFileID, imageFile); err != nil {
			slog.Error("image download failed", "bot", botID, "error", err)
			client.SendMessage(ctx, msg.ChatID,
				"Sorry, I couldn't download your image. Please try again.", msg.MessageID)
			return
		}
		if err := sanitizeImage(imageFile); err != nil {
			slog.Warn("image sanitisation failed, using original", "bot", botID, "error", err)
		}

		for _, fid := range msg.ExtraPhotos {
			extraFile := tmpPath(tmpDir, "claudio-img-", "jpg")
			tmpFiles = append(tmpFiles, extraFile)
			if err := client.DownloadImage(ctx, fid, extraFile); err != nil {
				slog.Error("failed to download extra photo from media group", "bot", botID, "error", err)
				continue
			}
			if err := sanitizeImage(extraFile); err != nil {
				slog.Warn("image sanitisation failed, using original", "bot", botID, "error", err)
			}
			extraImageFiles = append(extraImageFiles, extraFile)
		}
		if len(extraImageFiles) > 0 {
			slog.Info("downloaded media group photos",
				"bot", botID, "count", 1+len(extraImageFiles))
		}
	}

	docFile := ""
	if msg.HasDocument() {
		docFile = tmpPath(tmpDir, "claudio-doc-", SafeFilenameExt(msg.DocFilename))
		tmpFiles = append(tmpFiles, docFile)

		if err := client.DownloadDocument(ctx, msg.DocFileID, docFile); err != nil {
			slog.Error("document download failed", "bot", botID, "error", err)
			client.SendMessage(ctx, msg.ChatID,
				"Sorry, I couldn't download your file. Please try again.", msg.MessageID)
			return
		}
	}

	// -- Voice transcription --

	hasVoice := false
	transcription := ""
	if msg.HasVoice() {
		if cfg.ElevenLabsAPIKey == "" {
			client.SendMessage(ctx, msg.ChatID,
				fmt.Sprintf("_%s messages require ELEVENLABS_API_KEY to be configured._",
					titleCase(voiceLabel)), msg.MessageID)
			return
		}

		voiceExt := "ogg"
		if platformName == "telegram" {
			voiceExt = "oga"
		}
		voiceFile := tmpPath(tmpDir, "claudio-voice-", voiceExt)
		tmpFiles = append(tmpFiles, voiceFile)

		if err := client.DownloadVoice(ctx, msg.VoiceFileID, voiceFile); err != nil {
			slog.Error("voice download failed", "bot", botID, "error", err)
			client.SendMessage(ctx, msg.ChatID,
				fmt.Sprintf("Sorry, I couldn't download your %s message. Please try again.", voiceLabel),
				msg.MessageID)
			return
		}

		speech := p.NewSpeech(cfg.ElevenLabsAPIKey)
		transcription, err = speech.Transcribe(ctx, voiceFile, cfg.ElevenLabsSTTModel)
		if err != nil {
			slog.Error("transcription failed", "bot", botID, "error", err)
			client.SendMessage(ctx, msg.ChatID,
				fmt.Sprintf("Sorry, I couldn't transcribe your %s message. Please try again.", voiceLabel),
				msg.MessageID)
			return
		}
		hasVoice = true

		// The voice file is not needed once transcribed.
		os.Remove(voiceFile)

		if text != "" {
			text = transcription + "\n\n" + text
		} else {
			text = transcription
		}
		slog.Info("voice message transcribed", "bot", botID, "chars", len(transcription))
	}

	// -- Prompt assembly with media references --

	if imageFile != "" {
		if len(extraImageFiles) == 0 {
			prefix := fmt.Sprintf("[The user sent an image at %s]", imageFile)
			if text != "" {
				text = prefix + "\n\n" + text
			} else {
				text = prefix + "\n\nDescribe this image."
			}
		} else {
			all := append([]string{imageFile}, extraImageFiles...)
			prefix := fmt.Sprintf("[The user sent %d images at: %s]", len(all), strings.Join(all, ", "))
			if text != "" {
				text = prefix + "\n\n" + text
			} else {
				text = prefix + "\n\nDescribe these images."
			}
		}
	}

	if docFile != "" {
		prefix := fmt.Sprintf("[The user sent a file %q at %s]", SanitizeDocName(msg.DocFilename), docFile)
		if text != "" {
			text = prefix + "\n\n" + text
		} else {
			text = prefix + "\n\nRead this file and summarize its contents."
		}
	}

	// -- Descriptive history text (no temp paths) --

	historyText := p.historyPlaceholder(msg, text, voiceLabel, transcription, hasVoice,
		imageFile, docFile, len(extraImageFiles))

	// -- Typing indicator (Telegram only) --

	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	if platformName == "telegram" {
		go func() {
			ticker := time.NewTicker(typingInterval)
			defer ticker.Stop()
			client.SendTyping(typingCtx, msg.ChatID, hasVoice)
			for {
				select {
				case <-typingCtx.Done():
					return
				case <-ticker.C:
					client.SendTyping(typingCtx, msg.ChatID, hasVoice)
				}
			}
		}()
	}

	// -- History retrieval (best-effort) --

	historyContext := ""
	var db *history.DB
	if cfg.DBFile != "" {
		db, err = history.Open(cfg.DBFile)
		if err != nil {
			slog.Error("failed to open history db", "bot", botID, "error", err)
		} else {
			defer db.Close()
			if cfg.MaxHistoryLines > 0 {
				historyContext, err = db.Context(cfg.MaxHistoryLines)
				if err != nil {
					slog.Error("failed to get history", "bot", botID, "error", err)
					historyContext = ""
				}
			}
		}
	}

	// -- Memory retrieval (best-effort) --

	memories := ""
	if cfg.MemoryEnabled && p.Memory != nil {
		memories, err = p.Memory.Retrieve(text, 5)
		if err != nil {
			slog.Info("memory retrieval unavailable", "bot", botID, "error", err)
			memories = ""
		}
	}

	// -- Agent invocation --

	result := p.Runner.Run(ctx, text, cfg, historyContext, memories)
	response := result.Response
	stopTyping()

	// -- Document history enrichment from the reply --

	if response != "" && msg.Caption == "" && msg.Text == "" && docFile != "" {
		historyText = fmt.Sprintf("[Sent a file %q: %s]", SanitizeDocName(msg.DocFilename), Summarize(response))
	}

	// -- History record --

	if db != nil {
		if err := db.Add("user", historyText); err != nil {
			slog.Error("failed to record user history", "bot", botID, "error", err)
		}
		if response != "" {
			historyResponse := response
			if result.NotifierMessages != "" {
				historyResponse = result.NotifierMessages + "\n\n" + historyResponse
			}
			if result.ToolSummary != "" {
				historyResponse = result.ToolSummary + "\n\n" + historyResponse
			}
			if err := db.Add("assistant", SanitizeForPrompt(historyResponse)); err != nil {
				slog.Error("failed to record assistant history", "bot", botID, "error", err)
			}
		}
	}

	// -- Memory consolidation (asynchronous, fire-and-forget) --

	if cfg.MemoryEnabled && p.Memory != nil && response != "" {
		go func() {
			defer func() { recover() }()
			if err := p.Memory.Consolidate(150); err != nil {
				slog.Debug("memory consolidation skipped", "bot", botID, "error", err)
			}
		}()
	}

	// -- Deliver --

	if response == "" {
		client.SendMessage(ctx, msg.ChatID,
			"Sorry, I couldn't get a response. Please try again.", msg.MessageID)
		return
	}

	if hasVoice && cfg.ElevenLabsAPIKey != "" {
		p.deliverVoice(ctx, botID, cfg, client, msg, response, tmpDir, &tmpFiles, voiceLabel)
	} else {
		client.SendMessage(ctx, msg.ChatID, response, msg.MessageID)
	}
}

// historyPlaceholder builds the descriptive history text that replaces the
// tool-facing prompt (which may embed temp file paths).
func (p *Pipeline) historyPlaceholder(msg *ParsedMessage, text, voiceLabel, transcription string, hasVoice bool, imageFile, docFile string, extraCount int) string {
	userCaption := msg.Caption
	if userCaption == "" {
		userCaption = msg.Text
	}

	switch {
	case hasVoice:
		return fmt.Sprintf("[Sent a %s message: %s]", voiceLabel, transcription)
	case imageFile != "" && extraCount > 0:
		total := 1 + extraCount
		if userCaption != "" {
			return fmt.Sprintf("[Sent %d images with caption: %s]", total, userCaption)
		}
		return fmt.Sprintf("[Sent %d images]", total)
	case imageFile != "":
		if userCaption != "" {
			return fmt.Sprintf("[Sent an image with caption: %s]", userCaption)
		}
		return "[Sent an image]"
	case docFile != "":
		name := SanitizeDocName(msg.DocFilename)
		if userCaption != "" {
			return fmt.Sprintf("[Sent a file %q with caption: %s]", name, userCaption)
		}
		return fmt.Sprintf("[Sent a file %q]", name)
	}
	return text
}

// deliverVoice converts the reply to speech and sends it as a voice/audio
// message, falling back to text on any failure.
func (p *Pipeline) deliverVoice(ctx context.Context, botID string, cfg *config.BotConfig, client platform.Client, msg *ParsedMessage, response, tmpDir string, tmpFiles *[]string, voiceLabel string) {
	ttsFile := tmpPath(tmpDir, "claudio-tts-", "mp3")
	*tmpFiles = append(*tmpFiles, ttsFile)

	speech := p.NewSpeech(cfg.ElevenLabsAPIKey)
	if err := speech.Synthesize(ctx, response, ttsFile, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel); err != nil {
		slog.Error("TTS conversion failed, sending text only", "bot", botID, "error", err)
		client.SendMessage(ctx, msg.ChatID, response, msg.MessageID)
		return
	}

	if err := client.SendVoice(ctx, msg.ChatID, ttsFile, msg.MessageID); err != nil {
		slog.Error("failed to send voice reply, falling back to text",
			"bot", botID, "label", voiceLabel, "error", err)
		client.SendMessage(ctx, msg.ChatID, response, msg.MessageID)
	}
}

// tmpPath creates an empty 0600 temp file in dir and returns its path.
func tmpPath(dir, prefix, ext string) string {
	f, err := os.CreateTemp(dir, prefix+"*."+ext)
	if err != nil {
		return filepath.Join(dir, prefix+ext)
	}
	f.Chmod(0o600)
	f.Close()
	return f.Name()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
