package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// botIDRE restricts bot IDs to characters safe for filesystem directory names.
var botIDRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ErrInvalidModel is returned when a model name outside the allowed set is
// passed to SaveModel.
var ErrInvalidModel = fmt.Errorf("invalid model")

// ValidateBotID rejects bot identifiers that are unsafe as directory names
// (path traversal, separators, leading dots, metacharacters).
func ValidateBotID(botID string) error {
	if botID == "" || !botIDRE.MatchString(botID) {
		return fmt.Errorf("invalid bot id: %q", botID)
	}
	return nil
}

// BotConfig is the typed configuration for a single bot, merged from its
// bot.env and the installation-wide service.env.
type BotConfig struct {
	BotID  string
	BotDir string

	// Telegram
	TelegramToken  string
	TelegramChatID string
	WebhookSecret  string

	// WhatsApp Business Cloud API
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppAppSecret     string
	WhatsAppVerifyToken   string
	WhatsAppPhoneNumber   string

	// Common
	Model           string
	MaxHistoryLines int

	// ElevenLabs (from service.env)
	ElevenLabsAPIKey   string
	ElevenLabsVoiceID  string
	ElevenLabsModel    string
	ElevenLabsSTTModel string

	// Memory
	MemoryEnabled bool

	// DBFile is the bot's SQLite history database path.
	DBFile string
}

// LoadBot builds a BotConfig by reading bot.env and service.env under the
// given installation root.
func LoadBot(claudioPath, botID string) (*BotConfig, error) {
	if err := ValidateBotID(botID); err != nil {
		return nil, err
	}

	svc := ParseEnvFile(filepath.Join(claudioPath, "service.env"))
	botDir := filepath.Join(claudioPath, "bots", botID)
	botEnv := ParseEnvFile(filepath.Join(botDir, "bot.env"))

	return botConfigFromEnv(botID, botDir, botEnv, svc), nil
}

func botConfigFromEnv(botID, botDir string, botEnv, svc map[string]string) *BotConfig {
	maxHistory := 100
	if v, err := strconv.Atoi(botEnv["MAX_HISTORY_LINES"]); err == nil {
		maxHistory = v
	}

	cfg := &BotConfig{
		BotID:  botID,
		BotDir: botDir,

		TelegramToken:  botEnv["TELEGRAM_BOT_TOKEN"],
		TelegramChatID: botEnv["TELEGRAM_CHAT_ID"],
		WebhookSecret:  botEnv["WEBHOOK_SECRET"],

		WhatsAppPhoneNumberID: botEnv["WHATSAPP_PHONE_NUMBER_ID"],
		WhatsAppAccessToken:   botEnv["WHATSAPP_ACCESS_TOKEN"],
		WhatsAppAppSecret:     botEnv["WHATSAPP_APP_SECRET"],
		WhatsAppVerifyToken:   botEnv["WHATSAPP_VERIFY_TOKEN"],
		WhatsAppPhoneNumber:   botEnv["WHATSAPP_PHONE_NUMBER"],

		Model:           botEnv["MODEL"],
		MaxHistoryLines: maxHistory,

		ElevenLabsAPIKey:   svc["ELEVENLABS_API_KEY"],
		ElevenLabsVoiceID:  svc["ELEVENLABS_VOICE_ID"],
		ElevenLabsModel:    svc["ELEVENLABS_MODEL"],
		ElevenLabsSTTModel: svc["ELEVENLABS_STT_MODEL"],

		MemoryEnabled: svc["MEMORY_ENABLED"] != "0",
		DBFile:        filepath.Join(botDir, "history.db"),
	}

	if cfg.Model == "" {
		cfg.Model = "haiku"
	}
	if cfg.ElevenLabsVoiceID == "" {
		cfg.ElevenLabsVoiceID = DefaultVoiceID
	}
	if cfg.ElevenLabsModel == "" {
		cfg.ElevenLabsModel = DefaultTTSModel
	}
	if cfg.ElevenLabsSTTModel == "" {
		cfg.ElevenLabsSTTModel = DefaultSTTModel
	}

	return cfg
}

// HasTelegram reports whether the bot carries Telegram credentials.
func (c *BotConfig) HasTelegram() bool { return c.TelegramToken != "" }

// HasWhatsApp reports whether the bot carries WhatsApp credentials.
func (c *BotConfig) HasWhatsApp() bool {
	return c.WhatsAppPhoneNumberID != "" && c.WhatsAppAccessToken != ""
}

// SaveModel persists a model change with a targeted in-place edit of the
// MODEL= line in bot.env, preserving comments and other keys. Appends the
// line if MODEL= is not present. Only opus, sonnet and haiku are accepted.
func (c *BotConfig) SaveModel(model string) error {
	switch model {
	case "opus", "sonnet", "haiku":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}

	c.Model = model
	if c.BotDir == "" {
		return nil
	}

	botEnvPath := filepath.Join(c.BotDir, "bot.env")
	newLine := formatLine("MODEL", model)

	if err := os.MkdirAll(c.BotDir, 0o700); err != nil {
		return fmt.Errorf("create bot dir: %w", err)
	}

	var lines []string
	found := false
	if data, err := os.ReadFile(botEnvPath); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if strings.HasPrefix(line, "MODEL=") {
				lines = append(lines, newLine)
				found = true
			} else {
				lines = append(lines, line)
			}
		}
	}
	if !found {
		lines = append(lines, newLine)
	}

	return writeRestricted(botEnvPath, strings.Join(lines, "\n")+"\n")
}

// SaveBotEnv writes a bot.env atomically with owner-only permissions.
// Keys are written in sorted order for stable output.
func SaveBotEnv(botDir string, fields map[string]string) error {
	if err := os.MkdirAll(botDir, 0o700); err != nil {
		return fmt.Errorf("create bot dir: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(formatLine(k, fields[k]))
		b.WriteByte('\n')
	}

	return writeRestricted(filepath.Join(botDir, "bot.env"), b.String())
}

// writeRestricted writes a file atomically with mode 0600 via a temp file
// in the same directory.
func writeRestricted(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
