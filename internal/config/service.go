package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Defaults shared between bot and service configuration.
const (
	DefaultPort     = 8421
	DefaultVoiceID  = "iP95p4xoKVk53GoZ742B"
	DefaultTTSModel = "eleven_multilingual_v2"
	DefaultSTTModel = "scribe_v1"

	DefaultEmbeddingModel     = "sentence-transformers/all-MiniLM-L6-v2"
	DefaultConsolidationModel = "haiku"
)

// managedKeys are the keys owned by the service in service.env. Unmanaged
// keys (user extras like HASS_TOKEN) are preserved on rewrite.
var managedKeys = []string{
	"PORT", "WEBHOOK_URL", "TUNNEL_NAME", "TUNNEL_HOSTNAME",
	"WEBHOOK_RETRY_DELAY", "ELEVENLABS_API_KEY", "ELEVENLABS_VOICE_ID",
	"ELEVENLABS_MODEL", "ELEVENLABS_STT_MODEL", "MEMORY_ENABLED",
	"MEMORY_EMBEDDING_MODEL", "MEMORY_CONSOLIDATION_MODEL",
}

// legacyKeys are per-bot keys stripped from service.env during the
// single-bot to multi-bot migration.
var legacyKeys = []string{
	"MODEL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	"WEBHOOK_SECRET", "MAX_HISTORY_LINES",
}

var serviceDefaults = map[string]string{
	"PORT":                       strconv.Itoa(DefaultPort),
	"WEBHOOK_RETRY_DELAY":        "60",
	"ELEVENLABS_VOICE_ID":        DefaultVoiceID,
	"ELEVENLABS_MODEL":           DefaultTTSModel,
	"ELEVENLABS_STT_MODEL":       DefaultSTTModel,
	"MEMORY_ENABLED":             "1",
	"MEMORY_EMBEDDING_MODEL":     DefaultEmbeddingModel,
	"MEMORY_CONSOLIDATION_MODEL": DefaultConsolidationModel,
}

// Service manages the Claudio installation directory and service.env.
type Service struct {
	ClaudioPath string
	EnvFile     string
	LogFile     string
	Env         map[string]string
}

// NewService returns a Service rooted at claudioPath, or ~/.claudio when
// claudioPath is empty.
func NewService(claudioPath string) *Service {
	if claudioPath == "" {
		home, _ := os.UserHomeDir()
		claudioPath = filepath.Join(home, ".claudio")
	}
	return &Service{
		ClaudioPath: claudioPath,
		EnvFile:     filepath.Join(claudioPath, "service.env"),
		LogFile:     filepath.Join(claudioPath, "claudio.log"),
		Env:         map[string]string{},
	}
}

// Init creates the installation directory if needed, loads service.env, and
// auto-migrates a legacy single-bot layout into bots/.
func (s *Service) Init() error {
	if err := os.MkdirAll(s.ClaudioPath, 0o700); err != nil {
		return fmt.Errorf("create claudio dir: %w", err)
	}
	s.Env = ParseEnvFile(s.EnvFile)
	return s.migrateToMultiBot()
}

// Reload re-reads service.env in place.
func (s *Service) Reload() {
	s.Env = ParseEnvFile(s.EnvFile)
}

// Port returns the configured HTTP port.
func (s *Service) Port() int {
	if v, err := strconv.Atoi(s.Env["PORT"]); err == nil && v > 0 {
		return v
	}
	return DefaultPort
}

// WebhookURL returns the public webhook base URL.
func (s *Service) WebhookURL() string { return s.Env["WEBHOOK_URL"] }

// MemoryEnabled reports whether the memory subsystem is switched on.
func (s *Service) MemoryEnabled() bool { return s.Env["MEMORY_ENABLED"] != "0" }

// EmbeddingModel returns the configured embedding model name.
func (s *Service) EmbeddingModel() string {
	if v := s.Env["MEMORY_EMBEDDING_MODEL"]; v != "" {
		return v
	}
	return DefaultEmbeddingModel
}

// ConsolidationModel returns the model used for memory consolidation.
func (s *Service) ConsolidationModel() string {
	if v := s.Env["MEMORY_CONSOLIDATION_MODEL"]; v != "" {
		return v
	}
	return DefaultConsolidationModel
}

// BotsDir returns the bots/ directory path.
func (s *Service) BotsDir() string { return filepath.Join(s.ClaudioPath, "bots") }

// TmpDir creates (if needed) and returns the per-message scratch directory.
func (s *Service) TmpDir() (string, error) {
	dir := filepath.Join(s.ClaudioPath, "tmp")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	return dir, nil
}

// MemorySocket returns the Unix domain socket path for the memory daemon.
func (s *Service) MemorySocket() string {
	return filepath.Join(s.ClaudioPath, "memory.sock")
}

// SaveServiceEnv rewrites service.env with the managed keys, preserving any
// pre-existing keys outside the managed and legacy sets.
func (s *Service) SaveServiceEnv() error {
	all := make(map[string]bool, len(managedKeys)+len(legacyKeys))
	for _, k := range managedKeys {
		all[k] = true
	}
	for _, k := range legacyKeys {
		all[k] = true
	}

	var extra []string
	if data, err := os.ReadFile(s.EnvFile); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			eq := strings.Index(line, "=")
			key := ""
			if eq > 0 {
				key = line[:eq]
			}
			if !all[key] {
				extra = append(extra, line)
			}
		}
	}

	var b strings.Builder
	for _, key := range managedKeys {
		val, ok := s.Env[key]
		if !ok {
			val = serviceDefaults[key]
		}
		b.WriteString(formatLine(key, val))
		b.WriteByte('\n')
	}
	for _, line := range extra {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return writeRestricted(s.EnvFile, b.String())
}

// ListBots returns the sorted IDs of all bots that have a bot.env.
func (s *Service) ListBots() []string {
	entries, err := os.ReadDir(s.BotsDir())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.BotsDir(), e.Name(), "bot.env")); err == nil {
			out = append(out, e.Name())
		}
	}
	return out
}

// LoadBot loads one bot's merged configuration.
func (s *Service) LoadBot(botID string) (*BotConfig, error) {
	return LoadBot(s.ClaudioPath, botID)
}

// migrateToMultiBot moves a legacy single-bot service.env into bots/claudio/.
// Idempotent: a no-op when bots/ exists or no token is configured.
func (s *Service) migrateToMultiBot() error {
	botsDir := s.BotsDir()
	if _, err := os.Stat(botsDir); err == nil {
		return nil
	}

	token := s.Env["TELEGRAM_BOT_TOKEN"]
	if token == "" {
		return nil
	}

	botDir := filepath.Join(botsDir, "claudio")
	fields := map[string]string{
		"TELEGRAM_BOT_TOKEN": token,
		"TELEGRAM_CHAT_ID":   s.Env["TELEGRAM_CHAT_ID"],
		"WEBHOOK_SECRET":     s.Env["WEBHOOK_SECRET"],
		"MODEL":              valueOr(s.Env["MODEL"], "haiku"),
		"MAX_HISTORY_LINES":  valueOr(s.Env["MAX_HISTORY_LINES"], "100"),
	}
	if err := SaveBotEnv(botDir, fields); err != nil {
		return fmt.Errorf("migrate bot env: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := filepath.Join(s.ClaudioPath, "history.db"+suffix)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, filepath.Join(botDir, "history.db"+suffix))
		}
	}

	claudeMD := filepath.Join(s.ClaudioPath, "CLAUDE.md")
	if fi, err := os.Stat(claudeMD); err == nil && !fi.IsDir() {
		os.Rename(claudeMD, filepath.Join(botDir, "CLAUDE.md"))
	}

	if err := s.SaveServiceEnv(); err != nil {
		return err
	}
	slog.Info("migrated single-bot config", "bot_dir", botDir)
	return nil
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
