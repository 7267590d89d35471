package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateBotID(t *testing.T) {
	valid := []string{"claudio", "bot1", "my-bot", "my_bot", "A1"}
	for _, id := range valid {
		if err := ValidateBotID(id); err != nil {
			t.Errorf("ValidateBotID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "..", "a/b", "../etc", ".hidden", "-lead", "_lead", "a b", "a;b", "a$b"}
	for _, id := range invalid {
		if err := ValidateBotID(id); err == nil {
			t.Errorf("ValidateBotID(%q) = nil, want error", id)
		}
	}
}

func TestLoadBot(t *testing.T) {
	root := t.TempDir()
	botDir := filepath.Join(root, "bots", "b1")
	if err := SaveBotEnv(botDir, map[string]string{
		"TELEGRAM_BOT_TOKEN": "t1",
		"TELEGRAM_CHAT_ID":   "999",
		"WEBHOOK_SECRET":     "s3cret",
		"MODEL":              "sonnet",
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "service.env"),
		[]byte("ELEVENLABS_API_KEY=\"k\"\nMEMORY_ENABLED=\"0\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBot(root, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TelegramToken != "t1" || cfg.TelegramChatID != "999" || cfg.WebhookSecret != "s3cret" {
		t.Errorf("unexpected telegram fields: %+v", cfg)
	}
	if cfg.Model != "sonnet" {
		t.Errorf("Model = %q, want sonnet", cfg.Model)
	}
	if cfg.MaxHistoryLines != 100 {
		t.Errorf("MaxHistoryLines = %d, want default 100", cfg.MaxHistoryLines)
	}
	if cfg.ElevenLabsAPIKey != "k" {
		t.Errorf("ElevenLabsAPIKey = %q", cfg.ElevenLabsAPIKey)
	}
	if cfg.MemoryEnabled {
		t.Error("MemoryEnabled should be false when MEMORY_ENABLED=0")
	}
	if cfg.DBFile != filepath.Join(botDir, "history.db") {
		t.Errorf("DBFile = %q", cfg.DBFile)
	}
}

func TestLoadBotRejectsTraversal(t *testing.T) {
	if _, err := LoadBot(t.TempDir(), "../evil"); err == nil {
		t.Fatal("expected error for traversal bot id")
	}
}

func TestSaveModel(t *testing.T) {
	botDir := t.TempDir()
	envPath := filepath.Join(botDir, "bot.env")
	if err := os.WriteFile(envPath,
		[]byte("# keep me\nTELEGRAM_BOT_TOKEN=\"t\"\nMODEL=\"haiku\"\nEXTRA=\"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &BotConfig{BotID: "b1", BotDir: botDir, Model: "haiku"}
	if err := cfg.SaveModel("opus"); err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "opus" {
		t.Errorf("Model = %q, want opus", cfg.Model)
	}

	data, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "MODEL=\"opus\"") {
		t.Errorf("MODEL line not updated: %s", content)
	}
	if !strings.Contains(content, "# keep me") || !strings.Contains(content, "EXTRA=\"x\"") {
		t.Errorf("other lines not preserved: %s", content)
	}

	if fi, err := os.Stat(envPath); err == nil && fi.Mode().Perm() != 0o600 {
		t.Errorf("bot.env mode = %o, want 0600", fi.Mode().Perm())
	}
}

func TestSaveModelRejectsInvalid(t *testing.T) {
	cfg := &BotConfig{BotID: "b1", Model: "haiku"}
	if err := cfg.SaveModel("gpt4"); err == nil {
		t.Fatal("expected error for invalid model")
	}
	if cfg.Model != "haiku" {
		t.Errorf("Model changed on invalid input: %q", cfg.Model)
	}
}

func TestServiceMigration(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "service.env"), []byte(
		"PORT=\"9000\"\nTELEGRAM_BOT_TOKEN=\"tok\"\nTELEGRAM_CHAT_ID=\"1\"\n"+
			"WEBHOOK_SECRET=\"s\"\nHASS_TOKEN=\"extra\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "history.db"), []byte("db"), 0o600); err != nil {
		t.Fatal(err)
	}

	svc := NewService(root)
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}

	bots := svc.ListBots()
	if len(bots) != 1 || bots[0] != "claudio" {
		t.Fatalf("ListBots = %v, want [claudio]", bots)
	}

	cfg, err := svc.LoadBot("claudio")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TelegramToken != "tok" || cfg.WebhookSecret != "s" {
		t.Errorf("migrated bot config wrong: %+v", cfg)
	}

	if _, err := os.Stat(filepath.Join(root, "bots", "claudio", "history.db")); err != nil {
		t.Error("history.db not moved into bot dir")
	}

	// service.env keeps unmanaged extras, drops per-bot keys
	env := ParseEnvFile(svc.EnvFile)
	if env["HASS_TOKEN"] != "extra" {
		t.Error("unmanaged key lost on rewrite")
	}
	if _, ok := env["TELEGRAM_BOT_TOKEN"]; ok {
		t.Error("legacy per-bot key not stripped")
	}
	if env["PORT"] != "9000" {
		t.Errorf("PORT = %q, want 9000", env["PORT"])
	}
}
