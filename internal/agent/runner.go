// Package agent invokes the claude CLI subprocess for one message turn:
// prompt and MCP configuration preparation, process-group isolation,
// timeout enforcement, JSON output parsing and usage persistence.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/history"
	"github.com/claudiohq/claudio/internal/memory"
)

const (
	// RunTimeout is the hard cap per Claude invocation.
	RunTimeout = 600 * time.Second

	// sigtermGrace is the wait after SIGTERM before escalating to SIGKILL.
	sigtermGrace = 5 * time.Second
)

// toolsCSV lists the tools available to Claude during webhook invocations.
const toolsCSV = "Read,Write,Edit,Bash,Glob,Grep,WebFetch,WebSearch," +
	"Task,TaskOutput,TaskStop,TodoWrite," +
	"mcp__claudio-tools__send_telegram_message," +
	"mcp__claudio-tools__restart_service"

// Result carries everything a Claude run produced.
type Result struct {
	// Response is the assistant's text reply (possibly a plain-text
	// fallback when JSON parsing failed).
	Response string

	// RawJSON is the parsed CLI output, nil when parsing failed.
	RawJSON map[string]any

	// NotifierMessages holds "[Notification: …]" lines for messages the
	// agent sent asynchronously during the run.
	NotifierMessages string

	// ToolSummary holds deduplicated "[Tool: …]" lines.
	ToolSummary string
}

// Runner executes claude CLI invocations for bots.
type Runner struct {
	// BinaryPath overrides claude binary discovery (tests).
	BinaryPath string

	// SystemPromptPath points at the global SYSTEM_PROMPT.md. Empty means
	// next to the executable's install root.
	SystemPromptPath string

	// Timeout overrides RunTimeout when non-zero (tests).
	Timeout time.Duration
}

// Run invokes the claude CLI with the user prompt, composed with memories
// and history context. It never returns an error: setup failures surface as
// a short error message in Response, while a timeout or a run with no output
// leaves Response empty (the pipeline answers that with an apology).
func (r *Runner) Run(ctx context.Context, prompt string, cfg *config.BotConfig, historyContext, memories string) Result {
	bin := r.BinaryPath
	if bin == "" {
		bin = memory.FindClaudeBinary()
	}
	if bin == "" {
		slog.Error("claude binary not found in common locations", "bot", cfg.BotID)
		return Result{Response: "Error: claude CLI not found"}
	}

	fullPrompt := buildFullPrompt(prompt, historyContext, memories)
	systemPrompt := r.loadSystemPrompt(cfg.BotDir)

	tmp, err := newTempFiles()
	if err != nil {
		slog.Error("failed to create temp files", "bot", cfg.BotID, "error", err)
		return Result{Response: "Sorry, an internal error occurred. Please try again."}
	}
	defer tmp.cleanup()

	mcpConfig, err := buildMCPConfig(cfg.TelegramToken, cfg.TelegramChatID, tmp.notifierLog)
	if err == nil {
		err = os.WriteFile(tmp.mcpConfig, mcpConfig, 0o600)
	}
	if err == nil {
		err = os.WriteFile(tmp.promptFile, []byte(fullPrompt), 0o600)
	}
	if err != nil {
		slog.Error("failed to write run inputs", "bot", cfg.BotID, "error", err)
		return Result{Response: "Sorry, an internal error occurred. Please try again."}
	}

	args := []string{
		"--disable-slash-commands",
		"--mcp-config", tmp.mcpConfig,
		"--model", cfg.Model,
		"--no-chrome",
		"--no-session-persistence",
		"--output-format", "json",
		"--tools", toolsCSV,
		"--allowedTools",
	}
	args = append(args, strings.Split(toolsCSV, ",")...)
	args = append(args, "-p", "-")
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	if cfg.Model != "haiku" {
		args = append(args, "--fallback-model", "haiku")
	}

	slog.Info("running claude", "bot", cfg.BotID, "model", cfg.Model)
	r.execute(ctx, bin, args, cfg, tmp)

	rawOutput, _ := os.ReadFile(tmp.outputFile)
	if stderr, _ := os.ReadFile(tmp.stderrFile); len(strings.TrimSpace(string(stderr))) > 0 {
		slog.Info("claude stderr", "bot", cfg.BotID, "stderr", strings.TrimSpace(string(stderr)))
	}

	result := Result{
		NotifierMessages: readNotifierLog(tmp.notifierLog),
		ToolSummary:      readToolLog(tmp.toolLog),
	}
	if len(rawOutput) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(rawOutput, &parsed); err == nil {
			result.RawJSON = parsed
			result.Response, _ = parsed["result"].(string)
		} else {
			// Plain-text fallback.
			result.Response = string(rawOutput)
		}
	}

	if result.RawJSON != nil && cfg.DBFile != "" {
		go persistUsage(result.RawJSON, cfg.DBFile)
	}

	slog.Info("claude finished", "bot", cfg.BotID, "response_len", len(result.Response))
	return result
}

// execute starts the subprocess in a fresh session (its own process group)
// and enforces the run timeout: SIGTERM to the group, a grace wait, then
// SIGKILL to the group.
func (r *Runner) execute(ctx context.Context, bin string, args []string, cfg *config.BotConfig, tmp *tempFiles) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = RunTimeout
	}

	stdin, err := os.Open(tmp.promptFile)
	if err != nil {
		slog.Error("open prompt file", "bot", cfg.BotID, "error", err)
		return
	}
	defer stdin.Close()
	stdout, err := os.OpenFile(tmp.outputFile, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(tmp.stderrFile, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer stderr.Close()

	cmd := exec.Command(bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Env = append(os.Environ(),
		"CLAUDE_CODE_DISABLE_BACKGROUND_TASKS=1",
		"CLAUDIO_NOTIFIER_LOG="+tmp.notifierLog,
		"CLAUDIO_TOOL_LOG="+tmp.toolLog,
	)

	if err := cmd.Start(); err != nil {
		slog.Error("failed to start claude", "bot", cfg.BotID, "error", err)
		return
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("claude exited with error", "bot", cfg.BotID, "error", err)
		}
	case <-time.After(timeout):
		slog.Error("claude timed out, signalling process group",
			"bot", cfg.BotID, "timeout", timeout)
		killProcessGroup(cmd.Process.Pid, done)
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid, done)
	}
}

// killProcessGroup terminates the subprocess's process group: SIGTERM,
// grace wait, SIGKILL, final wait.
func killProcessGroup(pid int, done <-chan error) {
	syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(sigtermGrace):
	}

	syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-done:
	case <-time.After(sigtermGrace):
	}
}

// buildFullPrompt assembles memories, history context and the user prompt.
func buildFullPrompt(prompt, historyContext, memories string) string {
	var b strings.Builder
	if memories != "" {
		b.WriteString("<recalled-memories>\n" + memories + "\n</recalled-memories>\n")
	}
	if historyContext != "" {
		b.WriteString("<conversation-history>\n" + historyContext + "\n</conversation-history>")
		b.WriteString("\nNow respond to this new message:\n\n" + prompt)
	} else {
		b.WriteString(prompt)
	}
	return b.String()
}

// loadSystemPrompt reads the global SYSTEM_PROMPT.md and appends the
// per-bot CLAUDE.md when present.
func (r *Runner) loadSystemPrompt(botDir string) string {
	path := r.SystemPromptPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return ""
		}
		path = filepath.Join(filepath.Dir(filepath.Dir(exe)), "SYSTEM_PROMPT.md")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	systemPrompt := string(data)

	if botDir != "" {
		if extra, err := os.ReadFile(filepath.Join(botDir, "CLAUDE.md")); err == nil && len(extra) > 0 {
			systemPrompt += "\n\n" + string(extra)
		}
	}
	return systemPrompt
}

// buildMCPConfig renders the mcpServers descriptor pointing the CLI at this
// binary's mcp-tools subcommand.
func buildMCPConfig(telegramToken, chatID, notifierLog string) ([]byte, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"mcpServers": map[string]any{
			"claudio-tools": map[string]any{
				"command": exe,
				"args":    []string{"mcp-tools"},
				"env": map[string]string{
					"TELEGRAM_BOT_TOKEN": telegramToken,
					"TELEGRAM_CHAT_ID":   chatID,
					"NOTIFIER_LOG_FILE":  notifierLog,
				},
			},
		},
	})
}

// persistUsage writes a token_usage row from the parsed CLI output.
// Best-effort: every failure is silent.
func persistUsage(raw map[string]any, dbFile string) {
	defer func() { recover() }()

	db, err := history.Open(dbFile)
	if err != nil {
		return
	}
	defer db.Close()

	usage, _ := raw["usage"].(map[string]any)
	modelUsage, _ := raw["modelUsage"].(map[string]any)
	model := ""
	for name := range modelUsage {
		model = name
		break
	}

	db.RecordUsage(history.Usage{
		Model:               model,
		InputTokens:         int64(numField(usage, "input_tokens")),
		OutputTokens:        int64(numField(usage, "output_tokens")),
		CacheReadTokens:     int64(numField(usage, "cache_read_input_tokens")),
		CacheCreationTokens: int64(numField(usage, "cache_creation_input_tokens")),
		CostUSD:             numField(raw, "total_cost_usd"),
		DurationMS:          int64(numField(raw, "duration_ms")),
	})
}

func numField(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	v, _ := m[key].(float64)
	return v
}

// tempFiles are the six per-run scratch files, all chmod 0600.
type tempFiles struct {
	mcpConfig   string
	notifierLog string
	toolLog     string
	promptFile  string
	outputFile  string
	stderrFile  string
}

func newTempFiles() (*tempFiles, error) {
	tmp := &tempFiles{}
	targets := []*string{
		&tmp.mcpConfig, &tmp.notifierLog, &tmp.toolLog,
		&tmp.promptFile, &tmp.outputFile, &tmp.stderrFile,
	}
	names := []string{"mcp_config", "notifier_log", "tool_log", "prompt", "output", "stderr"}

	for i, target := range targets {
		f, err := os.CreateTemp("", "claudio_"+names[i]+"_")
		if err != nil {
			tmp.cleanup()
			return nil, err
		}
		if err := f.Chmod(0o600); err != nil {
			f.Close()
			tmp.cleanup()
			return nil, err
		}
		*target = f.Name()
		f.Close()
	}
	return tmp, nil
}

func (t *tempFiles) cleanup() {
	for _, path := range []string{
		t.mcpConfig, t.notifierLog, t.toolLog,
		t.promptFile, t.outputFile, t.stderrFile,
	} {
		if path != "" {
			os.Remove(path)
		}
	}
}

// readNotifierLog unwraps JSON-encoded lines into "[Notification: …]" form.
func readNotifierLog(path string) string {
	content, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(content)) == "" {
		return ""
	}

	var lines []string
	for _, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var decoded string
		if err := json.Unmarshal([]byte(line), &decoded); err == nil {
			line = decoded
		} else if len(line) >= 2 && strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
			line = line[1 : len(line)-1]
		}
		lines = append(lines, fmt.Sprintf("[Notification: %s]", line))
	}
	return strings.Join(lines, "\n")
}

// readToolLog deduplicates tool summary lines into "[Tool: …]" form.
func readToolLog(path string) string {
	content, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(content)) == "" {
		return ""
	}

	seen := map[string]bool{}
	var lines []string
	for _, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, fmt.Sprintf("[Tool: %s]", line))
	}
	return strings.Join(lines, "\n")
}
