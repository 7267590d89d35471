package memory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Model produces a completion for a prompt. The memory engine uses it for
// extraction and for the duplicate/contradiction classifier.
type Model interface {
	Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// CLIModel shells out to the claude binary for completions, with plain text
// output and no session persistence. The subprocess runs in its own session
// so its children cannot signal the daemon's process group.
type CLIModel struct {
	// ModelName is the consolidation model (opus, sonnet, haiku).
	ModelName string
	// BinaryPath overrides claude binary discovery (tests).
	BinaryPath string
}

// Complete runs one prompt through the CLI.
func (m *CLIModel) Complete(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	bin := m.BinaryPath
	if bin == "" {
		bin = FindClaudeBinary()
	}
	if bin == "" {
		return "", fmt.Errorf("claude binary not found")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin,
		"--model", m.ModelName,
		"--no-chrome",
		"--no-session-persistence",
		"--output-format", "text",
		"-p", "-",
	)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run %s: %w", filepath.Base(bin), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// FindClaudeBinary looks for the claude binary on PATH, then in well-known
// install locations.
func FindClaudeBinary() string {
	if found, err := exec.LookPath("claude"); err == nil {
		return found
	}
	home, _ := os.UserHomeDir()
	for _, candidate := range []string{
		filepath.Join(home, ".local", "bin", "claude"),
		"/opt/homebrew/bin/claude",
		"/usr/local/bin/claude",
		"/usr/bin/claude",
	} {
		if fi, err := os.Stat(candidate); err == nil && fi.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return ""
}
