// Package mcptools implements the MCP stdio server the agent runner points
// the claude CLI at. It exposes async Telegram notifications and service
// restart/update tools over JSON-RPC 2.0, one message per line on
// stdin/stdout. Configuration comes from the environment the runner sets:
// TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID, NOTIFIER_LOG_FILE.
package mcptools

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"syscall"
	"time"
)

const (
	protocolVersion = "2024-11-05"
	defaultDelay    = 5
)

// tokenRE validates the Telegram token format to prevent SSRF via a
// malicious environment variable.
var tokenRE = regexp.MustCompile(`^[0-9]+:[a-zA-Z0-9_-]+$`)

// Server is one MCP stdio session.
type Server struct {
	botToken    string
	chatID      string
	notifierLog string
	httpc       *http.Client

	// apiBase is overridable for tests.
	apiBase string
}

// NewFromEnv builds a server from the runner-provided environment.
func NewFromEnv() *Server {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if !tokenRE.MatchString(token) {
		token = ""
	}
	return &Server{
		botToken:    token,
		chatID:      os.Getenv("TELEGRAM_CHAT_ID"),
		notifierLog: os.Getenv("NOTIFIER_LOG_FILE"),
		httpc:       &http.Client{Timeout: 30 * time.Second},
		apiBase:     "https://api.telegram.org",
	}
}

// Serve reads JSON-RPC messages from r and writes responses to w until EOF.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}

		resp := s.handle(&req)
		if resp != nil {
			if err := enc.Encode(resp); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handle(req *rpcRequest) *rpcResponse {
	switch req.Method {
	case "initialize":
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo": map[string]any{
					"name":    "claudio-tools",
					"version": "2.0.0",
				},
			},
		}

	case "notifications/initialized":
		return nil

	case "tools/list":
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{"tools": toolDefinitions},
		}

	case "tools/call":
		return s.callTool(req)

	default:
		if len(req.ID) == 0 {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: -32601, Message: "Unknown method: " + req.Method},
		}
	}
}

func (s *Server) callTool(req *rpcRequest) *rpcResponse {
	var result map[string]any
	switch req.Params.Name {
	case "send_telegram_message":
		message, _ := req.Params.Arguments["message"].(string)
		if message == "" {
			result = map[string]any{"error": "empty message"}
		} else {
			result = s.sendTelegramMessage(message)
		}
	case "restart_service":
		result = scheduleRestart(delayArg(req.Params.Arguments))
	case "update_service":
		result = s.updateService(delayArg(req.Params.Arguments))
	default:
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": "Unknown tool: " + req.Params.Name},
				},
				"isError": true,
			},
		}
	}

	_, isError := result["error"]
	text, _ := json.Marshal(result)
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(text)}},
			"isError": isError,
		},
	}
}

func delayArg(args map[string]any) int {
	delay := defaultDelay
	if v, ok := args["delay_seconds"].(float64); ok {
		delay = int(v)
	}
	if delay < 1 {
		delay = 1
	}
	if delay > 300 {
		delay = 300
	}
	return delay
}

// sendTelegramMessage delivers an async notification, trying Markdown parse
// mode first, then plain text. Sent messages are appended to the notifier
// log so the runner can fold them into the history record.
func (s *Server) sendTelegramMessage(text string) map[string]any {
	if s.botToken == "" || s.chatID == "" {
		return map[string]any{"error": "TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set"}
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.botToken)
	for _, parseMode := range []string{"Markdown", ""} {
		form := url.Values{"chat_id": {s.chatID}, "text": {text}}
		if parseMode != "" {
			form.Set("parse_mode", parseMode)
		}

		resp, err := s.httpc.PostForm(endpoint, form)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()

		var parsed struct {
			OK bool `json:"ok"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.OK {
			s.logSentMessage(text)
			return map[string]any{"status": "ok"}
		}
		if parseMode != "" && resp.StatusCode == http.StatusBadRequest {
			continue // Markdown rejected, retry plain
		}
		return map[string]any{"error": fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)}
	}

	return map[string]any{"error": "Failed to send message after all attempts"}
}

func (s *Server) logSentMessage(text string) {
	if s.notifierLog == "" {
		return
	}
	f, err := os.OpenFile(s.notifierLog, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		slog.Error("mcp-tools: failed to open notifier log", "error", err)
		return
	}
	defer f.Close()
	encoded, _ := json.Marshal(text)
	f.Write(append(encoded, '\n'))
}

// scheduleRestart spawns a detached shell that sleeps then restarts the
// service via the OS service manager. The delay lets the current turn
// finish and its response be delivered first.
func scheduleRestart(delay int) map[string]any {
	var script string
	if runtime.GOOS == "darwin" {
		script = fmt.Sprintf(
			"sleep %d && launchctl stop com.claudio.server; launchctl start com.claudio.server", delay)
	} else {
		script = fmt.Sprintf("sleep %d && systemctl --user restart claudio", delay)
	}

	cmd := exec.Command("bash", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return map[string]any{"error": "Failed to schedule restart: " + err.Error()}
	}
	go cmd.Wait()

	return map[string]any{"status": "ok", "message": fmt.Sprintf("Restart scheduled in %ds", delay)}
}

// updateService pulls the latest code with git pull --ff-only, then
// schedules a restart when HEAD moved.
func (s *Server) updateService(delay int) map[string]any {
	exe, err := os.Executable()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	projectDir := strings.TrimSuffix(exe, "/bin/claudio")
	if fi, statErr := os.Stat(projectDir + "/.git"); statErr != nil || !fi.IsDir() {
		return map[string]any{"error": "Not a git repository: " + projectDir}
	}

	headBefore := gitOutput(projectDir, "rev-parse", "HEAD")

	pull := exec.Command("git", "-C", projectDir, "pull", "--ff-only", "origin", "main")
	out, err := pull.CombinedOutput()
	if err != nil {
		return map[string]any{"error": "git pull failed: " + strings.TrimSpace(string(out))}
	}

	if headBefore != "" && headBefore == gitOutput(projectDir, "rev-parse", "HEAD") {
		return map[string]any{"status": "ok", "message": "Already up to date", "restarting": false}
	}

	restart := scheduleRestart(delay)
	if errMsg, failed := restart["error"]; failed {
		return map[string]any{"error": fmt.Sprintf("Updated but restart failed: %v", errMsg)}
	}

	return map[string]any{
		"status":      "ok",
		"message":     fmt.Sprintf("Updated and restart scheduled in %ds", delay),
		"pull_output": strings.TrimSpace(string(out)),
		"restarting":  true,
	}
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

var toolDefinitions = []map[string]any{
	{
		"name": "send_telegram_message",
		"description": "Send an async message to the user via Telegram. " +
			"Use this to send progress updates, partial results, or notifications " +
			"while you are still working on a task. The message is delivered " +
			"immediately and independently of your final response. " +
			"Use Telegram-compatible formatting: *bold*, _italic_, `code`, ```code blocks```.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The message text to send to the user",
				},
			},
			"required": []string{"message"},
		},
	},
	{
		"name": "restart_service",
		"description": "Schedule a delayed restart of the Claudio service. " +
			"The restart is deferred so the current turn can finish and the " +
			"response can be delivered before the service stops. " +
			"Use this instead of running systemctl/launchctl directly.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"delay_seconds": map[string]any{
					"type":        "integer",
					"description": "Seconds to wait before restarting (default 5)",
					"default":     5,
					"minimum":     1,
					"maximum":     300,
				},
			},
			"required": []string{},
		},
	},
	{
		"name": "update_service",
		"description": "Update Claudio by pulling the latest code from git, then " +
			"schedule a delayed service restart. Performs git pull --ff-only origin main. " +
			"If already up to date, skips the restart. " +
			"Use this instead of manually running git pull + restart.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"delay_seconds": map[string]any{
					"type":        "integer",
					"description": "Seconds to wait before restarting (default 5)",
					"default":     5,
					"minimum":     1,
					"maximum":     300,
				},
			},
			"required": []string{},
		},
	},
}
