package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/registry"
)

type serverEnv struct {
	server *Server
	reg    *registry.Registry
	proc   *recordingProcessor
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()

	svc := config.NewService(t.TempDir())
	if err := svc.Init(); err != nil {
		t.Fatal(err)
	}
	err := config.SaveBotEnv(filepath.Join(svc.BotsDir(), "b1"), map[string]string{
		"TELEGRAM_BOT_TOKEN":       "t1",
		"TELEGRAM_CHAT_ID":         "999",
		"WEBHOOK_SECRET":           "tg-secret",
		"WHATSAPP_PHONE_NUMBER_ID": "pn1",
		"WHATSAPP_ACCESS_TOKEN":    "at1",
		"WHATSAPP_APP_SECRET":      "wa-secret",
		"WHATSAPP_VERIFY_TOKEN":    "verify-me",
		"WHATSAPP_PHONE_NUMBER":    "15551234",
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(svc)
	if err := reg.Reload(); err != nil {
		t.Fatal(err)
	}

	proc := &recordingProcessor{}
	qm := NewQueueManager(proc.process)
	server := NewServer(reg, qm, nil)
	server.mediaGroups.wait = 50 * time.Millisecond

	return &serverEnv{server: server, reg: reg, proc: proc}
}

func (e *serverEnv) post(path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Mux().ServeHTTP(w, req)
	return w
}

func telegramUpdateBody(updateID, chatID, messageID int, text string) string {
	return fmt.Sprintf(
		`{"update_id":%d,"message":{"chat":{"id":%d},"message_id":%d,"text":"%s"}}`,
		updateID, chatID, messageID, text)
}

func TestTelegramWebhookHappyPath(t *testing.T) {
	env := newServerEnv(t)

	w := env.post("/telegram/webhook", telegramUpdateBody(1, 999, 42, "hello"),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	waitFor(t, 5*time.Second, func() bool { return env.proc.callCount() == 1 })
	if !strings.HasPrefix(env.proc.snapshot()[0], "b1/") {
		t.Errorf("call = %q", env.proc.snapshot()[0])
	}
}

func TestTelegramWebhookWrongSecret(t *testing.T) {
	env := newServerEnv(t)

	w := env.post("/telegram/webhook", telegramUpdateBody(1, 999, 42, "hello"),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if env.proc.callCount() != 0 {
		t.Error("unauthorized webhook must not be processed")
	}
}

func TestTelegramWebhookUnauthorizedChatAccepted(t *testing.T) {
	env := newServerEnv(t)

	// 200 so the platform does not retry, but no processing.
	w := env.post("/telegram/webhook", telegramUpdateBody(1, 666, 1, "x"),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	time.Sleep(50 * time.Millisecond)
	if env.proc.callCount() != 0 {
		t.Error("unauthorized chat must not reach the pipeline")
	}
}

func TestTelegramDedup(t *testing.T) {
	env := newServerEnv(t)
	headers := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"}

	env.post("/telegram/webhook", telegramUpdateBody(7, 999, 1, "once"), headers)
	env.post("/telegram/webhook", telegramUpdateBody(7, 999, 1, "once"), headers)

	waitFor(t, 5*time.Second, func() bool { return env.proc.callCount() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if env.proc.callCount() != 1 {
		t.Errorf("duplicate update processed %d times, want 1", env.proc.callCount())
	}
}

func TestShutdownReturns503(t *testing.T) {
	env := newServerEnv(t)
	env.server.Queues.BeginShutdown()

	w := env.post("/telegram/webhook", telegramUpdateBody(1, 999, 1, "x"),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestBodySizeCap(t *testing.T) {
	env := newServerEnv(t)

	big := strings.Repeat("x", maxBodySize+100)
	w := env.post("/telegram/webhook", big,
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestMediaGroupEndToEnd(t *testing.T) {
	env := newServerEnv(t)
	headers := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"}

	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf(
			`{"update_id":%d,"message":{"chat":{"id":999},"message_id":%d,"media_group_id":"mg1","photo":[{"file_id":"p%d"}]}}`,
			i, i, i)
		w := env.post("/telegram/webhook", body, headers)
		if w.Code != http.StatusOK {
			t.Fatalf("photo %d status = %d", i, w.Code)
		}
	}

	// Exactly one pipeline invocation with all three photos merged.
	waitFor(t, 5*time.Second, func() bool { return env.proc.callCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if env.proc.callCount() != 1 {
		t.Fatalf("media group produced %d invocations, want 1", env.proc.callCount())
	}

	merged := env.proc.snapshot()[0]
	if !strings.Contains(merged, "_extra_photos") ||
		!strings.Contains(merged, "p2") || !strings.Contains(merged, "p3") {
		t.Errorf("merged body = %q", merged)
	}
}

func TestShutdownFlushesMediaGroups(t *testing.T) {
	env := newServerEnv(t)
	env.server.mediaGroups.wait = time.Hour
	headers := map[string]string{"X-Telegram-Bot-Api-Secret-Token": "tg-secret"}

	body := `{"update_id":1,"message":{"chat":{"id":999},"message_id":1,"media_group_id":"mg1","photo":[{"file_id":"p1"}]}}`
	env.post("/telegram/webhook", body, headers)

	env.server.Shutdown(context.Background())

	if env.proc.callCount() != 1 {
		t.Errorf("buffered media group lost on shutdown: %d invocations", env.proc.callCount())
	}
}

func whatsAppSignature(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func whatsAppBody(from, id string) string {
	return fmt.Sprintf(
		`{"entry":[{"changes":[{"value":{"messages":[{"from":"%s","id":"%s","type":"text","text":{"body":"hola"}}]}}]}]}`,
		from, id)
}

func TestWhatsAppWebhookHMAC(t *testing.T) {
	env := newServerEnv(t)
	body := whatsAppBody("15551234", "wamid.1")

	w := env.post("/whatsapp/webhook", body,
		map[string]string{"X-Hub-Signature-256": whatsAppSignature("wa-secret", body)})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	waitFor(t, 5*time.Second, func() bool { return env.proc.callCount() == 1 })
}

func TestWhatsAppWebhookBadSignature(t *testing.T) {
	env := newServerEnv(t)
	body := whatsAppBody("15551234", "wamid.1")

	w := env.post("/whatsapp/webhook", body,
		map[string]string{"X-Hub-Signature-256": whatsAppSignature("wrong-secret", body)})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestWhatsAppVerifyChallenge(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	env.server.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "12345" {
		t.Errorf("challenge response = %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/whatsapp/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)
	w = httptest.NewRecorder()
	env.server.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("bad token status = %d, want 403", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var payload struct {
		Status string `json:"status"`
		Checks struct {
			Bots int `json:"bots"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "ok" || payload.Checks.Bots != 1 {
		t.Errorf("health payload = %s", w.Body.String())
	}
}

func TestHealthDuringShutdown(t *testing.T) {
	env := newServerEnv(t)
	env.server.Queues.BeginShutdown()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/reload", nil)
	w := httptest.NewRecorder()
	env.server.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ok":true`)) {
		t.Errorf("body = %s", w.Body.String())
	}
}
