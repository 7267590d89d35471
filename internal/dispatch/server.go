package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/claudiohq/claudio/internal/config"
	"github.com/claudiohq/claudio/internal/registry"
)

const (
	// maxBodySize caps webhook request bodies (1 MB).
	maxBodySize = 1 << 20

	// healthCacheTTL is how long a healthy result is served from cache.
	// Unhealthy results are never cached so recovery is detected promptly.
	healthCacheTTL = 30 * time.Second
)

// MemoryPinger reports memory daemon liveness for the health endpoint.
type MemoryPinger interface {
	Ping() error
}

// Server is the webhook dispatcher: an HTTP server bound to localhost (an
// external tunnel terminates TLS) that authenticates webhooks, deduplicates
// updates, coalesces media groups and feeds the per-chat queues.
type Server struct {
	Registry *registry.Registry
	Queues   *QueueManager
	Memory   MemoryPinger // may be nil

	mediaGroups *MediaGroupBuffer
	alexa       *AlexaBridge
	alexaVerify *alexaVerifier

	limiter *rate.Limiter

	healthMu      sync.Mutex
	healthPayload []byte
	healthAt      time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer wires the dispatcher around a registry and queue manager.
func NewServer(reg *registry.Registry, queues *QueueManager, mem MemoryPinger) *Server {
	s := &Server{
		Registry: reg,
		Queues:   queues,
		Memory:   mem,
		// Generous burstable limit: hostile floods are shed before they
		// reach parsing.
		limiter:     rate.NewLimiter(rate.Limit(50), 100),
		alexaVerify: newAlexaVerifier(),
	}

	s.mediaGroups = NewMediaGroupBuffer(func(botID string, cfg *config.BotConfig, chatID string, merged []byte) {
		queues.Enqueue(QueueKey{BotID: botID, ChatID: chatID}, "telegram", cfg, merged)
	})

	s.alexa = NewAlexaBridge(func(body []byte) {
		cfg, ok := reg.FirstTelegramBot()
		if !ok {
			slog.Warn("alexa relay: no telegram bot configured")
			return
		}
		queues.Enqueue(QueueKey{BotID: cfg.BotID, ChatID: cfg.TelegramChatID}, "telegram", cfg, body)
	})

	return s
}

// Mux builds the HTTP routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /telegram/webhook", s.handleTelegram)
	mux.HandleFunc("POST /whatsapp/webhook", s.handleWhatsApp)
	mux.HandleFunc("GET /whatsapp/webhook", s.handleWhatsAppVerify)
	mux.HandleFunc("POST /alexa", s.handleAlexa)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /reload", s.handleReload)
	return mux
}

// Start listens on 127.0.0.1:port and serves until Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Mux()}

	slog.Info("webhook dispatcher listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher server error", "error", err)
		}
	}()
	return nil
}

// Shutdown runs the graceful-shutdown protocol: flip the shutting-down
// flag (new webhooks get 503), flush buffered media groups, stop accepting
// connections, then drain every worker.
func (s *Server) Shutdown(ctx context.Context) {
	slog.Info("dispatcher shutting down")
	s.Queues.BeginShutdown()
	s.mediaGroups.FlushAll()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}

	s.Queues.Drain()
	slog.Info("dispatcher drained")
}

// readBody enforces the body size cap.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

// gate applies the shutting-down check and the rate limiter. Returns false
// when the request was already answered.
func (s *Server) gate(w http.ResponseWriter) bool {
	if s.Queues.ShuttingDown() {
		// 503 makes the platform retry after the restart.
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return false
	}
	if !s.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	secret := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	cfg, ok := s.Registry.BySecret(secret)
	if !ok {
		// Hostile traffic is normal; INFO, not ERROR.
		slog.Info("telegram webhook with unknown secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Acknowledge before doing any work — the platform retries on non-2xx.
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))

	s.routeTelegram(cfg, body)
}

// routeTelegram extracts routing fields, checks authorisation and dedup,
// and either buffers (media group) or enqueues the body.
func (s *Server) routeTelegram(cfg *config.BotConfig, body []byte) {
	var probe struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
			MediaGroupID string `json:"media_group_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Message == nil {
		return
	}

	chatID := strconv.FormatInt(probe.Message.Chat.ID, 10)

	// Defense in depth: the pipeline authorises again.
	if cfg.TelegramChatID == "" || chatID != cfg.TelegramChatID {
		slog.Info("dropping update for unauthorized chat", "bot", cfg.BotID, "chat_id", chatID)
		return
	}

	if probe.UpdateID != 0 && s.Queues.Seen(fmt.Sprintf("%s:%d", cfg.BotID, probe.UpdateID)) {
		slog.Info("duplicate update dropped", "bot", cfg.BotID, "update_id", probe.UpdateID)
		return
	}

	if probe.Message.MediaGroupID != "" {
		if s.mediaGroups.Add(cfg.BotID, cfg, probe.Message.MediaGroupID, chatID, body) {
			return
		}
	}

	s.Queues.Enqueue(QueueKey{BotID: cfg.BotID, ChatID: chatID}, "telegram", cfg, body)
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	cfg, ok := s.authenticateWhatsApp(r.Header.Get("X-Hub-Signature-256"), body)
	if !ok {
		slog.Info("whatsapp webhook with invalid signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))

	var probe struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Messages []struct {
						From string `json:"from"`
						ID   string `json:"id"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return
	}
	if len(probe.Entry) == 0 || len(probe.Entry[0].Changes) == 0 ||
		len(probe.Entry[0].Changes[0].Value.Messages) == 0 {
		return // status callback, nothing to process
	}
	msg := probe.Entry[0].Changes[0].Value.Messages[0]

	if cfg.WhatsAppPhoneNumber == "" || msg.From != cfg.WhatsAppPhoneNumber {
		slog.Info("dropping whatsapp message from unauthorized number",
			"bot", cfg.BotID, "number", msg.From)
		return
	}

	if msg.ID != "" && s.Queues.Seen(cfg.BotID+":"+msg.ID) {
		slog.Info("duplicate whatsapp message dropped", "bot", cfg.BotID, "message_id", msg.ID)
		return
	}

	s.Queues.Enqueue(QueueKey{BotID: cfg.BotID, ChatID: msg.From}, "whatsapp", cfg, body)
}

// authenticateWhatsApp finds the bot whose app secret HMAC-validates the
// body against the X-Hub-Signature-256 header.
func (s *Server) authenticateWhatsApp(header string, body []byte) (*config.BotConfig, bool) {
	signature, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return nil, false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return nil, false
	}

	for _, botID := range s.Registry.List() {
		cfg, ok := s.Registry.Get(botID)
		if !ok || cfg.WhatsAppAppSecret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(cfg.WhatsAppAppSecret))
		mac.Write(body)
		if hmac.Equal(mac.Sum(nil), provided) {
			return cfg, true
		}
	}
	return nil, false
}

// handleWhatsAppVerify answers the Cloud API webhook subscription
// challenge.
func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	for _, botID := range s.Registry.List() {
		if cfg, ok := s.Registry.Get(botID); ok &&
			cfg.WhatsAppVerifyToken != "" && cfg.WhatsAppVerifyToken == token {
			w.Write([]byte(challenge))
			return
		}
	}
	http.Error(w, "unauthorized", http.StatusForbidden)
}

func (s *Server) handleAlexa(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w) {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var probe struct {
		Request struct {
			Timestamp string `json:"timestamp"`
		} `json:"request"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	err := s.alexaVerify.verify(
		r.Header.Get("SignatureCertChainUrl"),
		r.Header.Get("Signature-256"),
		body,
		probe.Request.Timestamp,
	)
	if err != nil {
		slog.Info("alexa signature verification failed", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	chatID := ""
	if cfg, ok := s.Registry.FirstTelegramBot(); ok {
		chatID = cfg.TelegramChatID
	}

	resp, err := s.alexa.Handle(body, chatID)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp)
}

// handleHealth serves the cached health status, recomputing after the TTL.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Queues.ShuttingDown() {
		http.Error(w, `{"status":"shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	s.healthMu.Lock()
	if s.healthPayload != nil && time.Since(s.healthAt) < healthCacheTTL {
		payload := s.healthPayload
		s.healthMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
		return
	}
	s.healthMu.Unlock()

	payload, healthy := s.computeHealth()
	if healthy {
		s.healthMu.Lock()
		s.healthPayload = payload
		s.healthAt = time.Now()
		s.healthMu.Unlock()
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(payload)
}

func (s *Server) computeHealth() ([]byte, bool) {
	bots := s.Registry.List()
	healthy := len(bots) > 0

	checks := map[string]any{
		"bots":           len(bots),
		"active_workers": s.Queues.ActiveWorkers(),
	}
	if s.Memory != nil {
		memStatus := "ok"
		if err := s.Memory.Ping(); err != nil {
			// Degraded, not unhealthy: the pipeline works without memory.
			memStatus = "unavailable"
		}
		checks["memory"] = memStatus
	}

	status := "ok"
	if !healthy {
		status = "no bots configured"
	}
	payload, _ := json.Marshal(map[string]any{"status": status, "checks": checks})
	return payload, healthy
}

// InvalidateHealthCache drops the cached health payload (called after
// registry reloads).
func (s *Server) InvalidateHealthCache() {
	s.healthMu.Lock()
	s.healthPayload = nil
	s.healthMu.Unlock()
}

// handleReload rebuilds the bot registry (also triggered by SIGHUP).
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Reload(); err != nil {
		slog.Error("registry reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.InvalidateHealthCache()
	w.Write([]byte(`{"ok":true}`))
}
