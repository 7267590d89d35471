package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// alexaSessionTTL expires idle Alexa sessions; their buffered
	// utterances are dropped with a log line.
	alexaSessionTTL = 5 * time.Minute

	// alexaUpdateIDBase keeps synthetic update ids disjoint from real
	// Telegram ones.
	alexaUpdateIDBase = 900_000_000
)

// alexaRequest mirrors the Alexa request envelope subset we handle.
type alexaRequest struct {
	Session struct {
		SessionID string `json:"sessionId"`
	} `json:"session"`
	Request struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Locale    string `json:"locale"`
		Intent    struct {
			Name  string `json:"name"`
			Slots map[string]struct {
				Value string `json:"value"`
			} `json:"slots"`
		} `json:"intent"`
	} `json:"request"`
}

// alexaSession buffers back-to-back utterances for one Alexa session.
type alexaSession struct {
	utterances   []string
	locale       string
	lastActivity time.Time
}

// AlexaBridge coalesces Alexa utterances per session and, at session end,
// synthesises a single Telegram webhook that goes through the regular
// queueing path.
type AlexaBridge struct {
	mu       sync.Mutex
	sessions map[string]*alexaSession

	updateID atomic.Int64
	now      func() time.Time

	// relay enqueues the synthetic webhook body.
	relay func(body []byte)
}

// NewAlexaBridge builds a bridge delivering synthetic webhooks to relay.
func NewAlexaBridge(relay func(body []byte)) *AlexaBridge {
	b := &AlexaBridge{
		sessions: map[string]*alexaSession{},
		now:      time.Now,
		relay:    relay,
	}
	b.updateID.Store(alexaUpdateIDBase)
	return b
}

// Handle processes one verified Alexa request body and returns the response
// envelope.
func (b *AlexaBridge) Handle(body []byte, chatID string) ([]byte, error) {
	var req alexaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse alexa request: %w", err)
	}

	b.expireStale()

	switch req.Request.Type {
	case "LaunchRequest":
		return alexaResponse("What would you like to tell Claudio?", false, "You can say a message, or say stop."), nil

	case "IntentRequest":
		return b.handleIntent(&req, chatID)

	case "SessionEndedRequest":
		b.flushSession(req.Session.SessionID, chatID)
		return alexaResponse("", true, ""), nil

	default:
		return alexaResponse("Sorry, I didn't get that.", true, ""), nil
	}
}

func (b *AlexaBridge) handleIntent(req *alexaRequest, chatID string) ([]byte, error) {
	sessionID := req.Session.SessionID

	switch req.Request.Intent.Name {
	case "SendMessageIntent":
		utterance := firstSlotValue(req)
		if utterance == "" {
			return alexaResponse("I didn't catch a message. Try again?", false, "Say the message you want to send."), nil
		}

		b.mu.Lock()
		session, ok := b.sessions[sessionID]
		if !ok {
			session = &alexaSession{locale: req.Request.Locale}
			b.sessions[sessionID] = session
		}
		session.utterances = append(session.utterances, utterance)
		session.lastActivity = b.now()
		b.mu.Unlock()

		return alexaResponse("Got it. Anything else?", false, "Say another message, or say stop."), nil

	case "AMAZON.StopIntent", "AMAZON.CancelIntent":
		flushed := b.flushSession(sessionID, chatID)
		if flushed {
			return alexaResponse("Message sent. Goodbye!", true, ""), nil
		}
		return alexaResponse("Goodbye!", true, ""), nil

	default:
		return alexaResponse("Sorry, I can't do that yet.", false, "Say a message, or say stop."), nil
	}
}

// flushSession merges a session's buffered utterances into one synthetic
// Telegram webhook and relays it. Reports whether anything was flushed.
func (b *AlexaBridge) flushSession(sessionID, chatID string) bool {
	b.mu.Lock()
	session, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	if !ok || len(session.utterances) == 0 {
		return false
	}
	if chatID == "" {
		slog.Warn("alexa relay target has no chat id configured")
		return false
	}

	text := strings.Join(session.utterances, " ")
	updateID := b.updateID.Add(1)

	synthetic, err := json.Marshal(map[string]any{
		"update_id": updateID,
		"message": map[string]any{
			"message_id": updateID,
			"chat":       map[string]any{"id": json.Number(chatID)},
			"text":       text,
		},
	})
	if err != nil {
		slog.Error("failed to build synthetic alexa webhook", "error", err)
		return false
	}

	slog.Info("relaying alexa session", "session", sessionID, "utterances", len(session.utterances))
	b.relay(synthetic)
	return true
}

// expireStale drops sessions idle past the TTL, logging their unflushed
// message counts.
func (b *AlexaBridge) expireStale() {
	cutoff := b.now().Add(-alexaSessionTTL)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, session := range b.sessions {
		if session.lastActivity.Before(cutoff) {
			slog.Warn("alexa session expired with unflushed messages",
				"session", id, "count", len(session.utterances))
			delete(b.sessions, id)
		}
	}
}

func firstSlotValue(req *alexaRequest) string {
	if slot, ok := req.Request.Intent.Slots["message"]; ok && slot.Value != "" {
		return slot.Value
	}
	for _, slot := range req.Request.Intent.Slots {
		if slot.Value != "" {
			return slot.Value
		}
	}
	return ""
}

// alexaResponse renders the Alexa response envelope.
func alexaResponse(speech string, endSession bool, reprompt string) []byte {
	response := map[string]any{"shouldEndSession": endSession}
	if speech != "" {
		response["outputSpeech"] = map[string]any{"type": "PlainText", "text": speech}
	}
	if reprompt != "" {
		response["reprompt"] = map[string]any{
			"outputSpeech": map[string]any{"type": "PlainText", "text": reprompt},
		}
	}
	out, _ := json.Marshal(map[string]any{"version": "1.0", "response": response})
	return out
}
