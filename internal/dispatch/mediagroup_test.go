package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/claudiohq/claudio/internal/config"
)

type flushRecorder struct {
	mu     sync.Mutex
	merged [][]byte
}

func (f *flushRecorder) flush(_ string, _ *config.BotConfig, _ string, merged []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, merged)
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.merged)
}

func photoBody(updateID int, fileID, caption string) []byte {
	msg := map[string]any{
		"chat":           map[string]any{"id": 999},
		"message_id":     updateID,
		"media_group_id": "mg1",
		"photo":          []map[string]any{{"file_id": fileID + "-small"}, {"file_id": fileID}},
	}
	if caption != "" {
		msg["caption"] = caption
	}
	body, _ := json.Marshal(map[string]any{"update_id": updateID, "message": msg})
	return body
}

func TestMediaGroupCoalescing(t *testing.T) {
	rec := &flushRecorder{}
	buf := NewMediaGroupBuffer(rec.flush)
	buf.wait = 50 * time.Millisecond

	cfg := &config.BotConfig{BotID: "b1"}
	for i := 1; i <= 3; i++ {
		if !buf.Add("b1", cfg, "mg1", "999", photoBody(i, fmt.Sprintf("p%d", i), "")) {
			t.Fatal("photo should have been buffered")
		}
	}

	waitFor(t, 5*time.Second, func() bool { return rec.count() == 1 })

	var merged struct {
		Message struct {
			Photo []struct {
				FileID string `json:"file_id"`
			} `json:"photo"`
			ExtraPhotos []string `json:"_extra_photos"`
		} `json:"message"`
	}
	if err := json.Unmarshal(rec.merged[0], &merged); err != nil {
		t.Fatal(err)
	}
	// Base photo from the first body plus two extras.
	if len(merged.Message.ExtraPhotos) != 2 {
		t.Errorf("extras = %v, want [p2 p3]", merged.Message.ExtraPhotos)
	}
	if merged.Message.ExtraPhotos[0] != "p2" || merged.Message.ExtraPhotos[1] != "p3" {
		t.Errorf("extras = %v", merged.Message.ExtraPhotos)
	}
	if buf.Pending() != 0 {
		t.Error("group not removed after firing")
	}
}

func TestMediaGroupTimerExtends(t *testing.T) {
	rec := &flushRecorder{}
	buf := NewMediaGroupBuffer(rec.flush)
	buf.wait = 100 * time.Millisecond

	cfg := &config.BotConfig{BotID: "b1"}
	buf.Add("b1", cfg, "mg1", "999", photoBody(1, "p1", ""))
	time.Sleep(60 * time.Millisecond)
	buf.Add("b1", cfg, "mg1", "999", photoBody(2, "p2", ""))

	// The first timer would have fired by now if Add did not reset it.
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("timer fired despite being extended")
	}

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })
}

func TestMediaGroupCapConcurrentGroups(t *testing.T) {
	rec := &flushRecorder{}
	buf := NewMediaGroupBuffer(rec.flush)
	buf.wait = time.Hour // never fire during the test

	cfg := &config.BotConfig{BotID: "b1"}
	for i := 0; i < maxConcurrentGroups; i++ {
		if !buf.Add("b1", cfg, fmt.Sprintf("g%d", i), "999", photoBody(i, "p", "")) {
			t.Fatalf("group %d should have been accepted", i)
		}
	}
	if buf.Add("b1", cfg, "overflow", "999", photoBody(99, "p", "")) {
		t.Error("group beyond the cap should be rejected")
	}
}

func TestMediaGroupAdoptsCaption(t *testing.T) {
	rec := &flushRecorder{}
	buf := NewMediaGroupBuffer(rec.flush)
	buf.wait = 50 * time.Millisecond

	cfg := &config.BotConfig{BotID: "b1"}
	buf.Add("b1", cfg, "mg1", "999", photoBody(1, "p1", ""))
	buf.Add("b1", cfg, "mg1", "999", photoBody(2, "p2", "album caption"))

	waitFor(t, 2*time.Second, func() bool { return rec.count() == 1 })

	var merged struct {
		Message struct {
			Caption string `json:"caption"`
		} `json:"message"`
	}
	json.Unmarshal(rec.merged[0], &merged)
	if merged.Message.Caption != "album caption" {
		t.Errorf("caption = %q, want adopted album caption", merged.Message.Caption)
	}
}

func TestFlushAllOnShutdown(t *testing.T) {
	rec := &flushRecorder{}
	buf := NewMediaGroupBuffer(rec.flush)
	buf.wait = time.Hour

	cfg := &config.BotConfig{BotID: "b1"}
	buf.Add("b1", cfg, "g1", "999", photoBody(1, "p1", ""))
	buf.Add("b1", cfg, "g2", "999", photoBody(2, "p2", ""))

	buf.FlushAll()

	if rec.count() != 2 {
		t.Errorf("FlushAll flushed %d groups, want 2", rec.count())
	}
	if buf.Pending() != 0 {
		t.Error("groups remain after FlushAll")
	}
}
