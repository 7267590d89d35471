package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/claudiohq/claudio/internal/config"
)

const (
	// MediaGroupWait is how long the coalescer waits for further album
	// photos after each arrival.
	MediaGroupWait = 1500 * time.Millisecond

	// maxConcurrentGroups bounds the buffered media groups.
	maxConcurrentGroups = 10

	// maxPhotosPerGroup bounds the photos buffered per group.
	maxPhotosPerGroup = 10
)

type mediaGroupKey struct {
	botID   string
	groupID string
}

type mediaGroup struct {
	cfg    *config.BotConfig
	chatID string
	bodies [][]byte
	timer  *time.Timer
}

// MediaGroupBuffer coalesces Telegram album photos that arrive as separate
// webhooks sharing a media_group_id. On timer expiry the buffered bodies
// are merged into one synthetic webhook and handed to flush.
type MediaGroupBuffer struct {
	mu     sync.Mutex
	groups map[mediaGroupKey]*mediaGroup
	wait   time.Duration

	// flush enqueues the merged body.
	flush func(botID string, cfg *config.BotConfig, chatID string, merged []byte)
}

// NewMediaGroupBuffer builds a coalescer delivering merged bodies to flush.
func NewMediaGroupBuffer(flush func(botID string, cfg *config.BotConfig, chatID string, merged []byte)) *MediaGroupBuffer {
	return &MediaGroupBuffer{
		groups: map[mediaGroupKey]*mediaGroup{},
		wait:   MediaGroupWait,
		flush:  flush,
	}
}

// Add buffers one album photo body and (re)arms the group's merge timer.
// Returns false when the concurrent-group cap is reached and the body
// should be enqueued directly instead. A photo beyond the per-group cap is
// dropped and Add still returns true.
func (b *MediaGroupBuffer) Add(botID string, cfg *config.BotConfig, groupID, chatID string, body []byte) bool {
	key := mediaGroupKey{botID: botID, groupID: groupID}

	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.groups[key]
	if !ok {
		if len(b.groups) >= maxConcurrentGroups {
			slog.Warn("too many concurrent media groups, processing photo individually",
				"bot", botID, "group", groupID)
			return false
		}
		group = &mediaGroup{cfg: cfg, chatID: chatID}
		b.groups[key] = group
	}

	if len(group.bodies) >= maxPhotosPerGroup {
		slog.Warn("media group full, dropping extra photo",
			"bot", botID, "group", groupID)
		return true // buffered group exists; swallow the overflow photo
	}
	group.bodies = append(group.bodies, body)

	if group.timer != nil {
		group.timer.Stop()
	}
	group.timer = time.AfterFunc(b.wait, func() { b.fire(key) })
	return true
}

// fire merges and flushes one group when its timer expires.
func (b *MediaGroupBuffer) fire(key mediaGroupKey) {
	b.mu.Lock()
	group, ok := b.groups[key]
	if ok {
		delete(b.groups, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	merged := mergeMediaGroup(group.bodies)
	slog.Info("media group merged",
		"bot", key.botID, "group", key.groupID, "photos", len(group.bodies))
	b.flush(key.botID, group.cfg, group.chatID, merged)
}

// FlushAll cancels all pending timers and flushes every buffered group
// immediately. Called during shutdown so no buffered photos are lost.
func (b *MediaGroupBuffer) FlushAll() {
	b.mu.Lock()
	pending := make(map[mediaGroupKey]*mediaGroup, len(b.groups))
	for key, group := range b.groups {
		if group.timer != nil {
			group.timer.Stop()
		}
		pending[key] = group
	}
	b.groups = map[mediaGroupKey]*mediaGroup{}
	b.mu.Unlock()

	for key, group := range pending {
		merged := mergeMediaGroup(group.bodies)
		b.flush(key.botID, group.cfg, group.chatID, merged)
	}
}

// Pending returns the number of buffered groups (tests, health).
func (b *MediaGroupBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

// mergeMediaGroup folds several single-photo webhook bodies into one
// synthetic webhook: the first body is the base, and the largest photo of
// each subsequent body is injected as _extra_photos.
func mergeMediaGroup(bodies [][]byte) []byte {
	if len(bodies) == 0 {
		return nil
	}
	if len(bodies) == 1 {
		return bodies[0]
	}

	var base map[string]any
	if err := json.Unmarshal(bodies[0], &base); err != nil {
		return bodies[0]
	}
	message, ok := base["message"].(map[string]any)
	if !ok {
		return bodies[0]
	}

	var extras []string
	for _, body := range bodies[1:] {
		if fid := largestPhotoID(body); fid != "" {
			extras = append(extras, fid)
		}
		// A caption may ride on any album item; adopt the first one found
		// when the base has none.
		if _, has := message["caption"]; !has {
			if caption := extractCaption(body); caption != "" {
				message["caption"] = caption
			}
		}
	}
	message["_extra_photos"] = extras

	merged, err := json.Marshal(base)
	if err != nil {
		return bodies[0]
	}
	return merged
}

func largestPhotoID(body []byte) string {
	var parsed struct {
		Message struct {
			Photo []struct {
				FileID string `json:"file_id"`
			} `json:"photo"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	photos := parsed.Message.Photo
	if len(photos) == 0 {
		return ""
	}
	return photos[len(photos)-1].FileID
}

func extractCaption(body []byte) string {
	var parsed struct {
		Message struct {
			Caption string `json:"caption"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Message.Caption
}
