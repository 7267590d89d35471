// Package registry maintains the bot registry: the mapping from bot id to
// bot config plus the reverse index from webhook secret to bot id. The
// registry rebuilds atomically on SIGHUP, on /reload, and when fsnotify
// sees the bots directory change.
package registry

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/claudiohq/claudio/internal/config"
)

// Registry holds the loaded bots behind one lock. Lookups are read-mostly;
// Reload swaps both maps atomically.
type Registry struct {
	svc *config.Service

	mu       sync.RWMutex
	bots     map[string]*config.BotConfig
	bySecret map[string]string // webhook secret → bot id

	watcher *fsnotify.Watcher

	// OnReload is called after every successful reload (e.g. to invalidate
	// the health cache). May be nil.
	OnReload func()
}

// New creates an empty registry bound to a service config.
func New(svc *config.Service) *Registry {
	return &Registry{
		svc:      svc,
		bots:     map[string]*config.BotConfig{},
		bySecret: map[string]string{},
	}
}

// Reload rescans the bots directory and swaps the registry atomically.
func (r *Registry) Reload() error {
	bots := map[string]*config.BotConfig{}
	bySecret := map[string]string{}

	for _, botID := range r.svc.ListBots() {
		cfg, err := r.svc.LoadBot(botID)
		if err != nil {
			slog.Warn("skipping bot with invalid config", "bot", botID, "error", err)
			continue
		}
		bots[botID] = cfg
		if cfg.WebhookSecret != "" {
			if other, dup := bySecret[cfg.WebhookSecret]; dup {
				return fmt.Errorf("bots %q and %q share a webhook secret", other, botID)
			}
			bySecret[cfg.WebhookSecret] = botID
		}
	}

	r.mu.Lock()
	r.bots = bots
	r.bySecret = bySecret
	r.mu.Unlock()

	slog.Info("bot registry loaded", "bots", len(bots))
	if r.OnReload != nil {
		r.OnReload()
	}
	return nil
}

// Get returns a bot by id.
func (r *Registry) Get(botID string) (*config.BotConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.bots[botID]
	return cfg, ok
}

// List returns the loaded bot ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bots))
	for id := range r.bots {
		out = append(out, id)
	}
	return out
}

// BySecret resolves a webhook secret to its bot using constant-time
// comparison against every registered secret, so lookup timing does not
// leak how much of a secret matched.
func (r *Registry) BySecret(secret string) (*config.BotConfig, bool) {
	if secret == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *config.BotConfig
	for registered, botID := range r.bySecret {
		if subtle.ConstantTimeCompare([]byte(registered), []byte(secret)) == 1 {
			match = r.bots[botID]
		}
	}
	if match == nil {
		return nil, false
	}
	return match, true
}

// FirstTelegramBot returns the first bot, in sorted id order, with Telegram
// credentials (used as the relay target and chat of the Alexa endpoint).
func (r *Registry) FirstTelegramBot() (*config.BotConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range sortedKeys(r.bots) {
		if cfg := r.bots[id]; cfg.HasTelegram() {
			return cfg, true
		}
	}
	return nil, false
}

// Watch starts an fsnotify watcher on the bots directory that triggers a
// reload on any change there. A bot directory created while watching is
// watched as well, so writing its bot.env also triggers a reload. Stop with
// Close.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.svc.BotsDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("watch bots dir: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("watch bot dir failed", "dir", event.Name, "error", err)
						}
					}
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
					slog.Info("bots directory changed, reloading registry", "event", event.Name)
					if err := r.Reload(); err != nil {
						slog.Error("registry reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("bots directory watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the directory watcher.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func sortedKeys(m map[string]*config.BotConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
