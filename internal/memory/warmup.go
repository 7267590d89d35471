package memory

import (
	"context"
	"log/slog"
)

// Warmup primes the embedder (forcing any lazy model load in the external
// embedding process) and re-embeds rows whose embedding is NULL after a
// model change. Reports whether an embedder was available.
func (e *Engine) Warmup(ctx context.Context) bool {
	if e.embedder == nil {
		return false
	}
	if _, err := e.embedder.Embed(ctx, []string{"warmup"}); err != nil {
		slog.Warn("memory: embedder warmup failed", "error", err)
		return false
	}

	if err := e.reembedStale(ctx); err != nil {
		slog.Warn("memory: re-embedding stale rows failed", "error", err)
	}
	return true
}

// reembedStale embeds every row with a NULL embedding across the three
// memory tables.
func (e *Engine) reembedStale(ctx context.Context) error {
	total := 0
	for _, table := range []string{"episodic_memories", "semantic_memories", "procedural_memories"} {
		rows, err := e.store.db.Query(
			"SELECT id, content FROM " + table + " WHERE embedding IS NULL")
		if err != nil {
			return err
		}

		type pending struct{ id, content string }
		var stale []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.content); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, p)
		}
		rows.Close()
		if len(stale) == 0 {
			continue
		}

		texts := make([]string, len(stale))
		for i, p := range stale {
			texts[i] = p.content
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}

		for i, p := range stale {
			if i >= len(vecs) {
				break
			}
			if _, err := e.store.db.Exec(
				"UPDATE "+table+" SET embedding=?, updated_at=CURRENT_TIMESTAMP WHERE id=?",
				embeddingToBlob(vecs[i]), p.id); err != nil {
				return err
			}
		}
		total += len(stale)
	}

	if total > 0 {
		slog.Info("memory: re-embedded stale memories", "count", total)
	}
	return nil
}
