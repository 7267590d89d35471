package memory

import (
	"context"
	"log/slog"
)

// Reconsolidate runs the periodic maintenance pass:
//  1. prune semantic memories at the confidence floor with no access in 60
//     days (soft-delete),
//  2. semanticise up to 10 episodic memories older than 90 days that have
//     not been semanticised yet,
//  3. merge near-duplicate semantic memories, keeping the higher-confidence
//     row of each pair.
func (e *Engine) Reconsolidate(ctx context.Context) error {
	if err := e.pruneDeadSemantic(); err != nil {
		return err
	}
	if err := e.semanticizeOldEpisodes(ctx); err != nil {
		return err
	}
	return e.mergeNearDuplicates()
}

func (e *Engine) pruneDeadSemantic() error {
	rows, err := e.store.db.Query(`
		SELECT m.id FROM semantic_memories m
		LEFT JOIN memory_accesses a ON a.memory_id = m.id AND a.memory_type = 'semantic'
		WHERE m.confidence <= ?
		GROUP BY m.id
		HAVING MAX(a.accessed_at) < datetime('now', '-60 days')
		   OR MAX(a.accessed_at) IS NULL
	`, ConfidenceFloor)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := e.store.SoftDelete(id, KindSemantic); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		slog.Info("memory: pruned dead semantic memories", "count", len(ids))
	}
	return nil
}

func (e *Engine) semanticizeOldEpisodes(ctx context.Context) error {
	rows, err := e.store.db.Query(`
		SELECT id, content, COALESCE(context,''), COALESCE(outcome,'')
		FROM episodic_memories
		WHERE created_at < datetime('now', '-90 days')
		  AND semanticized = 0
		LIMIT 10
	`)
	if err != nil {
		return err
	}

	type episode struct {
		id, content, context, outcome string
	}
	var episodes []episode
	for rows.Next() {
		var ep episode
		if err := rows.Scan(&ep.id, &ep.content, &ep.context, &ep.outcome); err != nil {
			rows.Close()
			return err
		}
		episodes = append(episodes, ep)
	}
	rows.Close()

	for _, ep := range episodes {
		conversation := "Episode: " + ep.content
		if ep.context != "" {
			conversation += "\nContext: " + ep.context
		}
		if ep.outcome != "" {
			conversation += "\nOutcome: " + ep.outcome
		}

		extracted := e.extractMemories(ctx, conversation, "")
		if extracted != nil {
			for _, sem := range extracted.Semantic {
				if sem.Content == "" {
					continue
				}
				if _, err := e.store.Insert(&Record{
					Kind:            KindSemantic,
					Content:         sem.Content,
					Category:        sem.Category,
					Confidence:      sem.Confidence,
					SourceEpisodeID: ep.id,
					Embedding:       embedOne(ctx, e.embedder, sem.Content),
				}); err != nil {
					slog.Warn("memory: failed to store semanticised memory", "error", err)
				}
			}
		}

		if _, err := e.store.db.Exec(
			"UPDATE episodic_memories SET semanticized=1, updated_at=CURRENT_TIMESTAMP WHERE id=?",
			ep.id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) mergeNearDuplicates() error {
	rows, err := e.store.db.Query(`
		SELECT id, content, confidence, embedding FROM semantic_memories
		WHERE confidence > 0 AND embedding IS NOT NULL
		ORDER BY updated_at DESC LIMIT 200
	`)
	if err != nil {
		return err
	}

	type mem struct {
		id         string
		confidence float64
		vec        []float32
	}
	var mems []mem
	for rows.Next() {
		var m mem
		var content string
		var blob []byte
		if err := rows.Scan(&m.id, &content, &m.confidence, &blob); err != nil {
			rows.Close()
			return err
		}
		m.vec = blobToEmbedding(blob)
		mems = append(mems, m)
	}
	rows.Close()

	merged := map[string]bool{}
	for i, a := range mems {
		if merged[a.id] {
			continue
		}
		for _, b := range mems[i+1:] {
			if merged[b.id] {
				continue
			}
			if cosineSimilarity(a.vec, b.vec) > NearDuplicateThreshold {
				remove := b
				if b.confidence > a.confidence {
					remove = a
				}
				if err := e.store.SoftDelete(remove.id, KindSemantic); err != nil {
					return err
				}
				merged[remove.id] = true
				if remove.id == a.id {
					break
				}
			}
		}
	}

	if len(merged) > 0 {
		slog.Info("memory: merged near-duplicate semantic memories", "count", len(merged))
	}
	return nil
}
