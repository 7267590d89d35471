package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Result is one retrieved memory with its scoring breakdown.
type Result struct {
	ID         string  `json:"id"`
	Kind       string  `json:"type"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Activation float64 `json:"activation"`

	Category       string  `json:"category,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	TriggerPattern string  `json:"trigger_pattern,omitempty"`
	Importance     float64 `json:"importance,omitempty"`
}

// Engine binds the store to an embedder and the consolidation model.
type Engine struct {
	store    *Store
	embedder Embedder
	model    Model
	now      func() time.Time
}

// NewEngine builds the memory engine. embedder and model may be nil; the
// engine then degrades to FTS retrieval and skips LLM-driven consolidation.
func NewEngine(store *Store, embedder Embedder, model Model) *Engine {
	return &Engine{store: store, embedder: embedder, model: model, now: time.Now}
}

// Retrieve returns the top-k memories for a query across the requested
// kinds (all three when kinds is empty).
//
// Two phases keep activation scoring off the full table: first the most
// recently updated rows per kind are ranked by cosine similarity alone, then
// only the top PreFilterPerType candidates per kind get ACT-R activation and
// the combined score WSim*sim + WAct*activation. Semantic candidates whose
// reinforcement-decayed confidence falls below the floor are dropped. Every
// returned memory gets an access recorded.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, kinds []string) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	if len(kinds) == 0 {
		kinds = allKinds
	}

	queryEmb := embedOne(ctx, e.embedder, query)
	now := e.now().UTC()

	var candidates []Result
	for _, kind := range kinds {
		rows, err := e.scanRecent(kind)
		if err != nil {
			return nil, err
		}

		// Phase 1: similarity only.
		type simRow struct {
			sim float64
			rec Record
		}
		scored := make([]simRow, 0, len(rows))
		for _, rec := range rows {
			sim := 0.0
			if queryEmb != nil && rec.Embedding != nil {
				sim = cosineSimilarity(queryEmb, rec.Embedding)
			}
			scored = append(scored, simRow{sim: sim, rec: rec})
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].sim > scored[j].sim })
		if len(scored) > PreFilterPerType {
			scored = scored[:PreFilterPerType]
		}

		// Phase 2: activation for the survivors only.
		for _, sr := range scored {
			rec := sr.rec

			confidence := rec.Confidence
			if kind == KindSemantic {
				last, err := e.store.lastAccess(rec.ID, kind)
				if err != nil {
					return nil, err
				}
				if last.IsZero() {
					last = rec.CreatedAt
				}
				confidence = reinforcementDecay(rec.Confidence, last, now)
				if confidence < ConfidenceFloor {
					continue
				}
			}

			accesses, err := e.store.accessTimes(rec.ID, kind)
			if err != nil {
				return nil, err
			}
			normAct := normalizeActivation(baseLevelActivation(accesses, now))

			candidates = append(candidates, Result{
				ID:             rec.ID,
				Kind:           kind,
				Content:        rec.Content,
				Score:          WSim*sr.sim + WAct*normAct,
				Similarity:     sr.sim,
				Activation:     normAct,
				Category:       rec.Category,
				Confidence:     confidence,
				TriggerPattern: rec.TriggerPattern,
				Importance:     rec.Importance,
			})
		}
	}

	// No embeddings at all: fall back to BM25 over the FTS index.
	if queryEmb == nil {
		var err error
		candidates, err = e.ftsSearch(query, kinds, topK*2)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	for _, r := range candidates {
		if err := e.store.RecordAccess(r.ID, r.Kind); err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// scanRecent loads the most recently updated rows of one kind.
func (e *Engine) scanRecent(kind string) ([]Record, error) {
	var query string
	switch kind {
	case KindEpisodic:
		query = `SELECT id, content, COALESCE(context,''), COALESCE(outcome,''), importance,
				embedding, created_at
			FROM episodic_memories ORDER BY updated_at DESC LIMIT ?`
	case KindSemantic:
		query = `SELECT id, content, COALESCE(category,''), confidence, embedding, created_at
			FROM semantic_memories ORDER BY updated_at DESC LIMIT ?`
	case KindProcedural:
		query = `SELECT id, content, COALESCE(trigger_pattern,''), success_rate, embedding, created_at
			FROM procedural_memories ORDER BY updated_at DESC LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown memory kind: %q", kind)
	}

	rows, err := e.store.db.Query(query, recentScanLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		var blob []byte
		var created string
		var scanErr error
		switch kind {
		case KindEpisodic:
			scanErr = rows.Scan(&rec.ID, &rec.Content, &rec.Context, &rec.Outcome,
				&rec.Importance, &blob, &created)
		case KindSemantic:
			scanErr = rows.Scan(&rec.ID, &rec.Content, &rec.Category, &rec.Confidence,
				&blob, &created)
		case KindProcedural:
			scanErr = rows.Scan(&rec.ID, &rec.Content, &rec.TriggerPattern, &rec.SuccessRate,
				&blob, &created)
		}
		if scanErr != nil {
			return nil, scanErr
		}
		rec.Embedding = blobToEmbedding(blob)
		rec.CreatedAt, _ = parseTimestamp(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var ftsTokenRE = regexp.MustCompile(`\w+`)

// ftsSearch ranks by BM25 over the FTS index. Query tokens are quoted so
// FTS5 operators and wildcards in user text stay literal.
func (e *Engine) ftsSearch(query string, kinds []string, limit int) ([]Result, error) {
	tokens := ftsTokenRE.FindAllString(query, -1)
	if len(tokens) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	safeQuery := strings.Join(quoted, " ")

	rows, err := e.store.db.Query(
		`SELECT memory_id, memory_type, content, rank FROM memory_fts
		 WHERE memory_fts MATCH ? ORDER BY rank LIMIT ?`, safeQuery, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var out []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Content, &rank); err != nil {
			return nil, err
		}
		if !wanted[r.Kind] {
			continue
		}
		// FTS5 rank is negative: lower means better.
		r.Score = -rank
		out = append(out, r)
	}
	return out, rows.Err()
}

// FormatResults renders retrieved memories as prompt-ready lines.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	lines := []string{"## Relevant memories\n"}
	for _, m := range results {
		switch m.Kind {
		case KindSemantic:
			cat := ""
			if m.Category != "" {
				cat = " (" + m.Category + ")"
			}
			lines = append(lines, fmt.Sprintf("- [%s]%s %s (confidence: %.2f)",
				m.Kind, cat, m.Content, m.Confidence))
		case KindProcedural:
			trigger := ""
			if m.TriggerPattern != "" {
				trigger = " [when: " + m.TriggerPattern + "]"
			}
			lines = append(lines, fmt.Sprintf("- [%s]%s %s", m.Kind, trigger, m.Content))
		default:
			lines = append(lines, fmt.Sprintf("- [%s] %s", m.Kind, m.Content))
		}
	}
	return strings.Join(lines, "\n")
}
