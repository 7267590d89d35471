// Package memory implements the cognitive memory engine: an
// embedding-indexed three-tier store (episodic, semantic, procedural) with
// ACT-R activation scoring, an FTS fallback, LLM-driven consolidation, and
// periodic maintenance. It runs as a daemon behind a Unix domain socket; the
// message pipeline talks to it through Client and degrades gracefully when
// the daemon is unavailable.
package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Scoring and lifecycle constants.
const (
	// WSim and WAct weight cosine similarity vs normalised activation in the
	// retrieval score.
	WSim = 0.7
	WAct = 0.3

	// DecayParam is the ACT-R decay exponent d.
	DecayParam = 0.5

	NearDuplicateThreshold         = 0.92
	ContradictionCandidateThreshold = 0.85

	// ConfidenceFloor is the minimum confidence a live semantic memory keeps.
	ConfidenceFloor = 0.1

	// ReinforcementGraceDays is how long a semantic memory holds its
	// confidence without being accessed.
	ReinforcementGraceDays = 30

	// AccessCapPerMemory bounds the per-memory access log.
	AccessCapPerMemory = 200

	// recentScanLimit caps the rows scanned per kind during retrieval.
	recentScanLimit = 500

	// PreFilterPerType caps the candidates per kind that get the expensive
	// activation scoring.
	PreFilterPerType = 20
)

// Kind names the three memory tiers.
const (
	KindEpisodic   = "episodic"
	KindSemantic   = "semantic"
	KindProcedural = "procedural"
)

var allKinds = []string{KindEpisodic, KindSemantic, KindProcedural}

// Record is one memory row with its kind-specific attributes flattened.
type Record struct {
	ID      string
	Kind    string
	Content string

	// Episodic
	Context    string
	Outcome    string
	Importance float64

	// Semantic
	Category        string
	Confidence      float64
	SourceEpisodeID string
	SupersedesID    string

	// Procedural
	TriggerPattern string
	SuccessRate    float64

	Embedding []float32
	CreatedAt time.Time
}

// Store wraps the memory database.
type Store struct {
	db             *sql.DB
	embeddingModel string
}

// OpenStore opens the memory database and ensures the schema exists. A
// change in embeddingModel relative to the stored name invalidates all
// persisted embeddings (nulled, re-embedded lazily).
func OpenStore(path, embeddingModel string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	s := &Store{db: db, embeddingModel: embeddingModel}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS episodic_memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			context TEXT,
			outcome TEXT,
			importance REAL DEFAULT 0.5,
			semanticized INTEGER DEFAULT 0,
			embedding BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS semantic_memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			category TEXT,
			confidence REAL DEFAULT 0.8,
			source_episode_id TEXT,
			supersedes_id TEXT,
			embedding BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS procedural_memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			trigger_pattern TEXT,
			success_rate REAL DEFAULT 1.0,
			embedding BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS memory_accesses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id TEXT NOT NULL,
			memory_type TEXT NOT NULL CHECK(memory_type IN ('episodic', 'semantic', 'procedural')),
			accessed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accesses_memory ON memory_accesses(memory_id, memory_type)`,
		`CREATE INDEX IF NOT EXISTS idx_accesses_time ON memory_accesses(accessed_at)`,
		`CREATE TABLE IF NOT EXISTS memory_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			memory_id,
			memory_type,
			content,
			tokenize='unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}

	return s.checkModelChange()
}

// checkModelChange nulls all stored embeddings when the configured embedding
// model differs from the one recorded in memory_meta.
func (s *Store) checkModelChange() error {
	var stored string
	err := s.db.QueryRow("SELECT value FROM memory_meta WHERE key='embedding_model'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// First run: record the model, nothing to invalidate.
	case err != nil:
		return err
	case stored == s.embeddingModel:
		return nil
	default:
		slog.Warn("embedding model changed, invalidating stored embeddings",
			"old", stored, "new", s.embeddingModel)
		for _, table := range []string{"episodic_memories", "semantic_memories", "procedural_memories"} {
			res, execErr := s.db.Exec(
				fmt.Sprintf("UPDATE %s SET embedding=NULL WHERE embedding IS NOT NULL", table))
			if execErr != nil {
				return execErr
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Info("cleared embeddings", "table", table, "count", n)
			}
		}
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO memory_meta (key, value) VALUES ('embedding_model', ?)",
		s.embeddingModel)
	return err
}

// LastConsolidatedID returns the highest message id already consolidated.
func (s *Store) LastConsolidatedID() (int64, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM memory_meta WHERE key='last_consolidated_id'").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var id int64
	fmt.Sscanf(v, "%d", &id)
	return id, nil
}

// SetLastConsolidatedID advances the consolidation watermark.
func (s *Store) SetLastConsolidatedID(id int64) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO memory_meta (key, value) VALUES ('last_consolidated_id', ?)",
		fmt.Sprintf("%d", id))
	return err
}

// Insert stores a memory record, mirrors its content into the FTS index and
// records an initial access. A missing ID is generated.
func (s *Store) Insert(rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	blob := embeddingToBlob(rec.Embedding)

	var err error
	switch rec.Kind {
	case KindEpisodic:
		_, err = s.db.Exec(
			`INSERT INTO episodic_memories (id, content, context, outcome, importance, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Content, nullable(rec.Context), nullable(rec.Outcome),
			defaultIfZero(rec.Importance, 0.5), blob)
	case KindSemantic:
		_, err = s.db.Exec(
			`INSERT INTO semantic_memories
				(id, content, category, confidence, source_episode_id, supersedes_id, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Content, nullable(rec.Category),
			defaultIfZero(rec.Confidence, 0.8),
			nullable(rec.SourceEpisodeID), nullable(rec.SupersedesID), blob)
	case KindProcedural:
		_, err = s.db.Exec(
			`INSERT INTO procedural_memories (id, content, trigger_pattern, embedding)
			 VALUES (?, ?, ?, ?)`,
			rec.ID, rec.Content, nullable(rec.TriggerPattern), blob)
	default:
		return "", fmt.Errorf("unknown memory kind: %q", rec.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("insert %s memory: %w", rec.Kind, err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO memory_fts (memory_id, memory_type, content) VALUES (?, ?, ?)",
		rec.ID, rec.Kind, rec.Content); err != nil {
		return "", fmt.Errorf("index memory: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO memory_accesses (memory_id, memory_type) VALUES (?, ?)",
		rec.ID, rec.Kind); err != nil {
		return "", err
	}

	return rec.ID, nil
}

// RecordAccess appends an access event and prunes the oldest entries beyond
// AccessCapPerMemory.
func (s *Store) RecordAccess(memoryID, kind string) error {
	if _, err := s.db.Exec(
		"INSERT INTO memory_accesses (memory_id, memory_type) VALUES (?, ?)",
		memoryID, kind); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`DELETE FROM memory_accesses WHERE id IN (
			SELECT id FROM memory_accesses
			WHERE memory_id=? AND memory_type=?
			ORDER BY accessed_at ASC
			LIMIT MAX(0, (SELECT COUNT(*) FROM memory_accesses WHERE memory_id=? AND memory_type=?) - ?)
		)`,
		memoryID, kind, memoryID, kind, AccessCapPerMemory)
	return err
}

// SoftDelete zeroes a semantic memory's confidence and removes its FTS row.
// The primary row is kept so supersedes_id chains stay resolvable.
func (s *Store) SoftDelete(memoryID, kind string) error {
	if kind == KindSemantic {
		if _, err := s.db.Exec(
			"UPDATE semantic_memories SET confidence=0, updated_at=CURRENT_TIMESTAMP WHERE id=?",
			memoryID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM memory_fts WHERE memory_id=?", memoryID)
	return err
}

// FloorConfidence drops a semantic memory's confidence to the floor (used
// when a newer memory supersedes it).
func (s *Store) FloorConfidence(memoryID string) error {
	_, err := s.db.Exec(
		"UPDATE semantic_memories SET confidence=?, updated_at=CURRENT_TIMESTAMP WHERE id=?",
		ConfidenceFloor, memoryID)
	return err
}

// accessTimes returns up to 100 most recent access timestamps for a memory.
func (s *Store) accessTimes(memoryID, kind string) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT accessed_at FROM memory_accesses
		 WHERE memory_id=? AND memory_type=?
		 ORDER BY accessed_at DESC LIMIT 100`, memoryID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		if t, ok := parseTimestamp(ts); ok {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// lastAccess returns the most recent access time, or zero when none exists.
func (s *Store) lastAccess(memoryID, kind string) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRow(
		"SELECT MAX(accessed_at) FROM memory_accesses WHERE memory_id=? AND memory_type=?",
		memoryID, kind).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, _ := parseTimestamp(ts.String)
	return t, nil
}

// -- embedding blobs and vector math --

// embeddingToBlob packs a float32 vector little-endian. Nil in, nil out.
func embeddingToBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// blobToEmbedding unpacks a little-endian float32 vector.
func blobToEmbedding(blob []byte) []float32 {
	n := len(blob) / 4
	if n == 0 {
		return nil
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Zero when either vector has zero norm.
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// parseTimestamp parses SQLite timestamp strings as UTC.
func parseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, strings.TrimSuffix(ts, "Z")); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func defaultIfZero(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
