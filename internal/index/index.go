// Package index maintains the searchable projection of finished notes:
// an in-memory vector store persisted as SQLite BLOBs, and an FTS5 table
// over transcript and summary text. Each note has at most one live
// embedding; reprocessing replaces it.
package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"voice-notes-service/internal/observability/logging"
)

// Index provides brute-force vector search plus FTS5 keyword search over
// the same SQLite database the note store uses. Vectors are held in memory;
// at the scale of one user's notes this is exact and sub-millisecond.
type Index struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.RWMutex
	vectors map[string][]float32 // note_id -> normalized embedding
	owners  map[string]string    // note_id -> user_id
}

// ScoredNote pairs a note ID with a relevance score.
type ScoredNote struct {
	NoteID string
	Score  float64
}

// New creates the index, running migrations and loading existing vectors
// into memory.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{
		db:      db,
		log:     logging.WithComponent("index"),
		vectors: make(map[string][]float32),
		owners:  make(map[string]string),
	}
	if err := ix.migrate(); err != nil {
		return nil, fmt.Errorf("index migrate: %w", err)
	}
	if err := ix.loadAll(); err != nil {
		return nil, fmt.Errorf("index load: %w", err)
	}
	return ix, nil
}

func (ix *Index) migrate() error {
	_, err := ix.db.Exec(`
		CREATE TABLE IF NOT EXISTS note_vectors (
			note_id    TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			dimensions INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = ix.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
			note_id UNINDEXED,
			user_id UNINDEXED,
			content
		)
	`)
	return err
}

func (ix *Index) loadAll() error {
	rows, err := ix.db.Query("SELECT note_id, user_id, embedding, dimensions FROM note_vectors")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, userID string
		var blob []byte
		var dims int
		if err := rows.Scan(&id, &userID, &blob, &dims); err != nil {
			return err
		}
		ix.vectors[id] = blobToFloat32(blob, dims)
		ix.owners[id] = userID
	}
	return rows.Err()
}

// UpsertEmbedding stores a note's embedding, replacing any previous one.
// The vector is normalized on insert so dot product equals cosine
// similarity.
func (ix *Index) UpsertEmbedding(ctx context.Context, noteID, userID string, vector []float32) error {
	normalized := normalize(vector)
	blob := float32ToBlob(normalized)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO note_vectors (note_id, user_id, embedding, dimensions)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			user_id=excluded.user_id,
			embedding=excluded.embedding,
			dimensions=excluded.dimensions
	`, noteID, userID, blob, len(normalized))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}

	ix.vectors[noteID] = normalized
	ix.owners[noteID] = userID
	return nil
}

// UpsertDocument stores a note's searchable text, replacing any previous
// row for the note.
func (ix *Index) UpsertDocument(ctx context.Context, noteID, userID, content string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notes_fts WHERE note_id = ?", noteID); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO notes_fts (note_id, user_id, content) VALUES (?, ?, ?)",
		noteID, userID, content); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return tx.Commit()
}

// Delete removes a note from both the vector store and the keyword index.
// Called when a note is soft-deleted.
func (ix *Index) Delete(ctx context.Context, noteID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, err := ix.db.ExecContext(ctx, "DELETE FROM note_vectors WHERE note_id = ?", noteID); err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, "DELETE FROM notes_fts WHERE note_id = ?", noteID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	delete(ix.vectors, noteID)
	delete(ix.owners, noteID)
	return nil
}

// SearchVector returns the user's top-K notes by cosine similarity to the
// query vector, using a min-heap to track only the top K.
func (ix *Index) SearchVector(ctx context.Context, userID string, queryVec []float32, limit int) []ScoredNote {
	if limit <= 0 {
		limit = 10
	}
	q := normalize(queryVec)

	ix.mu.RLock()
	h := &minHeap{}
	heap.Init(h)
	for id, vec := range ix.vectors {
		if ix.owners[id] != userID || len(vec) != len(q) {
			continue
		}
		score := dotProduct(q, vec)
		if h.Len() < limit {
			heap.Push(h, ScoredNote{NoteID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = ScoredNote{NoteID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	ix.mu.RUnlock()

	results := make([]ScoredNote, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(ScoredNote)
	}
	return results
}

// SearchKeyword returns the user's top-K notes by BM25 rank for the query.
// The raw query is quoted token-by-token so FTS5 operator syntax in user
// input cannot break the statement.
func (ix *Index) SearchKeyword(ctx context.Context, userID, query string, limit int) ([]ScoredNote, error) {
	if limit <= 0 {
		limit = 10
	}
	match := sanitizeMatch(query)
	if match == "" {
		return nil, nil
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT note_id, bm25(notes_fts) FROM notes_fts
		WHERE notes_fts MATCH ? AND user_id = ?
		ORDER BY rank LIMIT ?
	`, match, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []ScoredNote
	for rows.Next() {
		var sn ScoredNote
		if err := rows.Scan(&sn.NoteID, &sn.Score); err != nil {
			return nil, err
		}
		// bm25() returns negative-is-better; flip so higher is better.
		sn.Score = -sn.Score
		out = append(out, sn)
	}
	return out, rows.Err()
}

// Count returns the number of stored vectors.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

func sanitizeMatch(query string) string {
	var quoted []string
	for _, tok := range strings.Fields(query) {
		tok = strings.ReplaceAll(tok, `"`, "")
		if tok == "" {
			continue
		}
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " ")
}

type minHeap []ScoredNote

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(ScoredNote)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dotProduct(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte, dims int) []float32 {
	v := make([]float32, dims)
	for i := 0; i < dims && i*4+4 <= len(b); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
