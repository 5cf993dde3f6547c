// Package retrieval answers search queries over finished notes by fusing
// vector similarity with keyword rank.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"voice-notes-service/internal/adapters/embedding"
	"voice-notes-service/internal/index"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/observability/logging"
	"voice-notes-service/internal/observability/metrics"
	"voice-notes-service/internal/store"
)

// rrfK is the standard reciprocal rank fusion constant.
const rrfK = 60.0

// candidateMultiplier widens each arm's candidate list beyond topK so
// fusion has overlap to work with.
const candidateMultiplier = 3

// Result is one search hit.
type Result struct {
	NoteID  string  `json:"noteId"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
}

// Searcher runs hybrid search: the query is embedded and matched against
// note vectors while FTS5 ranks it against note text, and the two lists
// are merged with reciprocal rank fusion.
type Searcher struct {
	store    *store.Store
	index    *index.Index
	embedder embedding.Embedder
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewSearcher creates a searcher over the given projections.
func NewSearcher(s *store.Store, ix *index.Index, e embedding.Embedder, m *metrics.Metrics) *Searcher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Searcher{
		store:    s,
		index:    ix,
		embedder: e,
		metrics:  m,
		log:      logging.WithComponent("retrieval"),
	}
}

// Search returns the user's top-K finished notes for the query. Both arms
// run concurrently; if the embedding arm fails the keyword arm alone
// serves the query.
func (s *Searcher) Search(ctx context.Context, userID, query string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if topK <= 0 {
		topK = 10
	}
	start := time.Now()
	candidates := topK * candidateMultiplier

	type armResult struct {
		hits []index.ScoredNote
		err  error
	}
	vecCh := make(chan armResult, 1)
	kwCh := make(chan armResult, 1)

	go func() {
		vec, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			vecCh <- armResult{err: err}
			return
		}
		vecCh <- armResult{hits: s.index.SearchVector(ctx, userID, vec, candidates)}
	}()
	go func() {
		hits, err := s.index.SearchKeyword(ctx, userID, query, candidates)
		kwCh <- armResult{hits: hits, err: err}
	}()

	vec, kw := <-vecCh, <-kwCh
	if vec.err != nil && kw.err != nil {
		return nil, fmt.Errorf("search: %w", kw.err)
	}
	if vec.err != nil {
		s.log.Warn().Err(vec.err).Msg("vector arm failed, serving keyword-only results")
	}
	if kw.err != nil {
		s.log.Warn().Err(kw.err).Msg("keyword arm failed, serving vector-only results")
	}

	fused := fuse(vec.hits, kw.hits)
	results, err := s.hydrate(ctx, userID, fused, query, topK)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSearch(time.Since(start).Seconds())
	return results, nil
}

// fuse merges the two ranked lists with reciprocal rank fusion: each list
// contributes 1/(k+rank) to a note's score.
func fuse(vector, keyword []index.ScoredNote) []index.ScoredNote {
	scores := make(map[string]float64)
	for rank, r := range vector {
		scores[r.NoteID] += 1.0 / (rrfK + float64(rank+1))
	}
	for rank, r := range keyword {
		scores[r.NoteID] += 1.0 / (rrfK + float64(rank+1))
	}

	merged := make([]index.ScoredNote, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, index.ScoredNote{NoteID: id, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return merged
}

// hydrate loads the fused candidates, drops anything that is not the
// user's finished note, breaks score ties by recency, and builds snippets.
func (s *Searcher) hydrate(ctx context.Context, userID string, fused []index.ScoredNote, query string, topK int) ([]Result, error) {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.NoteID
	}
	loaded, err := s.store.NotesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate search results: %w", err)
	}

	type hit struct {
		res  Result
		note *models.Note
	}
	var hits []hit
	for _, f := range fused {
		n, ok := loaded[f.NoteID]
		if !ok || n.UserID != userID || n.State != notes.StateDone || n.DeletedAt != nil {
			continue
		}
		r := Result{NoteID: n.ID, Score: f.Score, Snippet: snippet(noteText(n), query)}
		if n.Extraction != nil {
			r.Summary = n.Extraction.Summary
		}
		hits = append(hits, hit{res: r, note: n})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].res.Score != hits[j].res.Score {
			return hits[i].res.Score > hits[j].res.Score
		}
		return hits[i].note.UpdatedAt.After(hits[j].note.UpdatedAt)
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = h.res
	}
	return out, nil
}

func noteText(n *models.Note) string {
	if n.Transcript != nil && n.Transcript.Text != "" {
		return n.Transcript.Text
	}
	if n.Extraction != nil {
		return n.Extraction.Summary
	}
	return ""
}

// snippet returns a short window of text centered on the first query term
// that appears in it.
func snippet(text, query string) string {
	const window = 140
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	pos := -1
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, tok); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		pos = 0
	}

	start := pos - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
		if end-window > 0 {
			start = end - window
		} else {
			start = 0
		}
	}
	// Snap both edges to rune boundaries so multi-byte text is never cut
	// mid-character.
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	snip := strings.TrimSpace(text[start:end])
	if start > 0 {
		snip = "…" + snip
	}
	if end < len(text) {
		snip += "…"
	}
	return snip
}
