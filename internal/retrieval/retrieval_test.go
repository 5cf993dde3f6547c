package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"voice-notes-service/internal/adapters/embedding"
	"voice-notes-service/internal/index"
	"voice-notes-service/internal/models"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/store"
)

type fixture struct {
	store    *store.Store
	index    *index.Index
	embedder *embedding.Mock
	searcher *Searcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ix, err := index.New(s.DB())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	emb := embedding.NewMock(128)
	return &fixture{
		store:    s,
		index:    ix,
		embedder: emb,
		searcher: NewSearcher(s, ix, emb, nil),
	}
}

// addNote indexes a finished note with the given transcript text.
func (f *fixture) addNote(t *testing.T, userID, text string) string {
	t.Helper()
	ctx := context.Background()

	n := models.NewNote(userID, "audio://"+userID)
	n.State = notes.StateDone
	n.Transcript = &models.Transcript{Text: text, Source: models.SourceBatch}
	n.Extraction = &models.Extraction{Summary: firstSentence(text)}
	n.Embedded = true
	if err := f.store.CreateNote(ctx, n); err != nil {
		t.Fatalf("create note: %v", err)
	}

	vec, _ := f.embedder.EmbedDocument(ctx, text)
	if err := f.index.UpsertEmbedding(ctx, n.ID, userID, vec); err != nil {
		t.Fatalf("upsert embedding: %v", err)
	}
	if err := f.index.UpsertDocument(ctx, n.ID, userID, text+" "+n.Extraction.Summary); err != nil {
		t.Fatalf("upsert document: %v", err)
	}
	return n.ID
}

func firstSentence(text string) string {
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	return text
}

func TestSearch_FindsRelevantNote(t *testing.T) {
	f := newFixture(t)
	dentist := f.addNote(t, "u1", "call the dentist about the thursday appointment.")
	f.addNote(t, "u1", "grocery list with milk eggs and bread.")

	got, err := f.searcher.Search(context.Background(), "u1", "dentist appointment", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected results")
	}
	if got[0].NoteID != dentist {
		t.Errorf("expected dentist note first, got %v", got)
	}
	if got[0].Summary == "" {
		t.Error("expected summary on hit")
	}
	if !strings.Contains(strings.ToLower(got[0].Snippet), "dentist") {
		t.Errorf("snippet should contain the matched term: %q", got[0].Snippet)
	}
}

func TestSearch_HybridBeatsEitherArm(t *testing.T) {
	f := newFixture(t)
	// Appears in both arms: keyword "budget" plus vector overlap.
	both := f.addNote(t, "u1", "review the project budget before the planning meeting.")
	// Keyword-only overlap.
	f.addNote(t, "u1", "budget airline tickets for the trip.")
	// No overlap at all.
	f.addNote(t, "u1", "water the plants on sunday.")

	got, err := f.searcher.Search(context.Background(), "u1", "project budget meeting", 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected at least 2 results, got %d", len(got))
	}
	if got[0].NoteID != both {
		t.Errorf("note ranked by both arms should fuse to the top, got %v", got)
	}
}

func TestSearch_ScopedToUser(t *testing.T) {
	f := newFixture(t)
	f.addNote(t, "u1", "secret plans for the surprise party.")
	mine := f.addNote(t, "u2", "surprise party planning checklist.")

	got, err := f.searcher.Search(context.Background(), "u2", "surprise party", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range got {
		if r.NoteID != mine {
			t.Errorf("leaked another user's note: %v", r)
		}
	}
}

func TestSearch_ExcludesUnfinishedNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := models.NewNote("u1", "audio://u1")
	n.State = notes.StateExtracting
	n.Transcript = &models.Transcript{Text: "dentist visit pending", Source: models.SourceBatch}
	if err := f.store.CreateNote(ctx, n); err != nil {
		t.Fatalf("create note: %v", err)
	}
	vec, _ := f.embedder.EmbedDocument(ctx, n.Transcript.Text)
	must(t, f.index.UpsertEmbedding(ctx, n.ID, "u1", vec))
	must(t, f.index.UpsertDocument(ctx, n.ID, "u1", n.Transcript.Text))

	got, err := f.searcher.Search(ctx, "u1", "dentist", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("in-flight notes must not be searchable, got %v", got)
	}
}

func TestSearch_ExcludesDeletedNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addNote(t, "u1", "dentist on thursday.")

	must(t, f.store.SoftDeleteNote(ctx, id))

	got, err := f.searcher.Search(ctx, "u1", "dentist", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("deleted notes must not be searchable, got %v", got)
	}
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.searcher.Search(context.Background(), "u1", "   ", 5); err == nil {
		t.Error("expected error for blank query")
	}
}

func TestHydrate_TieBreaksByRecency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older := f.addNote(t, "u1", "meeting notes from the sync.")
	time.Sleep(10 * time.Millisecond)
	newer := f.addNote(t, "u1", "meeting notes from the sync.")

	fused := []index.ScoredNote{
		{NoteID: older, Score: 0.5},
		{NoteID: newer, Score: 0.5},
	}
	got, err := f.searcher.hydrate(ctx, "u1", fused, "meeting", 2)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].NoteID != newer || got[1].NoteID != older {
		t.Errorf("equal scores must order by recency, got %v", got)
	}
}

func TestFuse_NoteInBothListsOutranksSingleList(t *testing.T) {
	vector := []index.ScoredNote{{NoteID: "a", Score: 0.9}, {NoteID: "b", Score: 0.8}}
	keyword := []index.ScoredNote{{NoteID: "b", Score: 3.1}, {NoteID: "c", Score: 2.0}}

	merged := fuse(vector, keyword)
	if len(merged) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(merged))
	}
	if merged[0].NoteID != "b" {
		t.Errorf("note present in both lists should rank first, got %v", merged)
	}
}

func TestSnippet_MultiByteSafeBoundaries(t *testing.T) {
	filler := strings.Repeat("日本語の音声メモ、", 12)
	cases := []struct {
		name  string
		text  string
		query string
	}{
		{"term mid-text", filler + " dentist appointment " + filler, "dentist"},
		{"term near start", "dentist " + filler, "dentist"},
		{"term near end", filler + " dentist", "dentist"},
		{"no match", filler, "zzz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snip := snippet(tc.text, tc.query)
			if !utf8.ValidString(snip) {
				t.Fatalf("snippet cut mid-rune: %q", snip)
			}
			if strings.Contains(tc.text, tc.query) && !strings.Contains(snip, tc.query) {
				t.Errorf("snippet %q lost the matched term %q", snip, tc.query)
			}
		})
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
