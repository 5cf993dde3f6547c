package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"voice-notes-service/internal/adapters/embedding"
	"voice-notes-service/internal/adapters/extraction"
	"voice-notes-service/internal/adapters/transcription"
	"voice-notes-service/internal/adapters/transcription/mock"
	"voice-notes-service/internal/audio"
	"voice-notes-service/internal/config"
	"voice-notes-service/internal/events"
	"voice-notes-service/internal/index"
	"voice-notes-service/internal/ledger"
	"voice-notes-service/internal/notes"
	"voice-notes-service/internal/orchestrator"
	"voice-notes-service/internal/queue"
	"voice-notes-service/internal/retrieval"
	"voice-notes-service/internal/store"
)

type env struct {
	store  *store.Store
	ledger *ledger.Ledger
	queue  *queue.Queue
	orc    *orchestrator.Orchestrator
	srv    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "notes.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l, err := ledger.New(s.DB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ix, err := index.New(s.DB())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	q, err := queue.Open(filepath.Join(dir, "queue"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	as, err := audio.NewFSStore(filepath.Join(dir, "audio"))
	if err != nil {
		t.Fatalf("new audio store: %v", err)
	}

	embedder := embedding.NewMock(64)
	orc := orchestrator.New(orchestrator.Options{
		Store:       s,
		Ledger:      l,
		Queue:       q,
		Index:       ix,
		Audio:       as,
		Events:      events.New(&events.Config{Enabled: false}),
		Transcriber: mock.NewTranscriber(),
		Extractor:   extraction.NewMock(),
		Embedder:    embedder,
		Pipeline: config.PipelineConfig{
			Workers:        1,
			PollInterval:   time.Millisecond,
			StageTimeout:   2 * time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
			ClaimTTL:       time.Minute,
			StaleThreshold: 10 * time.Minute,
		},
		Costs: config.CostConfig{
			TranscribePerMinute: 10,
			ExtractPerKiloChar:  5,
			EmbedFlat:           1,
		},
	})

	api := New(Options{
		Orchestrator: orc,
		Searcher:     retrieval.NewSearcher(s, ix, embedder, nil),
		Store:        s,
		Ledger:       l,
		Audio:        as,
		Streams: func(ctx context.Context) (transcription.StreamingTranscriber, error) {
			return mock.NewStreaming(), nil
		},
		Streaming: config.StreamingConfig{
			IdleTimeout:   time.Second,
			MaxAudioBytes: 1 << 20,
			MaxPartials:   100,
			FinalGrace:    10 * time.Millisecond,
		},
		Search: config.SearchConfig{DefaultTopK: 10},
	})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &env{store: s, ledger: l, queue: q, orc: orc, srv: srv}
}

func (e *env) credit(t *testing.T, userID string, amount int64) {
	t.Helper()
	if err := e.ledger.Credit(context.Background(), userID, amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

// drive claims and advances queued tasks until the queue drains.
func (e *env) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.queue.Claim("test-worker", time.Now().UTC(), time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			if e.queue.Depth() == 0 {
				return
			}
			time.Sleep(time.Millisecond)
			continue
		}
		if err := e.orc.Advance(ctx, task.JobID, "test-worker"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	t.Fatal("drive timed out with work still queued")
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path, userID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitTextNote_ProcessedToDone(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 100)

	resp := e.post(t, "/v1/notes", submitRequest{
		UserID: "user-1",
		Text:   "remember to water the plants on friday",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	sub := decode[submitResponse](t, resp)
	if sub.JobID == "" || sub.NoteID == "" {
		t.Fatalf("incomplete submit response: %+v", sub)
	}
	if sub.Stage != string(notes.StageExtract) {
		t.Errorf("text note starts at stage %q, want extract", sub.Stage)
	}

	e.drive(t)

	status := decode[statusResponse](t, e.get(t, "/v1/notes/"+sub.NoteID+"/status", "user-1"))
	if status.State != notes.StateDone.String() {
		t.Fatalf("state %q, want DONE", status.State)
	}
	if status.Transcript == nil || status.Extraction == nil || !status.Embedded {
		t.Errorf("missing outputs: %+v", status)
	}
}

func TestSubmitAudioBase64_ProcessedToDone(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 100)

	resp := e.post(t, "/v1/notes", submitRequest{
		UserID:      "user-1",
		AudioBase64: base64.StdEncoding.EncodeToString(make([]byte, 16000)),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}
	sub := decode[submitResponse](t, resp)

	e.drive(t)

	status := decode[statusResponse](t, e.get(t, "/v1/notes/"+sub.NoteID+"/status", "user-1"))
	if status.State != notes.StateDone.String() {
		t.Fatalf("state %q, want DONE", status.State)
	}
	if status.Transcript == nil || status.Transcript.Text == "" {
		t.Error("expected a transcript from the audio path")
	}
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		req  submitRequest
	}{
		{"missing user", submitRequest{Text: "hi"}},
		{"no input", submitRequest{UserID: "u"}},
		{"audio and text", submitRequest{UserID: "u", AudioRef: "audio://x", Text: "hi"}},
		{"two audio inputs", submitRequest{UserID: "u", AudioRef: "audio://x", AudioBase64: "AAAA"}},
		{"bad base64", submitRequest{UserID: "u", AudioBase64: "not-base64!!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, "/v1/notes", tt.req)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestNoteStatus_ScopedToOwner(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 100)
	sub := decode[submitResponse](t, e.post(t, "/v1/notes", submitRequest{UserID: "user-1", Text: "private note"}))

	resp := e.get(t, "/v1/notes/"+sub.NoteID+"/status", "user-2")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user's status probe: %d, want 404", resp.StatusCode)
	}

	resp = e.get(t, "/v1/notes/"+sub.NoteID+"/status", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("anonymous status probe: %d, want 400", resp.StatusCode)
	}
}

func TestSearch_FindsFinishedNote(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 100)
	decode[submitResponse](t, e.post(t, "/v1/notes", submitRequest{
		UserID: "user-1",
		Text:   "book flights to lisbon for the conference",
	}))
	e.drive(t)

	resp := e.get(t, "/v1/search?q=lisbon+flights", "user-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	found := decode[searchResponse](t, resp)
	if len(found.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	if found.Results[0].NoteID == "" {
		t.Error("result missing note id")
	}

	resp = e.get(t, "/v1/search", "user-1")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q: %d, want 400", resp.StatusCode)
	}
}

func TestCancel_ThenRetryRejected(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 100)
	sub := decode[submitResponse](t, e.post(t, "/v1/notes", submitRequest{UserID: "user-1", Text: "to be cancelled"}))

	resp := e.post(t, "/v1/jobs/"+sub.JobID+"/cancel", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d, want 200", resp.StatusCode)
	}

	// Cancelling again conflicts: the job is already terminal.
	resp = e.post(t, "/v1/jobs/"+sub.JobID+"/cancel", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double cancel status %d, want 409", resp.StatusCode)
	}

	// A cancelled job is FAILED, so an explicit retry is allowed.
	resp = e.post(t, "/v1/jobs/"+sub.JobID+"/retry", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("retry status %d, want 202", resp.StatusCode)
	}
}

func TestRetry_UnknownJob(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/v1/jobs/no-such-job/retry", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestResubmitDone_ConflictWithoutReprocess(t *testing.T) {
	e := newEnv(t)
	e.credit(t, "user-1", 200)
	sub := decode[submitResponse](t, e.post(t, "/v1/notes", submitRequest{UserID: "user-1", Text: "finish the report"}))
	e.drive(t)

	resp := e.post(t, "/v1/notes", submitRequest{UserID: "user-1", NoteID: sub.NoteID, Text: "finish the report again"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resubmit status %d, want 409", resp.StatusCode)
	}

	resp = e.post(t, "/v1/notes", submitRequest{UserID: "user-1", NoteID: sub.NoteID, Text: "finish the report again", Reprocess: true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("reprocess status %d, want 202", resp.StatusCode)
	}
}

func TestBalanceAndCredit(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/v1/users/user-9/credit", creditRequest{Amount: 50})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credit status %d, want 200", resp.StatusCode)
	}
	got := decode[balanceResponse](t, resp)
	if got.Balance != 50 {
		t.Errorf("balance after credit %d, want 50", got.Balance)
	}

	got = decode[balanceResponse](t, e.get(t, "/v1/users/user-9/balance", ""))
	if got.Balance != 50 {
		t.Errorf("balance %d, want 50", got.Balance)
	}

	resp = e.post(t, "/v1/users/user-9/credit", creditRequest{Amount: -5})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative credit status %d, want 400", resp.StatusCode)
	}
}

func TestSubmit_InsufficientBalanceFailsJob(t *testing.T) {
	e := newEnv(t)
	// No credit at all: the first metered stage rejects.
	sub := decode[submitResponse](t, e.post(t, "/v1/notes", submitRequest{UserID: "broke-user", Text: "expensive thoughts"}))
	e.drive(t)

	status := decode[statusResponse](t, e.get(t, "/v1/notes/"+sub.NoteID+"/status", "broke-user"))
	if status.State != notes.StateFailed.String() {
		t.Fatalf("state %q, want FAILED", status.State)
	}
	if status.Failure == nil || status.Failure.Reason != "billing_rejected" {
		t.Errorf("failure %+v, want billing_rejected", status.Failure)
	}
}

func TestStatus_UnknownNote(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, fmt.Sprintf("/v1/notes/%s/status", "missing"), "user-1")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}
