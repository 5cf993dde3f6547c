package streaming

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voice-notes-service/internal/adapters/transcription/mock"
	"voice-notes-service/internal/audio"
)

func TestServeConn_StreamStopReconciles(t *testing.T) {
	store, err := audio.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}
	pipeline := &fakePipeline{}
	utt := mock.SimulatedUtterance{
		Partials:   []string{"The quarterly", "The quarterly review"},
		Final:      "The quarterly review moved to next Monday at ten",
		Confidence: 0.97,
	}
	cfg := testConfig()
	cfg.FinalGrace = 2 * time.Second

	upgrader := websocket.Upgrader{}
	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- ServeConn(r.Context(), conn, Options{
			UserID:   "user-ws",
			STT:      mock.NewStreamingWithUtterance(utt),
			Pipeline: pipeline,
			Audio:    store,
			Config:   cfg,
		})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	chunk := bytes.Repeat([]byte{7}, 8000)
	for i := 0; i < len(utt.Partials)+1; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	// Read events until the final transcript arrives, then stop.
	sawFinal := false
	deadline := time.Now().Add(5 * time.Second)
	for !sawFinal && time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if ev.Type == EventTranscript && ev.IsFinal {
			if ev.Text != utt.Final {
				t.Errorf("final text %q, want %q", ev.Text, utt.Final)
			}
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatal("never saw a final transcript event")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish the session")
	}

	if pipeline.completionCount() != 1 {
		t.Fatalf("expected 1 reconciliation, got %d", pipeline.completionCount())
	}
	if pipeline.completions[0].transcript.Text != utt.Final {
		t.Errorf("reconciled %q, want %q", pipeline.completions[0].transcript.Text, utt.Final)
	}
}

func TestServeConn_AbruptCloseFallsBack(t *testing.T) {
	store, err := audio.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}
	pipeline := &fakePipeline{}

	upgrader := websocket.Upgrader{}
	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- ServeConn(r.Context(), conn, Options{
			UserID:   "user-ws",
			STT:      &silentSTT{},
			Pipeline: pipeline,
			Audio:    store,
			Config:   testConfig(),
		})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{9}, 4000)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	// Give the server a beat to read the frame, then drop the TCP
	// connection without a close handshake.
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not notice the dropped connection")
	}

	if pipeline.completionCount() != 0 {
		t.Error("dropped session must not reconcile")
	}
	if pipeline.submitCount() != 1 {
		t.Fatalf("expected a batch fallback submit, got %d", pipeline.submitCount())
	}
}
