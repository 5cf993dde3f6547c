// notectl is a small client for the voice notes service: submit notes,
// check status, search, manage balance, and stream audio over the
// websocket endpoint.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// Streaming simulates real time: at 16kHz 16-bit mono, 100ms of audio is
// 3200 bytes.
const (
	chunkSize       = 3200
	chunkIntervalMs = 100
)

func main() {
	server := flag.String("server", "http://localhost:8080", "service base URL")
	user := flag.String("user", "demo-user", "user ID")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	c := &client{base: *server, user: *user}
	switch args[0] {
	case "submit-text":
		requireArgs(args, 2, "submit-text <text>")
		c.submit(map[string]any{"user_id": *user, "text": args[1]})
	case "submit-audio":
		requireArgs(args, 2, "submit-audio <raw-pcm-file>")
		data, err := os.ReadFile(args[1])
		if err != nil {
			log.Fatalf("read audio: %v", err)
		}
		c.submit(map[string]any{
			"user_id":      *user,
			"audio_base64": base64.StdEncoding.EncodeToString(data),
		})
	case "status":
		requireArgs(args, 2, "status <note-id>")
		c.get("/v1/notes/" + args[1] + "/status")
	case "search":
		requireArgs(args, 2, "search <query>")
		c.get("/v1/search?q=" + args[1])
	case "balance":
		c.get("/v1/users/" + *user + "/balance")
	case "credit":
		requireArgs(args, 2, "credit <amount>")
		c.post("/v1/users/"+*user+"/credit", map[string]any{"amount": atoi(args[1])})
	case "retry":
		requireArgs(args, 2, "retry <job-id>")
		c.post("/v1/jobs/"+args[1]+"/retry", map[string]any{})
	case "cancel":
		requireArgs(args, 2, "cancel <job-id>")
		c.post("/v1/jobs/"+args[1]+"/cancel", map[string]any{})
	case "stream":
		requireArgs(args, 2, "stream <raw-pcm-file>")
		c.stream(args[1])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: notectl [-server URL] [-user ID] <command>

commands:
  submit-text <text>          submit a text note
  submit-audio <pcm-file>     submit raw 16kHz 16-bit mono PCM audio
  status <note-id>            show note state and outputs
  search <query>              search finished notes
  balance                     show the user's balance
  credit <amount>             credit the user's balance
  retry <job-id>              retry a failed job
  cancel <job-id>             cancel a running job
  stream <pcm-file>           stream audio over the websocket endpoint`)
	os.Exit(2)
}

func requireArgs(args []string, n int, form string) {
	if len(args) < n {
		log.Fatalf("usage: notectl %s", form)
	}
}

func atoi(s string) int64 {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		log.Fatalf("not a number: %q", s)
	}
	return n
}

type client struct {
	base string
	user string
}

func (c *client) submit(body map[string]any) {
	c.post("/v1/notes", body)
}

func (c *client) post(path string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.user)
	c.do(req)
}

func (c *client) get(path string) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("X-User-ID", c.user)
	c.do(req)
}

func (c *client) do(req *http.Request) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Printf("%s\n%s\n", resp.Status, pretty.String())
}

// stream sends the PCM file in 100ms chunks and prints transcript events
// as they arrive.
func (c *client) stream(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read audio: %v", err)
	}

	wsURL := "ws" + c.base[len("http"):] + "/v1/stream?user_id=" + c.user
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Printf("<- %s\n", msg)
		}
	}()

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data[off:end]); err != nil {
			log.Fatalf("send audio: %v", err)
		}
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}

	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		log.Fatalf("send stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Println("timed out waiting for the session to close")
	}
}
