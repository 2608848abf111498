package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dcshock/genpipe/events"
	"github.com/dcshock/genpipe/gen"
	"github.com/dcshock/genpipe/pipeline"
	"github.com/dcshock/genpipe/step"
	"github.com/dcshock/genpipe/store/memstore"
	"github.com/dcshock/genpipe/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoRunner is a one-stage pipeline answering through the scripted caller.
func echoRunner(reply string) *pipeline.Runner {
	caller := gen.CallerFunc(func(ctx context.Context, req gen.Request) (*gen.Response, error) {
		return &gen.Response{Text: reply}, nil
	})
	return &pipeline.Runner{
		Name: "echo",
		Exec: &step.Executor{
			Caller: caller,
			Policy: step.Policy{MaxAttempts: 1, Initial: time.Millisecond},
		},
		Specs: []pipeline.Spec{
			{Stage: &pipeline.GenStage{StageName: "reply", Build: func(sc *pipeline.StageContext) (gen.Request, error) {
				return gen.Request{Prompt: sc.State.Input}, nil
			}}},
		},
	}
}

func newAPI(t *testing.T, cfg task.Config, bc *events.Broadcaster) (*task.Manager, http.Handler) {
	t.Helper()
	m := task.NewManager(cfg, task.Options{Store: memstore.New(), Events: bc, Logger: testLogger()})
	t.Cleanup(m.Stop)
	return m, NewServer(m, testLogger()).Router()
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func waitAPIStatus(t *testing.T, h http.Handler, id string, want task.Status) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w := get(h, "/tasks/"+id)
		if w.Code != http.StatusOK {
			t.Fatalf("status code %d: %s", w.Code, w.Body)
		}
		var snap map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap["status"] == string(want) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", id, want)
	return nil
}

func TestAPI_SubmitAndStatus(t *testing.T) {
	m, h := newAPI(t, task.Config{Workers: 1, QueueSize: 4}, nil)
	m.RegisterPipeline("echo", echoRunner("pong"))
	m.Start()

	w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo", "input": "ping", "priority": "high"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("code %d: %s", w.Code, w.Body)
	}
	var created map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatal("no task id in response")
	}

	snap := waitAPIStatus(t, h, id, task.StatusSucceeded)
	if snap["output"] != "pong" {
		t.Fatalf("output %v", snap["output"])
	}
	if snap["priority"] != "high" {
		t.Fatalf("priority %v", snap["priority"])
	}
}

func TestAPI_SubmitValidation(t *testing.T) {
	m, h := newAPI(t, task.Config{Workers: 1, QueueSize: 1}, nil)
	m.RegisterPipeline("echo", echoRunner("pong"))

	cases := []struct {
		name string
		body any
		code int
	}{
		{"unknown pipeline", map[string]any{"pipeline": "nope"}, http.StatusBadRequest},
		{"bad priority", map[string]any{"pipeline": "echo", "priority": "urgent"}, http.StatusBadRequest},
		{"bad mode", map[string]any{"pipeline": "echo", "mode": "psychic"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := postJSON(t, h, "/tasks", tc.body); w.Code != tc.code {
				t.Fatalf("code %d, want %d: %s", w.Code, tc.code, w.Body)
			}
		})
	}

	// Malformed JSON body.
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code %d", w.Code)
	}

	// Manager not started: the queue of one fills and the next submit is 429.
	if w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo"}); w.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", w.Code)
	}
	if w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("full queue: %d, want 429", w.Code)
	}
}

func TestAPI_NotFound(t *testing.T) {
	_, h := newAPI(t, task.Config{}, nil)
	if w := get(h, "/tasks/ghost"); w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodDelete, "/tasks/ghost", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cancel: %d", w.Code)
	}
	if w := get(h, "/tasks/ghost/events"); w.Code != http.StatusNotFound {
		t.Fatalf("events: %d", w.Code)
	}
	if w := get(h, "/tasks/ghost/prompt"); w.Code != http.StatusNotFound {
		t.Fatalf("prompt: %d", w.Code)
	}
	if w := postJSON(t, h, "/tasks/ghost/stages/reply/result", map[string]string{"response": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("relay: %d", w.Code)
	}
}

func TestAPI_CancelLifecycle(t *testing.T) {
	m, h := newAPI(t, task.Config{Workers: 1, QueueSize: 4}, nil)
	m.RegisterPipeline("echo", echoRunner("pong"))
	// Not started: task stays pending and cancel lands immediately.
	w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo"})
	var created map[string]string
	json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"]

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d: %s", rec.Code, rec.Body)
	}
	snap := waitAPIStatus(t, h, id, task.StatusCancelled)
	if snap["status"] != string(task.StatusCancelled) {
		t.Fatalf("snap %v", snap)
	}
	// A second cancel conflicts.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/tasks/"+id, nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}
}

func TestAPI_InteractiveRelay(t *testing.T) {
	m, h := newAPI(t, task.Config{Workers: 1, QueueSize: 4}, nil)
	m.RegisterPipeline("echo", echoRunner("unused"))
	m.Start()

	w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo", "input": "ping", "mode": "interactive"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", w.Code)
	}
	var created map[string]string
	json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"]

	// Prompt becomes available once the task suspends.
	var prompt pipeline.Prompt
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("prompt never became available")
		}
		rec := get(h, "/tasks/"+id+"/prompt")
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &prompt); err != nil {
				t.Fatalf("decode prompt: %v", err)
			}
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if prompt.Stage != "reply" || prompt.Request.Prompt != "ping" {
		t.Fatalf("prompt %+v", prompt)
	}

	// Wrong stage name is a client error.
	if rec := postJSON(t, h, "/tasks/"+id+"/stages/wrong/result", map[string]string{"response": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong stage: %d", rec.Code)
	}

	rec := postJSON(t, h, "/tasks/"+id+"/stages/reply/result", map[string]string{"response": "pong from a human"})
	if rec.Code != http.StatusOK {
		t.Fatalf("relay: %d: %s", rec.Code, rec.Body)
	}
	snap := waitAPIStatus(t, h, id, task.StatusSucceeded)
	if snap["output"] != "pong from a human" {
		t.Fatalf("output %v", snap["output"])
	}
}

func TestAPI_EventStream(t *testing.T) {
	bc := events.NewBroadcaster(0)
	m, h := newAPI(t, task.Config{Workers: 1, QueueSize: 4}, bc)
	m.RegisterPipeline("echo", echoRunner("pong"))
	// Manager stays unstarted so the task sits pending while we stream.
	w := postJSON(t, h, "/tasks", map[string]any{"pipeline": "echo"})
	var created map[string]string
	json.Unmarshal(w.Body.Bytes(), &created)
	id := created["id"]

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/" + id + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// Publish until the subscriber attached inside the handler sees one.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				bc.Publish(events.Event{TaskID: id, Type: events.StageStarted, Stage: "reply"})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != fmt.Sprintf("event: %s", events.StageStarted) {
		t.Fatalf("event line %q", eventLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.TaskID != id || ev.Stage != "reply" {
		t.Fatalf("event %+v", ev)
	}
}
