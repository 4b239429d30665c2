package execclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/jkaninda/dawnyawn/internal/session"
	"github.com/jkaninda/dawnyawn/internal/workspace"
)

// fakeControlPlane is an in-process stand-in for the execution server.
type fakeControlPlane struct {
	sessions map[string]bool
	nextID   int

	starts   int
	executes int
	ends     int

	observation session.Observation
	fileResult  session.FileResult
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		sessions: make(map[string]bool),
		observation: session.Observation{
			Status:     session.StatusSuccess,
			Summary:    "22/tcp open ssh",
			FullOutput: "PORT   STATE SERVICE\n22/tcp open  ssh",
		},
		fileResult: session.FileResult{
			Filename:    "nmap__F_target_deadbeef.txt",
			FileContent: "PORT   STATE SERVICE\n22/tcp open  ssh",
		},
	}
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		f.starts++
		f.nextID++
		id := "sess-" + strconv.Itoa(f.nextID)
		f.sessions[id] = true
		json.NewEncoder(w).Encode(map[string]string{"session_id": id})
	})
	mux.HandleFunc("POST /session/execute", func(w http.ResponseWriter, r *http.Request) {
		f.executes++
		var req struct {
			SessionID string `json:"session_id"`
			Command   string `json:"command"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if !f.sessions[req.SessionID] {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
			return
		}
		json.NewEncoder(w).Encode(f.observation)
	})
	mux.HandleFunc("POST /session/end", func(w http.ResponseWriter, r *http.Request) {
		f.ends++
		var req struct {
			SessionID string `json:"session_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if !f.sessions[req.SessionID] {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
			return
		}
		delete(f.sessions, req.SessionID)
		json.NewEncoder(w).Encode(map[string]string{"status": "terminated"})
	})
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(f.fileResult)
	})
	return mux
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionExecutor_LazyStartAndReuse(t *testing.T) {
	cp := newFakeControlPlane()
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	e := NewSessionExecutor(srv.URL, discardLogger())
	ctx := context.Background()

	obs := e.Execute(ctx, "nmap -F target")
	if obs.Status != session.StatusSuccess {
		t.Fatalf("Status = %s, want SUCCESS: %s", obs.Status, obs.Summary)
	}
	if obs.Summary != "22/tcp open ssh" {
		t.Errorf("Summary = %q", obs.Summary)
	}

	e.Execute(ctx, "whoami")
	if cp.starts != 1 {
		t.Errorf("sessions started = %d across two commands, want 1", cp.starts)
	}

	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if cp.ends != 1 {
		t.Errorf("sessions ended = %d, want 1", cp.ends)
	}
	// A second Close is a no-op.
	if err := e.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if cp.ends != 1 {
		t.Errorf("second Close hit the server: ends = %d", cp.ends)
	}
}

func TestSessionExecutor_ReprovisionsLostSession(t *testing.T) {
	cp := newFakeControlPlane()
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	e := NewSessionExecutor(srv.URL, discardLogger())
	ctx := context.Background()

	if obs := e.Execute(ctx, "sleep 1"); obs.Status != session.StatusSuccess {
		t.Fatalf("first Execute failed: %s", obs.Summary)
	}

	// Kill the session server-side, as a command timeout would.
	for id := range cp.sessions {
		delete(cp.sessions, id)
	}

	obs := e.Execute(ctx, "whoami")
	if obs.Status != session.StatusSuccess {
		t.Fatalf("Execute after session loss = %s, want SUCCESS: %s", obs.Status, obs.Summary)
	}
	if cp.starts != 2 {
		t.Errorf("sessions started = %d, want 2 (original plus reprovision)", cp.starts)
	}
}

func TestSessionExecutor_ServerUnreachable(t *testing.T) {
	e := NewSessionExecutor("http://127.0.0.1:1", discardLogger())

	obs := e.Execute(context.Background(), "whoami")
	if obs.Status != session.StatusFailure {
		t.Errorf("Status = %s, want FAILURE", obs.Status)
	}
	if obs.Summary == "" {
		t.Error("failure observation has no summary")
	}
}

func TestSessionExecutor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox provisioning failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewSessionExecutor(srv.URL, discardLogger())
	obs := e.Execute(context.Background(), "whoami")
	if obs.Status != session.StatusFailure {
		t.Errorf("Status = %s, want FAILURE", obs.Status)
	}
}

func TestEphemeralExecutor_SavesOutputFile(t *testing.T) {
	cp := newFakeControlPlane()
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	e := NewEphemeralExecutor(srv.URL, ws, discardLogger())
	obs := e.Execute(context.Background(), "nmap -F target")

	if obs.Status != session.StatusSuccess {
		t.Fatalf("Status = %s, want SUCCESS: %s", obs.Status, obs.Summary)
	}
	if obs.Summary != cp.fileResult.Filename {
		t.Errorf("Summary = %q, want the output filename", obs.Summary)
	}

	data, err := os.ReadFile(ws.ProjectFile(cp.fileResult.Filename))
	if err != nil {
		t.Fatalf("output file not saved: %v", err)
	}
	if string(data) != cp.fileResult.FileContent {
		t.Errorf("saved content = %q, want %q", data, cp.fileResult.FileContent)
	}
}

func TestEphemeralExecutor_EmptyOutput(t *testing.T) {
	cp := newFakeControlPlane()
	cp.fileResult.FileContent = "   \n"
	srv := httptest.NewServer(cp.handler())
	defer srv.Close()

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	e := NewEphemeralExecutor(srv.URL, ws, discardLogger())
	obs := e.Execute(context.Background(), "true")

	if obs.Status != session.StatusEmpty {
		t.Errorf("Status = %s, want EMPTY", obs.Status)
	}
}

func TestEphemeralExecutor_Close(t *testing.T) {
	e := NewEphemeralExecutor("http://127.0.0.1:1", nil, discardLogger())
	if err := e.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
