// Package execclient is the mission-side HTTP client of the execution
// control plane. It hides the session-versus-ephemeral routing choice behind
// a single Executor interface; transport failures surface as FAILURE
// observations so the mission loop keeps moving.
package execclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jkaninda/dawnyawn/internal/session"
	"github.com/jkaninda/dawnyawn/internal/workspace"
)

// Executor routes one command to a sandbox and returns the observation.
type Executor interface {
	Execute(ctx context.Context, command string) *session.Observation
	// Close releases any sandbox the executor holds. Safe to call more
	// than once.
	Close(ctx context.Context) error
}

// client is the shared HTTP plumbing for both strategies.
type client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func (c *client) post(ctx context.Context, path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("control plane returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func failure(err error) *session.Observation {
	return &session.Observation{
		Status:  session.StatusFailure,
		Summary: err.Error(),
	}
}

// --- Session strategy ---

// SessionExecutor holds one control-plane session for the whole mission.
// The session is opened lazily on first Execute and survives across steps;
// if the control plane reports it gone (timeout teardown, server restart), a
// fresh session is opened and the command retried once.
type SessionExecutor struct {
	client
	sessionID string
}

// NewSessionExecutor creates the session-mode executor.
func NewSessionExecutor(baseURL string, logger *slog.Logger) *SessionExecutor {
	return &SessionExecutor{
		client: client{
			baseURL:    strings.TrimRight(baseURL, "/"),
			httpClient: http.DefaultClient,
			logger:     logger,
		},
	}
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type executeRequest struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

type endRequest struct {
	SessionID string `json:"session_id"`
}

// Execute runs the command in the mission's session sandbox.
func (e *SessionExecutor) Execute(ctx context.Context, command string) *session.Observation {
	for attempt := 0; attempt < 2; attempt++ {
		if e.sessionID == "" {
			if err := e.startSession(ctx); err != nil {
				return failure(err)
			}
		}

		var obs session.Observation
		code, err := e.post(ctx, "/session/execute", executeRequest{SessionID: e.sessionID, Command: command}, &obs)
		if code == http.StatusNotFound {
			// Session is gone (timed out command destroyed it, or the
			// control plane restarted). Open a fresh one and retry once.
			e.logger.Warn("session lost, reprovisioning", slog.String("session_id", e.sessionID))
			e.sessionID = ""
			continue
		}
		if err != nil {
			return failure(err)
		}
		return &obs
	}
	return failure(fmt.Errorf("session could not be reestablished"))
}

func (e *SessionExecutor) startSession(ctx context.Context) error {
	var resp startResponse
	if _, err := e.post(ctx, "/session/start", struct{}{}, &resp); err != nil {
		return err
	}
	e.sessionID = resp.SessionID
	e.logger.Info("execution session opened", slog.String("session_id", e.sessionID))
	return nil
}

// Close ends the held session if one is open.
func (e *SessionExecutor) Close(ctx context.Context) error {
	if e.sessionID == "" {
		return nil
	}
	id := e.sessionID
	e.sessionID = ""
	if _, err := e.post(ctx, "/session/end", endRequest{SessionID: id}, nil); err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	e.logger.Info("execution session closed", slog.String("session_id", id))
	return nil
}

// --- Ephemeral strategy ---

// EphemeralExecutor runs every command in a throwaway sandbox via the
// stateless endpoint and saves the returned output file into the workspace.
type EphemeralExecutor struct {
	client
	ws *workspace.Workspace
}

// NewEphemeralExecutor creates the per-command executor.
func NewEphemeralExecutor(baseURL string, ws *workspace.Workspace, logger *slog.Logger) *EphemeralExecutor {
	return &EphemeralExecutor{
		client: client{
			baseURL:    strings.TrimRight(baseURL, "/"),
			httpClient: http.DefaultClient,
			logger:     logger,
		},
		ws: ws,
	}
}

type executeOnceRequest struct {
	Command string `json:"command"`
}

// Execute runs the command in a fresh sandbox and records the output file
// locally. The observation carries the raw file content.
func (e *EphemeralExecutor) Execute(ctx context.Context, command string) *session.Observation {
	var result session.FileResult
	if _, err := e.post(ctx, "/execute", executeOnceRequest{Command: command}, &result); err != nil {
		return failure(err)
	}

	local := e.ws.ProjectFile(result.Filename)
	if err := os.WriteFile(local, []byte(result.FileContent), 0640); err != nil {
		e.logger.Warn("saving output file failed",
			slog.String("filename", result.Filename),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Info("output file saved", slog.String("path", local))
	}

	obs := &session.Observation{
		Status:     session.StatusSuccess,
		Summary:    result.Filename,
		FullOutput: result.FileContent,
	}
	if strings.TrimSpace(result.FileContent) == "" {
		obs.Status = session.StatusEmpty
		obs.Summary = "command produced no output"
	}
	return obs
}

// Close is a no-op: ephemeral sandboxes never outlive their command.
func (e *EphemeralExecutor) Close(context.Context) error { return nil }

var (
	_ Executor = (*SessionExecutor)(nil)
	_ Executor = (*EphemeralExecutor)(nil)
)
