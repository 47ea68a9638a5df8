package wavelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal Waveline HTTP API client.
type Client struct {
	BaseURL     string
	Project     string
	Team        string
	BearerToken string
	WorkerID    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, project, team string) *Client {
	return &Client{
		BaseURL: baseURL,
		Project: project,
		Team:    team,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Role      string     `json:"role"`
	Status    string     `json:"status"`
	Wave      *int       `json:"wave,omitempty"`
	ClaimedBy *string    `json:"claimed_by,omitempty"`
	BlockedBy []string   `json:"blocked_by,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
}

// Evidence is a proof entry on a task.
type Evidence struct {
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
	Action   string `json:"action,omitempty"`
	Path     string `json:"path,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Wave is one execution wave.
type Wave struct {
	ID     int      `json:"id"`
	Status string   `json:"status"`
	Tasks  []string `json:"tasks"`
}

// Result is the controller's continuation signal.
type Result struct {
	Continue bool   `json:"continue"`
	Reason   string `json:"reason"`
}

// APIError is the server error envelope.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/v0"+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.WorkerID != "" {
		req.Header.Set("X-Worker-ID", c.WorkerID)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
			envelope.Error.Status = resp.StatusCode
			return &envelope.Error
		}
		return &APIError{Status: resp.StatusCode, Code: "unknown", Message: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) scope() string {
	return "/projects/" + url.PathEscape(c.Project) + "/" + url.PathEscape(c.Team)
}

// CreateTask creates a task in the client's project scope.
func (c *Client) CreateTask(ctx context.Context, id, title, role string, blockedBy []string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, c.scope()+"/tasks", map[string]any{
		"id":         id,
		"title":      title,
		"role":       role,
		"blocked_by": blockedBy,
	}, &out)
	return out, err
}

// ListTasks lists tasks, optionally filtered by status and role.
func (c *Client) ListTasks(ctx context.Context, status, role string) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if role != "" {
		q.Set("role", role)
	}
	path := c.scope() + "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Tasks, err
}

// ClaimTask atomically claims a task for owner.
func (c *Client) ClaimTask(ctx context.Context, taskID, owner string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, c.scope()+"/tasks/"+url.PathEscape(taskID)+"/claim",
		map[string]any{"owner": owner}, &out)
	return out, err
}

// ResolveTask resolves a claimed task with evidence.
func (c *Client) ResolveTask(ctx context.Context, taskID string, evidence []Evidence) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPatch, c.scope()+"/tasks/"+url.PathEscape(taskID),
		map[string]any{"status": "resolved", "add_evidence": evidence}, &out)
	return out, err
}

// ReleaseTask returns a claimed task to open.
func (c *Client) ReleaseTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPatch, c.scope()+"/tasks/"+url.PathEscape(taskID),
		map[string]any{"release": true}, &out)
	return out, err
}

// CalculateWaves recomputes execution waves.
func (c *Client) CalculateWaves(ctx context.Context) ([]Wave, error) {
	var out struct {
		Waves []Wave `json:"waves"`
	}
	err := c.do(ctx, http.MethodPost, c.scope()+"/waves/calculate", nil, &out)
	return out.Waves, err
}

// WaveStatus fetches the aggregate status of a wave; id 0 means current.
func (c *Client) WaveStatus(ctx context.Context, waveID int) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, c.scope()+"/waves/status?wave="+strconv.Itoa(waveID), nil, &out)
	return out, err
}

// Advance runs one controller step.
func (c *Client) Advance(ctx context.Context) (Result, error) {
	var out Result
	err := c.do(ctx, http.MethodPost, c.scope()+"/advance", nil, &out)
	return out, err
}
