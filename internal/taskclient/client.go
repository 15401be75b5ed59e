// Package taskclient talks to the task store HTTP API.
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/taskstore"
	"github.com/podushkina/iiifimport/internal/worker"
)

// Client is an HTTP client for the task store. Not-found and conflict
// responses come back as taskstore.ErrNotFound and
// taskstore.ErrInvalidTransition; other 4xx responses are fatal errors.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ResponseError is a non-2xx answer from the task store.
type ResponseError struct {
	Code    int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("task store: http %d: %s", e.Code, e.Message)
}

func (c *Client) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddSubtasks(ctx context.Context, parentID string, subtasks []*task.Task) ([]*task.Task, error) {
	var out []*task.Task
	if err := c.do(ctx, http.MethodPost, taskPath(parentID, "subtasks"), subtasks, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Accept(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodPost, taskPath(id, "accept"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodPatch, taskPath(id, ""), p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Watching(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/tasks/watching", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Unwatch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, taskPath(id, "watch"), nil, nil)
}

func taskPath(id, action string) string {
	p := "/api/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	endpoint, err := c.resolve(path)
	if err != nil {
		return worker.Fatal(err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return worker.Fatal(fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return worker.Fatal(err)
	}
	c.applyHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return responseError(resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	rerr := &ResponseError{Code: code, Message: msg}

	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", taskstore.ErrNotFound, rerr)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %v", taskstore.ErrInvalidTransition, rerr)
	case code >= 500:
		return rerr
	}
	return worker.Fatal(rerr)
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
