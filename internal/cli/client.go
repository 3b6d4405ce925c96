package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/service"
)

const defaultTimeout = 30 * time.Second

// Client talks to the callback engine HTTP API.
type Client struct {
	http *resty.Client
}

type apiError struct {
	Message   string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

type runnerStatus struct {
	Running bool `json:"running"`
}

func NewClient(baseURL string, token string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

func (c *Client) Schedule(ctx context.Context, in service.ScheduleInput) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "POST", "/v1/callbacks", in, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, status string) ([]domain.CallbackRequest, error) {
	path := "/v1/callbacks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	var out listResponse[domain.CallbackRequest]
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Due(ctx context.Context) ([]domain.CallbackRequest, error) {
	var out listResponse[domain.CallbackRequest]
	if err := c.do(ctx, "GET", "/v1/callbacks/due", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "GET", "/v1/callbacks/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Attempts(ctx context.Context, id string) ([]domain.CallbackAttempt, error) {
	var out listResponse[domain.CallbackAttempt]
	if err := c.do(ctx, "GET", "/v1/callbacks/"+url.PathEscape(id)+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Execute(ctx context.Context, id string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "POST", "/v1/callbacks/"+url.PathEscape(id)+"/execute", nil, &out)
	return out, err
}

func (c *Client) ExecuteNext(ctx context.Context) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "POST", "/v1/callbacks/execute-next", nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string, reason string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "POST", "/v1/callbacks/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, &out)
	return out, err
}

func (c *Client) Reschedule(ctx context.Context, id string, at time.Time) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	body := map[string]string{"scheduledAt": at.Format(time.RFC3339)}
	err := c.do(ctx, "POST", "/v1/callbacks/"+url.PathEscape(id)+"/reschedule", body, &out)
	return out, err
}

func (c *Client) SetPriority(ctx context.Context, id string, priority string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	err := c.do(ctx, "PUT", "/v1/callbacks/"+url.PathEscape(id)+"/priority", map[string]string{"priority": priority}, &out)
	return out, err
}

func (c *Client) AddNotes(ctx context.Context, id string, text string, author string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	body := map[string]string{"text": text, "author": author}
	err := c.do(ctx, "POST", "/v1/callbacks/"+url.PathEscape(id)+"/notes", body, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, id string, disposition string, handledBy string) (domain.CallbackRequest, error) {
	var out domain.CallbackRequest
	body := map[string]string{"disposition": disposition, "handledBy": handledBy}
	err := c.do(ctx, "POST", "/v1/callbacks/"+url.PathEscape(id)+"/complete", body, &out)
	return out, err
}

// Clear removes terminal records with the given status ("completed" or "failed").
func (c *Client) Clear(ctx context.Context, status string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, "DELETE", "/v1/callbacks/"+url.PathEscape(status), nil, &out)
	return out.Removed, err
}

func (c *Client) Stats(ctx context.Context) (service.Stats, error) {
	var out service.Stats
	err := c.do(ctx, "GET", "/v1/stats", nil, &out)
	return out, err
}

func (c *Client) LoadStorage(ctx context.Context) (int, error) {
	var out struct {
		Loaded int `json:"loaded"`
	}
	err := c.do(ctx, "POST", "/v1/storage/load", nil, &out)
	return out.Loaded, err
}

func (c *Client) SaveStorage(ctx context.Context) (int, error) {
	var out struct {
		Saved int `json:"saved"`
	}
	err := c.do(ctx, "POST", "/v1/storage/save", nil, &out)
	return out.Saved, err
}

func (c *Client) ClearStorage(ctx context.Context) error {
	return c.do(ctx, "DELETE", "/v1/storage", nil, nil)
}

// AutoRunner toggles or queries the auto-runner. method is GET, POST or DELETE.
func (c *Client) AutoRunner(ctx context.Context, method string) (bool, error) {
	var out runnerStatus
	err := c.do(ctx, method, "/v1/autorunner", nil, &out)
	return out.Running, err
}

func (c *Client) do(ctx context.Context, method string, path string, body any, result any) error {
	req := c.http.R().
		SetContext(ctx).
		SetError(&apiError{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, apiErr.Message, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode())
	}
	return nil
}
