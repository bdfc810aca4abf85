package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/httputil"
	"github.com/jedarden/swebench-swarm/internal/task"
)

// Client reports subtask results to a remote server. It satisfies
// worker.Reporter.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) ReportCompletion(ctx context.Context, taskID, subtaskID, agentID string, result task.Result) error {
	body, err := json.Marshal(CompleteSubtaskRequest{AgentID: agentID, Result: result})
	if err != nil {
		return domain.Internal(err, "encode subtask result")
	}

	endpoint := fmt.Sprintf("%s/api/tasks/%s/subtasks/%s/complete",
		c.baseURL, url.PathEscape(taskID), url.PathEscape(subtaskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Internal(err, "build completion request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ExternalToolFailure(err, "report completion of %s/%s", taskID, subtaskID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 {
		return nil
	}

	var e httputil.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return domain.New(domain.CodeExternalToolFailure,
			fmt.Sprintf("server returned %d reporting %s/%s", resp.StatusCode, taskID, subtaskID))
	}
	return domain.New(e.Code, e.Error)
}
