package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/expdesk/streamcore/internal/ws"
)

// ApprovalClient posts approval decisions to a streamd server.
type ApprovalClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewApprovalClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewApprovalClient(baseURL, token string) *ApprovalClient {
	return &ApprovalClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Decide sends POST /api/sessions/{id}/approval.
func (c *ApprovalClient) Decide(ctx context.Context, sessionID string, approved bool) (*ws.DecisionResponse, error) {
	var out ws.DecisionResponse
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/approval"
	if err := c.post(ctx, path, ws.DecisionRequest{Approved: approved}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ApprovalClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *ApprovalClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// BaseURL derives the HTTP base of a stream endpoint: ws://host/ws/x becomes
// http://host and wss becomes https.
func BaseURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
