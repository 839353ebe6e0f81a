package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client fetches the catalog from the upstream service over HTTP. The
// upstream exposes the same envelope the admin console consumes:
// GET /api/user/models and GET /api/user/self/groups.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a catalog client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

var _ Registry = (*Client)(nil)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ResolveGroup returns the pricing info for a group, or ErrUnknownGroup.
func (c *Client) ResolveGroup(ctx context.Context, name string) (GroupInfo, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return GroupInfo{}, err
	}
	info, ok := groups[name]
	if !ok {
		return GroupInfo{}, ErrUnknownGroup
	}
	return info, nil
}

// Groups fetches the group table.
func (c *Client) Groups(ctx context.Context) (map[string]GroupInfo, error) {
	var groups map[string]GroupInfo
	if err := c.get(ctx, "/api/user/self/groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Models fetches the permitted model identifiers.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var models []string
	if err := c.get(ctx, "/api/user/models", &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("catalog error: %s", env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode catalog data: %w", err)
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
