package scoutsim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/okian/scouting/internal/domain/model"
)

// ErrNotFound is returned when the service has no aggregate for a team.
var ErrNotFound = errors.New("not found")

// Client talks to the scouting HTTP API.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type submitResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// LeaderboardEntry is one row of GET /leaderboard.
type LeaderboardEntry struct {
	Rank       int     `json:"rank"`
	TeamNumber int     `json:"team_number"`
	Value      float64 `json:"value"`
}

type leaderboardResponse struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	return drain(resp, http.StatusOK)
}

// Submit posts a record and returns the service's status: created,
// replaced or duplicate.
func (c *Client) Submit(ctx context.Context, rec *model.ObservationRecord) (string, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/observations", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	return out.Status, nil
}

// Remove deletes the record filed under id.
func (c *Client) Remove(ctx context.Context, id model.Identity) error {
	path := fmt.Sprintf("/observations/%s/%d/%s", url.PathEscape(id.EventKey), id.MatchNumber, url.PathEscape(id.Station))
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return drain(resp, http.StatusOK)
}

// Team fetches the aggregate of key.
func (c *Client) Team(ctx context.Context, key model.TeamKey) (model.TeamEventData, error) {
	var ted model.TeamEventData
	path := fmt.Sprintf("/teams/%s/%d", url.PathEscape(key.EventKey), key.TeamNumber)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return ted, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ted, fmt.Errorf("team %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return ted, statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&ted); err != nil {
		return ted, fmt.Errorf("decode aggregate: %w", err)
	}
	return ted, nil
}

// Leaderboard fetches the top limit teams of an event by field.
func (c *Client) Leaderboard(ctx context.Context, eventKey, field string, limit int) ([]LeaderboardEntry, error) {
	q := url.Values{"field": {field}, "limit": {strconv.Itoa(limit)}}
	resp, err := c.do(ctx, http.MethodGet, "/leaderboard/"+url.PathEscape(eventKey)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out leaderboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return out.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(resp *http.Response, want int) error {
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
