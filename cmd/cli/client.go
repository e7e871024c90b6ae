package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/regionwatch/internal/domain"
)

// client is a thin wrapper over the regionwatch HTTP API.
type client struct {
	base string
	key  string
	http *http.Client
}

func newAPIClient(base, key string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		key:  key,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type addTargetResponse struct {
	Target  domain.Target `json:"target"`
	Created bool          `json:"created"`
	EntryID string        `json:"entry_id"`
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) AddTarget(ctx context.Context, rawURL string) (addTargetResponse, error) {
	var out addTargetResponse
	err := c.do(ctx, http.MethodPost, "/api/targets", map[string]string{"url": rawURL}, &out)
	return out, err
}

func (c *client) ListTargets(ctx context.Context) ([]domain.Target, error) {
	var out []domain.Target
	err := c.do(ctx, http.MethodGet, "/api/targets", nil, &out)
	return out, err
}

func (c *client) AddRegion(ctx context.Context, r domain.Region) error {
	return c.do(ctx, http.MethodPost, "/api/regions", r, nil)
}

func (c *client) Results(ctx context.Context, id domain.TargetID, region string, limit int) ([]domain.CheckResult, error) {
	q := url.Values{}
	if region != "" {
		q.Set("region", region)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/targets/" + url.PathEscape(string(id)) + "/results"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.CheckResult
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
