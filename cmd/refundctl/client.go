package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/punchamoorthee/refundops/internal/api"
	"github.com/punchamoorthee/refundops/internal/models"
)

// client talks to the refundops HTTP API.
type client struct {
	base  string
	admin string
	http  *http.Client
}

func newClient(base, admin string, timeout time.Duration) *client {
	return &client{base: base, admin: admin, http: &http.Client{Timeout: timeout}}
}

// apiError is a non-2xx answer decoded from the canonical error body.
type apiError struct {
	Status int
	Body   models.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Code, e.Body.Error)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Body.Error)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	u := c.base + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.admin != "" {
		req.Header.Set(api.AdminHeader, c.admin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// The process endpoint answers 503 with a full result while retrying.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		apiErr := &apiError{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return resp.StatusCode, apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
