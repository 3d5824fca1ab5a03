package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/plugin"
)

// defaultTimeout bounds one API call. Long-running remote commands can
// raise it with SetTimeout.
const defaultTimeout = 60 * time.Second

// Client talks to one control plane server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New validates the server URL and builds a client. The token rides
// along as a bearer credential on every call.
func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, errdefs.Invalid("server URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errdefs.Invalidf("invalid server URL %q", baseURL)
	}
	return &Client{
		base:  strings.TrimRight(u.String(), "/"),
		token: token,
		http:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

// SetTimeout adjusts the per-request budget.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}

// do performs one API call. in is marshalled as the JSON body when non
// nil, out is filled from the response when non nil. Non-2xx responses
// come back as errdefs errors rebuilt from the wire envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return errdefs.Wrap(err, errdefs.CodeInternal, "encode request")
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeInternal, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrapf(err, errdefs.CodeUnavailable, "request %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errdefs.Wrap(err, errdefs.CodeUnavailable, "read response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errdefs.Wrapf(err, errdefs.CodeInternal, "decode response from %s", path)
	}
	return nil
}

// decodeError rebuilds the server's errdefs error from the envelope so
// callers can use the usual code predicates.
func decodeError(status int, raw []byte) error {
	var env struct {
		Error struct {
			Code    errdefs.Code   `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return errdefs.Newf(errdefs.CodeInternal, "unexpected response status %d", status)
	}
	e := errdefs.New(env.Error.Code, env.Error.Message)
	e.Details = env.Error.Details
	return e
}

// Health is the server's dependency report.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// PluginStatus pairs plugin metadata with its live health.
type PluginStatus struct {
	plugin.Metadata
	Health plugin.HealthStatus `json:"health"`
}

// SystemInfo describes the running server.
type SystemInfo struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Plugins       []PluginStatus `json:"plugins"`
}

// Health reports liveness. It hits the unauthenticated probe and keeps
// the body even on 503, because a degraded server answers with the same
// shape and the checks are the interesting part.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeUnavailable, "request /health")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeUnavailable, "read response")
	}
	var out Health
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errdefs.Newf(errdefs.CodeInternal, "unexpected health response status %d", resp.StatusCode)
	}
	return &out, nil
}

// System returns version, uptime, and plugin health.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var out SystemInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/system", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func boolQuery(key string, on bool) url.Values {
	if !on {
		return nil
	}
	return url.Values{key: []string{"true"}}
}

func pathID(format, id string) string {
	return fmt.Sprintf(format, url.PathEscape(id))
}
