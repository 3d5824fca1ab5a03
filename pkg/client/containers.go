package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/paddock/pkg/types"
)

func (c *Client) DeployContainer(ctx context.Context, spec *types.ContainerSpec) (*types.Container, error) {
	var out types.Container
	if err := c.do(ctx, http.MethodPost, "/api/v1/containers", nil, spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListContainers lists tracked containers, optionally narrowed to one
// machine.
func (c *Client) ListContainers(ctx context.Context, machineID string) ([]*types.Container, error) {
	var q url.Values
	if machineID != "" {
		q = url.Values{"machine": []string{machineID}}
	}
	var out []*types.Container
	if err := c.do(ctx, http.MethodGet, "/api/v1/containers", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	var out types.Container
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/containers/%s", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	return c.do(ctx, http.MethodDelete, pathID("/api/v1/containers/%s", id), boolQuery("force", force), nil, nil)
}

func (c *Client) StartContainer(ctx context.Context, id string) (*types.Container, error) {
	var out types.Container
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/containers/%s/start", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopContainer stops a container. timeoutSeconds zero keeps the engine
// default grace period.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error) {
	var out types.Container
	body := map[string]int{"timeout_seconds": timeoutSeconds}
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/containers/%s/stop", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RestartContainer(ctx context.Context, id string, timeoutSeconds int) (*types.Container, error) {
	var out types.Container
	body := map[string]int{"timeout_seconds": timeoutSeconds}
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/containers/%s/restart", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerLogs fetches logs. A zero Tail means everything.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts types.LogOptions) (string, error) {
	q := url.Values{}
	if opts.Tail > 0 {
		q.Set("tail", strconv.Itoa(opts.Tail))
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Timestamps {
		q.Set("timestamps", "true")
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/containers/%s/logs", id), q, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *Client) ExecContainer(ctx context.Context, id string, cmd []string, opts types.ExecOptions) (*types.CommandResult, error) {
	body := map[string]any{
		"cmd":     cmd,
		"user":    opts.User,
		"workdir": opts.WorkDir,
		"env":     opts.Env,
	}
	var out types.CommandResult
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/containers/%s/exec", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ContainerStats(ctx context.Context, id string) (*types.ContainerStats, error) {
	var out types.ContainerStats
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/containers/%s/stats", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReconcileContainers resyncs one machine's records against its docker
// daemon and returns the refreshed set.
func (c *Client) ReconcileContainers(ctx context.Context, machineID string) ([]*types.Container, error) {
	body := map[string]string{"machine_id": machineID}
	var out []*types.Container
	if err := c.do(ctx, http.MethodPost, "/api/v1/containers/reconcile", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
