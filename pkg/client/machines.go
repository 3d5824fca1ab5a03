package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/paddock/pkg/fleet"
	"github.com/cuemby/paddock/pkg/types"
)

func (c *Client) RegisterMachine(ctx context.Context, req *fleet.RegisterRequest) (*types.Machine, error) {
	var out types.Machine
	if err := c.do(ctx, http.MethodPost, "/api/v1/machines", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMachines(ctx context.Context) ([]*types.Machine, error) {
	var out []*types.Machine
	if err := c.do(ctx, http.MethodGet, "/api/v1/machines", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMachine(ctx context.Context, id string) (*types.Machine, error) {
	var out types.Machine
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/machines/%s", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateMachine(ctx context.Context, id string, req *fleet.UpdateRequest) (*types.Machine, error) {
	var out types.Machine
	if err := c.do(ctx, http.MethodPut, pathID("/api/v1/machines/%s", id), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMachine(ctx context.Context, id string, force bool) error {
	return c.do(ctx, http.MethodDelete, pathID("/api/v1/machines/%s", id), boolQuery("force", force), nil, nil)
}

// ProbeMachine runs one probe right now and returns the refreshed record.
func (c *Client) ProbeMachine(ctx context.Context, id string) (*types.Machine, error) {
	var out types.Machine
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/machines/%s/probe", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetMaintenance(ctx context.Context, id string, on bool) (*types.Machine, error) {
	var out types.Machine
	body := map[string]bool{"on": on}
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/machines/%s/maintenance", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProvisionMachine(ctx context.Context, id string) (*types.CommandResult, error) {
	var out types.CommandResult
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/machines/%s/provision", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunCommand executes one shell command on a machine. timeout zero
// leaves the budget to the server default.
func (c *Client) RunCommand(ctx context.Context, id, command string, timeout time.Duration) (*types.CommandResult, error) {
	var out types.CommandResult
	body := map[string]any{"command": command, "timeout_seconds": int(timeout.Seconds())}
	if err := c.do(ctx, http.MethodPost, pathID("/api/v1/machines/%s/command", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FanOutCommand runs one command on many machines. An empty machine
// list targets the whole fleet.
func (c *Client) FanOutCommand(ctx context.Context, machines []string, command string, timeout time.Duration) (map[string]*types.CommandResult, error) {
	var out map[string]*types.CommandResult
	body := map[string]any{"command": command, "machines": machines, "timeout_seconds": int(timeout.Seconds())}
	if err := c.do(ctx, http.MethodPost, "/api/v1/machines/command", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MachineMetrics(ctx context.Context, id string) (*types.MachineMetrics, error) {
	var out types.MachineMetrics
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/machines/%s/metrics", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MachineMetricsHistory reads one machine's series for a metric. Zero
// times keep the server's default window (the last hour).
func (c *Client) MachineMetricsHistory(ctx context.Context, id, metric string, from, to time.Time, res string) (*SeriesResult, error) {
	q := url.Values{"metric": []string{metric}}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	if res != "" {
		q.Set("res", res)
	}
	var out SeriesResult
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/machines/%s/metrics/history", id), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
