package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cuemby/paddock/pkg/types"
)

type deploymentBody struct {
	Name      string                           `json:"name,omitempty"`
	Services  map[string]*types.ComposeService `json:"services"`
	MachineID string                           `json:"machine_id,omitempty"`
}

// CreateDeployment deploys a compose config. machineID is the default
// placement for services that pin no machine of their own.
func (c *Client) CreateDeployment(ctx context.Context, cfg *types.ComposeConfig, machineID string) (*types.Deployment, error) {
	body := deploymentBody{Name: cfg.Name, Services: cfg.Services, MachineID: machineID}
	var out types.Deployment
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	var out []*types.Deployment
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	var out types.Deployment
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/deployments/%s", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateDeployment(ctx context.Context, id string, cfg *types.ComposeConfig, machineID string) (*types.Deployment, error) {
	body := deploymentBody{Name: cfg.Name, Services: cfg.Services, MachineID: machineID}
	var out types.Deployment
	if err := c.do(ctx, http.MethodPut, pathID("/api/v1/deployments/%s", id), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemoveDeployment(ctx context.Context, id string, force bool) error {
	return c.do(ctx, http.MethodDelete, pathID("/api/v1/deployments/%s", id), boolQuery("force", force), nil, nil)
}

// DeploymentStatus refreshes per-service container states and returns
// the recomputed aggregate.
func (c *Client) DeploymentStatus(ctx context.Context, id string) (*types.Deployment, error) {
	var out types.Deployment
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/deployments/%s/status", id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeploymentLogs(ctx context.Context, id string, tail int) (string, error) {
	var q url.Values
	if tail > 0 {
		q = url.Values{"tail": []string{strconv.Itoa(tail)}}
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, pathID("/api/v1/deployments/%s/logs", id), q, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}
