package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

type deploymentRequest struct {
	Name      string                           `json:"name"`
	Services  map[string]*types.ComposeService `json:"services"`
	MachineID string                           `json:"machine_id"`
}

func (s *Server) handleDeploymentCreate(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cfg := &types.ComposeConfig{Name: req.Name, Services: req.Services}
	dep, err := s.svc.Deployments.Deploy(r.Context(), cfg, req.MachineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleDeploymentList(w http.ResponseWriter, r *http.Request) {
	deps, err := s.svc.Deployments.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deps == nil {
		deps = []*types.Deployment{}
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleDeploymentGet(w http.ResponseWriter, r *http.Request) {
	dep, err := s.svc.Deployments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleDeploymentUpdate replaces the deployment's config. An omitted
// name keeps the current one; the deployment keeps its identity either
// way.
func (s *Server) handleDeploymentUpdate(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if req.Name == "" {
		existing, err := s.svc.Deployments.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.Name = existing.Name
	}
	cfg := &types.ComposeConfig{Name: req.Name, Services: req.Services}
	dep, err := s.svc.Deployments.Update(r.Context(), id, cfg, req.MachineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleDeploymentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Deployments.Teardown(r.Context(), chi.URLParam(r, "id"), queryBool(r, "force")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	dep, err := s.svc.Deployments.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	var opts types.LogOptions
	if tail := r.URL.Query().Get("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			s.writeError(w, errdefs.Invalidf("invalid tail %q", tail))
			return
		}
		opts.Tail = n
	}
	logs, err := s.svc.Deployments.Logs(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
