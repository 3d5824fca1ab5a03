package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// stopRequest is the optional body for stop and restart. Zero means the
// engine default grace period.
type stopRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (s *Server) readStopRequest(r *http.Request) (stopRequest, error) {
	var req stopRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeJSON(r, &req)
	return req, err
}

func (s *Server) handleContainerDeploy(w http.ResponseWriter, r *http.Request) {
	var spec types.ContainerSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.svc.Containers.Deploy(r.Context(), &spec, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleContainerList(w http.ResponseWriter, r *http.Request) {
	containers, err := s.svc.Containers.List(r.Context(), r.URL.Query().Get("machine"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if containers == nil {
		containers = []*types.Container{}
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleContainerGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Containers.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContainerRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Containers.Remove(r.Context(), chi.URLParam(r, "id"), queryBool(r, "force")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleContainerStart(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Containers.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContainerStop(w http.ResponseWriter, r *http.Request) {
	req, err := s.readStopRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.svc.Containers.Stop(r.Context(), chi.URLParam(r, "id"), req.TimeoutSeconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContainerRestart(w http.ResponseWriter, r *http.Request) {
	req, err := s.readStopRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	c, err := s.svc.Containers.Restart(r.Context(), chi.URLParam(r, "id"), req.TimeoutSeconds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := types.LogOptions{Timestamps: queryBool(r, "timestamps")}
	if tail := q.Get("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			s.writeError(w, errdefs.Invalidf("invalid tail %q", tail))
			return
		}
		opts.Tail = n
	}
	since, err := parseTimeParam(q.Get("since"), time.Time{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts.Since = since

	logs, err := s.svc.Containers.Logs(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleContainerExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cmd     []string          `json:"cmd"`
		User    string            `json:"user"`
		WorkDir string            `json:"workdir"`
		Env     map[string]string `json:"env"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Cmd) == 0 {
		s.writeError(w, errdefs.Invalid("cmd is required"))
		return
	}
	res, err := s.svc.Containers.Exec(r.Context(), chi.URLParam(r, "id"), req.Cmd, types.ExecOptions{
		User:    req.User,
		WorkDir: req.WorkDir,
		Env:     req.Env,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Containers.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleContainerReconcile resyncs tracked records for one machine
// against what its docker daemon actually runs.
func (s *Server) handleContainerReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MachineID string `json:"machine_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.MachineID == "" {
		s.writeError(w, errdefs.Invalid("machine_id is required"))
		return
	}
	containers, err := s.svc.Containers.Reconcile(r.Context(), req.MachineID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if containers == nil {
		containers = []*types.Container{}
	}
	writeJSON(w, http.StatusOK, containers)
}
