package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/paddock/pkg/fleet"
	"github.com/cuemby/paddock/pkg/types"
)

// defaultCommandTimeout caps ad-hoc commands when the caller names no
// budget of their own.
const defaultCommandTimeout = 30 * time.Second

type commandRequest struct {
	Command        string   `json:"command"`
	Machines       []string `json:"machines,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

func (c *commandRequest) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultCommandTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (s *Server) handleMachineRegister(w http.ResponseWriter, r *http.Request) {
	var req fleet.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.svc.Machines.Register(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMachineList(w http.ResponseWriter, r *http.Request) {
	machines, err := s.svc.Machines.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if machines == nil {
		machines = []*types.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

func (s *Server) handleMachineGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Machines.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMachineUpdate(w http.ResponseWriter, r *http.Request) {
	var req fleet.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.svc.Machines.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMachineDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Machines.Delete(r.Context(), chi.URLParam(r, "id"), queryBool(r, "force")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleMachineProbe(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Machines.ProbeNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMachineMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On bool `json:"on"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.svc.Machines.SetMaintenance(r.Context(), chi.URLParam(r, "id"), req.On)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMachineProvision(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Machines.Provision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMachineCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.svc.Machines.RunCommand(r.Context(), chi.URLParam(r, "id"), req.Command, req.timeout())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMachineFanOut runs one command across the fleet. An absent or
// empty machine list targets every machine not in maintenance.
func (s *Server) handleMachineFanOut(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	results, err := s.svc.Machines.FanOut(r.Context(), req.Machines, req.Command, req.timeout())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleMachineMetrics(w http.ResponseWriter, r *http.Request) {
	mm, err := s.svc.Cache.GetLatestMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mm)
}

// handleMachineMetricsHistory is the machine-scoped slice of the series
// store: ?metric is required, the range defaults to the last hour at 1m
// resolution, and samples are pinned to this machine's label.
func (s *Server) handleMachineMetricsHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseSeriesQuery(r, "metric")
	if err != nil {
		s.writeError(w, err)
		return
	}
	q.Labels = map[string]string{"machine_id": chi.URLParam(r, "id")}

	samples, err := s.querySamples(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seriesResponse{
		Name:       q.Name,
		Resolution: q.Resolution,
		From:       q.From,
		To:         q.To,
		Samples:    samples,
	})
}
