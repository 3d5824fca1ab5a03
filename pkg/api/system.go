package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/paddock/pkg/plugin"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth is the unauthenticated liveness probe. It answers 200
// while postgres and redis both respond, 503 otherwise, naming the
// failing dependency in the checks map.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if err := s.svc.SQL.Ping(r.Context()); err != nil {
		resp.Checks["postgres"] = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["postgres"] = "ok"
	}

	if err := s.svc.Cache.Ping(r.Context()); err != nil {
		resp.Checks["redis"] = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		resp.Checks["redis"] = "ok"
	}

	writeJSON(w, status, resp)
}

type systemPlugin struct {
	plugin.Metadata
	Health plugin.HealthStatus `json:"health"`
}

type systemResponse struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Plugins       []systemPlugin `json:"plugins"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	resp := systemResponse{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Plugins:       []systemPlugin{},
	}
	if s.host != nil {
		healths := s.host.Health(r.Context())
		for _, meta := range s.host.Plugins() {
			resp.Plugins = append(resp.Plugins, systemPlugin{
				Metadata: meta,
				Health:   healths[meta.Name],
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// sseHeartbeat keeps idle proxies from closing a quiet event stream.
const sseHeartbeat = 15 * time.Second

// handleEvents streams broker events as server-sent events until the
// client goes away or the broker shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.broker == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
