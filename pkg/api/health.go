package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/esglens/esglens/pkg/store"
)

// probeTimeout bounds each backend check on the detailed endpoint.
const probeTimeout = 2 * time.Second

type serviceHealth struct {
	Status    string `json:"status"` // up, down or disabled
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SystemStats is best-effort host utilization. Zeros mean the platform
// does not expose the numbers, not an idle machine.
type SystemStats struct {
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": store.FormatTimestamp(time.Now()),
		"version":   s.version,
	})
}

// handleHealthDetailed probes each backing service. The endpoint stays
// 200 even when degraded: load balancers gate on /health, operators
// read this one.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	services := map[string]serviceHealth{
		"store":   s.probeStore(ctx),
		"cache":   s.probeCache(ctx),
		"catalog": s.probeCatalog(),
	}
	status := "ok"
	for _, sh := range services {
		if sh.Status == "down" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"timestamp":      store.FormatTimestamp(time.Now()),
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"services":       services,
		"system":         systemStats(),
	})
}

func (s *Server) probeStore(ctx context.Context) serviceHealth {
	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		return serviceHealth{Status: "down", LatencyMS: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	return serviceHealth{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
}

func (s *Server) probeCache(ctx context.Context) serviceHealth {
	if s.cache == nil {
		return serviceHealth{Status: "disabled"}
	}
	start := time.Now()
	if err := s.cache.Ping(ctx); err != nil {
		return serviceHealth{Status: "down", LatencyMS: time.Since(start).Milliseconds(), Error: err.Error()}
	}
	return serviceHealth{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
}

func (s *Server) probeCatalog() serviceHealth {
	n := s.catalog.TotalRequirements()
	if n == 0 {
		return serviceHealth{Status: "down", Error: "catalog is empty"}
	}
	return serviceHealth{
		Status: "up",
		Detail: fmt.Sprintf("%d requirements, version %s", n, s.catalog.Version()),
	}
}
