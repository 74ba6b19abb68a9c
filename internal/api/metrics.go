package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	Connections   ConnectionSummary `json:"connections"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// ConnectionSummary counts connections by client state and connectivity status.
type ConnectionSummary struct {
	Total     int            `json:"total"`
	ByState   map[string]int `json:"by_state"`
	ByStatus  map[string]int `json:"by_status"`
	Consumed  int64          `json:"consumed_messages"`
	Published int64          `json:"published_messages"`
}

// handleSystemMetrics returns runtime, hub and connection statistics.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Connections: ConnectionSummary{
			ByState:  make(map[string]int),
			ByStatus: make(map[string]int),
		},
	}

	statuses, err := s.connections.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	for _, st := range statuses {
		metrics.Connections.Total++
		metrics.Connections.ByState[st.State.String()]++
		metrics.Connections.ByStatus[string(st.Status)]++
		metrics.Connections.Consumed += st.Consumed
		metrics.Connections.Published += st.Published
	}

	writeJSON(w, http.StatusOK, metrics)
}
