package runtime

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/streamhaus/eventlane/connector"
	loggingpkg "github.com/streamhaus/eventlane/internal/runtime/logging"
	topologypkg "github.com/streamhaus/eventlane/internal/runtime/topology"
)

// HealthStatus is the transport's liveness view. Connector reports broker
// reachability, Topology whether every defined topic exists with enough
// partitions, and LagPerGroup how far each registered group trails the head
// of its topic (-1 when the lag could not be computed).
type HealthStatus struct {
	Connector   connector.Status   `json:"connector"`
	Topology    topologypkg.Status `json:"topology"`
	LagPerGroup map[string]int64   `json:"lag_per_group"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Healthy reports whether every probe passed.
func (s HealthStatus) Healthy() bool {
	return s.Connector == connector.StatusUp && s.Topology == topologypkg.StatusReady
}

// HealthManager probes the connector, the topology and consumer lag on
// demand. Groups opt into lag reporting through RegisterGroup.
type HealthManager struct {
	conn   connector.Connector
	topo   *topologypkg.Manager
	logger loggingpkg.ServiceLogger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewHealthManager wires a health manager over the connector and topology.
func NewHealthManager(conn connector.Connector, topo *topologypkg.Manager, logger loggingpkg.ServiceLogger) *HealthManager {
	return &HealthManager{
		conn:   conn,
		topo:   topo,
		logger: logger,
		groups: make(map[string]*Group),
	}
}

// RegisterGroup adds a group to lag reporting. Registering a group twice
// replaces the earlier registration.
func (h *HealthManager) RegisterGroup(g *Group) {
	if g == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[g.Name()] = g
}

// UnregisterGroup removes a group from lag reporting.
func (h *HealthManager) UnregisterGroup(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups, name)
}

// Groups returns the registered groups ordered by name.
func (h *HealthManager) Groups() []*Group {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.groups))
	for name := range h.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Group, 0, len(names))
	for _, name := range names {
		out = append(out, h.groups[name])
	}
	return out
}

// Check runs every probe once and returns the combined status.
func (h *HealthManager) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Connector:   h.conn.Health(ctx),
		Topology:    h.topo.Status(ctx),
		LagPerGroup: make(map[string]int64),
		CheckedAt:   time.Now().UTC(),
	}

	for _, g := range h.Groups() {
		lag, err := g.Lag(ctx)
		if err != nil {
			status.LagPerGroup[g.Name()] = -1
			if h.logger != nil {
				h.logger.Error("Lag probe failed", err, loggingpkg.LogFields{
					"group": g.Name(),
					"topic": g.Topic(),
				})
			}
			continue
		}
		status.LagPerGroup[g.Name()] = lag
	}
	return status
}

// Handler serves the health document, 200 when healthy and 503 otherwise.
func (h *HealthManager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())

		body, err := sonic.ConfigStd.Marshal(status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})
}
