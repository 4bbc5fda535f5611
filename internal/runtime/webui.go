package runtime

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartIntrospectionServer mounts the Prometheus metrics endpoint, the
// health endpoint, and the consumer group API on the configured metrics
// port. It is a no-op unless MetricsEnabled is set.
func (s *Service) StartIntrospectionServer() {
	if !s.Conf.MetricsEnabled {
		return
	}

	port := s.Conf.MetricsPort
	if port == 0 {
		port = 9090
	}

	s.RegisterHTTPHandler(port, "/metrics", s.metricsHandler())
	s.RegisterHTTPHandler(port, "/api/health", s.health.Handler())
	s.RegisterHTTPHandler(port, "/api/groups", http.HandlerFunc(s.handleGetGroups))
}

func (s *Service) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.APICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := sonic.ConfigStd.Marshal(s.GroupInfos(r.Context()))
	if err != nil {
		s.Logger.Error("Failed to encode groups", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns
// the appropriate Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.APICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
