package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/devserve/internal/build"
	"github.com/conneroisu/devserve/internal/reload"
	"github.com/conneroisu/devserve/internal/version"
)

const (
	HealthPath  = "/_devserve/health"
	StatusPath  = "/_devserve/status"
	MetricsPath = "/metrics"
)

// Handler returns the full HTTP surface. Start serves it; tests may mount
// it on an httptest server.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(reload.WSPath, reload.NewHandler(s.broadcaster, s.logger, reload.HandlerOptions{
		AllowedOrigins: s.config.Server.AllowedOrigins,
	}))
	mux.HandleFunc(reload.ScriptPath, reload.ServeScript)
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.HandleFunc(StatusPath, s.handleStatus)
	mux.Handle(MetricsPath, s.metrics.Handler())

	if s.proxy != nil {
		mux.Handle("/", s.proxy)
	} else {
		mux.HandleFunc("/", s.handleStatic)
	}

	return s.addMiddleware(mux)
}

type healthResponse struct {
	Status       string             `json:"status"`
	Healthy      bool               `json:"healthy"`
	Network      string             `json:"network"`
	Clients      int                `json:"clients"`
	ActiveBuilds int                `json:"active_builds"`
	Version      string             `json:"version"`
	BuildInfo    *version.BuildInfo `json:"build_info"`
	Timestamp    time.Time          `json:"timestamp"`
}

func (s *DevServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	up := s.network.Up()
	status := "healthy"
	if !up {
		status = "degraded"
	}

	writeJSON(w, healthResponse{
		Status:       status,
		Healthy:      up,
		Network:      networkState(up),
		Clients:      s.broadcaster.Count(),
		ActiveBuilds: len(s.coordinator.Snapshot()),
		Version:      version.GetShortVersion(),
		BuildInfo:    version.GetBuildInfo(),
		Timestamp:    time.Now(),
	})
}

type clientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type statusResponse struct {
	Network string           `json:"network"`
	Jobs    []build.Job      `json:"jobs"`
	Builds  build.BuildStats `json:"builds"`
	Clients []clientInfo     `json:"clients"`
}

func (s *DevServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := s.broadcaster.Clients()
	infos := make([]clientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, clientInfo{ID: c.ID, ConnectedAt: c.ConnectedAt})
	}

	writeJSON(w, statusResponse{
		Network: networkState(s.network.Up()),
		Jobs:    s.coordinator.Snapshot(),
		Builds:  s.coordinator.Stats(),
		Clients: infos,
	})
}

// handleStatic serves built artifacts from the output directory. HTML pages
// get the reload script.
func (s *DevServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target, ok := s.resolveStatic(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	ext := strings.ToLower(filepath.Ext(target))
	if ext != ".html" && ext != ".htm" {
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		return
	}

	page, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(reload.InjectScript(page)))
}

// resolveStatic maps a request path to a file in the output directory.
// Directories resolve to index.html and extensionless paths also try
// ".html".
func (s *DevServer) resolveStatic(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)

	var candidates []string
	switch {
	case clean == "/" || strings.HasSuffix(urlPath, "/"):
		candidates = []string{path.Join(clean, "index.html")}
	case path.Ext(clean) == "":
		candidates = []string{clean, clean + ".html", path.Join(clean, "index.html")}
	default:
		candidates = []string{clean}
	}

	for _, c := range candidates {
		target, err := s.output.Target(c)
		if err != nil {
			continue
		}
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			return target, true
		}
	}
	return "", false
}

func (s *DevServer) addMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// isAllowedOrigin checks if the origin is in the allowed origins list
func (s *DevServer) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// statusRecorder captures the response code. It keeps hijacking and
// flushing available for the reload socket and the proxy.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	response, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

func networkState(up bool) string {
	if up {
		return "up"
	}
	return "down"
}
