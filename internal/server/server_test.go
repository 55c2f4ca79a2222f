package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devserve/internal/build"
	"github.com/conneroisu/devserve/internal/config"
	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/reload"
	"github.com/conneroisu/devserve/internal/watcher"
)

// fakeCompiler builds every source into a small HTML page unless a failure
// is registered for its key.
type fakeCompiler struct {
	root string

	mu       sync.Mutex
	failures map[build.ArtifactKey]error
	compiles map[build.ArtifactKey]int
}

func newFakeCompiler(root string) *fakeCompiler {
	return &fakeCompiler{
		root:     root,
		failures: make(map[build.ArtifactKey]error),
		compiles: make(map[build.ArtifactKey]int),
	}
}

func (c *fakeCompiler) fail(key build.ArtifactKey, err error) {
	c.mu.Lock()
	c.failures[key] = err
	c.mu.Unlock()
}

func (c *fakeCompiler) Compile(ctx context.Context, source string) (*build.Artifact, error) {
	key := build.KeyForPath(c.root, source)

	c.mu.Lock()
	c.compiles[key]++
	err := c.failures[key]
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &build.Artifact{
		Source: source,
		Path:   "/" + strings.TrimSuffix(string(key), filepath.Ext(string(key))) + ".html",
		Kind:   build.KindMarkup,
		Output: []byte("<html><body>" + string(key) + "</body></html>"),
	}, nil
}

func testConfig(t *testing.T, root string, overrides map[string]interface{}) *config.Config {
	t.Helper()
	v := config.New()
	v.Set("watch.root", root)
	v.Set("server.host", "127.0.0.1")
	v.Set("server.port", 0)
	v.Set("watch.coalesce", 20*time.Millisecond)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.LoadFrom(v)
	require.NoError(t, err)
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, opts ...Option) *DevServer {
	t.Helper()
	s, err := New(cfg, nil, opts...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func baseURL(s *DevServer) string {
	return "http://" + s.Addr().String()
}

func connect(t *testing.T, s *DevServer) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := s.Broadcaster().Count()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr().String()+reload.WSPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	require.Eventually(t, func() bool { return s.Broadcaster().Count() > before }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readUntil returns the first message that satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(reload.Message) bool) reload.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var msg reload.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCompileErrorReachesEveryClient(t *testing.T) {
	root := t.TempDir()
	compiler := newFakeCompiler(root)
	compiler.fail("K2", deverrors.NewCompileFailure("", "syntax error line 4", nil))

	s := startServer(t, testConfig(t, root, nil), WithCompiler(compiler))
	a, b := connect(t, s), connect(t, s)

	s.Coordinator().OnChange(watcher.Event{Path: filepath.Join(root, "K2"), Kind: watcher.Modified, Timestamp: time.Now()})

	want := reload.Message{Command: reload.CommandError, Key: "K2", Message: "syntax error line 4"}
	isError := func(m reload.Message) bool { return m.Command == reload.CommandError }
	assert.Equal(t, want, readUntil(t, a, isError))
	assert.Equal(t, want, readUntil(t, b, isError))
}

func TestNetworkTransitionsReachClients(t *testing.T) {
	s := startServer(t, testConfig(t, t.TempDir(), nil), WithCompiler(newFakeCompiler("")))
	conn := connect(t, s)

	s.OnUpstreamResponse(http.StatusGatewayTimeout)
	isNetwork := func(m reload.Message) bool { return m.Command == reload.CommandNetwork }
	assert.Equal(t, reload.Message{Command: reload.CommandNetwork, State: "down"}, readUntil(t, conn, isNetwork))

	// Further failures while down are not transitions.
	s.OnUpstreamResponse(http.StatusServiceUnavailable)
	s.Network().Enable(true)
	assert.Equal(t, reload.Message{Command: reload.CommandNetwork, State: "up"}, readUntil(t, conn, isNetwork))
}

func TestProxiedOriginFailureAndRecovery(t *testing.T) {
	var healthy atomic.Bool
	origin := http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>origin</body></html>")
	})}
	upstream := newListener(t)
	go func() { _ = origin.Serve(upstream) }()
	t.Cleanup(func() { _ = origin.Close() })

	cfg := testConfig(t, t.TempDir(), map[string]interface{}{
		"proxy.origin":         "http://" + upstream.Addr().String(),
		"proxy.probe_interval": 30 * time.Millisecond,
	})
	s := startServer(t, cfg, WithCompiler(newFakeCompiler("")))
	conn := connect(t, s)

	resp, err := http.Get(baseURL(s) + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	isNetwork := func(m reload.Message) bool { return m.Command == reload.CommandNetwork }
	assert.Equal(t, "down", readUntil(t, conn, isNetwork).State)

	healthy.Store(true)
	assert.Equal(t, "up", readUntil(t, conn, isNetwork).State)

	resp, err = http.Get(baseURL(s) + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), reload.ScriptTag)
}

func TestFileChangeTriggersReload(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, testConfig(t, root, nil))
	conn := connect(t, s)

	require.NoError(t, os.WriteFile(filepath.Join(root, "about.md"), []byte("# About\n\nhello\n"), 0o644))

	msg := readUntil(t, conn, func(m reload.Message) bool { return m.Path == "/about.html" })
	assert.Equal(t, reload.CommandReload, msg.Command)

	resp, err := http.Get(baseURL(s) + "/about")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hello")
	assert.Contains(t, string(body), reload.ScriptTag)
}

func TestStylesheetChangeRefreshes(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, testConfig(t, root, nil))
	conn := connect(t, s)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "styles"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "styles", "site.css"), []byte("body{}"), 0o644))

	msg := readUntil(t, conn, func(m reload.Message) bool { return m.Path == "/styles/site.css" })
	assert.Equal(t, reload.CommandRefresh, msg.Command)

	resp, err := http.Get(baseURL(s) + "/styles/site.css")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(body))
}

func TestInitialBuildServesExistingPages(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html><body><h1>home</h1></body></html>"), 0o644))

	s := startServer(t, testConfig(t, root, nil))

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL(s) + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, body, "<h1>home</h1>")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), reload.ScriptTag+"</body></html>"))

	resp, err := http.Get(baseURL(s) + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(baseURL(s) + "/../../etc/passwd")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	s := startServer(t, testConfig(t, t.TempDir(), nil), WithCompiler(newFakeCompiler("")))
	connect(t, s)

	var health healthResponse
	getJSON(t, baseURL(s)+HealthPath, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Healthy)
	assert.Equal(t, "up", health.Network)
	assert.Equal(t, 1, health.Clients)
	assert.NotEmpty(t, health.Version)
	require.NotNil(t, health.BuildInfo)

	s.OnUpstreamResponse(http.StatusServiceUnavailable)
	getJSON(t, baseURL(s)+HealthPath, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "down", health.Network)
}

func TestStatusEndpoint(t *testing.T) {
	root := t.TempDir()
	compiler := newFakeCompiler(root)
	compiler.fail("broken.html", deverrors.NewCompileFailure("", "bad", nil))
	s := startServer(t, testConfig(t, root, nil), WithCompiler(compiler))
	conn := connect(t, s)

	for _, name := range []string{"ok.html", "broken.html"} {
		s.Coordinator().OnChange(watcher.Event{Path: filepath.Join(root, name), Kind: watcher.Modified, Timestamp: time.Now()})
	}
	readUntil(t, conn, func(m reload.Message) bool { return m.Command == reload.CommandError })
	s.Coordinator().Wait()

	var status struct {
		Network string `json:"network"`
		Jobs    []build.Job
		Builds  struct {
			TotalBuilds   int64  `json:"total_builds"`
			FailedBuilds  int64  `json:"failed_builds"`
			LastFailedKey string `json:"last_failed_key"`
		} `json:"builds"`
		Clients []clientInfo `json:"clients"`
	}
	getJSON(t, baseURL(s)+StatusPath, &status)

	assert.Equal(t, "up", status.Network)
	assert.Empty(t, status.Jobs)
	assert.Equal(t, int64(2), status.Builds.TotalBuilds)
	assert.Equal(t, int64(1), status.Builds.FailedBuilds)
	assert.Equal(t, "broken.html", status.Builds.LastFailedKey)
	require.Len(t, status.Clients, 1)
	assert.NotEmpty(t, status.Clients[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	root := t.TempDir()
	s := startServer(t, testConfig(t, root, nil), WithCompiler(newFakeCompiler(root)))
	conn := connect(t, s)

	s.Coordinator().OnChange(watcher.Event{Path: filepath.Join(root, "page.html"), Kind: watcher.Modified, Timestamp: time.Now()})
	readUntil(t, conn, func(m reload.Message) bool { return m.Command == reload.CommandReload })

	resp, err := http.Get(baseURL(s) + MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `devserve_builds_total{status="succeeded"} 1`)
	assert.Contains(t, text, "devserve_clients 1")
	assert.Contains(t, text, `devserve_broadcasts_total{command="reload"} 1`)
	assert.Contains(t, text, "devserve_network_up 1")
}

func TestClientScriptRoute(t *testing.T) {
	s := startServer(t, testConfig(t, t.TempDir(), nil), WithCompiler(newFakeCompiler("")))

	resp, err := http.Get(baseURL(s) + reload.ScriptPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
}

func TestCORSForAllowedOrigins(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), map[string]interface{}{
		"server.allowed_origins": []string{"http://app.test"},
	})
	s := startServer(t, cfg, WithCompiler(newFakeCompiler("")))

	for _, tc := range []struct {
		origin string
		want   string
	}{
		{"http://app.test", "http://app.test"},
		{"http://evil.test", ""},
	} {
		req, err := http.NewRequest(http.MethodGet, baseURL(s)+HealthPath, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", tc.origin)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.Header.Get("Access-Control-Allow-Origin"), tc.origin)
	}
}

func TestNewRejectsInvalidCommand(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), nil)
	cfg.Build.Commands = []config.CommandConfig{{Ext: ".scss", Command: "rm", Args: []string{"-rf"}}}

	_, err := New(cfg, nil)
	assert.Error(t, err)
}
