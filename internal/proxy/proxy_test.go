package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/reload"
)

type statusLog struct {
	mu    sync.Mutex
	codes []int
}

func (s *statusLog) hook(code int) {
	s.mu.Lock()
	s.codes = append(s.codes, code)
	s.mu.Unlock()
}

func (s *statusLog) all() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.codes...)
}

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestProxyInjectsIntoHTML(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", "26")
		_, _ = io.WriteString(w, "<body><p>home</p></body>\n\n")
	}))
	defer origin.Close()

	statuses := &statusLog{}
	p, err := New(origin.URL, statuses.hook, logging.NewNop())
	require.NoError(t, err)

	resp, body := get(t, p, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<body><p>home</p>"+reload.ScriptTag+"</body>\n\n", body)
	assert.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))
	assert.Equal(t, []int{http.StatusOK}, statuses.all())
}

func TestProxyStreamsOversizedHTMLUntouched(t *testing.T) {
	chunk := strings.Repeat("<p>filler</p>\n", 4096)
	chunks := (maxInjectSize+(1<<20))/len(chunk) + 1
	want := len("<html><body>") + chunks*len(chunk) + len("</body></html>")

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>")
		w.(http.Flusher).Flush()
		for i := 0; i < chunks; i++ {
			_, _ = io.WriteString(w, chunk)
		}
		_, _ = io.WriteString(w, "</body></html>")
	}))
	defer origin.Close()

	p, err := New(origin.URL, nil, logging.NewNop())
	require.NoError(t, err)

	resp, body := get(t, p, "/big")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, want, len(body))
	assert.True(t, strings.HasSuffix(body, "</body></html>"))
	assert.NotContains(t, body, reload.ScriptTag)
}

func TestProxyLeavesOtherContentAlone(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"body":"</body>"}`)
	}))
	defer origin.Close()

	p, err := New(origin.URL, nil, logging.NewNop())
	require.NoError(t, err)

	_, body := get(t, p, "/api")
	assert.Equal(t, `{"body":"</body>"}`, body)
}

func TestProxyWithoutInjection(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<body></body>")
	}))
	defer origin.Close()

	p, err := New(origin.URL, nil, logging.NewNop(), WithoutInjection())
	require.NoError(t, err)

	_, body := get(t, p, "/")
	assert.Equal(t, "<body></body>", body)
}

func TestProxyReportsUpstreamStatus(t *testing.T) {
	code := http.StatusServiceUnavailable
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer origin.Close()

	statuses := &statusLog{}
	p, err := New(origin.URL, statuses.hook, logging.NewNop())
	require.NoError(t, err)

	resp, _ := get(t, p, "/")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	code = http.StatusNotFound
	resp, _ = get(t, p, "/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, []int{503, 404}, statuses.all())
}

func TestProxyOriginUnreachable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	statuses := &statusLog{}
	p, err := New(url, statuses.hook, logging.NewNop())
	require.NoError(t, err)

	resp, _ := get(t, p, "/")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, []int{http.StatusBadGateway}, statuses.all())
}

func TestProxyOriginTimeout(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer origin.Close()
	defer close(release)

	statuses := &statusLog{}
	p, err := New(origin.URL, statuses.hook, logging.NewNop(), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	resp, _ := get(t, p, "/slow")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, []int{http.StatusGatewayTimeout}, statuses.all())
}

func TestNewRejectsBadOrigin(t *testing.T) {
	_, err := New("ftp://origin", nil, logging.NewNop())
	assert.Error(t, err)

	_, err = New("localhost:3000", nil, logging.NewNop())
	assert.Error(t, err)
}
