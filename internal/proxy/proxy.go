// Package proxy forwards requests to the origin server, reports every
// upstream status to a hook and injects the live-reload client into HTML
// responses.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/reload"
	"github.com/conneroisu/devserve/internal/validation"
)

// DefaultTimeout bounds the wait for upstream response headers.
const DefaultTimeout = 30 * time.Second

// maxInjectSize caps the HTML bodies buffered for injection.
const maxInjectSize = 8 << 20

// StatusHook receives the status of every forwarded request, including the
// 502/504 synthesized for transport errors.
type StatusHook func(code int)

// Option configures a Proxy.
type Option func(*Proxy)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithoutInjection forwards HTML untouched.
func WithoutInjection() Option {
	return func(p *Proxy) {
		p.inject = false
	}
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.transport = rt
	}
}

// Proxy is an http.Handler in front of the origin.
type Proxy struct {
	origin    *url.URL
	onStatus  StatusHook
	timeout   time.Duration
	inject    bool
	transport http.RoundTripper
	rp        *httputil.ReverseProxy
	logger    logging.Logger
}

// New creates a proxy to origin.
func New(origin string, onStatus StatusHook, logger logging.Logger, opts ...Option) (*Proxy, error) {
	if err := validation.ValidateURL(origin); err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	p := &Proxy{
		origin:   target,
		onStatus: onStatus,
		timeout:  DefaultTimeout,
		inject:   true,
		logger:   logger.WithComponent("proxy"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = p.timeout
		p.transport = t
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		Transport:      p.transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}

	return p, nil
}

// Origin returns the upstream URL.
func (p *Proxy) Origin() *url.URL {
	return p.origin
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.origin)
	pr.SetXForwarded()
	if p.inject {
		// Injection needs an uncompressed body.
		pr.Out.Header.Del("Accept-Encoding")
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	p.report(resp.StatusCode)

	if !p.inject || !isHTML(resp) {
		return nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return nil
	}
	if resp.ContentLength > maxInjectSize {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInjectSize+1))
	if err != nil {
		_ = resp.Body.Close()
		return err
	}
	if len(body) > maxInjectSize {
		// Too large to inject: replay what was read, then stream the rest.
		resp.Body = replayBody{
			Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
			Closer: resp.Body,
		}
		return nil
	}
	_ = resp.Body.Close()

	body = reload.InjectScript(body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("Etag")

	return nil
}

// replayBody reads buffered bytes before the rest of the upstream body and
// closes the upstream body.
type replayBody struct {
	io.Reader
	io.Closer
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	// The browser went away; the origin is not to blame.
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	code := http.StatusBadGateway
	if isTimeout(err) {
		code = http.StatusGatewayTimeout
	}

	p.logger.Warn(r.Context(), err, "upstream request failed",
		"method", r.Method, "path", r.URL.Path, "status", code)
	p.report(code)

	http.Error(w, http.StatusText(code), code)
}

func (p *Proxy) report(code int) {
	if p.onStatus != nil {
		p.onStatus(code)
	}
}

func isHTML(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	return err == nil && mediaType == "text/html"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
