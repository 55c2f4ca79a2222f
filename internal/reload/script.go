package reload

import (
	"bytes"
	"net/http"

	"golang.org/x/net/html"
)

// ScriptPath serves ClientScript.
const ScriptPath = "/_devserve/client.js"

// ScriptTag is injected before </body> of served HTML pages.
const ScriptTag = `<script src="` + ScriptPath + `" defer></script>`

// ClientScript is the browser side of the live-reload protocol.
const ClientScript = `(() => {
  if (window.__DEVSERVE__) return;
  window.__DEVSERVE__ = true;

  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const url = proto + '//' + location.host + '` + WSPath + `';
  let ws;
  let retry = 500;

  function send(frame) {
    if (ws && ws.readyState === WebSocket.OPEN) {
      ws.send(JSON.stringify(frame));
    }
  }

  function forward(level) {
    const orig = console[level];
    console[level] = function (...args) {
      send({ command: 'log', level: level, args: args.map(String), url: location.href, line: 0 });
      orig.apply(console, args);
    };
  }
  forward('warn');
  forward('error');
  window.addEventListener('error', (e) => {
    send({ command: 'log', level: 'error', args: [String(e.message)], url: e.filename || location.href, line: e.lineno || 0 });
  });

  function overlay(id) {
    let el = document.getElementById(id);
    if (!el) {
      el = document.createElement('div');
      el.id = id;
      el.style.cssText = 'position:fixed;left:0;right:0;z-index:2147483647;font:13px/1.4 monospace;padding:12px;white-space:pre-wrap;';
      document.body.appendChild(el);
    }
    return el;
  }

  function clear(id) {
    const el = document.getElementById(id);
    if (el) el.remove();
  }

  function showError(msg) {
    const el = overlay('__devserve_error');
    el.style.top = '0';
    el.style.background = '#300';
    el.style.color = '#fdd';
    let where = msg.file || msg.key;
    if (msg.line) where += ':' + msg.line + (msg.column ? ':' + msg.column : '');
    el.textContent = where + '\n' + msg.message;
  }

  function showNetwork(state) {
    if (state === 'up') {
      clear('__devserve_network');
      return;
    }
    const el = overlay('__devserve_network');
    el.style.bottom = '0';
    el.style.background = '#442';
    el.style.color = '#ffd';
    el.textContent = 'origin server unavailable';
  }

  function refresh(path) {
    const links = Array.from(document.querySelectorAll('link[rel="stylesheet"]'));
    const matches = links.filter((l) => new URL(l.href, location.href).pathname === path);
    (matches.length ? matches : links).forEach((l) => {
      const u = new URL(l.href, location.href);
      u.searchParams.set('devserve', Date.now());
      l.href = u.toString();
    });
    clear('__devserve_error');
  }

  function handle(msg) {
    switch (msg.command) {
      case 'reload':
        location.reload();
        break;
      case 'refresh':
        refresh(msg.path);
        break;
      case 'error':
        showError(msg);
        break;
      case 'network':
        showNetwork(msg.state);
        break;
    }
  }

  function connect() {
    ws = new WebSocket(url);
    ws.onopen = () => { retry = 500; };
    ws.onmessage = (e) => {
      try { handle(JSON.parse(e.data)); } catch (_) {}
    };
    ws.onclose = () => {
      setTimeout(connect, retry);
      retry = Math.min(retry * 2, 10000);
    };
  }
  connect();
})();
`

// ServeScript writes ClientScript.
func ServeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(ClientScript))
}

// InjectScript inserts ScriptTag before the closing body tag of page.
// Pages without one get the tag appended. Pages that already carry the tag
// are returned unchanged.
func InjectScript(page []byte) []byte {
	if bytes.Contains(page, []byte(ScriptTag)) {
		return page
	}

	idx := bodyEnd(page)
	if idx < 0 {
		idx = len(page)
	}

	out := make([]byte, 0, len(page)+len(ScriptTag))
	out = append(out, page[:idx]...)
	out = append(out, ScriptTag...)
	out = append(out, page[idx:]...)

	return out
}

// bodyEnd returns the offset of the last </body> end tag, skipping text
// inside comments, scripts and attribute values.
func bodyEnd(page []byte) int {
	z := html.NewTokenizer(bytes.NewReader(page))
	offset, found := 0, -1
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return found
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == "body" {
				found = offset
			}
		}
		offset += raw
	}
}
