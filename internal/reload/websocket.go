package reload

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/validation"
)

const (
	// WSPath is where browsers open the live-reload socket.
	WSPath = "/_devserve/ws"

	// Maximum upstream frame size.
	maxMessageSize = 64 * 1024

	// Send pings to the peer with this period.
	pingPeriod = 30 * time.Second

	// Time allowed for a ping round trip.
	pongWait = 10 * time.Second
)

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		c.conn.CloseNow()
	}

	return nil
}

// HandlerOptions configures the websocket endpoint.
type HandlerOptions struct {
	// AllowedOrigins lists extra origins (or host:port) accepted besides
	// the served host and loopback.
	AllowedOrigins []string
}

// Handler upgrades requests to websocket connections and registers them
// with the broadcaster.
type Handler struct {
	broadcaster *Broadcaster
	logger      logging.Logger
	opts        HandlerOptions
}

// NewHandler creates the live-reload websocket handler.
func NewHandler(b *Broadcaster, logger logging.Logger, opts HandlerOptions) *Handler {
	return &Handler{
		broadcaster: b,
		logger:      logger.WithComponent("reload"),
		opts:        opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := validation.ValidateOrigin(r.Header.Get("Origin"), r.Host, h.opts.AllowedOrigins); err != nil {
		h.logger.Warn(r.Context(), err, "websocket origin rejected", "remote", r.RemoteAddr)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	// Origin was checked above against a wider policy than the library's
	// same-host rule.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := h.broadcaster.Register(&wsConn{conn: conn})
	defer h.broadcaster.Unregister(client.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepAlive(ctx, conn, client.ID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				h.logger.Debug(ctx, "websocket read ended", "client", client.ID, "error", err.Error())
			}
			return
		}
		h.handleFrame(ctx, client.ID, data)
	}
}

// handleFrame logs client telemetry. Anything but a log frame is ignored.
func (h *Handler) handleFrame(ctx context.Context, clientID string, data []byte) {
	var frame LogFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug(ctx, "ignoring malformed client frame", "client", clientID)
		return
	}
	if frame.Command != CommandLog {
		h.logger.Debug(ctx, "ignoring client frame", "client", clientID, "command", frame.Command)
		return
	}

	h.logger.Info(ctx, "browser log",
		"client", clientID,
		"level", frame.Level,
		"args", frame.Args,
		"url", frame.URL,
		"line", frame.Line,
	)
}

func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, clientID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.broadcaster.Unregister(clientID)
				return
			}
		}
	}
}
