// Package reload pushes live-reload instructions to connected browsers.
//
// The Broadcaster owns the client table. Every message goes to a snapshot of
// the registered clients with concurrent sends; a client whose send fails
// or times out is dropped and the remaining clients still receive the
// message. Broadcasts are serialized so each client observes messages in
// publish order.
package reload

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/devserve/internal/build"
	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/logging"
)

// DefaultSendTimeout bounds a single send to a single client.
const DefaultSendTimeout = 5 * time.Second

// Conn is the transport to one browser client.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Client is a registered connection.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn Conn
}

// Metrics receives broadcaster measurements.
type Metrics interface {
	SetClients(n int)
	ObserveBroadcast(command string)
	ObserveSendFailure()
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// Broadcaster fans messages out to every registered client.
type Broadcaster struct {
	sendMu  sync.Mutex
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	timeout time.Duration
	metrics Metrics
	logger  logging.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger logging.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[string]*Client),
		timeout: DefaultSendTimeout,
		logger:  logger.WithComponent("reload"),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Register adds conn and returns its client record. After Close the
// connection is closed immediately and the returned client is never sent
// anything.
func (b *Broadcaster) Register(conn Conn) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()

		return client
	}
	b.clients[client.ID] = client
	n := len(b.clients)
	b.mu.Unlock()

	b.setClients(n)
	b.logger.Info(context.Background(), "client connected", "client", client.ID, "clients", n)

	return client
}

// Unregister removes the client and closes its connection. Unknown IDs are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	if client := b.remove(id); client != nil {
		_ = client.conn.Close()
	}
}

// remove drops id from the table and returns the client, or nil when it
// was not registered.
func (b *Broadcaster) remove(id string) *Client {
	b.mu.Lock()
	client, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	n := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	b.setClients(n)
	b.logger.Info(context.Background(), "client disconnected", "client", id, "clients", n)

	return client
}

// NotifyBuildCompleted tells clients about a finished build.
func (b *Broadcaster) NotifyBuildCompleted(c build.Completion) {
	b.Broadcast(MessageForCompletion(c))
}

// NotifyNetworkTransition tells clients the origin went up or down.
func (b *Broadcaster) NotifyNetworkTransition(up bool) {
	b.Broadcast(NetworkMessage(up))
}

// Broadcast delivers msg to every client registered when the call starts
// and returns after every send has finished or timed out.
func (b *Broadcaster) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error(context.Background(), err, "failed to marshal message", "command", msg.Command)
		return
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	clients := b.snapshot()
	if b.metrics != nil {
		b.metrics.ObserveBroadcast(string(msg.Command))
	}
	if len(clients) == 0 {
		return
	}

	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client *Client) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			errs[i] = client.conn.Send(ctx, data)
		}(i, client)
	}
	wg.Wait()

	for i, client := range clients {
		if errs[i] == nil {
			continue
		}
		failure := deverrors.NewClientSendFailure(client.ID, errs[i])
		b.logger.Warn(context.Background(), failure, "dropping client", "command", msg.Command)
		if b.metrics != nil {
			b.metrics.ObserveSendFailure()
		}
		// The close handshake with a stalled peer can take seconds; it must
		// not hold up the next broadcast.
		if dropped := b.remove(client.ID); dropped != nil {
			go func() { _ = dropped.conn.Close() }()
		}
	}
}

// Count returns the number of registered clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.clients)
}

// Clients returns the registered clients ordered by connection time.
func (b *Broadcaster) Clients() []Client {
	clients := b.snapshot()
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		out = append(out, Client{ID: c.ID, ConnectedAt: c.ConnectedAt})
	}

	return out
}

// Close unregisters and closes every client. Later registrations are
// closed on arrival.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	b.setClients(0)

	return nil
}

func (b *Broadcaster) snapshot() []*Client {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		if clients[i].ConnectedAt.Equal(clients[j].ConnectedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})

	return clients
}

func (b *Broadcaster) setClients(n int) {
	if b.metrics != nil {
		b.metrics.SetClients(n)
	}
}
