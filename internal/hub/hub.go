// Package hub fans events out to live push subscribers. Each subscriber
// owns a bounded queue; a subscriber that cannot keep up is dropped so the
// producer never blocks.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/otel"
)

const (
	defaultQueueSize = 100
	defaultHeartbeat = 3 * time.Second
)

// ErrEvicted is returned by Stream when the client was dropped because its
// queue filled up.
var ErrEvicted = errors.New("hub: client evicted")

// Envelope is the wire shape of every pushed message.
type Envelope struct {
	Type        string  `json:"type"`
	Data        any     `json:"data,omitempty"`
	Timestamp   float64 `json:"timestamp"`
	ClientCount int     `json:"client_count,omitempty"`
}

// Client is one registered subscriber.
type Client struct {
	id        int
	ch        chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the client's registration id.
func (c *Client) ID() int { return c.id }

// Done is closed when the client is unregistered or evicted.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Config holds hub tuning. Zero values use the defaults.
type Config struct {
	QueueSize      int
	Heartbeat      time.Duration
	DebounceWindow time.Duration
	Logger         *slog.Logger
	Metrics        *otel.Metrics
}

// Hub is the registry of live subscribers.
type Hub struct {
	queueSize int
	heartbeat time.Duration
	logger    *slog.Logger
	metrics   *otel.Metrics
	debouncer *Debouncer

	mu      sync.Mutex
	clients map[int]*Client
	nextID  int
	sent    int64
}

// New creates a Hub.
func New(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		queueSize: cfg.QueueSize,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger.With("component", "hub"),
		metrics:   cfg.Metrics,
		debouncer: NewDebouncer(cfg.DebounceWindow),
		clients:   make(map[int]*Client),
	}
}

// Register adds a subscriber with a fresh bounded queue.
func (h *Hub) Register() *Client {
	h.mu.Lock()
	h.nextID++
	c := &Client{
		id:   h.nextID,
		ch:   make(chan Envelope, h.queueSize),
		done: make(chan struct{}),
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubClients.Add(context.Background(), 1)
	}
	h.logger.Debug("client registered", "client_id", c.id, "clients", count)
	return c
}

// Unregister removes a subscriber. Unknown or already removed clients are ignored.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		if h.metrics != nil {
			h.metrics.HubClients.Add(context.Background(), -1)
		}
		h.logger.Debug("client unregistered", "client_id", c.id, "clients", count)
	}
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast wraps data in an Envelope and enqueues it for every client
// without blocking. Clients whose queue is full are evicted. It returns the
// number of clients the envelope was queued for.
func (h *Hub) Broadcast(data any, eventType string) int {
	env := Envelope{Type: eventType, Data: data, Timestamp: unixSeconds(time.Now())}

	var evicted []*Client
	h.mu.Lock()
	sent := 0
	for id, c := range h.clients {
		select {
		case c.ch <- env:
			sent++
		default:
			delete(h.clients, id)
			evicted = append(evicted, c)
		}
	}
	h.sent++
	n := h.sent
	h.mu.Unlock()

	for _, c := range evicted {
		c.close()
		h.logger.Info("client evicted: queue full", "client_id", c.id)
	}
	if h.metrics != nil {
		ctx := context.Background()
		h.metrics.HubBroadcasts.Add(ctx, 1)
		if len(evicted) > 0 {
			h.metrics.HubEvictions.Add(ctx, int64(len(evicted)))
			h.metrics.HubClients.Add(ctx, -int64(len(evicted)))
		}
	}
	h.logger.Debug("broadcast", "seq", n, "type", eventType, "clients", sent)
	return sent
}

// BroadcastActivity sends a graph_activity event unless another one for the
// same node went out inside the debounce window.
func (h *Hub) BroadcastActivity(nodeID, agentID, skill, activityType string) int {
	if !h.debouncer.ShouldBroadcast(nodeID) {
		if h.metrics != nil {
			h.metrics.HubDebounced.Add(context.Background(), 1)
		}
		return 0
	}
	data := map[string]any{"node_id": nodeID, "type": activityType}
	if agentID != "" {
		data["agent_id"] = agentID
	}
	if skill != "" {
		data["skill"] = skill
	}
	return h.Broadcast(data, TypeGraphActivity)
}

// BroadcastHandoff sends a graph_handoff event. It is never debounced.
func (h *Hub) BroadcastHandoff(source, target, sourceAgent, targetAgent string) int {
	data := map[string]any{"source": source, "target": target}
	if sourceAgent != "" {
		data["source_agent"] = sourceAgent
	}
	if targetAgent != "" {
		data["target_agent"] = targetAgent
	}
	return h.Broadcast(data, TypeGraphHandoff)
}

// EventListener returns an events.Listener forwarding every stored event
// as a conversation_event.
func (h *Hub) EventListener() events.Listener {
	return func(ev events.Event) {
		h.Broadcast(ev, TypeConversationEvent)
	}
}

// Stream runs the per-client delivery loop. It emits a connected envelope,
// then forwards queued envelopes, emitting a heartbeat whenever the queue
// stays empty for the heartbeat interval. The client is unregistered when
// Stream returns.
func (h *Hub) Stream(ctx context.Context, c *Client, emit func(Envelope) error) error {
	defer h.Unregister(c)

	hello := Envelope{Type: TypeConnected, ClientCount: h.ClientCount(), Timestamp: unixSeconds(time.Now())}
	if err := emit(hello); err != nil {
		return err
	}

	timer := time.NewTimer(h.heartbeat)
	defer timer.Stop()
	for {
		select {
		case <-c.done:
			return ErrEvicted
		default:
		}

		var env Envelope
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrEvicted
		case env = <-c.ch:
		case <-timer.C:
			env = Envelope{Type: TypeHeartbeat, Timestamp: unixSeconds(time.Now())}
		}
		if err := emit(env); err != nil {
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.heartbeat)
	}
}

// FormatSSE renders env as one server-sent event frame.
func FormatSSE(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return []byte("data: " + string(data) + "\n\n"), nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
