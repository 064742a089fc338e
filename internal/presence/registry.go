// Package presence tracks which mascot processes are on the bus. The stage
// announces itself as the renderer; the speech side asks whether one is
// attached before sending avatar commands.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Node is one process seen on the bus.
type Node struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Registry tracks the nodes heard on the bus, including this one.
type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription
	clock  func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
}

// New joins the bus as cfg.ID with cfg.Role, announces, and heartbeats until
// Close.
func New(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		cancel: cancel,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := bus.SubscribeJSON(r.bus, protocol.SubjectPresenceAnnounce, func(msg protocol.PresenceAnnounce) {
		r.observe(msg.NodeID, msg.Role, msg.Timestamp)
		// Answer newcomers so they learn about us without waiting for a
		// heartbeat.
		if msg.NodeID != r.cfg.ID {
			if err := r.publishHeartbeat(); err != nil {
				r.log.Debug("failed to answer announce", slog.String("error", err.Error()))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := bus.SubscribeJSON(r.bus, protocol.SubjectPresenceHeartbeatPrefix+".*", func(msg protocol.PresenceHeartbeat) {
		r.observe(msg.NodeID, msg.Role, msg.Timestamp)
	})
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.PresenceAnnounce{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Timestamp: r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectPresenceAnnounce, msg); err != nil {
		return err
	}
	r.observe(msg.NodeID, msg.Role, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.PresenceHeartbeat{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Timestamp: r.clock().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectPresenceHeartbeatPrefix+"."+r.cfg.ID, msg)
}

// observe records a sighting. Sender clocks are not trusted for liveness, so
// LastSeen is local receive time.
func (r *Registry) observe(nodeID, role string, _ time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Info("node joined", slog.String("node_id", nodeID), slog.String("role", role))
	}
	if role != "" {
		node.Role = role
	}
	node.LastSeen = r.clock()
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node_id", node.ID), slog.String("role", node.Role))
		}
	}
}

// Healthy reports whether this node still hears its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// RendererAttached reports whether a healthy renderer other than this node
// is on the bus.
func (r *Registry) RendererAttached() bool {
	return len(r.Query(WithRole(protocol.RoleRenderer))) > 0
}

// Query returns healthy remote nodes matching filter.
func (r *Registry) Query(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Node
	for _, node := range r.nodes {
		if node.ID == r.cfg.ID || !node.Healthy {
			continue
		}
		if filter == nil || filter(*node) {
			results = append(results, *node)
		}
	}
	return results
}

func WithRole(role string) func(Node) bool {
	return func(n Node) bool { return n.Role == role }
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-mascot/presence")
	gauge, err := meter.Int64ObservableGauge("mascot.presence.nodes", metric.WithDescription("Healthy nodes on the bus by role"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for role, n := range r.countByRole() {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("role", role)))
		}
		return nil
	}, gauge)
	return err
}

func (r *Registry) countByRole() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int64)
	for _, node := range r.nodes {
		if node.Healthy {
			counts[node.Role]++
		}
	}
	return counts
}
