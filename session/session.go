// Package session owns the transport session handle, the discovery graph
// cache, and the liveliness subscription that feeds it. It is the single
// writer of local presence tokens and the teardown root for everything the
// shim creates.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/graph"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/transport"
)

// Session wires a transport session to a graph cache. All discovery reads go
// through the cache's own mutex; Session adds no read locking of its own.
type Session struct {
	tp        transport.Transport
	domain    int
	logger    core.Logger
	telemetry core.Telemetry

	cache      *graph.Cache
	graphGuard *core.GuardCondition
	livSub     transport.Subscription

	reconcileEvery time.Duration
	reconcileStop  chan struct{}
	reconcileDone  chan struct{}

	defaultQoS liveliness.QoSProfile

	mu           sync.Mutex
	closed       bool
	nextNodeID   int
	nextEntityID int
	nodes        map[int]*Node
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger, inherited by the cache and all
// endpoints created through this session.
func WithLogger(l core.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(t core.Telemetry) Option {
	return func(s *Session) { s.telemetry = t }
}

// WithDefaultQoS sets the profile applied to endpoints created with a
// zero-valued QoS.
func WithDefaultQoS(qos liveliness.QoSProfile) Option {
	return func(s *Session) { s.defaultQoS = qos }
}

// WithReconcileInterval enables periodic reconciliation of the graph cache
// against a fresh token enumeration. This catches disappearances whose events
// were lost, such as a crashed session whose tokens expired on the transport.
// Zero disables it.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *Session) { s.reconcileEvery = d }
}

// Open attaches to the transport, seeds the graph cache from the current
// token snapshot, and keeps it live via the liveliness subscription.
//
// The live subscription is established before the snapshot is taken so no
// event can fall between the two; tokens owned by this session are excluded
// from the seed because the subscription may deliver the same appear events
// in inconsistent order relative to the enumeration.
func Open(ctx context.Context, tp transport.Transport, domain int, opts ...Option) (*Session, error) {
	s := &Session{
		tp:         tp,
		domain:     domain,
		logger:     &core.NoOpLogger{},
		telemetry:  &core.NoOpTelemetry{},
		defaultQoS: liveliness.DefaultQoS(),
		nodes:      make(map[int]*Node),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.graphGuard = core.NewGuardCondition()
	s.cache = graph.NewCache(tp.SessionID(),
		graph.WithLogger(s.logger),
		graph.WithTelemetry(s.telemetry),
		graph.WithChangeGuard(s.graphGuard),
	)

	pattern := liveliness.SubscriptionPattern(domain)
	sub, err := tp.SubscribeTokens(ctx, pattern, s.onTokenEvent)
	if err != nil {
		return nil, fmt.Errorf("session.Open: subscribing to %s: %w: %v", pattern, core.ErrTransportFailure, err)
	}
	s.livSub = sub

	keys, err := tp.TokenSnapshot(ctx, pattern)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("session.Open: enumerating %s: %w: %v", pattern, core.ErrTransportFailure, err)
	}
	s.cache.Seed(keys)

	if s.reconcileEvery > 0 {
		s.reconcileStop = make(chan struct{})
		s.reconcileDone = make(chan struct{})
		go s.reconcileLoop()
	}

	s.logger.Info("Session opened", map[string]interface{}{
		"session_id":   tp.SessionID(),
		"domain":       domain,
		"seeded_nodes": s.cache.NodeCount(),
	})
	return s, nil
}

func (s *Session) reconcileLoop() {
	defer close(s.reconcileDone)
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()

	pattern := liveliness.SubscriptionPattern(s.domain)
	for {
		select {
		case <-s.reconcileStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			keys, err := s.tp.TokenSnapshot(ctx, pattern)
			cancel()
			if err != nil {
				s.logger.Warn("Graph reconciliation snapshot failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			s.cache.Reconcile(keys)
		}
	}
}

func (s *Session) onTokenEvent(ev transport.TokenEvent) {
	switch ev.Kind {
	case transport.TokenAlive:
		s.cache.ParsePut(ev.Key)
	case transport.TokenDropped:
		s.cache.ParseDel(ev.Key)
	}
}

// SessionID returns the transport session identifier.
func (s *Session) SessionID() string {
	return s.tp.SessionID()
}

// Domain returns the discovery domain this session participates in.
func (s *Session) Domain() int {
	return s.domain
}

// Graph returns the cache for discovery queries. Safe for concurrent use.
func (s *Session) Graph() *graph.Cache {
	return s.cache
}

// GraphGuard returns the condition triggered once per applied graph event.
// Callers blocked on it must re-poll the cache after waking.
func (s *Session) GraphGuard() *core.GuardCondition {
	return s.graphGuard
}

// WaitForGraphChange blocks until a graph event is applied or the context is
// done.
func (s *Session) WaitForGraphChange(ctx context.Context) error {
	return s.graphGuard.Wait(ctx)
}

// allocEntityID hands out process-unique entity ids, starting at 1.
func (s *Session) allocEntityID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEntityID++
	return s.nextEntityID
}

// CreateNode declares a node presence token and returns the handle used to
// create endpoints.
func (s *Session) CreateNode(ctx context.Context, namespace, name, enclave string) (*Node, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session.CreateNode: %w", core.ErrShutdown)
	}
	s.nextNodeID++
	s.nextEntityID++
	nodeID, entityID := s.nextNodeID, s.nextEntityID
	s.mu.Unlock()

	info := liveliness.NodeInfo{
		Domain:    s.domain,
		Namespace: namespace,
		Name:      name,
		Enclave:   enclave,
	}
	entity, err := liveliness.NewEntity(s.tp.SessionID(), nodeID, entityID, liveliness.KindNode, info, nil)
	if err != nil {
		return nil, err
	}
	token, err := s.tp.DeclareToken(ctx, entity.Keyexpr())
	if err != nil {
		return nil, fmt.Errorf("session.CreateNode %s: %w: %v", name, core.ErrTransportFailure, err)
	}
	// Local entities enter the graph on declaration. The liveliness
	// subscription may echo the same token; the put is idempotent.
	s.cache.ApplyPut(entity)

	n := &Node{
		session: s,
		id:      nodeID,
		info:    info,
		entity:  entity,
		token:   token,
	}
	s.mu.Lock()
	s.nodes[nodeID] = n
	s.mu.Unlock()

	s.logger.Info("Node created", map[string]interface{}{
		"node":      name,
		"namespace": namespace,
		"node_id":   nodeID,
	})
	return n, nil
}

func (s *Session) dropNode(id int) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
}

// Shutdown tears the session down: every node (and its endpoints and
// clients) first, then the liveliness subscription, then the transport
// session. Idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	nodes := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	if s.reconcileStop != nil {
		close(s.reconcileStop)
		<-s.reconcileDone
	}

	for _, n := range nodes {
		if err := n.Destroy(ctx); err != nil {
			s.logger.Error("Failed to destroy node during session shutdown", map[string]interface{}{
				"node":  n.info.Name,
				"error": err.Error(),
			})
		}
	}

	var firstErr error
	if err := s.livSub.Close(); err != nil {
		firstErr = fmt.Errorf("session.Shutdown: closing liveliness subscription: %w", err)
	}
	if err := s.tp.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("session.Shutdown: closing transport: %w", err)
	}

	s.logger.Info("Session closed", map[string]interface{}{
		"session_id": s.tp.SessionID(),
	})
	return firstErr
}
