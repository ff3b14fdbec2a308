// Package graph maintains the in-process view of every known participant,
// built purely from presence-token appear/disappear events. One Cache is
// owned by the session context and shared by all readers.
package graph

import (
	"fmt"
	"sync"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
)

// EventType identifies a QoS-relevant change observable on a local entity.
type EventType int

const (
	// EventMatched fires when a matching remote endpoint appears.
	EventMatched EventType = iota
	// EventUnmatched fires when a matching remote endpoint disappears.
	EventUnmatched
)

// EventStatus is delivered to event callbacks. TotalCount is the number of
// matching endpoints after the change; TotalCountChange is the delta.
type EventStatus struct {
	TotalCount       int
	TotalCountChange int
}

// EventCallback receives entity events. Delivery is fan-out and at-least-once;
// ordering across distinct callbacks is not guaranteed.
type EventCallback func(EventStatus)

// NodeIdentity is one discovered node.
type NodeIdentity struct {
	Namespace string
	Name      string
	Enclave   string
}

// EndpointInfo is the full description of one matching endpoint on a topic.
type EndpointInfo struct {
	NodeName  string
	Namespace string
	Kind      liveliness.Kind
	TypeName  string
	TypeHash  string
	QoS       liveliness.QoSProfile
	GID       [16]byte
}

type nodeKey struct {
	sessionID string
	nodeID    int
}

type nodeRecord struct {
	info liveliness.NodeInfo
	// Number of entities referencing this node. A node entry may be
	// synthesized from a topic-bearing token that arrives before the node
	// token; it is dropped only when the last reference goes away.
	refs int
}

type entitySet map[liveliness.IdentityKey]*liveliness.Entity

type callbackEntry struct {
	entity *liveliness.Entity
	cbs    map[EventType]EventCallback
}

// Cache is the authoritative discovery graph. A single mutex guards the
// primary map and every derived index, so each put/delete/query is one
// critical section and the indexes can never drift from the primary map.
type Cache struct {
	mu sync.Mutex

	ownSessionID string
	logger       core.Logger
	telemetry    core.Telemetry

	// Triggered exactly once per applied put/delete so blocked discovery
	// waiters can re-poll. Never fired while holding mu.
	changed *core.GuardCondition

	entities  map[liveliness.IdentityKey]*liveliness.Entity
	nodes     map[nodeKey]*nodeRecord
	byTopic   map[string]entitySet // pub/sub entities per topic name
	byService map[string]entitySet // service/client entities per service name
	byNode    map[nodeKey]entitySet

	// Event callbacks for local entities, keyed by token name. Dropped when
	// the entity leaves the graph.
	callbacks map[string]*callbackEntry
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(l core.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithTelemetry sets the cache telemetry provider.
func WithTelemetry(t core.Telemetry) Option {
	return func(c *Cache) { c.telemetry = t }
}

// WithChangeGuard sets the guard condition triggered after every applied
// put/delete.
func WithChangeGuard(g *core.GuardCondition) Option {
	return func(c *Cache) { c.changed = g }
}

// NewCache creates an empty cache owned by the given session.
func NewCache(ownSessionID string, opts ...Option) *Cache {
	c := &Cache{
		ownSessionID: ownSessionID,
		logger:       &core.NoOpLogger{},
		telemetry:    &core.NoOpTelemetry{},
		entities:     make(map[liveliness.IdentityKey]*liveliness.Entity),
		nodes:        make(map[nodeKey]*nodeRecord),
		byTopic:      make(map[string]entitySet),
		byService:    make(map[string]entitySet),
		byNode:       make(map[nodeKey]entitySet),
		callbacks:    make(map[string]*callbackEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsLocalEntity reports whether the entity was created by the cache's owning
// session.
func (c *Cache) IsLocalEntity(e *liveliness.Entity) bool {
	return e.SessionID == c.ownSessionID
}

// Seed applies a bulk enumeration of pre-existing tokens. Tokens declared by
// the owning session are skipped: the live subscription delivers those same
// events with no ordering guarantee relative to the enumeration, and local
// entities are applied exactly once via their declaration path.
func (c *Cache) Seed(keys []string) {
	for _, key := range keys {
		e, err := liveliness.ParseKeyexpr(key)
		if err != nil {
			c.logger.Error("Discarding malformed presence token during seed", map[string]interface{}{
				"token": key,
				"error": err.Error(),
			})
			continue
		}
		if c.IsLocalEntity(e) {
			continue
		}
		c.ApplyPut(e)
	}
}

// ParsePut decodes a token name and applies it as an appear event. Malformed
// tokens are logged and discarded without touching the graph.
func (c *Cache) ParsePut(key string) {
	e, err := liveliness.ParseKeyexpr(key)
	if err != nil {
		c.logger.Error("Discarding malformed presence token", map[string]interface{}{
			"op":    "put",
			"token": key,
			"error": err.Error(),
		})
		return
	}
	c.ApplyPut(e)
}

// ParseDel decodes a token name and applies it as a disappear event.
func (c *Cache) ParseDel(key string) {
	e, err := liveliness.ParseKeyexpr(key)
	if err != nil {
		c.logger.Error("Discarding malformed presence token", map[string]interface{}{
			"op":    "del",
			"token": key,
			"error": err.Error(),
		})
		return
	}
	c.ApplyDelete(e)
}

// ApplyPut records an entity appearance. Applying the same identity twice is
// idempotent; a re-appearance with different content replaces the prior
// record wholesale.
func (c *Cache) ApplyPut(e *liveliness.Entity) {
	key := e.IdentityKey()

	c.mu.Lock()
	if prev, ok := c.entities[key]; ok {
		if prev.Keyexpr() == e.Keyexpr() {
			// Duplicate appear event for an identical record.
			c.mu.Unlock()
			return
		}
		c.removeLocked(prev)
	}
	c.insertLocked(e)
	fire := c.collectEventsLocked(e, +1)
	c.mu.Unlock()

	c.logger.Debug("Entity added to graph", map[string]interface{}{
		"kind":  e.Kind.String(),
		"node":  e.Node.Name,
		"token": e.Keyexpr(),
	})
	c.telemetry.RecordMetric("graph.events", 1, map[string]string{"op": "put"})
	c.notify(fire)
}

// ApplyDelete records an entity disappearance. Deleting an absent entity is a
// no-op.
func (c *Cache) ApplyDelete(e *liveliness.Entity) {
	key := e.IdentityKey()

	c.mu.Lock()
	prev, ok := c.entities[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeLocked(prev)
	fire := c.collectEventsLocked(prev, -1)
	delete(c.callbacks, prev.Keyexpr())
	c.mu.Unlock()

	c.logger.Debug("Entity removed from graph", map[string]interface{}{
		"kind":  prev.Kind.String(),
		"node":  prev.Node.Name,
		"token": prev.Keyexpr(),
	})
	c.telemetry.RecordMetric("graph.events", 1, map[string]string{"op": "del"})
	c.notify(fire)
}

// Reconcile compares the cache against a fresh token enumeration and removes
// what no longer exists on the wire. Sessions with no live token left are
// removed wholesale; individual stale entities are removed one by one. This
// is the safety net for disappearances whose events were lost, such as a
// crashed session whose tokens expired.
func (c *Cache) Reconcile(liveKeys []string) {
	live := make(map[liveliness.IdentityKey]struct{}, len(liveKeys))
	liveSessions := make(map[string]struct{})
	for _, key := range liveKeys {
		e, err := liveliness.ParseKeyexpr(key)
		if err != nil {
			continue
		}
		live[e.IdentityKey()] = struct{}{}
		liveSessions[e.SessionID] = struct{}{}
	}

	c.mu.Lock()
	var lostSessions []string
	var stale []*liveliness.Entity
	seen := make(map[string]bool)
	for _, e := range c.entities {
		if e.SessionID == c.ownSessionID {
			continue
		}
		if _, ok := liveSessions[e.SessionID]; !ok {
			if !seen[e.SessionID] {
				seen[e.SessionID] = true
				lostSessions = append(lostSessions, e.SessionID)
			}
			continue
		}
		if _, ok := live[e.IdentityKey()]; !ok {
			stale = append(stale, e)
		}
	}
	c.mu.Unlock()

	for _, sessionID := range lostSessions {
		c.logger.Warn("Removing lost session from graph", map[string]interface{}{
			"session_id": sessionID,
		})
		c.RemoveSession(sessionID)
	}
	for _, e := range stale {
		c.ApplyDelete(e)
	}
}

// RemoveSession removes every entity owned by the given session, as on
// owning-session loss.
func (c *Cache) RemoveSession(sessionID string) {
	c.mu.Lock()
	var victims []*liveliness.Entity
	for _, e := range c.entities {
		if e.SessionID == sessionID {
			victims = append(victims, e)
		}
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.ApplyDelete(e)
	}
}

func (c *Cache) insertLocked(e *liveliness.Entity) {
	key := e.IdentityKey()
	c.entities[key] = e

	nk := nodeKey{sessionID: e.SessionID, nodeID: e.NodeID}
	rec, ok := c.nodes[nk]
	if !ok {
		rec = &nodeRecord{info: e.Node}
		c.nodes[nk] = rec
	}
	rec.refs++
	if e.Kind == liveliness.KindNode {
		// The node token is authoritative for the node description.
		rec.info = e.Node
	}

	if e.Topic == nil {
		return
	}
	addToSet(c.byNode, nk, e)
	switch e.Kind {
	case liveliness.KindPublisher, liveliness.KindSubscription:
		addToSet(c.byTopic, e.Topic.Name, e)
	case liveliness.KindService, liveliness.KindClient:
		addToSet(c.byService, e.Topic.Name, e)
	}
}

func (c *Cache) removeLocked(e *liveliness.Entity) {
	key := e.IdentityKey()
	delete(c.entities, key)

	nk := nodeKey{sessionID: e.SessionID, nodeID: e.NodeID}
	if rec, ok := c.nodes[nk]; ok {
		rec.refs--
		if rec.refs <= 0 {
			delete(c.nodes, nk)
		}
	}

	if e.Topic == nil {
		return
	}
	removeFromSet(c.byNode, nk, key)
	switch e.Kind {
	case liveliness.KindPublisher, liveliness.KindSubscription:
		removeFromSet(c.byTopic, e.Topic.Name, key)
	case liveliness.KindService, liveliness.KindClient:
		removeFromSet(c.byService, e.Topic.Name, key)
	}
}

func addToSet[K comparable](m map[K]entitySet, k K, e *liveliness.Entity) {
	s, ok := m[k]
	if !ok {
		s = make(entitySet)
		m[k] = s
	}
	s[e.IdentityKey()] = e
}

func removeFromSet[K comparable](m map[K]entitySet, k K, id liveliness.IdentityKey) {
	if s, ok := m[k]; ok {
		delete(s, id)
		if len(s) == 0 {
			delete(m, k)
		}
	}
}

// counterpart returns the kind that matches e for event purposes.
func counterpart(k liveliness.Kind) (liveliness.Kind, bool) {
	switch k {
	case liveliness.KindPublisher:
		return liveliness.KindSubscription, true
	case liveliness.KindSubscription:
		return liveliness.KindPublisher, true
	case liveliness.KindService:
		return liveliness.KindClient, true
	case liveliness.KindClient:
		return liveliness.KindService, true
	}
	return liveliness.KindInvalid, false
}

type firedEvent struct {
	cb     EventCallback
	status EventStatus
}

// collectEventsLocked gathers callbacks to fire for registered local entities
// whose matching-endpoint set changed because of e. Invocation happens after
// the lock is released.
func (c *Cache) collectEventsLocked(e *liveliness.Entity, delta int) []firedEvent {
	if e.Topic == nil || len(c.callbacks) == 0 {
		return nil
	}
	want, ok := counterpart(e.Kind)
	if !ok {
		return nil
	}

	eventType := EventMatched
	if delta < 0 {
		eventType = EventUnmatched
	}

	var fire []firedEvent
	for _, entry := range c.callbacks {
		reg := entry.entity
		if reg.Kind != want || reg.Topic == nil {
			continue
		}
		if reg.Topic.Name != e.Topic.Name || reg.Topic.TypeName != e.Topic.TypeName {
			continue
		}
		cb, ok := entry.cbs[eventType]
		if !ok {
			continue
		}
		fire = append(fire, firedEvent{
			cb: cb,
			status: EventStatus{
				TotalCount:       c.countKindLocked(e.Topic.Name, e.Kind),
				TotalCountChange: delta,
			},
		})
	}
	return fire
}

func (c *Cache) notify(fire []firedEvent) {
	for _, f := range fire {
		f.cb(f.status)
	}
	if c.changed != nil {
		c.changed.Trigger()
	}
}

// SetEventCallback registers a callback fired when the matching-endpoint set
// of the given entity changes. Only entities owned by the cache's session may
// register; the callback is dropped when the entity leaves the graph.
func (c *Cache) SetEventCallback(e *liveliness.Entity, t EventType, cb EventCallback) error {
	if !c.IsLocalEntity(e) {
		return fmt.Errorf("entity %s is not owned by this session: %w", e.Keyexpr(), core.ErrEntityNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.callbacks[e.Keyexpr()]
	if !ok {
		entry = &callbackEntry{entity: e, cbs: make(map[EventType]EventCallback)}
		c.callbacks[e.Keyexpr()] = entry
	}
	entry.cbs[t] = cb
	return nil
}
