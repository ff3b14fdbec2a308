package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshwire/meshwire/attachment"
	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/correlation"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/transport"
)

// DataKey returns the data-plane key shared by all endpoints of a topic or
// service. Distinct from the presence-token name, stable across sessions.
func DataKey(domain int, name, typeName string) string {
	return fmt.Sprintf("%d/%s/%s", domain, liveliness.MangleName(name), liveliness.MangleName(typeName))
}

// Node groups the endpoints declared under one node presence token.
type Node struct {
	session *Session
	id      int
	info    liveliness.NodeInfo
	entity  *liveliness.Entity
	token   transport.Token

	mu        sync.Mutex
	destroyed bool
	endpoints []*Endpoint
	clients   []*Client
}

// ID returns the session-scoped node id.
func (n *Node) ID() int {
	return n.id
}

// Entity returns the node's own entity record.
func (n *Node) Entity() *liveliness.Entity {
	return n.entity
}

// Endpoint is one declared publisher, subscription, or service. The handle
// pairs the presence token with the graph-local record so both are retired
// together.
type Endpoint struct {
	node   *Node
	entity *liveliness.Entity
	token  transport.Token
	extra  transport.Subscription // queryable handle for services, may be nil

	mu        sync.Mutex
	destroyed bool
}

// Entity returns the endpoint's entity record.
func (e *Endpoint) Entity() *liveliness.Entity {
	return e.entity
}

// Undeclare drops the presence token and removes the endpoint from the local
// graph. Idempotent.
func (e *Endpoint) Undeclare() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()

	var firstErr error
	if e.extra != nil {
		firstErr = e.extra.Close()
	}
	if err := e.token.Undeclare(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.node.session.cache.ApplyDelete(e.entity)
	return firstErr
}

func (n *Node) declare(ctx context.Context, kind liveliness.Kind, topic liveliness.TopicInfo) (*liveliness.Entity, transport.Token, error) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return nil, nil, fmt.Errorf("node %s: %w", n.info.Name, core.ErrShutdown)
	}
	n.mu.Unlock()

	s := n.session
	if topic.QoS == (liveliness.QoSProfile{}) {
		topic.QoS = s.defaultQoS
	}
	entity, err := liveliness.NewEntity(s.tp.SessionID(), n.id, s.allocEntityID(), kind, n.info, &topic)
	if err != nil {
		return nil, nil, err
	}
	token, err := s.tp.DeclareToken(ctx, entity.Keyexpr())
	if err != nil {
		return nil, nil, fmt.Errorf("declaring %s token for %s: %w: %v", kind, topic.Name, core.ErrTransportFailure, err)
	}
	s.cache.ApplyPut(entity)
	return entity, token, nil
}

func (n *Node) track(e *Endpoint) *Endpoint {
	n.mu.Lock()
	n.endpoints = append(n.endpoints, e)
	n.mu.Unlock()
	return e
}

// CreatePublisher advertises a publisher on the topic.
func (n *Node) CreatePublisher(ctx context.Context, topic liveliness.TopicInfo) (*Endpoint, error) {
	entity, token, err := n.declare(ctx, liveliness.KindPublisher, topic)
	if err != nil {
		return nil, err
	}
	return n.track(&Endpoint{node: n, entity: entity, token: token}), nil
}

// CreateSubscription advertises a subscription on the topic.
func (n *Node) CreateSubscription(ctx context.Context, topic liveliness.TopicInfo) (*Endpoint, error) {
	entity, token, err := n.declare(ctx, liveliness.KindSubscription, topic)
	if err != nil {
		return nil, err
	}
	return n.track(&Endpoint{node: n, entity: entity, token: token}), nil
}

// ServiceHandler answers one inbound request. Respond echoes the request's
// correlation fields so the issuing store can match the reply.
type ServiceHandler func(payload []byte, respond func(reply []byte) error)

// CreateService advertises a service server and, when handler is non-nil,
// answers queries on the service's data key.
func (n *Node) CreateService(ctx context.Context, topic liveliness.TopicInfo, handler ServiceHandler) (*Endpoint, error) {
	entity, token, err := n.declare(ctx, liveliness.KindService, topic)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{node: n, entity: entity, token: token}

	if handler != nil {
		key := DataKey(n.info.Domain, entity.Topic.Name, entity.Topic.TypeName)
		queryable, err := n.session.tp.DeclareQueryable(ctx, key, func(q transport.InboundQuery) {
			att, decErr := attachment.Decode(q.Attachment)
			if decErr != nil {
				n.session.logger.Warn("Discarding request with undecodable attachment", map[string]interface{}{
					"service": entity.Topic.Name,
					"error":   decErr.Error(),
				})
				return
			}
			handler(q.Payload, func(reply []byte) error {
				out := attachment.Data{
					SequenceNumber:  att.SequenceNumber,
					SourceTimestamp: att.SourceTimestamp,
					SourceGID:       att.SourceGID,
				}
				return q.Respond(reply, out.Encode())
			})
		})
		if err != nil {
			_ = token.Undeclare()
			n.session.cache.ApplyDelete(entity)
			return nil, fmt.Errorf("declaring queryable for %s: %w: %v", entity.Topic.Name, core.ErrTransportFailure, err)
		}
		ep.extra = queryable
	}
	return n.track(ep), nil
}

// Client pairs a service-client presence token with the correlation store
// issuing its requests.
type Client struct {
	*correlation.Store

	node   *Node
	entity *liveliness.Entity
	token  transport.Token

	mu        sync.Mutex
	destroyed bool
}

// Entity returns the client's entity record.
func (c *Client) Entity() *liveliness.Entity {
	return c.entity
}

// ServerAvailable reports whether at least one server for this client's
// service is known to the graph.
func (c *Client) ServerAvailable() bool {
	return c.node.session.cache.ServiceServerAvailable(c.entity.Topic.Name, c.entity.Topic.TypeName)
}

// Destroy undeclares the presence token, removes the client from the graph,
// and requests store shutdown. The store itself is freed only once its
// in-flight callbacks have drained.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	err := c.token.Undeclare()
	c.node.session.cache.ApplyDelete(c.entity)
	c.Store.Shutdown()
	return err
}

// CreateClient advertises a service client and returns its correlation store
// bound to the service's data key.
func (n *Node) CreateClient(ctx context.Context, topic liveliness.TopicInfo) (*Client, error) {
	entity, token, err := n.declare(ctx, liveliness.KindClient, topic)
	if err != nil {
		return nil, err
	}

	s := n.session
	key := DataKey(n.info.Domain, entity.Topic.Name, entity.Topic.TypeName)

	// The release hook fires on a transport worker once the store's last
	// in-flight callback drains after shutdown; only then may the node drop
	// its reference.
	var c *Client
	store := correlation.New(s.tp, key, entity.GID(), entity.Topic.QoS,
		correlation.WithLogger(s.logger),
		correlation.WithTelemetry(s.telemetry),
		correlation.WithOnRelease(func() {
			n.dropClient(c)
		}),
	)

	c = &Client{Store: store, node: n, entity: entity, token: token}
	n.mu.Lock()
	n.clients = append(n.clients, c)
	n.mu.Unlock()
	return c, nil
}

func (n *Node) dropClient(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, have := range n.clients {
		if have == c {
			n.clients = append(n.clients[:i], n.clients[i+1:]...)
			return
		}
	}
}

// Destroy retires every endpoint and client of the node, then the node's own
// presence token. Idempotent.
func (n *Node) Destroy(ctx context.Context) error {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return nil
	}
	n.destroyed = true
	endpoints := n.endpoints
	clients := n.clients
	n.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, e := range endpoints {
		if err := e.Undeclare(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := n.token.Undeclare(); err != nil && firstErr == nil {
		firstErr = err
	}
	n.session.cache.ApplyDelete(n.entity)
	n.session.dropNode(n.id)
	return firstErr
}
