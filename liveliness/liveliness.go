// Package liveliness encodes participant descriptions into presence-token
// names and back. The token name is the sole discovery payload: every field a
// remote session needs to reconstruct an entity travels inside the
// hierarchical key, so both directions of the codec are strict.
package liveliness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/meshwire/meshwire/core"
)

// TokenPrefix is the administrative namespace shared by all presence tokens
// of this protocol. Stable across implementations.
const TokenPrefix = "@mw_lv"

// Kind identifies what a presence token advertises.
type Kind int

const (
	KindInvalid Kind = iota
	KindNode
	KindPublisher
	KindSubscription
	KindService
	KindClient
)

var kindSegments = map[Kind]string{
	KindNode:         "NN",
	KindPublisher:    "MP",
	KindSubscription: "MS",
	KindService:      "SS",
	KindClient:       "SC",
}

// String returns the two-letter token segment for the kind.
func (k Kind) String() string {
	if s, ok := kindSegments[k]; ok {
		return s
	}
	return "??"
}

func parseKind(segment string) (Kind, bool) {
	for k, s := range kindSegments {
		if s == segment {
			return k, true
		}
	}
	return KindInvalid, false
}

// NodeInfo describes the node a token belongs to.
type NodeInfo struct {
	Domain    int
	Namespace string
	Name      string
	Enclave   string
}

// TopicInfo describes the topic or service side of a topic-bearing entity.
type TopicInfo struct {
	Name     string
	TypeName string
	TypeHash string
	QoS      QoSProfile
}

// Entity is one participant snapshot, local or remote. The identity tuple
// (SessionID, NodeID, EntityID) is globally unique; everything else is
// descriptive. Entities are immutable once constructed.
type Entity struct {
	SessionID string
	NodeID    int
	EntityID  int
	Kind      Kind
	Node      NodeInfo
	Topic     *TopicInfo

	keyexpr string
	gid     [16]byte
}

// gidNamespace seeds the deterministic GID derivation. Stable across
// implementations so that two sessions derive the same GID for the same token.
var gidNamespace = uuid.MustParse("8e1f9251-6b9c-4f34-8a5d-2f50c3a1d2e7")

// NewEntity validates and builds an Entity. Topic-bearing kinds require
// topic info; KindNode must not carry any. Service and client entities store
// the logical service type with the request/response suffix stripped, so a
// single service type is advertised once.
func NewEntity(sessionID string, nodeID, entityID int, kind Kind, node NodeInfo, topic *TopicInfo) (*Entity, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("empty session id: %w", core.ErrMalformedToken)
	}
	if _, ok := kindSegments[kind]; !ok {
		return nil, fmt.Errorf("invalid entity kind %d: %w", int(kind), core.ErrMalformedToken)
	}
	if node.Name == "" {
		return nil, fmt.Errorf("empty node name: %w", core.ErrMalformedToken)
	}
	// Normalize before the record is built so decode(encode(e)) reproduces
	// the record exactly: an empty namespace or enclave IS the root "/".
	node.Namespace = normalizeSlashField(node.Namespace)
	node.Enclave = normalizeSlashField(node.Enclave)
	if kind == KindNode {
		if topic != nil {
			return nil, fmt.Errorf("node entity cannot carry topic info: %w", core.ErrMalformedToken)
		}
	} else {
		if topic == nil || topic.Name == "" || topic.TypeName == "" || topic.TypeHash == "" {
			return nil, fmt.Errorf("%s entity requires topic name, type and hash: %w", kind, core.ErrMalformedToken)
		}
		t := *topic
		if kind == KindService || kind == KindClient {
			t.TypeName = TrimServiceTypeSuffix(t.TypeName)
		}
		topic = &t
	}

	e := &Entity{
		SessionID: sessionID,
		NodeID:    nodeID,
		EntityID:  entityID,
		Kind:      kind,
		Node:      node,
		Topic:     topic,
	}
	e.keyexpr = e.encode()
	e.gid = uuid.NewSHA1(gidNamespace, []byte(e.keyexpr))
	return e, nil
}

// Keyexpr returns the presence-token name for this entity.
func (e *Entity) Keyexpr() string {
	return e.keyexpr
}

// GID returns the 16-byte identifier derived from the token name. Two
// sessions observing the same token derive the same GID.
func (e *Entity) GID() [16]byte {
	return e.gid
}

// IdentityKey returns the unique identity tuple as a comparable value.
func (e *Entity) IdentityKey() IdentityKey {
	return IdentityKey{SessionID: e.SessionID, NodeID: e.NodeID, EntityID: e.EntityID}
}

// IdentityKey is the comparable form of the (session, node, entity) tuple.
type IdentityKey struct {
	SessionID string
	NodeID    int
	EntityID  int
}

func (e *Entity) encode() string {
	segments := []string{
		TokenPrefix,
		strconv.Itoa(e.Node.Domain),
		e.SessionID,
		strconv.Itoa(e.NodeID),
		strconv.Itoa(e.EntityID),
		e.Kind.String(),
		MangleName(e.Node.Namespace),
		MangleName(e.Node.Name),
		MangleName(e.Node.Enclave),
	}
	if e.Topic != nil {
		segments = append(segments,
			MangleName(e.Topic.Name),
			MangleName(e.Topic.TypeName),
			e.Topic.TypeHash,
			e.Topic.QoS.String(),
		)
	}
	return strings.Join(segments, "/")
}

const (
	nodeSegments  = 9
	topicSegments = 13
)

// ParseKeyexpr decodes a presence-token name. Field count, field order and
// field shape are all validated; any violation returns ErrMalformedToken and
// no partial record.
func ParseKeyexpr(key string) (*Entity, error) {
	parts := strings.Split(key, "/")
	if len(parts) != nodeSegments && len(parts) != topicSegments {
		return nil, fmt.Errorf("token %q has %d segments, want %d or %d: %w",
			key, len(parts), nodeSegments, topicSegments, core.ErrMalformedToken)
	}
	for i, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("token %q has empty segment at index %d: %w", key, i, core.ErrMalformedToken)
		}
	}
	if parts[0] != TokenPrefix {
		return nil, fmt.Errorf("token %q does not start with %s: %w", key, TokenPrefix, core.ErrMalformedToken)
	}

	domain, err := strconv.Atoi(parts[1])
	if err != nil || domain < 0 {
		return nil, fmt.Errorf("token %q has invalid domain %q: %w", key, parts[1], core.ErrMalformedToken)
	}
	nodeID, err := strconv.Atoi(parts[3])
	if err != nil || nodeID < 0 {
		return nil, fmt.Errorf("token %q has invalid node id %q: %w", key, parts[3], core.ErrMalformedToken)
	}
	entityID, err := strconv.Atoi(parts[4])
	if err != nil || entityID < 0 {
		return nil, fmt.Errorf("token %q has invalid entity id %q: %w", key, parts[4], core.ErrMalformedToken)
	}
	kind, ok := parseKind(parts[5])
	if !ok {
		return nil, fmt.Errorf("token %q has invalid entity kind %q: %w", key, parts[5], core.ErrMalformedToken)
	}

	node := NodeInfo{
		Domain:    domain,
		Namespace: DemangleName(parts[6]),
		Name:      DemangleName(parts[7]),
		Enclave:   DemangleName(parts[8]),
	}

	var topic *TopicInfo
	if kind == KindNode {
		if len(parts) != nodeSegments {
			return nil, fmt.Errorf("node token %q carries topic segments: %w", key, core.ErrMalformedToken)
		}
	} else {
		if len(parts) != topicSegments {
			return nil, fmt.Errorf("%s token %q missing topic segments: %w", kind, key, core.ErrMalformedToken)
		}
		qos, err := ParseQoS(parts[12])
		if err != nil {
			return nil, err
		}
		topic = &TopicInfo{
			Name:     DemangleName(parts[9]),
			TypeName: DemangleName(parts[10]),
			TypeHash: parts[11],
			QoS:      qos,
		}
	}

	return NewEntity(parts[2], nodeID, entityID, kind, node, topic)
}

// SubscriptionPattern returns the token pattern covering every entity in the
// given domain.
func SubscriptionPattern(domain int) string {
	return fmt.Sprintf("%s/%d/**", TokenPrefix, domain)
}

// normalizeSlashField treats the empty string and the root "/" as the same
// field so both mangle to a single "%".
func normalizeSlashField(s string) string {
	if s == "" {
		return "/"
	}
	return s
}
