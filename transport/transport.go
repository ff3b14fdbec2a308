// Package transport defines the narrow contract this module expects from the
// underlying pub/sub fabric: publish, subscribe, presence tokens, and a
// one-shot query/reply primitive. The discovery and correlation layers only
// ever talk to these interfaces; concrete adapters live in subpackages.
package transport

import (
	"context"
	"time"
)

// Sample is one message delivered to a subscriber. The attachment carries
// side-channel metadata and may be nil.
type Sample struct {
	Key        string
	Payload    []byte
	Attachment []byte
}

// Reply is one answer to a query. A transport may deliver zero, one, or
// several replies per query depending on the consolidation setting.
type Reply struct {
	Payload    []byte
	Attachment []byte
}

// TokenEventKind distinguishes presence-token appear/disappear notifications.
type TokenEventKind int

const (
	// TokenAlive signals that a presence token was declared somewhere.
	TokenAlive TokenEventKind = iota
	// TokenDropped signals that a presence token was undeclared or its
	// owning session went away.
	TokenDropped
)

// TokenEvent is a liveliness notification for a single presence token. The
// token name is the only payload.
type TokenEvent struct {
	Kind TokenEventKind
	Key  string
}

// Consolidation controls whether multiple replies to one query are
// deduplicated before delivery.
type Consolidation int

const (
	// ConsolidationNone delivers every reply, in arrival order.
	ConsolidationNone Consolidation = iota
	// ConsolidationLatest guarantees at most one reply per responding key.
	ConsolidationLatest
)

// QueryOptions tune a single query. A zero Timeout means the transport
// default; a negative Timeout means effectively unbounded.
type QueryOptions struct {
	Timeout       time.Duration
	Consolidation Consolidation
}

// Subscription is a handle to an active subscription of any kind.
type Subscription interface {
	Close() error
}

// Token is a handle to a declared presence token.
type Token interface {
	Undeclare() error
}

// InboundQuery is one query delivered to a queryable handler. Respond may be
// called zero or more times before the handler returns.
type InboundQuery struct {
	Key        string
	Payload    []byte
	Attachment []byte
	Respond    func(payload, attachment []byte) error
}

// ReplyHandler receives replies to a query on a transport worker goroutine.
type ReplyHandler func(Reply)

// DropHandler is invoked exactly once when the transport finalizes a query
// and will deliver no further replies for it. It runs on a transport worker
// goroutine, possibly concurrently with application-initiated teardown.
type DropHandler func()

// Transport is the session-scoped handle to the pub/sub fabric.
//
// All callbacks are invoked on goroutines owned by the transport, concurrently
// with application goroutines. Implementations must not hold internal locks
// while invoking callbacks.
type Transport interface {
	// Publish sends payload (with optional attachment) on key.
	Publish(ctx context.Context, key string, payload, attachment []byte) error

	// Subscribe delivers every sample published on key to fn.
	Subscribe(ctx context.Context, key string, fn func(Sample)) (Subscription, error)

	// DeclareToken declares a named presence token visible to all sessions.
	DeclareToken(ctx context.Context, key string) (Token, error)

	// SubscribeTokens delivers appear/disappear events for tokens matching
	// the pattern.
	SubscribeTokens(ctx context.Context, pattern string, fn func(TokenEvent)) (Subscription, error)

	// TokenSnapshot enumerates the names of currently-live tokens matching
	// the pattern. Blocking; used once at session bootstrap.
	TokenSnapshot(ctx context.Context, pattern string) ([]string, error)

	// Query issues a one-shot query on key. Replies are delivered to onReply
	// as they arrive; onDone fires exactly once when no further replies will
	// be delivered.
	Query(ctx context.Context, key string, payload, attachment []byte, opts QueryOptions, onReply ReplyHandler, onDone DropHandler) error

	// DeclareQueryable registers a handler answering queries on key.
	DeclareQueryable(ctx context.Context, key string, handler func(InboundQuery)) (Subscription, error)

	// SessionID returns the stable identifier of this transport session.
	SessionID() string

	// Close tears the session down. Declared tokens are dropped.
	Close() error
}
