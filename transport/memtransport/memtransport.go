// Package memtransport is an in-process transport adapter. All sessions
// attached to one Broker see each other's publications, presence tokens, and
// queryables. Callbacks run on dedicated goroutines to reproduce the
// concurrency profile of a real transport worker pool.
package memtransport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/transport"
)

// Broker is the shared in-process fabric.
type Broker struct {
	mu         sync.Mutex
	subs       map[string][]*subscription
	tokenSubs  []*tokenSubscription
	tokens     map[string]string // token key -> owning session id
	queryables map[string][]*queryable
}

// NewBroker creates an empty fabric.
func NewBroker() *Broker {
	return &Broker{
		subs:       make(map[string][]*subscription),
		tokens:     make(map[string]string),
		queryables: make(map[string][]*queryable),
	}
}

type subscription struct {
	b      *Broker
	key    string
	fn     func(transport.Sample)
	closed bool
}

func (s *subscription) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.closed = true
	return nil
}

type tokenSubscription struct {
	b       *Broker
	pattern string
	fn      func(transport.TokenEvent)
	closed  bool
}

func (s *tokenSubscription) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.closed = true
	return nil
}

type queryable struct {
	b       *Broker
	key     string
	handler func(transport.InboundQuery)
	closed  bool
}

func (q *queryable) Close() error {
	q.b.mu.Lock()
	defer q.b.mu.Unlock()
	q.closed = true
	return nil
}

type token struct {
	t   *Transport
	key string

	mu      sync.Mutex
	dropped bool
}

func (tok *token) Undeclare() error {
	tok.mu.Lock()
	if tok.dropped {
		tok.mu.Unlock()
		return nil
	}
	tok.dropped = true
	tok.mu.Unlock()

	tok.t.b.dropToken(tok.key)
	return nil
}

// matchPattern supports the two shapes the shim uses: exact keys and a
// trailing "/**" wildcard.
func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return strings.HasPrefix(key, prefix+"/")
	}
	return pattern == key
}

// Transport is one session's handle to the broker.
//
// Transport implements transport.Transport.
type Transport struct {
	b  *Broker
	id string

	mu     sync.Mutex
	closed bool
	owned  []*token
}

var _ transport.Transport = (*Transport)(nil)

// Connect attaches a new session to the broker.
func (b *Broker) Connect() *Transport {
	return &Transport{b: b, id: uuid.NewString()}
}

// SessionID returns the session's unique identifier.
func (t *Transport) SessionID() string {
	return t.id
}

func (t *Transport) checkOpen(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("memtransport.%s: %w", op, core.ErrSessionClosed)
	}
	return nil
}

// Publish delivers the sample to every subscriber of key, each on its own
// goroutine.
func (t *Transport) Publish(ctx context.Context, key string, payload, att []byte) error {
	if err := t.checkOpen("Publish"); err != nil {
		return err
	}

	t.b.mu.Lock()
	var targets []*subscription
	for _, s := range t.b.subs[key] {
		if !s.closed {
			targets = append(targets, s)
		}
	}
	t.b.mu.Unlock()

	sample := transport.Sample{Key: key, Payload: payload, Attachment: att}
	for _, s := range targets {
		go s.fn(sample)
	}
	return nil
}

// Subscribe registers fn for samples published on key.
func (t *Transport) Subscribe(ctx context.Context, key string, fn func(transport.Sample)) (transport.Subscription, error) {
	if err := t.checkOpen("Subscribe"); err != nil {
		return nil, err
	}
	s := &subscription{b: t.b, key: key, fn: fn}
	t.b.mu.Lock()
	t.b.subs[key] = append(t.b.subs[key], s)
	t.b.mu.Unlock()
	return s, nil
}

// DeclareToken declares a presence token and fans the appear event out to
// token subscribers.
func (t *Transport) DeclareToken(ctx context.Context, key string) (transport.Token, error) {
	if err := t.checkOpen("DeclareToken"); err != nil {
		return nil, err
	}

	t.b.mu.Lock()
	t.b.tokens[key] = t.id
	targets := t.b.tokenTargetsLocked(key)
	t.b.mu.Unlock()

	ev := transport.TokenEvent{Kind: transport.TokenAlive, Key: key}
	for _, fn := range targets {
		go fn(ev)
	}

	tok := &token{t: t, key: key}
	t.mu.Lock()
	t.owned = append(t.owned, tok)
	t.mu.Unlock()
	return tok, nil
}

func (b *Broker) tokenTargetsLocked(key string) []func(transport.TokenEvent) {
	var out []func(transport.TokenEvent)
	for _, ts := range b.tokenSubs {
		if !ts.closed && matchPattern(ts.pattern, key) {
			out = append(out, ts.fn)
		}
	}
	return out
}

func (b *Broker) dropToken(key string) {
	b.mu.Lock()
	_, live := b.tokens[key]
	delete(b.tokens, key)
	targets := b.tokenTargetsLocked(key)
	b.mu.Unlock()

	if !live {
		return
	}
	ev := transport.TokenEvent{Kind: transport.TokenDropped, Key: key}
	for _, fn := range targets {
		go fn(ev)
	}
}

// SubscribeTokens registers fn for appear/disappear events matching pattern.
func (t *Transport) SubscribeTokens(ctx context.Context, pattern string, fn func(transport.TokenEvent)) (transport.Subscription, error) {
	if err := t.checkOpen("SubscribeTokens"); err != nil {
		return nil, err
	}
	ts := &tokenSubscription{b: t.b, pattern: pattern, fn: fn}
	t.b.mu.Lock()
	t.b.tokenSubs = append(t.b.tokenSubs, ts)
	t.b.mu.Unlock()
	return ts, nil
}

// TokenSnapshot enumerates currently-live token names matching pattern.
func (t *Transport) TokenSnapshot(ctx context.Context, pattern string) ([]string, error) {
	if err := t.checkOpen("TokenSnapshot"); err != nil {
		return nil, err
	}
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	var out []string
	for key := range t.b.tokens {
		if matchPattern(pattern, key) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Query dispatches the query to every queryable on key. Replies flow to
// onReply as each handler responds; under ConsolidationLatest only the first
// reply is delivered. onDone fires once after every handler has returned.
func (t *Transport) Query(ctx context.Context, key string, payload, att []byte, opts transport.QueryOptions, onReply transport.ReplyHandler, onDone transport.DropHandler) error {
	if err := t.checkOpen("Query"); err != nil {
		return err
	}

	t.b.mu.Lock()
	var targets []*queryable
	for _, q := range t.b.queryables[key] {
		if !q.closed {
			targets = append(targets, q)
		}
	}
	t.b.mu.Unlock()

	go func() {
		var replyMu sync.Mutex
		delivered := false
		for _, q := range targets {
			q.handler(transport.InboundQuery{
				Key:        key,
				Payload:    payload,
				Attachment: att,
				Respond: func(replyPayload, replyAtt []byte) error {
					replyMu.Lock()
					if opts.Consolidation == transport.ConsolidationLatest && delivered {
						replyMu.Unlock()
						return nil
					}
					delivered = true
					replyMu.Unlock()
					onReply(transport.Reply{Payload: replyPayload, Attachment: replyAtt})
					return nil
				},
			})
		}
		if onDone != nil {
			onDone()
		}
	}()
	return nil
}

// DeclareQueryable registers a handler answering queries on key.
func (t *Transport) DeclareQueryable(ctx context.Context, key string, handler func(transport.InboundQuery)) (transport.Subscription, error) {
	if err := t.checkOpen("DeclareQueryable"); err != nil {
		return nil, err
	}
	q := &queryable{b: t.b, key: key, handler: handler}
	t.b.mu.Lock()
	t.b.queryables[key] = append(t.b.queryables[key], q)
	t.b.mu.Unlock()
	return q, nil
}

// Close drops every token the session declared, emitting disappear events,
// and detaches from the broker. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := t.owned
	t.mu.Unlock()

	for _, tok := range owned {
		_ = tok.Undeclare()
	}
	return nil
}
