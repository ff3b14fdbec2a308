// Package redistransport adapts Redis to the transport contract: data
// samples and queries travel over pub/sub channels, presence tokens are
// namespaced keys kept alive by a TTL heartbeat, and liveliness events fan
// out over a dedicated channel.
package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/transport"
)

const (
	defaultTokenTTL     = 30 * time.Second
	defaultQueryTimeout = 10 * time.Second
	// Effectively unbounded; used when QueryOptions.Timeout is negative.
	unboundedQueryTimeout = 24 * 365 * time.Hour

	// Keyspace notification channel for keys whose TTL ran out. A crashed
	// session never publishes a "dropped" frame, so its token keys surface
	// here instead.
	expiredEventPattern = "__keyevent@*__:expired"
)

// envelope is the JSON frame carried on every data, query, and reply channel.
type envelope struct {
	Payload    []byte `json:"payload"`
	Attachment []byte `json:"attachment,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

// tokenEventMsg is the frame on the liveliness channel.
type tokenEventMsg struct {
	Kind string `json:"kind"` // "alive" or "dropped"
	Key  string `json:"key"`
}

// Transport is one Redis-backed transport session.
//
// Transport implements transport.Transport.
type Transport struct {
	client    *redis.Client
	namespace string
	id        string
	ttl       time.Duration
	logger    core.Logger

	mu        sync.Mutex
	closed    bool
	tokens    map[string]*token
	listeners []*listener
	cancelAll context.CancelFunc
	rootCtx   context.Context
}

var _ transport.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the adapter logger.
func WithLogger(l core.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithNamespace prefixes every Redis key and channel. Defaults to "meshwire".
func WithNamespace(ns string) Option {
	return func(t *Transport) { t.namespace = ns }
}

// WithTokenTTL overrides the presence-token TTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(t *Transport) { t.ttl = ttl }
}

// Connect opens a Redis-backed transport session.
func Connect(redisURL string, opts ...Option) (*Transport, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}

	// Production-grade connection settings.
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = time.Millisecond * 100
	opt.MaxRetryBackoff = time.Second * 1
	opt.DialTimeout = time.Second * 5
	opt.ReadTimeout = 0 // pub/sub listeners block on Receive
	opt.WriteTimeout = time.Second * 5

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.Ping(ctx).Err()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w: %v", core.ErrTransportFailure, err)
	}

	rootCtx, cancelAll := context.WithCancel(context.Background())
	t := &Transport{
		client:    client,
		namespace: "meshwire",
		id:        uuid.NewString(),
		ttl:       defaultTokenTTL,
		logger:    &core.NoOpLogger{},
		tokens:    make(map[string]*token),
		rootCtx:   rootCtx,
		cancelAll: cancelAll,
	}
	for _, o := range opts {
		o(t)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	t.enableExpiryNotifications(ctx)
	cancel()
	return t, nil
}

// enableExpiryNotifications turns on expired-key keyspace events so a crashed
// session's tokens surface as drops once their TTL runs out. Best effort: a
// server that forbids CONFIG still delivers cleanly undeclared drops, and the
// session layer reconciles periodically.
func (t *Transport) enableExpiryNotifications(ctx context.Context) {
	res, err := t.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		t.logger.Warn("Could not read notify-keyspace-events, expired tokens rely on reconciliation", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if len(res) < 2 {
		return
	}
	current, _ := res[1].(string)

	// Preserve whatever classes the operator already enabled.
	flags := current
	if !strings.Contains(flags, "E") {
		flags += "E"
	}
	if !strings.Contains(flags, "x") && !strings.Contains(flags, "A") {
		flags += "x"
	}
	if flags == current {
		return
	}
	if err := t.client.ConfigSet(ctx, "notify-keyspace-events", flags).Err(); err != nil {
		t.logger.Warn("Could not enable expired-key notifications, expired tokens rely on reconciliation", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// SessionID returns the session's unique identifier.
func (t *Transport) SessionID() string {
	return t.id
}

func (t *Transport) dataChannel(key string) string {
	return fmt.Sprintf("%s:data:%s", t.namespace, key)
}

func (t *Transport) queryChannel(key string) string {
	return fmt.Sprintf("%s:query:%s", t.namespace, key)
}

func (t *Transport) livelinessChannel() string {
	return fmt.Sprintf("%s:liveliness", t.namespace)
}

func (t *Transport) tokenKey(key string) string {
	return fmt.Sprintf("%s:tokens:%s", t.namespace, key)
}

func (t *Transport) checkOpen(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("redistransport.%s: %w", op, core.ErrSessionClosed)
	}
	return nil
}

// listener pumps one Redis pub/sub subscription on its own goroutine.
type listener struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *listener) Close() error {
	l.cancel()
	err := l.pubsub.Close()
	<-l.done
	return err
}

func (t *Transport) listen(channel string, fn func(payload string)) (*listener, error) {
	return t.attach(t.client.Subscribe(t.rootCtx, channel), channel, fn)
}

func (t *Transport) listenPattern(pattern string, fn func(payload string)) (*listener, error) {
	return t.attach(t.client.PSubscribe(t.rootCtx, pattern), pattern, fn)
}

func (t *Transport) attach(pubsub *redis.PubSub, channel string, fn func(payload string)) (*listener, error) {
	// Force the subscription onto the wire before returning so callers can
	// rely on ordering between subscribe and a following snapshot.
	if _, err := pubsub.Receive(t.rootCtx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w: %v", channel, core.ErrTransportFailure, err)
	}

	ctx, cancel := context.WithCancel(t.rootCtx)
	l := &listener{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	ch := pubsub.Channel()
	go func() {
		defer close(l.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()

	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
	return l, nil
}

// Publish sends payload (with optional attachment) on key.
func (t *Transport) Publish(ctx context.Context, key string, payload, att []byte) error {
	if err := t.checkOpen("Publish"); err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Payload: payload, Attachment: att})
	if err != nil {
		return fmt.Errorf("redistransport.Publish: marshaling envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.dataChannel(key), frame).Err(); err != nil {
		return fmt.Errorf("redistransport.Publish on %s: %w: %v", key, core.ErrTransportFailure, err)
	}
	return nil
}

// Subscribe delivers every sample published on key to fn.
func (t *Transport) Subscribe(ctx context.Context, key string, fn func(transport.Sample)) (transport.Subscription, error) {
	if err := t.checkOpen("Subscribe"); err != nil {
		return nil, err
	}
	return t.listen(t.dataChannel(key), func(raw string) {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			t.logger.Warn("Discarding undecodable data frame", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		fn(transport.Sample{Key: key, Payload: env.Payload, Attachment: env.Attachment})
	})
}

// publishTokenEvent best-effort announces a token transition.
func (t *Transport) publishTokenEvent(ctx context.Context, kind, key string) error {
	frame, err := json.Marshal(tokenEventMsg{Kind: kind, Key: key})
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.livelinessChannel(), frame).Err()
}

// tokenEventSubscription pairs the liveliness-channel listener with the
// expired-key listener so both retire together.
type tokenEventSubscription struct {
	live    *listener
	expired *listener
}

func (s *tokenEventSubscription) Close() error {
	err := s.live.Close()
	if err2 := s.expired.Close(); err == nil {
		err = err2
	}
	return err
}

// SubscribeTokens delivers appear/disappear events for tokens matching the
// pattern. Drops arrive on two paths: the liveliness channel for clean
// undeclares, and expired-key keyspace notifications for tokens whose owner
// stopped heartbeating.
func (t *Transport) SubscribeTokens(ctx context.Context, pattern string, fn func(transport.TokenEvent)) (transport.Subscription, error) {
	if err := t.checkOpen("SubscribeTokens"); err != nil {
		return nil, err
	}
	live, err := t.listen(t.livelinessChannel(), func(raw string) {
		var msg tokenEventMsg
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.logger.Warn("Discarding undecodable liveliness frame", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if !matchPattern(pattern, msg.Key) {
			return
		}
		ev := transport.TokenEvent{Key: msg.Key}
		switch msg.Kind {
		case "alive":
			ev.Kind = transport.TokenAlive
		case "dropped":
			ev.Kind = transport.TokenDropped
		default:
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, err
	}

	prefix := t.tokenKey("")
	expired, err := t.listenPattern(expiredEventPattern, func(expiredKey string) {
		if !strings.HasPrefix(expiredKey, prefix) {
			return
		}
		key := strings.TrimPrefix(expiredKey, prefix)
		if !matchPattern(pattern, key) {
			return
		}
		fn(transport.TokenEvent{Kind: transport.TokenDropped, Key: key})
	})
	if err != nil {
		_ = live.Close()
		return nil, err
	}
	return &tokenEventSubscription{live: live, expired: expired}, nil
}

func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return strings.HasPrefix(key, prefix+"/")
	}
	return pattern == key
}

// TokenSnapshot enumerates currently-live tokens matching the pattern via a
// cursor scan over the token keyspace.
func (t *Transport) TokenSnapshot(ctx context.Context, pattern string) ([]string, error) {
	if err := t.checkOpen("TokenSnapshot"); err != nil {
		return nil, err
	}

	prefix := t.tokenKey("")
	var out []string
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redistransport.TokenSnapshot: %w: %v", core.ErrTransportFailure, err)
		}
		for _, k := range keys {
			name := strings.TrimPrefix(k, prefix)
			if matchPattern(pattern, name) {
				out = append(out, name)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// token is a declared presence key kept alive by a heartbeat goroutine.
type token struct {
	t   *Transport
	key string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	dropped bool
}

// Undeclare stops the heartbeat, deletes the key, and announces the drop.
// Idempotent.
func (tok *token) Undeclare() error {
	tok.mu.Lock()
	if tok.dropped {
		tok.mu.Unlock()
		return nil
	}
	tok.dropped = true
	tok.mu.Unlock()

	tok.cancel()
	<-tok.done

	t := tok.t
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Del(ctx, t.tokenKey(tok.key)).Err(); err != nil {
		return fmt.Errorf("redistransport: deleting token %s: %w: %v", tok.key, core.ErrTransportFailure, err)
	}
	if err := t.publishTokenEvent(ctx, "dropped", tok.key); err != nil {
		t.logger.Warn("Failed to announce token drop", map[string]interface{}{
			"key":   tok.key,
			"error": err.Error(),
		})
	}

	t.mu.Lock()
	delete(t.tokens, tok.key)
	t.mu.Unlock()
	return nil
}

// DeclareToken writes the presence key with a TTL, announces it on the
// liveliness channel, and starts a heartbeat refreshing the TTL at a third of
// its duration so crashed sessions expire without a clean drop.
func (t *Transport) DeclareToken(ctx context.Context, key string) (transport.Token, error) {
	if err := t.checkOpen("DeclareToken"); err != nil {
		return nil, err
	}

	redisKey := t.tokenKey(key)
	if err := t.client.Set(ctx, redisKey, t.id, t.ttl).Err(); err != nil {
		return nil, fmt.Errorf("redistransport.DeclareToken %s: %w: %v", key, core.ErrTransportFailure, err)
	}
	if err := t.publishTokenEvent(ctx, "alive", key); err != nil {
		_ = t.client.Del(ctx, redisKey).Err()
		return nil, fmt.Errorf("redistransport.DeclareToken %s: announcing: %w: %v", key, core.ErrTransportFailure, err)
	}

	hbCtx, cancel := context.WithCancel(t.rootCtx)
	tok := &token{t: t, key: key, cancel: cancel, done: make(chan struct{})}
	go t.heartbeat(hbCtx, tok)

	t.mu.Lock()
	t.tokens[key] = tok
	t.mu.Unlock()
	return tok, nil
}

func (t *Transport) heartbeat(ctx context.Context, tok *token) {
	defer close(tok.done)

	interval := t.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	redisKey := t.tokenKey(tok.key)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.client.Expire(ctx, redisKey, t.ttl).Err(); err != nil {
				t.logger.Warn("Token heartbeat failed", map[string]interface{}{
					"key":   tok.key,
					"error": err.Error(),
				})
			}
		}
	}
}

// Query publishes the request on the query channel with a per-query reply
// channel. Replies stream to onReply until the query finalizes; with
// ConsolidationLatest the first reply finalizes it, otherwise the timeout
// does. onDone fires exactly once.
func (t *Transport) Query(ctx context.Context, key string, payload, att []byte, opts transport.QueryOptions, onReply transport.ReplyHandler, onDone transport.DropHandler) error {
	if err := t.checkOpen("Query"); err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultQueryTimeout
	} else if timeout < 0 {
		timeout = unboundedQueryTimeout
	}

	first := make(chan struct{}, 1)
	replyChannel := fmt.Sprintf("%s:reply:%s", t.namespace, uuid.NewString())
	replies, err := t.listen(replyChannel, func(raw string) {
		var env envelope
		if jsonErr := json.Unmarshal([]byte(raw), &env); jsonErr != nil {
			t.logger.Warn("Discarding undecodable reply frame", map[string]interface{}{
				"key":   key,
				"error": jsonErr.Error(),
			})
			return
		}
		if onReply != nil {
			onReply(transport.Reply{Payload: env.Payload, Attachment: env.Attachment})
		}
		select {
		case first <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}

	frame, err := json.Marshal(envelope{Payload: payload, Attachment: att, ReplyTo: replyChannel})
	if err != nil {
		_ = replies.Close()
		return fmt.Errorf("redistransport.Query: marshaling envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.queryChannel(key), frame).Err(); err != nil {
		_ = replies.Close()
		return fmt.Errorf("redistransport.Query on %s: %w: %v", key, core.ErrTransportFailure, err)
	}

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		if opts.Consolidation == transport.ConsolidationLatest {
			select {
			case <-first:
			case <-timer.C:
			case <-t.rootCtx.Done():
			}
		} else {
			select {
			case <-timer.C:
			case <-t.rootCtx.Done():
			}
		}
		_ = replies.Close()
		if onDone != nil {
			onDone()
		}
	}()
	return nil
}

// DeclareQueryable subscribes to the query channel for key and answers each
// request on its embedded reply channel.
func (t *Transport) DeclareQueryable(ctx context.Context, key string, handler func(transport.InboundQuery)) (transport.Subscription, error) {
	if err := t.checkOpen("DeclareQueryable"); err != nil {
		return nil, err
	}
	return t.listen(t.queryChannel(key), func(raw string) {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			t.logger.Warn("Discarding undecodable query frame", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		if env.ReplyTo == "" {
			return
		}
		replyTo := env.ReplyTo
		handler(transport.InboundQuery{
			Key:        key,
			Payload:    env.Payload,
			Attachment: env.Attachment,
			Respond: func(replyPayload, replyAtt []byte) error {
				frame, err := json.Marshal(envelope{Payload: replyPayload, Attachment: replyAtt})
				if err != nil {
					return fmt.Errorf("redistransport: marshaling reply envelope: %w", err)
				}
				sendCtx, cancel := context.WithTimeout(t.rootCtx, 5*time.Second)
				defer cancel()
				if err := t.client.Publish(sendCtx, replyTo, frame).Err(); err != nil {
					return fmt.Errorf("redistransport: publishing reply: %w: %v", core.ErrTransportFailure, err)
				}
				return nil
			},
		})
	})
}

// Close undeclares every token the session owns, stops all listeners, and
// closes the Redis client. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	owned := make([]*token, 0, len(t.tokens))
	for _, tok := range t.tokens {
		owned = append(owned, tok)
	}
	t.mu.Unlock()

	var firstErr error
	for _, tok := range owned {
		if err := tok.Undeclare(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.cancelAll()

	t.mu.Lock()
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}

	if err := t.client.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("redistransport.Close: %w: %v", core.ErrTransportFailure, err)
	}
	return firstErr
}
