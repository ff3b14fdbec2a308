// Package correlation turns the transport's one-shot query/reply primitive
// into request/response semantics: monotonic sequence numbers carried in an
// attachment, a bounded FIFO of replies, and counter-gated teardown that keeps
// the store alive while transport callbacks still reference it.
package correlation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"

	"github.com/meshwire/meshwire/attachment"
	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/transport"
)

// ReceivedReply is one reply taken from the store. SequenceNumber and
// SourceGID identify the request/responder pair; matching them against an
// issued request is the caller's job, but both fields are guaranteed present
// and decodable for every buffered reply.
type ReceivedReply struct {
	SequenceNumber    int64
	SourceTimestamp   int64
	SourceGID         [attachment.GIDSize]byte
	ReceivedTimestamp int64
	Payload           []byte
}

// Store correlates requests with replies for one request-issuing endpoint.
//
// Two independent mutexes: queueMu guards the reply buffer and the
// attached wait condition, flightMu guards the in-flight counter and shutdown
// flag. A long-held queue lock must never block the fast in-flight decrement
// on the transport worker.
type Store struct {
	tp  transport.Transport
	key string
	gid [attachment.GIDSize]byte
	qos liveliness.QoSProfile

	clock     clock.Clock
	logger    core.Logger
	telemetry core.Telemetry

	// Next sequence number is seq+1; first issued number is 1. Never reused.
	seq atomic.Int64

	queueMu    sync.Mutex
	replies    *queue.Queue
	waitCond   *core.GuardCondition
	onNewReply func(missed int)
	missed     int

	flightMu  sync.Mutex
	inFlight  int
	shutdown  bool
	released  bool
	onRelease func()
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l core.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTelemetry sets the store telemetry provider.
func WithTelemetry(t core.Telemetry) Option {
	return func(s *Store) { s.telemetry = t }
}

// WithClock injects the clock used for reply timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithOnRelease sets the hook invoked exactly once when the store becomes
// destructible (shutdown requested and no callbacks in flight). The owning
// collection uses it to drop its reference.
func WithOnRelease(fn func()) Option {
	return func(s *Store) { s.onRelease = fn }
}

// New creates a Store issuing requests on key with the given endpoint
// identity and resolved QoS profile.
func New(tp transport.Transport, key string, gid [attachment.GIDSize]byte, qos liveliness.QoSProfile, opts ...Option) *Store {
	s := &Store{
		tp:        tp,
		key:       key,
		gid:       gid,
		qos:       qos,
		clock:     clock.New(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		replies:   queue.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendRequest issues the payload as a query carrying a fresh sequence number
// and returns that number. The query timeout is effectively unbounded; callers
// wanting a deadline layer one on top. One in-flight callback
// is registered before the transport call so a reply racing the return cannot
// observe a zero in-flight count.
func (s *Store) SendRequest(ctx context.Context, payload []byte) (int64, error) {
	s.flightMu.Lock()
	if s.shutdown {
		s.flightMu.Unlock()
		return 0, fmt.Errorf("correlation.SendRequest: %w", core.ErrShutdown)
	}
	s.inFlight++
	s.flightMu.Unlock()

	seq := s.seq.Add(1)
	att := attachment.Data{
		SequenceNumber:  seq,
		SourceTimestamp: s.clock.Now().UnixNano(),
		SourceGID:       s.gid,
	}

	opts := transport.QueryOptions{
		Timeout:       -1, // service calls may legitimately outlive any usual timeout
		Consolidation: transport.ConsolidationLatest,
	}
	err := s.tp.Query(ctx, s.key, payload, att.Encode(), opts, s.handleReply, s.handleDrop)
	if err != nil {
		// Roll back the registration through the same gate that normal
		// teardown uses, in case shutdown raced the failed send.
		s.decrementInFlight()
		return 0, fmt.Errorf("correlation.SendRequest on %s: %w: %v", s.key, core.ErrTransportFailure, err)
	}

	s.telemetry.RecordMetric("correlation.requests", 1, map[string]string{"key": s.key})
	return seq, nil
}

// handleReply runs on a transport worker goroutine, at most once per accepted
// reply. Replies arriving after shutdown are discarded without buffering.
func (s *Store) handleReply(r transport.Reply) {
	s.flightMu.Lock()
	down := s.shutdown
	s.flightMu.Unlock()
	if down {
		return
	}

	att, err := attachment.Decode(r.Attachment)
	if err != nil {
		s.logger.Warn("Discarding reply with undecodable attachment", map[string]interface{}{
			"key":   s.key,
			"error": err.Error(),
		})
		return
	}
	if att.SequenceNumber < 0 || att.SourceTimestamp < 0 {
		s.logger.Warn("Discarding reply with out-of-range correlation fields", map[string]interface{}{
			"key":              s.key,
			"sequence_number":  att.SequenceNumber,
			"source_timestamp": att.SourceTimestamp,
			"error":            core.ErrProtocolViolation.Error(),
		})
		return
	}

	reply := ReceivedReply{
		SequenceNumber:    att.SequenceNumber,
		SourceTimestamp:   att.SourceTimestamp,
		SourceGID:         att.SourceGID,
		ReceivedTimestamp: s.clock.Now().UnixNano(),
		Payload:           r.Payload,
	}

	s.queueMu.Lock()
	// A depth of 0 still buffers the newest reply; the eviction only runs
	// when there is something to evict.
	if s.qos.History != liveliness.HistoryKeepAll && s.replies.Length() > 0 && s.replies.Length() >= s.qos.Depth {
		s.replies.Remove()
		s.logger.Warn("Reply queue depth reached, discarding oldest reply", map[string]interface{}{
			"key":   s.key,
			"depth": s.qos.Depth,
		})
		s.telemetry.RecordMetric("correlation.replies_dropped", 1, map[string]string{"key": s.key})
	}
	s.replies.Add(reply)
	cond := s.waitCond
	cb := s.onNewReply
	if cb == nil {
		s.missed++
	}
	s.queueMu.Unlock()

	if cond != nil {
		cond.Trigger()
	}
	if cb != nil {
		cb(1)
	}
}

// handleDrop runs exactly once per issued query when the transport finalizes
// it. The last drop after shutdown makes the store destructible.
func (s *Store) handleDrop() {
	s.decrementInFlight()
}

func (s *Store) decrementInFlight() {
	s.flightMu.Lock()
	s.inFlight--
	release := s.shutdown && s.inFlight == 0 && !s.released
	if release {
		s.released = true
	}
	s.flightMu.Unlock()

	if release && s.onRelease != nil {
		s.onRelease()
	}
}

// TakeReply pops the oldest buffered reply. Never blocks; arrival order is
// preserved as delivered by the transport.
func (s *Store) TakeReply() (ReceivedReply, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.replies.Length() == 0 {
		return ReceivedReply{}, false
	}
	return s.replies.Remove().(ReceivedReply), true
}

// QueueHasData reports whether a reply is buffered.
func (s *Store) QueueHasData() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.replies.Length() > 0
}

// QueueHasDataAndAttachCondition atomically checks the queue and, if empty,
// attaches the condition to be triggered on the next accepted reply. Returns
// true when data was already buffered (the condition is not attached).
func (s *Store) QueueHasDataAndAttachCondition(g *core.GuardCondition) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.replies.Length() > 0 {
		return true
	}
	s.waitCond = g
	return false
}

// DetachConditionAndQueueIsEmpty detaches any attached condition and reports
// whether the queue is still empty.
func (s *Store) DetachConditionAndQueueIsEmpty() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.waitCond = nil
	return s.replies.Length() == 0
}

// SetOnNewReplyCallback registers a callback fired for every accepted reply.
// Events that arrived while no callback was set are reported once as the
// missed count. A nil callback unregisters.
func (s *Store) SetOnNewReplyCallback(cb func(missed int)) {
	s.queueMu.Lock()
	missed := s.missed
	if cb != nil {
		s.missed = 0
	}
	s.onNewReply = cb
	s.queueMu.Unlock()

	if cb != nil && missed > 0 {
		cb(missed)
	}
}

// Shutdown requests teardown. Idempotent. No new replies are buffered after
// it returns; callbacks already in flight still run and decrement the
// counter. When the count reaches zero the release hook fires and the store
// may be destroyed.
func (s *Store) Shutdown() {
	s.flightMu.Lock()
	if s.shutdown {
		s.flightMu.Unlock()
		return
	}
	s.shutdown = true
	release := s.inFlight == 0 && !s.released
	if release {
		s.released = true
	}
	s.flightMu.Unlock()

	if release && s.onRelease != nil {
		s.onRelease()
	}
}

// IsShutdown reports whether shutdown was requested.
func (s *Store) IsShutdown() bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return s.shutdown
}

// Destructible reports whether the teardown gate is open: shutdown requested
// and no callbacks in flight.
func (s *Store) Destructible() bool {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return s.shutdown && s.inFlight == 0
}

// InFlight returns the current in-flight callback count.
func (s *Store) InFlight() int {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	return s.inFlight
}
