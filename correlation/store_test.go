package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/attachment"
	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/transport"
)

// stubTransport records issued queries and lets tests drive the reply and
// drop callbacks by hand.
type stubTransport struct {
	mu       sync.Mutex
	queryErr error
	queries  []stubQuery
}

type stubQuery struct {
	key        string
	payload    []byte
	attachment []byte
	onReply    transport.ReplyHandler
	onDone     transport.DropHandler
}

func (s *stubTransport) Publish(context.Context, string, []byte, []byte) error { return nil }
func (s *stubTransport) Subscribe(context.Context, string, func(transport.Sample)) (transport.Subscription, error) {
	return nil, nil
}
func (s *stubTransport) DeclareToken(context.Context, string) (transport.Token, error) {
	return nil, nil
}
func (s *stubTransport) SubscribeTokens(context.Context, string, func(transport.TokenEvent)) (transport.Subscription, error) {
	return nil, nil
}
func (s *stubTransport) TokenSnapshot(context.Context, string) ([]string, error) { return nil, nil }
func (s *stubTransport) DeclareQueryable(context.Context, string, func(transport.InboundQuery)) (transport.Subscription, error) {
	return nil, nil
}
func (s *stubTransport) SessionID() string { return "stub" }
func (s *stubTransport) Close() error      { return nil }

func (s *stubTransport) Query(_ context.Context, key string, payload, att []byte, _ transport.QueryOptions, onReply transport.ReplyHandler, onDone transport.DropHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return s.queryErr
	}
	s.queries = append(s.queries, stubQuery{
		key: key, payload: payload, attachment: att,
		onReply: onReply, onDone: onDone,
	})
	return nil
}

func (s *stubTransport) query(i int) stubQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[i]
}

func (s *stubTransport) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func testGID() [attachment.GIDSize]byte {
	var g [attachment.GIDSize]byte
	for i := range g {
		g[i] = byte(0xA0 + i)
	}
	return g
}

func newTestStore(t *testing.T, tp *stubTransport, qos liveliness.QoSProfile, opts ...Option) *Store {
	t.Helper()
	return New(tp, "0/%add/pkg%srv%Add", testGID(), qos, opts...)
}

func replyFor(seq int64, payload string) transport.Reply {
	att := attachment.Data{
		SequenceNumber:  seq,
		SourceTimestamp: 1000 + seq,
		SourceGID:       testGID(),
	}
	return transport.Reply{Payload: []byte(payload), Attachment: att.Encode()}
}

func TestSequenceNumbersMonotonicFromOne(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	for want := int64(1); want <= 5; want++ {
		seq, err := s.SendRequest(context.Background(), []byte("req"))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	assert.Equal(t, 5, tp.queryCount())
	assert.Equal(t, 5, s.InFlight())
}

func TestRequestAttachmentCarriesIdentity(t *testing.T) {
	tp := &stubTransport{}
	mock := clock.NewMock()
	mock.Set(time.Unix(0, 123456789))
	s := newTestStore(t, tp, liveliness.DefaultQoS(), WithClock(mock))

	_, err := s.SendRequest(context.Background(), []byte("req"))
	require.NoError(t, err)

	att, err := attachment.Decode(tp.query(0).attachment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), att.SequenceNumber)
	assert.Equal(t, int64(123456789), att.SourceTimestamp)
	assert.Equal(t, testGID(), att.SourceGID)
}

func TestSendRequestRollsBackOnTransportError(t *testing.T) {
	tp := &stubTransport{queryErr: errors.New("boom")}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	_, err := s.SendRequest(context.Background(), []byte("req"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransportFailure)
	assert.Equal(t, 0, s.InFlight())

	// The failed attempt still consumed a sequence number; the next request
	// must not reuse it.
	tp.mu.Lock()
	tp.queryErr = nil
	tp.mu.Unlock()
	seq, err := s.SendRequest(context.Background(), []byte("req"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestRepliesBufferedInArrivalOrder(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	for i := int64(1); i <= 3; i++ {
		s.handleReply(replyFor(i, fmt.Sprintf("r%d", i)))
	}

	for i := int64(1); i <= 3; i++ {
		r, ok := s.TakeReply()
		require.True(t, ok)
		assert.Equal(t, i, r.SequenceNumber)
		assert.Equal(t, []byte(fmt.Sprintf("r%d", i)), r.Payload)
		assert.Equal(t, testGID(), r.SourceGID)
	}
	_, ok := s.TakeReply()
	assert.False(t, ok)
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	tp := &stubTransport{}
	qos := liveliness.DefaultQoS()
	qos.Depth = 3
	s := newTestStore(t, tp, qos)

	const total = 10
	for i := int64(1); i <= total; i++ {
		s.handleReply(replyFor(i, "r"))
	}

	// With depth K and N arrivals, the survivors are the last K.
	for want := int64(total - 2); want <= total; want++ {
		r, ok := s.TakeReply()
		require.True(t, ok)
		assert.Equal(t, want, r.SequenceNumber)
	}
	_, ok := s.TakeReply()
	assert.False(t, ok)
}

func TestZeroDepthKeepsLatestReply(t *testing.T) {
	tp := &stubTransport{}
	qos := liveliness.DefaultQoS()
	qos.Depth = 0
	s := newTestStore(t, tp, qos)

	// Depth 0 passes profile validation, so reply intake must not fault on
	// the empty queue; it degrades to keeping only the newest reply.
	for i := int64(1); i <= 3; i++ {
		s.handleReply(replyFor(i, fmt.Sprintf("r%d", i)))
	}

	r, ok := s.TakeReply()
	require.True(t, ok)
	assert.Equal(t, int64(3), r.SequenceNumber)
	_, ok = s.TakeReply()
	assert.False(t, ok)
}

func TestKeepAllNeverDrops(t *testing.T) {
	tp := &stubTransport{}
	qos := liveliness.DefaultQoS()
	qos.History = liveliness.HistoryKeepAll
	qos.Depth = 1
	s := newTestStore(t, tp, qos)

	for i := int64(1); i <= 100; i++ {
		s.handleReply(replyFor(i, "r"))
	}
	for i := int64(1); i <= 100; i++ {
		r, ok := s.TakeReply()
		require.True(t, ok)
		assert.Equal(t, i, r.SequenceNumber)
	}
}

func TestMalformedReplyDiscarded(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	s.handleReply(transport.Reply{Payload: []byte("r"), Attachment: []byte("garbage")})
	s.handleReply(transport.Reply{Payload: []byte("r"), Attachment: nil})
	assert.False(t, s.QueueHasData())
}

func TestOutOfRangeCorrelationFieldsDiscarded(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	att := attachment.Data{SequenceNumber: -1, SourceTimestamp: 1, SourceGID: testGID()}
	s.handleReply(transport.Reply{Payload: []byte("r"), Attachment: att.Encode()})

	att = attachment.Data{SequenceNumber: 1, SourceTimestamp: -5, SourceGID: testGID()}
	s.handleReply(transport.Reply{Payload: []byte("r"), Attachment: att.Encode()})

	assert.False(t, s.QueueHasData())
}

func TestRepliesAfterShutdownDiscarded(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	s.Shutdown()
	s.handleReply(replyFor(1, "late"))
	assert.False(t, s.QueueHasData())
}

func TestWaitConditionAttachment(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())
	g := core.NewGuardCondition()

	// Empty queue: condition attaches and fires on the next reply.
	assert.False(t, s.QueueHasDataAndAttachCondition(g))
	s.handleReply(replyFor(1, "r"))
	assert.True(t, g.TakeTriggered())
	assert.False(t, s.DetachConditionAndQueueIsEmpty())

	// Non-empty queue: condition does not attach.
	g2 := core.NewGuardCondition()
	assert.True(t, s.QueueHasDataAndAttachCondition(g2))
	s.handleReply(replyFor(2, "r"))
	assert.False(t, g2.TakeTriggered())
}

func TestOnNewReplyCallbackAndMissedCount(t *testing.T) {
	tp := &stubTransport{}
	s := newTestStore(t, tp, liveliness.DefaultQoS())

	s.handleReply(replyFor(1, "r"))
	s.handleReply(replyFor(2, "r"))

	var got []int
	s.SetOnNewReplyCallback(func(missed int) { got = append(got, missed) })
	// Two events arrived before registration; reported once as the backlog.
	assert.Equal(t, []int{2}, got)

	s.handleReply(replyFor(3, "r"))
	assert.Equal(t, []int{2, 1}, got)

	s.SetOnNewReplyCallback(nil)
	s.handleReply(replyFor(4, "r"))
	assert.Equal(t, []int{2, 1}, got)
}

func TestTeardownGateWaitsForInFlight(t *testing.T) {
	tp := &stubTransport{}
	released := 0
	s := newTestStore(t, tp, liveliness.DefaultQoS(), WithOnRelease(func() { released++ }))

	const m = 3
	for i := 0; i < m; i++ {
		_, err := s.SendRequest(context.Background(), []byte("req"))
		require.NoError(t, err)
	}

	s.Shutdown()
	assert.True(t, s.IsShutdown())
	assert.False(t, s.Destructible())
	assert.Zero(t, released)

	for i := 0; i < m; i++ {
		tp.query(i).onDone()
	}
	assert.True(t, s.Destructible())
	assert.Equal(t, 1, released, "release hook must fire exactly once")

	// Further shutdowns stay idempotent.
	s.Shutdown()
	assert.Equal(t, 1, released)
}

func TestShutdownWithNoInFlightReleasesImmediately(t *testing.T) {
	tp := &stubTransport{}
	released := 0
	s := newTestStore(t, tp, liveliness.DefaultQoS(), WithOnRelease(func() { released++ }))

	s.Shutdown()
	assert.Equal(t, 1, released)
	assert.True(t, s.Destructible())

	_, err := s.SendRequest(context.Background(), []byte("req"))
	assert.ErrorIs(t, err, core.ErrShutdown)
}

func TestConcurrentRepliesKeepAll(t *testing.T) {
	tp := &stubTransport{}
	qos := liveliness.DefaultQoS()
	qos.History = liveliness.HistoryKeepAll
	s := newTestStore(t, tp, qos)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.handleReply(replyFor(int64(w*perWorker+i+1), "r"))
			}
		}(w)
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := s.TakeReply(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, workers*perWorker, n)
}

func TestConcurrentSendAndShutdown(t *testing.T) {
	tp := &stubTransport{}
	released := make(chan struct{})
	s := newTestStore(t, tp, liveliness.DefaultQoS(), WithOnRelease(func() { close(released) }))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, _ = s.SendRequest(context.Background(), []byte("req"))
			}
		}()
	}
	wg.Wait()

	s.Shutdown()
	for i := 0; i < tp.queryCount(); i++ {
		go tp.query(i).onDone()
	}

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("release hook never fired")
	}
	assert.Equal(t, 0, s.InFlight())
}
