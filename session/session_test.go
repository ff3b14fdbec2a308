package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/core"
	"github.com/meshwire/meshwire/graph"
	"github.com/meshwire/meshwire/liveliness"
	"github.com/meshwire/meshwire/transport/memtransport"
)

func chatterTopic() liveliness.TopicInfo {
	return liveliness.TopicInfo{
		Name:     "/chatter",
		TypeName: "std_msgs/msg/String",
		TypeHash: "RIHS01_x",
		QoS:      liveliness.DefaultQoS(),
	}
}

func openTestSession(t *testing.T, b *memtransport.Broker, domain int) *Session {
	t.Helper()
	s, err := Open(context.Background(), b.Connect(), domain)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestCreateNodeVisibleLocally(t *testing.T) {
	b := memtransport.NewBroker()
	s := openTestSession(t, b, 0)

	_, err := s.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	// Local entities enter the graph synchronously on declaration.
	assert.Equal(t, 1, s.Graph().NodeCount())
	nodes := s.Graph().Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "talker", nodes[0].Name)
}

func TestRemoteNodeDiscovered(t *testing.T) {
	b := memtransport.NewBroker()
	s1 := openTestSession(t, b, 0)
	s2 := openTestSession(t, b, 0)

	_, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s2.Graph().NodeCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "remote session never discovered the node")
	assert.Equal(t, "talker", s2.Graph().Nodes()[0].Name)
}

func TestBootstrapSeedsPreexistingGraph(t *testing.T) {
	b := memtransport.NewBroker()
	s1 := openTestSession(t, b, 0)

	n, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)
	_, err = n.CreatePublisher(context.Background(), chatterTopic())
	require.NoError(t, err)

	// A session opened after the fact sees the pre-existing entities via the
	// snapshot, without waiting for live events.
	s2 := openTestSession(t, b, 0)
	assert.Equal(t, 1, s2.Graph().NodeCount())
	assert.Equal(t, 1, s2.Graph().CountPublishers("/chatter"))

	// And its own tokens were excluded from its seed.
	s3 := openTestSession(t, b, 0)
	_, err = s3.CreateNode(context.Background(), "/", "listener", "/")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s3.Graph().NodeCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDomainsAreIsolated(t *testing.T) {
	b := memtransport.NewBroker()
	s1 := openTestSession(t, b, 0)
	s2 := openTestSession(t, b, 1)

	_, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, s2.Graph().NodeCount())
}

func TestEndpointUndeclareRemovesFromGraph(t *testing.T) {
	b := memtransport.NewBroker()
	s1 := openTestSession(t, b, 0)
	s2 := openTestSession(t, b, 0)

	n, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)
	pub, err := n.CreatePublisher(context.Background(), chatterTopic())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s2.Graph().CountPublishers("/chatter") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Undeclare())
	assert.Equal(t, 0, s1.Graph().CountPublishers("/chatter"))
	require.Eventually(t, func() bool {
		return s2.Graph().CountPublishers("/chatter") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGraphGuardWakesOnRemoteChange(t *testing.T) {
	b := memtransport.NewBroker()
	s1 := openTestSession(t, b, 0)
	s2 := openTestSession(t, b, 0)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- s2.WaitForGraphChange(ctx)
	}()

	_, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("graph guard never woke")
	}
	assert.True(t, s2.GraphGuard().TakeTriggered())
}

func TestServiceClientRoundTrip(t *testing.T) {
	b := memtransport.NewBroker()
	serverSess := openTestSession(t, b, 0)
	clientSess := openTestSession(t, b, 0)

	svcTopic := liveliness.TopicInfo{
		Name:     "/add",
		TypeName: "pkg/srv/Add_Request",
		TypeHash: "RIHS01_y",
		QoS:      liveliness.DefaultQoS(),
	}

	serverNode, err := serverSess.CreateNode(context.Background(), "/", "server", "/")
	require.NoError(t, err)
	_, err = serverNode.CreateService(context.Background(), svcTopic, func(payload []byte, respond func([]byte) error) {
		require.NoError(t, respond(append([]byte("sum:"), payload...)))
	})
	require.NoError(t, err)

	clientNode, err := clientSess.CreateNode(context.Background(), "/", "client", "/")
	require.NoError(t, err)
	client, err := clientNode.CreateClient(context.Background(), svcTopic)
	require.NoError(t, err)

	require.Eventually(t, client.ServerAvailable, 2*time.Second, 10*time.Millisecond,
		"server never became visible to the client")

	seq, err := client.SendRequest(context.Background(), []byte("2+3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	require.Eventually(t, client.QueueHasData, 2*time.Second, 10*time.Millisecond,
		"reply never arrived")

	r, ok := client.TakeReply()
	require.True(t, ok)
	assert.Equal(t, seq, r.SequenceNumber)
	assert.Equal(t, client.Entity().GID(), r.SourceGID)
	assert.Equal(t, []byte("sum:2+3"), r.Payload)
}

func TestClientDestroyReleasesAfterDrain(t *testing.T) {
	b := memtransport.NewBroker()
	sess := openTestSession(t, b, 0)

	svcTopic := liveliness.TopicInfo{
		Name:     "/add",
		TypeName: "pkg/srv/Add",
		TypeHash: "RIHS01_y",
		QoS:      liveliness.DefaultQoS(),
	}
	n, err := sess.CreateNode(context.Background(), "/", "client", "/")
	require.NoError(t, err)
	client, err := n.CreateClient(context.Background(), svcTopic)
	require.NoError(t, err)

	_, err = client.SendRequest(context.Background(), []byte("req"))
	require.NoError(t, err)

	require.NoError(t, client.Destroy())
	assert.True(t, client.IsShutdown())

	// The store drains once the transport finalizes the in-flight query.
	require.Eventually(t, client.Destructible, 2*time.Second, 10*time.Millisecond)

	// Destroy is idempotent.
	require.NoError(t, client.Destroy())
}

func TestSessionShutdownRemovesAllTokens(t *testing.T) {
	b := memtransport.NewBroker()
	s1, err := Open(context.Background(), b.Connect(), 0)
	require.NoError(t, err)
	s2 := openTestSession(t, b, 0)

	n, err := s1.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)
	_, err = n.CreatePublisher(context.Background(), chatterTopic())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s2.Graph().NodeCount() == 1 && s2.Graph().CountPublishers("/chatter") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s1.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		return s2.Graph().NodeCount() == 0 && s2.Graph().CountPublishers("/chatter") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Idempotent.
	require.NoError(t, s1.Shutdown(context.Background()))
}

func TestDataKeyIsStableAcrossSessions(t *testing.T) {
	k1 := DataKey(0, "/add", "pkg/srv/Add")
	k2 := DataKey(0, "/add", "pkg/srv/Add")
	assert.Equal(t, k1, k2)
	assert.Equal(t, "0/%add/pkg%srv%Add", k1)
	assert.NotEqual(t, k1, DataKey(1, "/add", "pkg/srv/Add"))
}

func TestReconcileRemovesSessionLostWithoutEvents(t *testing.T) {
	b := memtransport.NewBroker()
	s, err := Open(context.Background(), b.Connect(), 0,
		WithReconcileInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	// A session that died without drop events: its record is in the cache
	// but no token backs it on the transport anymore.
	ghost, err := liveliness.NewEntity("ghost", 1, 1, liveliness.KindNode,
		liveliness.NodeInfo{Namespace: "/", Name: "ghost", Enclave: "/"}, nil)
	require.NoError(t, err)
	s.Graph().ApplyPut(ghost)

	require.Eventually(t, func() bool {
		return s.Graph().NodeCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "lost session never reconciled away")
}

func TestDefaultQoSAppliedToZeroProfile(t *testing.T) {
	b := memtransport.NewBroker()
	custom := liveliness.QoSProfile{
		Reliability: liveliness.ReliabilityBestEffort,
		Durability:  liveliness.DurabilityVolatile,
		History:     liveliness.HistoryKeepLast,
		Depth:       4,
	}
	s, err := Open(context.Background(), b.Connect(), 0, WithDefaultQoS(custom))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	n, err := s.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	pub, err := n.CreatePublisher(context.Background(), liveliness.TopicInfo{
		Name:     "/chatter",
		TypeName: "std_msgs/msg/String",
		TypeHash: "RIHS01_x",
	})
	require.NoError(t, err)
	assert.Equal(t, custom, pub.Entity().Topic.QoS)

	// An explicit profile is never overridden.
	sub, err := n.CreateSubscription(context.Background(), chatterTopic())
	require.NoError(t, err)
	assert.Equal(t, liveliness.DefaultQoS(), sub.Entity().Topic.QoS)
}

type recordingTelemetry struct {
	mu      sync.Mutex
	metrics map[string]float64
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	return ctx, &core.NoOpSpan{}
}

func (r *recordingTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	r.metrics[name] += value
	r.mu.Unlock()
}

func (r *recordingTelemetry) metric(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[name]
}

func TestTelemetryReceivesGraphEvents(t *testing.T) {
	b := memtransport.NewBroker()
	rec := &recordingTelemetry{metrics: make(map[string]float64)}
	s, err := Open(context.Background(), b.Connect(), 0, WithTelemetry(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	_, err = s.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rec.metric("graph.events"), float64(1))
}

func TestMatchedEventsAcrossSessions(t *testing.T) {
	b := memtransport.NewBroker()
	subSess := openTestSession(t, b, 0)
	pubSess := openTestSession(t, b, 0)

	n, err := subSess.CreateNode(context.Background(), "/", "listener", "/")
	require.NoError(t, err)
	sub, err := n.CreateSubscription(context.Background(), chatterTopic())
	require.NoError(t, err)

	matched := make(chan int, 4)
	require.NoError(t, subSess.Graph().SetEventCallback(sub.Entity(), graph.EventMatched,
		func(s graph.EventStatus) {
			matched <- s.TotalCount
		}))

	pn, err := pubSess.CreateNode(context.Background(), "/", "talker", "/")
	require.NoError(t, err)
	_, err = pn.CreatePublisher(context.Background(), chatterTopic())
	require.NoError(t, err)

	select {
	case count := <-matched:
		assert.Equal(t, 1, count)
	case <-time.After(2 * time.Second):
		t.Fatal("matched event never fired")
	}
}
