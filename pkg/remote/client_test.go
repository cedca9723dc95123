package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// setupTestSource starts miniredis and returns a contact pointing at it plus a
// Source publishing under the same name.
func setupTestSource(t *testing.T) (Contact, *Source, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	contact := Contact{
		Owner:       "me",
		Name:        "flow",
		Host:        mr.Host(),
		Port:        port,
		PublishPort: port,
		APIVersion:  5,
	}

	src, err := NewSource(&redis.Options{Addr: mr.Addr()}, contact.Name)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	return contact, src, mr
}

func serve(t *testing.T, src *Source, h Handler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Serve(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNewClient(t *testing.T) {
	t.Run("rejects invalid contact", func(t *testing.T) {
		_, err := NewClient(Contact{Name: "flow", Host: "localhost"}, time.Second)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid port")
	})

	t.Run("defaults timeout", func(t *testing.T) {
		c, err := NewClient(Contact{Name: "flow", Host: "localhost", Port: 1, PublishPort: 2}, 0)
		require.NoError(t, err)
		defer c.Close()
		assert.Equal(t, DefaultRequestTimeout, c.timeout)
		assert.NotSame(t, c.rdb, c.pub)
	})
}

func TestRequest(t *testing.T) {
	contact, src, _ := setupTestSource(t)
	serve(t, src, func(ctx context.Context, method string, args map[string]string) (any, error) {
		switch method {
		case MethodDataElements:
			topic, err := delta.ParseTopic(args[ArgElementType])
			if err != nil {
				return nil, err
			}
			return &delta.Delta{Topic: topic, Time: 3, Added: []*delta.Element{{ID: "t1"}}}, nil
		default:
			return nil, errors.New("unsupported method")
		}
	})

	conn, err := DialRedis(time.Second)(context.Background(), contact)
	require.NoError(t, err)
	defer conn.Close()

	t.Run("returns reply data", func(t *testing.T) {
		data, err := conn.Request(context.Background(), MethodDataElements, map[string]string{ArgElementType: "tasks"})
		require.NoError(t, err)

		var d delta.Delta
		require.NoError(t, json.Unmarshal(data, &d))
		assert.Equal(t, delta.TopicTasks, d.Topic)
		assert.Equal(t, "t1", d.Added[0].ID)
	})

	t.Run("surfaces source errors", func(t *testing.T) {
		_, err := conn.Request(context.Background(), "bogus", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported method")
		assert.False(t, IsTimeout(err))
		assert.False(t, IsConnection(err))
	})
}

func TestRequestTimeout(t *testing.T) {
	contact, _, mr := setupTestSource(t)

	conn, err := DialRedis(time.Second)(context.Background(), contact)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Request(context.Background(), MethodEntireWorkflow, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)

	// The request was still delivered
	items, err := mr.List(RequestQueueKey("flow"))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRequestHonoursContextDeadline(t *testing.T) {
	contact, _, _ := setupTestSource(t)

	conn, err := DialRedis(3*time.Second)(context.Background(), contact)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = conn.Request(ctx, MethodDataElements, map[string]string{ArgElementType: "tasks"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
	assert.Less(t, elapsed, time.Second, "request outlived its context")
}

func TestDialConnectionRefused(t *testing.T) {
	contact, _, mr := setupTestSource(t)
	mr.Close()

	_, err := DialRedis(200*time.Millisecond)(context.Background(), contact)
	require.Error(t, err)
	assert.True(t, IsConnection(err), "got %v", err)
}

func TestSubscribe(t *testing.T) {
	contact, src, mr := setupTestSource(t)

	conn, err := DialRedis(time.Second)(context.Background(), contact)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan *delta.Delta, 10)
	done := make(chan error, 1)
	go func() {
		done <- conn.Subscribe(ctx, []delta.Topic{delta.TopicTasks, delta.TopicShutdown}, func(d *delta.Delta) {
			received <- d
		})
	}()

	channel := DeltaChannel("flow", delta.TopicTasks)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 1
	}, time.Second, 10*time.Millisecond)

	ctxPub := context.Background()
	require.NoError(t, src.Publish(ctxPub, &delta.Delta{Topic: delta.TopicTasks, Time: 1, Checksum: 9}))
	require.NoError(t, src.Publish(ctxPub, &delta.Delta{Topic: delta.TopicJobs, Time: 2})) // not subscribed
	require.NoError(t, src.Publish(ctxPub, &delta.Delta{Topic: delta.TopicShutdown, Time: 3}))

	first := <-received
	assert.Equal(t, delta.TopicTasks, first.Topic)
	assert.Equal(t, uint64(9), first.Checksum)

	second := <-received
	assert.Equal(t, delta.TopicShutdown, second.Topic)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	assert.Empty(t, received)
}

func TestSchema(t *testing.T) {
	assert.Equal(t, "flow:wf:delta:task_proxies", DeltaChannel("wf", delta.TopicTaskProxies))
	assert.Equal(t, "flow:wf:requests", RequestQueueKey("wf"))
	assert.Equal(t, "flow:wf:reply:abc", ReplyKey("wf", "abc"))

	topic, err := TopicFromChannel("flow:a:b:delta:edges")
	require.NoError(t, err)
	assert.Equal(t, delta.TopicEdges, topic)

	_, err = TopicFromChannel("flow:wf:requests")
	assert.Error(t, err)
}
