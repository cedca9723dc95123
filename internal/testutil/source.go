// Package testutil runs an in-memory workflow source for tests that exercise
// the real Redis transport.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// FakeSource is a workflow source served from miniredis. It answers
// entire_workflow with its snapshot and data_elements with the topic set by
// SetTopic (or the snapshot's copy of the topic).
type FakeSource struct {
	T       *testing.T
	Contact remote.Contact
	Redis   *miniredis.Miniredis
	Source  *remote.Source

	mu       sync.Mutex
	snapshot *delta.Snapshot
	topics   map[delta.Topic]*delta.Delta
	requests []string
}

// StartSource starts a source named owner/name. Everything is torn down in t.Cleanup.
func StartSource(t *testing.T, owner, name string) *FakeSource {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	src, err := remote.NewSource(&redis.Options{Addr: mr.Addr()}, name)
	require.NoError(t, err)

	f := &FakeSource{
		T: t,
		Contact: remote.Contact{
			Owner:        owner,
			Name:         name,
			Host:         mr.Host(),
			Port:         port,
			PublishPort:  port,
			InstanceUUID: uuid.New().String(),
			APIVersion:   5,
		},
		Redis:    mr,
		Source:   src,
		snapshot: &delta.Snapshot{Topics: map[delta.Topic][]*delta.Element{}},
		topics:   make(map[delta.Topic]*delta.Delta),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Serve(ctx, f.handle)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		src.Close()
	})

	return f
}

// ID returns the source id "owner/name".
func (f *FakeSource) ID() string {
	return f.Contact.Owner + "/" + f.Contact.Name
}

// SetSnapshot replaces the answer to entire_workflow.
func (f *FakeSource) SetSnapshot(s *delta.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

// SetTopic sets the answer to data_elements for one topic.
func (f *FakeSource) SetTopic(d *delta.Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[d.Topic] = d
}

// Requests returns "method element_type" for every request served so far.
func (f *FakeSource) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Publish sends a delta, failing the test on error.
func (f *FakeSource) Publish(d *delta.Delta) {
	f.T.Helper()
	require.NoError(f.T, f.Source.Publish(context.Background(), d))
}

// WaitSubscribed blocks until someone subscribes to the topic's channel.
func (f *FakeSource) WaitSubscribed(topic delta.Topic) {
	f.T.Helper()
	channel := remote.DeltaChannel(f.Contact.Name, topic)
	require.Eventually(f.T, func() bool {
		return f.Redis.PubSubNumSub(channel)[channel] > 0
	}, 2*time.Second, 5*time.Millisecond, "no subscriber on %s", channel)
}

func (f *FakeSource) handle(_ context.Context, method string, args map[string]string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, method+" "+args[remote.ArgElementType])

	switch method {
	case remote.MethodEntireWorkflow:
		return f.snapshot, nil

	case remote.MethodDataElements:
		topic, err := delta.ParseTopic(args[remote.ArgElementType])
		if err != nil {
			return nil, err
		}
		if d, ok := f.topics[topic]; ok {
			return d, nil
		}
		return &delta.Delta{Topic: topic, Time: f.snapshot.Time, Added: f.snapshot.Topics[topic]}, nil
	}

	return nil, fmt.Errorf("unknown method: %s", method)
}
