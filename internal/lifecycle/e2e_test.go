package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/flowmirror/internal/discovery"
	"github.com/dyluth/flowmirror/internal/replica"
	"github.com/dyluth/flowmirror/internal/testutil"
	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// TestEndToEnd drives a real store against a source served from miniredis.
func TestEndToEnd(t *testing.T) {
	src := testutil.StartSource(t, "me", "A")
	src.SetSnapshot(&delta.Snapshot{
		Time: 3,
		Topics: map[delta.Topic][]*delta.Element{
			delta.TopicTasks: {{ID: "t1", Stamp: "t1@3"}},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := replica.NewStore(replica.Options{}, remote.DialRedis(time.Second), discovery.FileHistory{}, nil)
	t.Cleanup(func() { store.Shutdown(context.Background()) })

	scanner := &fakeScanner{}
	m := NewManager(scanner, store, 5)

	contact := src.Contact
	rec := discovery.Record{Owner: "me", Name: "A", Contact: &contact}

	// Source appears
	scanner.set(rec)
	require.NoError(t, m.Update(ctx))

	active, inactive := store.GetWorkflows()
	assert.Equal(t, []string{"me/A"}, active)
	assert.Empty(t, inactive)

	store.View("me/A", func(r *replica.Replica) {
		assert.Equal(t, 1, r.Len(delta.TopicTasks))
		assert.Equal(t, 3.0, r.DeltaTime(delta.TopicTasks))
	})
	assert.Equal(t, []string{remote.MethodEntireWorkflow + " "}, src.Requests())

	// Source stops but its container remains
	scanner.set(discovery.Record{Owner: "me", Name: "A"})
	require.NoError(t, m.Update(ctx))

	active, inactive = store.GetWorkflows()
	assert.Empty(t, active)
	assert.Equal(t, []string{"me/A"}, inactive)

	// Source vanishes
	scanner.set()
	require.NoError(t, m.Update(ctx))

	active, inactive = store.GetWorkflows()
	assert.Empty(t, active)
	assert.Empty(t, inactive)
}

// TestShutdownThenRescan checks that a source which announced its own
// shutdown is picked up again by the next scan that still finds it running.
func TestShutdownThenRescan(t *testing.T) {
	src := testutil.StartSource(t, "me", "A")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := replica.NewStore(replica.Options{}, remote.DialRedis(time.Second), discovery.FileHistory{}, nil)
	t.Cleanup(func() { store.Shutdown(context.Background()) })
	go store.Run(ctx)

	scanner := &fakeScanner{}
	m := NewManager(scanner, store, 5)

	contact := src.Contact
	scanner.set(discovery.Record{Owner: "me", Name: "A", Contact: &contact})
	require.NoError(t, m.Update(ctx))
	src.WaitSubscribed(delta.TopicTasks)

	src.Publish(&delta.Delta{Topic: delta.TopicShutdown, Time: 1})
	require.Eventually(t, func() bool {
		return !store.IsActive("me/A")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Update(ctx))

	active, inactive := store.GetWorkflows()
	assert.Equal(t, []string{"me/A"}, active)
	assert.Empty(t, inactive)
	assert.Equal(t, StateActive, m.State("me/A"))
	assert.Equal(t, []string{
		remote.MethodEntireWorkflow + " ",
		remote.MethodEntireWorkflow + " ",
	}, src.Requests())
}
