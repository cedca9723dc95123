package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/flowmirror/internal/discovery"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// fakeScanner returns whatever records are set at the time of the scan.
type fakeScanner struct {
	mu      sync.Mutex
	records []discovery.Record
	err     error
	scans   int
}

func (f *fakeScanner) set(records ...discovery.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = nil
}

func (f *fakeScanner) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeScanner) Scan(ctx context.Context) iter.Seq2[discovery.Record, error] {
	f.mu.Lock()
	records, err := f.records, f.err
	f.scans++
	f.mu.Unlock()

	return func(yield func(discovery.Record, error) bool) {
		if err != nil {
			yield(discovery.Record{}, err)
			return
		}
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// recordingStore records every call in order.
type recordingStore struct {
	calls       []string
	connectErrs []error // Consumed one per Connect call
	panicOn     string
	dropped     map[string]bool // Sources whose subscription ended on its own
}

func (s *recordingStore) record(call string) {
	s.calls = append(s.calls, call)
}

func (s *recordingStore) Register(_ context.Context, id string, isActive bool) {
	if id == s.panicOn {
		panic("boom")
	}
	s.record(fmt.Sprintf("register %s %t", id, isActive))
}

func (s *recordingStore) Connect(_ context.Context, id string, contact remote.Contact) error {
	s.record(fmt.Sprintf("connect %s %s:%d", id, contact.Host, contact.Port))
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return err
	}
	delete(s.dropped, id)
	return nil
}

func (s *recordingStore) Disconnect(_ context.Context, id string) {
	s.record("disconnect " + id)
}

func (s *recordingStore) Stop(_ context.Context, id string) {
	s.record("stop " + id)
}

func (s *recordingStore) Unregister(_ context.Context, id string) {
	s.record("unregister " + id)
}

func (s *recordingStore) IsActive(id string) bool {
	return !s.dropped[id]
}

func (s *recordingStore) reset() {
	s.calls = nil
}

func activeRec(name, uuid string) discovery.Record {
	return discovery.Record{
		Owner: "me",
		Name:  name,
		Contact: &remote.Contact{
			Owner:        "me",
			Name:         name,
			Host:         "h",
			Port:         1,
			PublishPort:  2,
			InstanceUUID: uuid,
			APIVersion:   5,
		},
	}
}

func inactiveRec(name string) discovery.Record {
	return discovery.Record{Owner: "me", Name: name}
}

func newTestManager() (*Manager, *fakeScanner, *recordingStore) {
	scanner := &fakeScanner{}
	store := &recordingStore{}
	return NewManager(scanner, store, 5), scanner, store
}

func TestTransitionTable(t *testing.T) {
	active := activeRec("a", "u1")
	inactive := inactiveRec("a")

	tests := []struct {
		name   string
		first  []discovery.Record
		second []discovery.Record
		want   []string
		state  State
	}{
		{"none to inactive", nil, []discovery.Record{inactive}, []string{"register me/a false"}, StateInactive},
		{"none to active", nil, []discovery.Record{active}, []string{"register me/a true", "connect me/a h:1"}, StateActive},
		{"inactive to active", []discovery.Record{inactive}, []discovery.Record{active}, []string{"connect me/a h:1"}, StateActive},
		{"inactive to none", []discovery.Record{inactive}, nil, []string{"unregister me/a"}, StateNone},
		{"active to inactive", []discovery.Record{active}, []discovery.Record{inactive}, []string{"disconnect me/a", "stop me/a"}, StateInactive},
		{"active to none", []discovery.Record{active}, nil, []string{"disconnect me/a", "unregister me/a"}, StateNone},
		{"active to active", []discovery.Record{active}, []discovery.Record{active}, nil, StateActive},
		{"inactive to inactive", []discovery.Record{inactive}, []discovery.Record{inactive}, nil, StateInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, scanner, store := newTestManager()
			ctx := context.Background()

			scanner.set(tt.first...)
			require.NoError(t, m.Update(ctx))
			store.reset()

			scanner.set(tt.second...)
			require.NoError(t, m.Update(ctx))

			assert.Equal(t, tt.want, store.calls)
			assert.Equal(t, tt.state, m.State("me/a"))
		})
	}
}

func TestInstanceRestart(t *testing.T) {
	m, scanner, store := newTestManager()
	ctx := context.Background()

	scanner.set(activeRec("a", "u1"))
	require.NoError(t, m.Update(ctx))
	store.reset()

	scanner.set(activeRec("a", "u2"))
	changes, err := m.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, StateActive, changes[0].Before)
	assert.Equal(t, StateInactive, changes[0].After)
	assert.Equal(t, StateInactive, changes[1].Before)
	assert.Equal(t, StateActive, changes[1].After)

	require.NoError(t, m.Update(ctx))
	assert.Equal(t, []string{"disconnect me/a", "stop me/a", "connect me/a h:1"}, store.calls)
	assert.Equal(t, StateActive, m.State("me/a"))
}

func TestDroppedSubscriptionIsReevaluated(t *testing.T) {
	t.Run("still running reconnects", func(t *testing.T) {
		m, scanner, store := newTestManager()
		ctx := context.Background()

		scanner.set(activeRec("a", "u1"))
		require.NoError(t, m.Update(ctx))
		store.reset()

		store.dropped = map[string]bool{"me/a": true}
		require.NoError(t, m.Update(ctx))
		assert.Equal(t, []string{"disconnect me/a", "stop me/a", "connect me/a h:1"}, store.calls)
		assert.Equal(t, StateActive, m.State("me/a"))
	})

	t.Run("stopped becomes inactive", func(t *testing.T) {
		m, scanner, store := newTestManager()
		ctx := context.Background()

		scanner.set(activeRec("a", "u1"))
		require.NoError(t, m.Update(ctx))
		store.reset()

		store.dropped = map[string]bool{"me/a": true}
		scanner.set(inactiveRec("a"))
		require.NoError(t, m.Update(ctx))
		assert.Equal(t, []string{"disconnect me/a", "stop me/a"}, store.calls)
		assert.Equal(t, StateInactive, m.State("me/a"))
	})
}

func TestScanErrorChangesNothing(t *testing.T) {
	m, scanner, store := newTestManager()
	ctx := context.Background()

	scanner.set(activeRec("a", "u1"), inactiveRec("b"))
	require.NoError(t, m.Update(ctx))
	store.reset()

	scanner.fail(errors.New("docker unavailable"))
	err := m.Update(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker unavailable")

	assert.Empty(t, store.calls)
	assert.Equal(t, StateActive, m.State("me/a"))
	assert.Equal(t, StateInactive, m.State("me/b"))
}

func TestConnectFailureIsRetried(t *testing.T) {
	m, scanner, store := newTestManager()
	ctx := context.Background()
	store.connectErrs = []error{remote.ErrConnection}

	scanner.set(activeRec("a", "u1"))
	require.NoError(t, m.Update(ctx))
	assert.Equal(t, []string{"register me/a true", "connect me/a h:1"}, store.calls)
	assert.Equal(t, StateInactive, m.State("me/a"))

	store.reset()
	require.NoError(t, m.Update(ctx))
	assert.Equal(t, []string{"connect me/a h:1"}, store.calls)
	assert.Equal(t, StateActive, m.State("me/a"))
}

func TestAPIVersionMismatchIsInactive(t *testing.T) {
	m, scanner, store := newTestManager()

	rec := activeRec("old", "u1")
	rec.Contact.APIVersion = 4
	scanner.set(rec)

	require.NoError(t, m.Update(context.Background()))
	assert.Equal(t, []string{"register me/old false"}, store.calls)
	assert.Equal(t, StateInactive, m.State("me/old"))

	t.Run("zero accepts any version", func(t *testing.T) {
		store := &recordingStore{}
		m := NewManager(scanner, store, 0)
		require.NoError(t, m.Update(context.Background()))
		assert.Equal(t, StateActive, m.State("me/old"))
	})
}

func TestSourcesAreIsolated(t *testing.T) {
	m, scanner, store := newTestManager()
	store.panicOn = "me/bad"

	scanner.set(inactiveRec("bad"), inactiveRec("good"))
	require.NoError(t, m.Update(context.Background()))

	assert.Equal(t, []string{"register me/good false"}, store.calls)
	assert.Equal(t, StateInactive, m.State("me/good"))
	assert.Equal(t, StateNone, m.State("me/bad"))
}

func TestDuplicateRecordsAreIgnored(t *testing.T) {
	m, scanner, store := newTestManager()

	scanner.set(inactiveRec("a"), activeRec("a", "u1"))
	require.NoError(t, m.Update(context.Background()))
	assert.Equal(t, []string{"register me/a false"}, store.calls)
}

func TestScenarioAppearThenVanish(t *testing.T) {
	m, scanner, store := newTestManager()
	ctx := context.Background()

	scanner.set(activeRec("A", "u1"))
	require.NoError(t, m.Update(ctx))
	assert.Equal(t, []string{"register me/A true", "connect me/A h:1"}, store.calls)

	store.reset()
	scanner.set()
	require.NoError(t, m.Update(ctx))
	assert.Equal(t, []string{"disconnect me/A", "unregister me/A"}, store.calls)
	assert.Equal(t, StateNone, m.State("me/A"))
}

func TestRun(t *testing.T) {
	m, scanner, _ := newTestManager()
	scanner.set(inactiveRec("a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		return scanner.scans >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateInactive, m.State("me/a"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "none", StateNone.String())
	assert.Equal(t, "inactive", StateInactive.String())
	assert.Equal(t, "active", StateActive.String())
}
