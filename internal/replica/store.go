package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/flowmirror/internal/discovery"
	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// ErrNotRegistered is returned when an operation needs a replica that does not exist.
var ErrNotRegistered = errors.New("source not registered")

// Options tunes the store's waits and timeouts.
type Options struct {
	InitDataWait       time.Duration // Total wait for a replica to appear before dropping a delta
	InitDataRetryDelay time.Duration // Poll interval while waiting for a replica
	ReconcileTimeout   time.Duration // Bound on one reconciliation round trip
	DrainPollInterval  time.Duration // Poll interval while unregister waits for queues to drain
	ProcessingBuffer   int           // Capacity of the shared processing channel
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		InitDataWait:       5 * time.Second,
		InitDataRetryDelay: 500 * time.Millisecond,
		ReconcileTimeout:   5 * time.Second,
		DrainPollInterval:  100 * time.Millisecond,
		ProcessingBuffer:   256,
	}
}

// Store owns every replica and is the only way deltas are applied.
//
// Replica maps are written by the processor (Run/Apply) and by the lifecycle
// calls (Register, Connect, Disconnect, Stop, Unregister). Subscription tasks
// only enqueue onto the processing channel.
type Store struct {
	opts       Options
	history    discovery.HistoryChecker
	metrics    *Metrics
	supervisor *Supervisor
	incoming   chan Incoming
	now        func() float64

	mu       sync.Mutex
	replicas map[string]*Replica
	queues   map[string][]*DeltaQueue
}

// NewStore creates an empty store. history and metrics may be nil.
func NewStore(opts Options, dial remote.Dialer, history discovery.HistoryChecker, metrics *Metrics) *Store {
	defaults := DefaultOptions()
	if opts.InitDataWait <= 0 {
		opts.InitDataWait = defaults.InitDataWait
	}
	if opts.InitDataRetryDelay <= 0 {
		opts.InitDataRetryDelay = defaults.InitDataRetryDelay
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if opts.DrainPollInterval <= 0 {
		opts.DrainPollInterval = defaults.DrainPollInterval
	}
	if opts.ProcessingBuffer <= 0 {
		opts.ProcessingBuffer = defaults.ProcessingBuffer
	}

	incoming := make(chan Incoming, opts.ProcessingBuffer)
	return &Store{
		opts:       opts,
		history:    history,
		metrics:    metrics,
		supervisor: NewSupervisor(dial, incoming),
		incoming:   incoming,
		now:        func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		replicas:   make(map[string]*Replica),
		queues:     make(map[string][]*DeltaQueue),
	}
}

// Register creates an empty replica holding only a summary record.
// Registering an existing id is a no-op.
func (s *Store) Register(ctx context.Context, id string, isActive bool) {
	statusMsg := delta.StatusMsgNotYetRun
	switch {
	case isActive:
		statusMsg = delta.StatusMsgRunning
	case s.history != nil && s.history.HasRunHistory(ctx, id):
		statusMsg = delta.StatusMsgStopped
	}

	owner, name, _ := strings.Cut(id, "/")
	summary := delta.Summary{
		ID:        id,
		Name:      name,
		Owner:     owner,
		Status:    delta.StatusStopped,
		StatusMsg: statusMsg,
	}
	elem, err := summary.Element()
	if err != nil {
		log.Printf("[Replica] Failed to build summary for %s: %v", id, err)
		elem = &delta.Element{ID: id}
	}
	d := &delta.Delta{Topic: delta.TopicWorkflow, Time: s.now(), Added: []*delta.Element{elem}}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.replicas[id]; exists {
		return
	}

	r := newReplica(id)
	r.merge(d, delta.ModeUpsert)
	s.replicas[id] = r
	s.push(id, d)
	s.refreshGauges()

	s.logEvent("source_registered", map[string]interface{}{
		"source":     id,
		"status_msg": statusMsg,
	})
}

// Connect subscribes to the source and loads its full state. The contact is
// only written into the summary once that load succeeds; any failure falls
// back to Disconnect. Connecting an already connected source is a no-op.
func (s *Store) Connect(ctx context.Context, id string, contact remote.Contact) error {
	if s.supervisor.Has(id) {
		return nil
	}

	conn, err := s.supervisor.Start(ctx, id, contact)
	if err != nil {
		s.Disconnect(ctx, id)
		return err
	}

	if err := s.bootstrap(ctx, id, conn, contact); err != nil {
		s.Disconnect(ctx, id)
		return fmt.Errorf("failed to load state of %s: %w", id, err)
	}

	s.logEvent("source_connected", map[string]interface{}{
		"source":        id,
		"host":          contact.Host,
		"port":          contact.Port,
		"instance_uuid": contact.InstanceUUID,
	})
	return nil
}

// bootstrap replaces every data topic with the source's current state.
func (s *Store) bootstrap(ctx context.Context, id string, conn remote.Conn, contact remote.Contact) error {
	data, err := conn.Request(ctx, remote.MethodEntireWorkflow, nil)
	if err != nil {
		return err
	}

	var snap delta.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[id]
	if !ok {
		return ErrNotRegistered
	}

	for _, topic := range delta.DataTopics() {
		d := snap.TopicDelta(topic)
		r.merge(d, delta.ModeReplace)
		r.deltaTimes[topic] = snap.Time
		s.push(id, d)
	}

	fields := map[string]any{
		"name":          contact.Name,
		"owner":         contact.Owner,
		"host":          contact.Host,
		"port":          contact.Port,
		"publish_port":  contact.PublishPort,
		"api_version":   contact.APIVersion,
		"instance_uuid": contact.InstanceUUID,
	}
	if sum, ok := r.Summary(); !ok || sum.Status == "" || sum.Status == delta.StatusStopped {
		fields["status"] = delta.StatusRunning
		fields["status_msg"] = delta.StatusMsgRunning
	}
	d := delta.SummaryDelta(id, snap.Time, fields)
	r.merge(d, delta.ModeUpsert)
	s.push(id, d)
	s.refreshGauges()

	return nil
}

// Disconnect marks the source stopped and tears down its subscription.
// Unknown ids are ignored.
func (s *Store) Disconnect(ctx context.Context, id string) {
	s.updateSummary(id, map[string]any{
		"status":     delta.StatusStopped,
		"status_msg": delta.StatusMsgStopped,
	})

	s.supervisor.Stop(id)

	s.mu.Lock()
	s.refreshGauges()
	s.mu.Unlock()
}

// Stop clears the contact details from the summary of a source that is no
// longer running.
func (s *Store) Stop(ctx context.Context, id string) {
	s.updateSummary(id, map[string]any{
		"status":        delta.StatusStopped,
		"status_msg":    delta.StatusMsgStopped,
		"host":          "",
		"port":          0,
		"publish_port":  0,
		"api_version":   0,
		"instance_uuid": "",
	})
}

// updateSummary merges fields into the summary record when at least one of
// them differs, and notifies consumers.
func (s *Store) updateSummary(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[id]
	if !ok {
		return
	}
	current := r.Element(delta.TopicWorkflow, id)
	if current == nil {
		return
	}

	changed := false
	for k, v := range fields {
		if !sameValue(current.Fields[k], v) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	d := delta.SummaryDelta(id, s.now(), fields)
	r.merge(d, delta.ModeUpsert)
	s.push(id, d)
}

// sameValue compares a stored field with a synthesized one. Stored numbers
// may have round-tripped through JSON as float64.
func sameValue(stored, want any) bool {
	if n, ok := want.(int); ok {
		switch v := stored.(type) {
		case int:
			return v == n
		case float64:
			return v == float64(n)
		}
		return false
	}
	return stored == want
}

// Unregister removes a source. Consumers are sent a tombstone for the summary
// record, then Unregister waits for every consumer queue of the source to
// drain before deleting the replica. If ctx ends first the purge proceeds.
func (s *Store) Unregister(ctx context.Context, id string) {
	s.mu.Lock()
	r, ok := s.replicas[id]
	if !ok && len(s.queues[id]) == 0 {
		s.mu.Unlock()
		return
	}
	tombstone := &delta.Delta{Topic: delta.TopicWorkflow, Time: s.now(), Pruned: []string{id}}
	if ok {
		r.merge(tombstone, delta.ModeUpsert)
	}
	s.push(id, tombstone)
	s.mu.Unlock()

	s.waitForDrain(ctx, id)

	s.mu.Lock()
	delete(s.replicas, id)
	for _, q := range s.queues[id] {
		q.Close()
	}
	delete(s.queues, id)
	s.refreshGauges()
	s.mu.Unlock()

	s.logEvent("source_unregistered", map[string]interface{}{
		"source": id,
	})
}

func (s *Store) waitForDrain(ctx context.Context, id string) {
	for {
		s.mu.Lock()
		pending := 0
		for _, q := range s.queues[id] {
			pending += q.Len()
		}
		s.mu.Unlock()

		if pending == 0 {
			return
		}

		select {
		case <-ctx.Done():
			log.Printf("[Replica] Purging %s with %d undelivered deltas: %v", id, pending, ctx.Err())
			return
		case <-time.After(s.opts.DrainPollInterval):
		}
	}
}

// AddConsumer registers a new delta queue for a source. The source does not
// have to be registered yet.
func (s *Store) AddConsumer(id string) *DeltaQueue {
	q := NewDeltaQueue()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = append(s.queues[id], q)
	return q
}

// RemoveConsumer deregisters and closes a queue.
func (s *Store) RemoveConsumer(id string, q *DeltaQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := s.queues[id]
	for i, existing := range queues {
		if existing == q {
			s.queues[id] = append(queues[:i:i], queues[i+1:]...)
			break
		}
	}
	if len(s.queues[id]) == 0 {
		delete(s.queues, id)
	}
	q.Close()
}

// push fans a delta out to every queue of the source. Caller holds s.mu.
func (s *Store) push(id string, d *delta.Delta) {
	for _, q := range s.queues[id] {
		q.Push(QueuedDelta{SourceID: id, Topic: d.Topic, Delta: d})
	}
}

// IsActive reports whether the source has a live subscription.
func (s *Store) IsActive(id string) bool {
	return s.supervisor.Has(id)
}

// GetWorkflows returns the registered sources split by whether they are
// currently subscribed, each sorted.
func (s *Store) GetWorkflows() (active, inactive []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, inactive = s.partition()
	return active, inactive
}

func (s *Store) partition() (active, inactive []string) {
	active = []string{}
	inactive = []string{}
	for id := range s.replicas {
		if s.supervisor.Has(id) {
			active = append(active, id)
		} else {
			inactive = append(inactive, id)
		}
	}
	sort.Strings(active)
	sort.Strings(inactive)
	return active, inactive
}

// refreshGauges updates the source gauges. Caller holds s.mu.
func (s *Store) refreshGauges() {
	if s.metrics == nil {
		return
	}
	active, inactive := s.partition()
	s.metrics.setSources(len(active), len(inactive))
}

// View calls fn with the source's replica while holding the store lock.
// fn must not retain the replica or call back into the store.
// Returns false if the source is not registered.
func (s *Store) View(id string, fn func(r *Replica)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// Summaries returns the summary record of every registered source, sorted by id.
func (s *Store) Summaries() []delta.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delta.Summary, 0, len(s.replicas))
	for _, r := range s.replicas {
		if sum, ok := r.Summary(); ok {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every subscription and closes all consumer queues.
// Replicas are left in place.
func (s *Store) Shutdown(ctx context.Context) {
	log.Printf("[Replica] Shutting down %d subscriptions", len(s.supervisor.Active()))
	s.supervisor.StopAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queues := range s.queues {
		for _, q := range queues {
			q.Close()
		}
	}
	s.refreshGauges()
}

// logEvent logs a structured event in JSON format.
func (s *Store) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "replica"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Replica] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
