package replica

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// Run is the single processor task: it applies every delta forwarded by the
// subscriptions, one at a time, until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	log.Printf("[Replica] Processing deltas")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Replica] Processor stopping")
			return nil
		case in := <-s.incoming:
			s.Apply(ctx, in.SourceID, in.Delta)
		}
	}
}

// Apply merges one delta into the source's replica and fans it out to the
// source's consumer queues.
//
// Deltas older than the last applied delta for their topic are discarded.
// A reload replaces the topic. After any other merge the topic's checksum is
// verified and a mismatch triggers reconciliation. A shutdown delta is only
// fanned out, then the source is disconnected.
func (s *Store) Apply(ctx context.Context, sourceID string, d *delta.Delta) {
	if !s.waitForReplica(ctx, sourceID) {
		log.Printf("[Replica] Dropping %s delta for unknown source %s", d.Topic, sourceID)
		s.metrics.dropped()
		return
	}

	if d.Topic == delta.TopicShutdown {
		s.mu.Lock()
		s.push(sourceID, d)
		s.mu.Unlock()

		s.logEvent("source_shutdown", map[string]interface{}{
			"source": sourceID,
		})
		s.Disconnect(ctx, sourceID)
		return
	}

	if err := d.Validate(); err != nil {
		log.Printf("[Replica] Discarding invalid delta for %s: %v", sourceID, err)
		return
	}

	if s.merge(sourceID, d) {
		s.reconcile(ctx, sourceID, d.Topic)
	}

	s.mu.Lock()
	s.push(sourceID, d)
	s.mu.Unlock()
}

// merge applies d under the store lock and reports whether the topic needs
// reconciling. A panic is logged and treated as a failed merge.
func (s *Store) merge(sourceID string, d *delta.Delta) (needsReconcile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.replicas[sourceID]
	if !ok {
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			log.Printf("[Replica] Panic merging %s delta for %s: %v\n%s", d.Topic, sourceID, p, debug.Stack())
			s.metrics.panicked()
			needsReconcile = false
		}
	}()

	mode := delta.ModeUpsert
	if d.Reloaded {
		r.deltaTimes[d.Topic] = 0
		mode = delta.ModeReplace
	}

	if d.Time < r.deltaTimes[d.Topic] {
		s.metrics.stale(d.Topic.String())
		return false
	}

	r.merge(d, mode)
	r.deltaTimes[d.Topic] = d.Time
	s.metrics.applied(d.Topic.String())

	if d.Reloaded || !d.Topic.Checksummed() {
		return false
	}

	local := r.Checksum(d.Topic)
	if local == d.Checksum {
		return false
	}

	s.logEvent("checksum_mismatch", map[string]interface{}{
		"source":   sourceID,
		"topic":    d.Topic.String(),
		"local":    local,
		"remote":   d.Checksum,
		"elements": r.Len(d.Topic),
	})
	return true
}

// waitForReplica covers deltas that arrive before Register has finished.
func (s *Store) waitForReplica(ctx context.Context, id string) bool {
	deadline := time.Now().Add(s.opts.InitDataWait)
	for {
		s.mu.Lock()
		_, ok := s.replicas[id]
		s.mu.Unlock()

		if ok {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.InitDataRetryDelay):
		}
	}
}
