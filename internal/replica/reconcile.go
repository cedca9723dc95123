package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// reconcile refetches one topic from the source and replaces the local copy.
// It is bounded by the reconcile timeout. On timeout or failure local state is
// left as it is until the next mismatch or reconnect.
func (s *Store) reconcile(ctx context.Context, sourceID string, topic delta.Topic) {
	conn, ok := s.supervisor.Conn(sourceID)
	if !ok {
		log.Printf("[Replica] Cannot reconcile %s/%s: not connected", sourceID, topic)
		s.metrics.reconciled(topic.String(), reconcileError)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.ReconcileTimeout)
	defer cancel()

	d, err := fetchTopic(rctx, conn, topic)
	switch {
	case err != nil && (remote.IsTimeout(err) || errors.Is(rctx.Err(), context.DeadlineExceeded)):
		log.Printf("[Replica] Reconciling %s/%s timed out after %s, keeping local state", sourceID, topic, s.opts.ReconcileTimeout)
		s.metrics.reconciled(topic.String(), reconcileTimeout)
		return
	case err != nil:
		log.Printf("[Replica] Reconciling %s/%s failed: %v", sourceID, topic, err)
		s.metrics.reconciled(topic.String(), reconcileError)
		return
	}

	s.mu.Lock()
	r, ok := s.replicas[sourceID]
	if ok {
		r.merge(d, delta.ModeReplace)
		r.deltaTimes[topic] = d.Time
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.metrics.reconciled(topic.String(), reconcileOK)
	s.logEvent("topic_reconciled", map[string]interface{}{
		"source":   sourceID,
		"topic":    topic.String(),
		"time":     d.Time,
		"elements": len(d.Added) + len(d.Updated),
	})
}

// fetchTopic requests the full contents of one topic.
func fetchTopic(ctx context.Context, conn remote.Conn, topic delta.Topic) (*delta.Delta, error) {
	data, err := conn.Request(ctx, remote.MethodDataElements, map[string]string{
		remote.ArgElementType: topic.String(),
	})
	if err != nil {
		return nil, err
	}

	var d delta.Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode %s elements: %w", topic, err)
	}
	d.Topic = topic
	d.Reloaded = true

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s elements: %w", topic, err)
	}
	return &d, nil
}
