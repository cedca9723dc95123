package replica

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// Incoming is a delta received from a source, waiting for the processor.
type Incoming struct {
	SourceID string
	Delta    *delta.Delta
}

// activeSubscription is the connection and background task for one active source.
type activeSubscription struct {
	conn   remote.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor maps each active source to exactly one running subscription.
// Subscriptions only forward deltas onto the shared processing channel; they
// never touch replica state.
type Supervisor struct {
	dial remote.Dialer
	out  chan<- Incoming

	mu   sync.Mutex
	subs map[string]*activeSubscription
}

// NewSupervisor creates a supervisor forwarding every delta to out.
func NewSupervisor(dial remote.Dialer, out chan<- Incoming) *Supervisor {
	return &Supervisor{
		dial: dial,
		out:  out,
		subs: make(map[string]*activeSubscription),
	}
}

// Start dials the source and starts its subscription task.
// If the source already has a subscription the existing connection is returned.
func (s *Supervisor) Start(ctx context.Context, id string, contact remote.Contact) (remote.Conn, error) {
	if conn, ok := s.Conn(id); ok {
		return conn, nil
	}

	conn, err := s.dial(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", id, err)
	}

	s.mu.Lock()
	if existing, ok := s.subs[id]; ok {
		s.mu.Unlock()
		conn.Close()
		return existing.conn, nil
	}

	// Subscriptions outlive the call that started them; only Stop ends them
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &activeSubscription{conn: conn, cancel: cancel, done: make(chan struct{})}
	s.subs[id] = sub
	s.mu.Unlock()

	go s.run(subCtx, id, sub)

	log.Printf("[Supervisor] Subscribed to %s at %s:%d", id, contact.Host, contact.PublishPort)
	return conn, nil
}

func (s *Supervisor) run(ctx context.Context, id string, sub *activeSubscription) {
	defer close(sub.done)

	err := sub.conn.Subscribe(ctx, delta.SubscriptionTopics(), func(d *delta.Delta) {
		select {
		case s.out <- Incoming{SourceID: id, Delta: d}:
		case <-ctx.Done():
		}
	})
	if ctx.Err() != nil {
		return
	}
	log.Printf("[Supervisor] Subscription to %s ended: %v", id, err)

	// Forget the dead subscription so the next scan reconnects
	s.mu.Lock()
	dropped := s.subs[id] == sub
	if dropped {
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if dropped {
		sub.cancel()
		if err := sub.conn.Close(); err != nil {
			log.Printf("[Supervisor] Failed to close connection to %s: %v", id, err)
		}
	}
}

// Stop cancels the source's subscription, waits for its task to finish and
// releases the connection. Unknown ids are ignored.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
	if err := sub.conn.Close(); err != nil {
		log.Printf("[Supervisor] Failed to close connection to %s: %v", id, err)
	}
	log.Printf("[Supervisor] Unsubscribed from %s", id)
}

// StopAll stops every subscription.
func (s *Supervisor) StopAll() {
	for _, id := range s.Active() {
		s.Stop(id)
	}
}

// Has reports whether the source has a subscription.
func (s *Supervisor) Has(id string) bool {
	_, ok := s.Conn(id)
	return ok
}

// Conn returns the source's connection.
func (s *Supervisor) Conn(id string) (remote.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, false
	}
	return sub.conn, true
}

// Active returns the ids of all subscribed sources, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
