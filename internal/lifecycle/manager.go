package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/flowmirror/internal/discovery"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// State is a source's lifecycle state as seen by the last scan.
type State int

const (
	// StateNone means the source is not tracked
	StateNone State = iota

	// StateInactive means the source exists but is not running
	StateInactive

	// StateActive means the source is running and connected
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	default:
		return "none"
	}
}

// Store is the set of replica operations the manager drives.
type Store interface {
	Register(ctx context.Context, id string, isActive bool)
	Connect(ctx context.Context, id string, contact remote.Contact) error
	Disconnect(ctx context.Context, id string)
	Stop(ctx context.Context, id string)
	Unregister(ctx context.Context, id string)

	// IsActive reports whether the store still holds a subscription for id.
	IsActive(id string) bool
}

// Transition is one change in a source's lifecycle state between two scans.
type Transition struct {
	ID     string
	Before State
	After  State
	Record discovery.Record
}

// Manager diffs each scan against the previous one and drives the store.
type Manager struct {
	scanner    discovery.Scanner
	store      Store
	apiVersion int // 0 accepts any version

	mu       sync.Mutex // Serializes Update
	active   map[string]discovery.Record
	inactive map[string]struct{}
}

// NewManager creates a manager. Sources advertising an API version other
// than apiVersion are treated as inactive; 0 disables the check.
func NewManager(scanner discovery.Scanner, store Store, apiVersion int) *Manager {
	return &Manager{
		scanner:    scanner,
		store:      store,
		apiVersion: apiVersion,
		active:     make(map[string]discovery.Record),
		inactive:   make(map[string]struct{}),
	}
}

// Run calls Update immediately and then every interval until ctx is cancelled.
// A running Update always completes before Run returns.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	log.Printf("[Lifecycle] Scanning for sources every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Update(ctx); err != nil {
			log.Printf("[Lifecycle] Update failed: %v", err)
		}

		select {
		case <-ctx.Done():
			log.Printf("[Lifecycle] Stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Update scans once and applies every transition. A failed scan changes
// nothing, so sources are never unregistered because discovery was down.
func (m *Manager) Update(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changes, err := m.changes(ctx)
	if err != nil {
		return err
	}

	for _, tr := range changes {
		m.dispatch(ctx, tr)
	}
	return nil
}

// Changes computes the transitions the next Update would apply, without applying them.
func (m *Manager) Changes(ctx context.Context) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changes(ctx)
}

func (m *Manager) changes(ctx context.Context) ([]Transition, error) {
	var changes []Transition
	seen := make(map[string]struct{})

	for rec, err := range m.scanner.Scan(ctx) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan for sources: %w", err)
		}

		id := rec.ID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		before := m.state(id)
		after := m.classify(rec)

		// The source may have shut itself down since the last scan
		if before == StateActive && !m.store.IsActive(id) {
			changes = append(changes, Transition{ID: id, Before: StateActive, After: StateInactive, Record: rec})
			before = StateInactive
		}

		switch {
		case before == StateActive && after == StateActive:
			// A restart under the same id is a disconnect followed by a reconnect
			if m.active[id].Contact.InstanceUUID != rec.Contact.InstanceUUID {
				changes = append(changes,
					Transition{ID: id, Before: StateActive, After: StateInactive, Record: rec},
					Transition{ID: id, Before: StateInactive, After: StateActive, Record: rec},
				)
			}
		case before != after:
			changes = append(changes, Transition{ID: id, Before: before, After: after, Record: rec})
		}
	}

	var gone []string
	for id := range m.active {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	for id := range m.inactive {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)

	for _, id := range gone {
		rec, ok := m.active[id]
		if !ok {
			owner, name, _ := strings.Cut(id, "/")
			rec = discovery.Record{Owner: owner, Name: name}
		}
		changes = append(changes, Transition{ID: id, Before: m.state(id), After: StateNone, Record: rec})
	}

	return changes, nil
}

func (m *Manager) classify(rec discovery.Record) State {
	state := Classify(rec, m.apiVersion)
	if state == StateInactive && rec.Contact != nil {
		log.Printf("[Lifecycle] Source %s speaks API %d, want %d; treating as inactive",
			rec.ID(), rec.Contact.APIVersion, m.apiVersion)
	}
	return state
}

// Classify returns the state a discovered record maps to. A running source
// is only active if it speaks apiVersion (0 accepts any).
func Classify(rec discovery.Record, apiVersion int) State {
	if rec.Contact == nil {
		return StateInactive
	}
	if apiVersion != 0 && rec.Contact.APIVersion != apiVersion {
		return StateInactive
	}
	return StateActive
}

func (m *Manager) state(id string) State {
	if _, ok := m.active[id]; ok {
		return StateActive
	}
	if _, ok := m.inactive[id]; ok {
		return StateInactive
	}
	return StateNone
}

// State returns the state a source had after the last Update.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(id)
}

// dispatch runs the store actions for one transition and records the new
// state. A panic is contained to this source.
func (m *Manager) dispatch(ctx context.Context, tr Transition) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[Lifecycle] Panic handling %s (%s -> %s): %v\n%s", tr.ID, tr.Before, tr.After, p, debug.Stack())
		}
	}()

	id := tr.ID
	result := "ok"

	switch {
	case tr.Before == StateNone && tr.After == StateInactive:
		m.store.Register(ctx, id, false)
		m.inactive[id] = struct{}{}

	case tr.Before == StateNone && tr.After == StateActive:
		m.store.Register(ctx, id, true)
		m.inactive[id] = struct{}{}
		result = m.connect(ctx, tr.Record)

	case tr.Before == StateInactive && tr.After == StateActive:
		result = m.connect(ctx, tr.Record)

	case tr.Before == StateInactive && tr.After == StateNone:
		m.store.Unregister(ctx, id)
		delete(m.inactive, id)

	case tr.Before == StateActive && tr.After == StateInactive:
		m.store.Disconnect(ctx, id)
		m.store.Stop(ctx, id)
		delete(m.active, id)
		m.inactive[id] = struct{}{}

	case tr.Before == StateActive && tr.After == StateNone:
		m.store.Disconnect(ctx, id)
		m.store.Unregister(ctx, id)
		delete(m.active, id)
	}

	m.logEvent("source_transition", map[string]interface{}{
		"source": id,
		"before": tr.Before.String(),
		"after":  tr.After.String(),
		"result": result,
	})
}

// connect moves an inactive source to active. On failure the source stays
// inactive so the next scan retries.
func (m *Manager) connect(ctx context.Context, rec discovery.Record) string {
	id := rec.ID()
	if err := m.store.Connect(ctx, id, *rec.Contact); err != nil {
		log.Printf("[Lifecycle] Failed to connect to %s: %v", id, err)
		return "connect_failed"
	}
	delete(m.inactive, id)
	m.active[id] = rec
	return "ok"
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "lifecycle"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Lifecycle] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
