package delta

import (
	"fmt"
)

// Topic identifies a category of elements within a source's published state.
type Topic int

const (
	// TopicWorkflow is the single summary record describing the source itself
	TopicWorkflow Topic = iota

	// TopicEdges holds graph edges; edges carry no stamp, only an ID
	TopicEdges

	// TopicFamilies holds family definitions
	TopicFamilies

	// TopicFamilyProxies holds per-cycle family instances
	TopicFamilyProxies

	// TopicJobs holds job submissions
	TopicJobs

	// TopicTasks holds task definitions
	TopicTasks

	// TopicTaskProxies holds per-cycle task instances
	TopicTaskProxies

	// TopicShutdown is a control topic: the source is going away. It owns no state.
	TopicShutdown
)

var topicNames = map[Topic]string{
	TopicWorkflow:      "workflow",
	TopicEdges:         "edges",
	TopicFamilies:      "families",
	TopicFamilyProxies: "family_proxies",
	TopicJobs:          "jobs",
	TopicTasks:         "tasks",
	TopicTaskProxies:   "task_proxies",
	TopicShutdown:      "shutdown",
}

// String returns the wire name of the topic.
func (t Topic) String() string {
	if name, ok := topicNames[t]; ok {
		return name
	}
	return fmt.Sprintf("topic(%d)", int(t))
}

// ParseTopic converts a wire name back to a Topic.
func ParseTopic(name string) (Topic, error) {
	for t, n := range topicNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown topic: %q", name)
}

// MarshalText implements encoding.TextMarshaler so topics travel as names
// and can be used as JSON object keys.
func (t Topic) MarshalText() ([]byte, error) {
	if _, ok := topicNames[t]; !ok {
		return nil, fmt.Errorf("unknown topic: %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Topic) UnmarshalText(text []byte) error {
	parsed, err := ParseTopic(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DataTopics returns every topic that holds replica state, in a stable order.
func DataTopics() []Topic {
	return []Topic{
		TopicWorkflow,
		TopicEdges,
		TopicFamilies,
		TopicFamilyProxies,
		TopicJobs,
		TopicTasks,
		TopicTaskProxies,
	}
}

// SubscriptionTopics returns the data topics plus the shutdown control topic.
func SubscriptionTopics() []Topic {
	return append(DataTopics(), TopicShutdown)
}

// Element is one data element of a topic. Fields are opaque to flowmirror;
// only ID and Stamp take part in merging and checksums.
type Element struct {
	ID     string         `json:"id"`              // Unique within the topic
	Stamp  string         `json:"stamp,omitempty"` // Changes whenever the element changes at the source
	Fields map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy of the element with its own top-level field map.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	clone := &Element{ID: e.ID, Stamp: e.Stamp}
	if e.Fields != nil {
		clone.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			clone.Fields[k] = v
		}
	}
	return clone
}

// Delta is an incremental update to one topic of one source.
type Delta struct {
	Topic    Topic      `json:"topic"`
	Time     float64    `json:"time"`               // Publish time, monotonic per topic at the source
	Checksum uint64     `json:"checksum,omitempty"` // Digest of the topic after this delta (collections only)
	Reloaded bool       `json:"reloaded,omitempty"` // Source reset this topic; discard local state first
	Added    []*Element `json:"added,omitempty"`
	Updated  []*Element `json:"updated,omitempty"`
	Pruned   []string   `json:"pruned,omitempty"`
}

// Validate checks the delta is usable for its topic.
func (d *Delta) Validate() error {
	if _, ok := topicNames[d.Topic]; !ok {
		return fmt.Errorf("unknown topic: %d", int(d.Topic))
	}
	if d.Time < 0 {
		return fmt.Errorf("invalid time: must be >= 0, got %v", d.Time)
	}
	for i, e := range d.Added {
		if e == nil || e.ID == "" {
			return fmt.Errorf("added element at index %d has no ID", i)
		}
	}
	for i, e := range d.Updated {
		if e == nil || e.ID == "" {
			return fmt.Errorf("updated element at index %d has no ID", i)
		}
	}
	return nil
}

// Snapshot is the full state of a source across all data topics, returned
// by the "entire workflow" request when a connection is first established.
type Snapshot struct {
	Time   float64              `json:"time"`
	Topics map[Topic][]*Element `json:"topics"`
}

// TopicDelta renders one topic of the snapshot as a reload delta.
func (s *Snapshot) TopicDelta(topic Topic) *Delta {
	return &Delta{
		Topic:    topic,
		Time:     s.Time,
		Reloaded: true,
		Added:    s.Topics[topic],
	}
}
