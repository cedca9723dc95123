package replica

import (
	"sort"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// Replica is the local mirror of one source's published state.
// It is owned by the Store; callers only see it inside Store.View.
type Replica struct {
	ID         string
	topics     map[delta.Topic]map[string]*delta.Element
	deltaTimes map[delta.Topic]float64
}

func newReplica(id string) *Replica {
	r := &Replica{
		ID:         id,
		topics:     make(map[delta.Topic]map[string]*delta.Element),
		deltaTimes: make(map[delta.Topic]float64),
	}
	for _, t := range delta.DataTopics() {
		r.topics[t] = make(map[string]*delta.Element)
	}
	return r
}

// Elements returns copies of a topic's elements sorted by ID.
func (r *Replica) Elements(topic delta.Topic) []*delta.Element {
	elems := make([]*delta.Element, 0, len(r.topics[topic]))
	for _, e := range r.topics[topic] {
		elems = append(elems, e.Clone())
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i].ID < elems[j].ID })
	return elems
}

// Element returns a copy of one element, or nil.
func (r *Replica) Element(topic delta.Topic, id string) *delta.Element {
	return r.topics[topic][id].Clone()
}

// Len returns the number of elements held for a topic.
func (r *Replica) Len(topic delta.Topic) int {
	return len(r.topics[topic])
}

// DeltaTime returns the time of the last delta applied to a topic.
func (r *Replica) DeltaTime(topic delta.Topic) float64 {
	return r.deltaTimes[topic]
}

// Summary decodes the workflow record. ok is false once the record has been
// pruned.
func (r *Replica) Summary() (s delta.Summary, ok bool) {
	e, found := r.topics[delta.TopicWorkflow][r.ID]
	if !found {
		return delta.Summary{}, false
	}
	s, err := delta.SummaryFromElement(e)
	if err != nil {
		return delta.Summary{}, false
	}
	return s, true
}

// Checksum computes the local digest of a topic.
func (r *Replica) Checksum(topic delta.Topic) uint64 {
	return delta.Checksum(topic, r.topics[topic])
}

// merge folds d into the topic. The workflow record is always stored under
// the replica's own ID whatever ID the source publishes it with.
func (r *Replica) merge(d *delta.Delta, mode delta.Mode) {
	if d.Topic.IsRecord() {
		d = r.asRecord(d)
	}
	r.topics[d.Topic] = delta.Merge(r.topics[d.Topic], d, mode)
}

func (r *Replica) asRecord(d *delta.Delta) *delta.Delta {
	out := *d
	out.Added = rekey(d.Added, r.ID)
	out.Updated = rekey(d.Updated, r.ID)
	if len(d.Pruned) > 0 {
		out.Pruned = []string{r.ID}
	}
	return &out
}

func rekey(elems []*delta.Element, id string) []*delta.Element {
	if len(elems) == 0 {
		return nil
	}
	out := make([]*delta.Element, len(elems))
	for i, e := range elems {
		c := *e
		c.ID = id
		out[i] = &c
	}
	return out
}
