package delta

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Mode selects how Merge combines a delta with existing elements.
type Mode int

const (
	// ModeUpsert inserts added elements, merges updated elements field by
	// field into existing ones and removes pruned IDs.
	ModeUpsert Mode = iota

	// ModeReplace discards existing elements and keeps only the delta's
	// added and updated elements.
	ModeReplace
)

// kind describes how a topic's elements are stored and verified.
type kind struct {
	record     bool                  // Single summary record rather than a collection
	checksumOf func(*Element) string // nil when the topic is not checksummed
}

// topicKinds is the per-topic dispatch table used by Merge and Checksum.
var topicKinds = map[Topic]kind{
	TopicWorkflow:      {record: true},
	TopicEdges:         {checksumOf: idKey},
	TopicFamilies:      {checksumOf: stampKey},
	TopicFamilyProxies: {checksumOf: stampKey},
	TopicJobs:          {checksumOf: stampKey},
	TopicTasks:         {checksumOf: stampKey},
	TopicTaskProxies:   {checksumOf: stampKey},
}

func idKey(e *Element) string {
	return e.ID
}

func stampKey(e *Element) string {
	return e.ID + "@" + e.Stamp
}

// IsRecord reports whether the topic is the single summary record.
func (t Topic) IsRecord() bool {
	return topicKinds[t].record
}

// Checksummed reports whether deltas for the topic carry a verifiable checksum.
func (t Topic) Checksummed() bool {
	return topicKinds[t].checksumOf != nil
}

// Merge applies d to dst and returns the resulting element map.
// dst may be nil. Elements stored in the result are copies, so callers can
// keep using the delta afterwards.
func Merge(dst map[string]*Element, d *Delta, mode Mode) map[string]*Element {
	if mode == ModeReplace || dst == nil {
		dst = make(map[string]*Element, len(d.Added)+len(d.Updated))
	}

	for _, e := range d.Added {
		dst[e.ID] = e.Clone()
	}

	for _, e := range d.Updated {
		existing, ok := dst[e.ID]
		if !ok || mode == ModeReplace {
			dst[e.ID] = e.Clone()
			continue
		}
		dst[e.ID] = mergeElement(existing, e)
	}

	if mode == ModeUpsert {
		for _, id := range d.Pruned {
			delete(dst, id)
		}
	}

	return dst
}

// mergeElement overlays the top-level fields of update onto a copy of base.
func mergeElement(base, update *Element) *Element {
	merged := base.Clone()
	if update.Stamp != "" {
		merged.Stamp = update.Stamp
	}
	if len(update.Fields) > 0 && merged.Fields == nil {
		merged.Fields = make(map[string]any, len(update.Fields))
	}
	for k, v := range update.Fields {
		merged.Fields[k] = v
	}
	return merged
}

// Checksum computes the digest a source publishes for a collection topic:
// xxhash64 over the sorted element keys, one per line. Stamped topics key on
// "id@stamp", edges on the ID alone. Record topics always return 0.
func Checksum(topic Topic, elems map[string]*Element) uint64 {
	k := topicKinds[topic]
	if k.checksumOf == nil {
		return 0
	}

	keys := make([]string, 0, len(elems))
	for _, e := range elems {
		keys = append(keys, k.checksumOf(e))
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, key := range keys {
		h.WriteString(key)
		h.WriteString("\n")
	}
	return h.Sum64()
}

// ChecksumOf is Checksum for a slice of elements.
func ChecksumOf(topic Topic, elems []*Element) uint64 {
	m := make(map[string]*Element, len(elems))
	for _, e := range elems {
		m[e.ID] = e
	}
	return Checksum(topic, m)
}
