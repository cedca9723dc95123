package remote

import (
	"fmt"
	"strings"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// Redis key pattern helpers
//
// All keys and Pub/Sub channels are namespaced by source name so several
// sources can share one Redis server.
//
// Key pattern: flow:{source_name}:{entity}
// Channel pattern: flow:{source_name}:delta:{topic}

// DeltaChannel returns the Pub/Sub channel a source publishes a topic's deltas on.
// Pattern: flow:{source_name}:delta:{topic}
func DeltaChannel(sourceName string, topic delta.Topic) string {
	return fmt.Sprintf("flow:%s:delta:%s", sourceName, topic)
}

// TopicFromChannel extracts the topic from a delta channel name.
func TopicFromChannel(channel string) (delta.Topic, error) {
	i := strings.LastIndex(channel, ":delta:")
	if i < 0 {
		return 0, fmt.Errorf("not a delta channel: %q", channel)
	}
	return delta.ParseTopic(channel[i+len(":delta:"):])
}

// RequestQueueKey returns the list a source pops requests from.
// Pattern: flow:{source_name}:requests
func RequestQueueKey(sourceName string) string {
	return fmt.Sprintf("flow:%s:requests", sourceName)
}

// ReplyKey returns the list a single request's reply is pushed to.
// Pattern: flow:{source_name}:reply:{request_id}
func ReplyKey(sourceName, requestID string) string {
	return fmt.Sprintf("flow:%s:reply:%s", sourceName, requestID)
}
