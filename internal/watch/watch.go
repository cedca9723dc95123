package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/flowmirror/internal/replica"
	"github.com/dyluth/flowmirror/pkg/delta"
)

// OutputFormat selects how deltas are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per delta
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// Source is the consumer side of a replica delta queue.
type Source interface {
	Pop(ctx context.Context) (replica.QueuedDelta, error)
}

// StreamDeltas writes every delta popped from q until ctx is cancelled or
// the queue is closed. A closed queue is a clean end of stream.
func StreamDeltas(ctx context.Context, q Source, w io.Writer, format OutputFormat) error {
	for {
		item, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, replica.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read delta: %w", err)
		}

		if err := WriteDelta(w, item, format); err != nil {
			return err
		}
	}
}

// WriteDelta writes one queued delta in the given format.
func WriteDelta(w io.Writer, item replica.QueuedDelta, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(jsonDelta{SourceID: item.SourceID, Delta: item.Delta})
		if err != nil {
			return fmt.Errorf("failed to marshal delta to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
		return nil
	}

	if _, err := fmt.Fprintln(w, FormatDelta(item)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

type jsonDelta struct {
	SourceID string       `json:"source_id"`
	Delta    *delta.Delta `json:"delta"`
}

// FormatDelta renders a delta as a single line.
func FormatDelta(item replica.QueuedDelta) string {
	d := item.Delta
	ts := formatTime(d.Time)

	switch d.Topic {
	case delta.TopicShutdown:
		return fmt.Sprintf("[%s] 🛑 %s: source shut down", ts, item.SourceID)

	case delta.TopicWorkflow:
		if len(d.Pruned) > 0 {
			return fmt.Sprintf("[%s] 🗑️  %s: removed", ts, item.SourceID)
		}
		return fmt.Sprintf("[%s] 📋 %s: %s", ts, item.SourceID, formatFields(d))
	}

	line := fmt.Sprintf("[%s] %s %s: +%d ~%d -%d", ts, item.SourceID, d.Topic,
		len(d.Added), len(d.Updated), len(d.Pruned))
	if d.Reloaded {
		line += " (reload)"
	}
	return line
}

// formatFields lists the summary fields a workflow delta touches, in key order.
func formatFields(d *delta.Delta) string {
	var parts []string
	for _, e := range append(append([]*delta.Element{}, d.Added...), d.Updated...) {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Fields[k]))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func formatTime(t float64) string {
	if t <= 0 {
		return "--:--:--"
	}
	sec := int64(t)
	nsec := int64((t - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).Format("15:04:05")
}
