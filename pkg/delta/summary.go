package delta

import (
	"encoding/json"
	"fmt"
)

// Workflow status values carried by the summary record.
const (
	StatusStopped = "stopped"
	StatusRunning = "running"
)

// Status messages shown for sources that are not (or no longer) connected.
const (
	StatusMsgRunning   = "running"
	StatusMsgStopped   = "stopped"
	StatusMsgNotYetRun = "not yet run"
)

// Summary is the typed view of the TopicWorkflow record.
// Contact fields (Host, Port, PublishPort, APIVersion, InstanceUUID) are only
// populated while the source is connected.
type Summary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Owner        string `json:"owner"`
	Status       string `json:"status"`
	StatusMsg    string `json:"status_msg"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	PublishPort  int    `json:"publish_port"`
	APIVersion   int    `json:"api_version"`
	InstanceUUID string `json:"instance_uuid"`
}

// Element encodes the summary as a workflow record element.
func (s Summary) Element() (*Element, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to convert summary to fields: %w", err)
	}
	delete(fields, "id")

	return &Element{ID: s.ID, Fields: fields}, nil
}

// SummaryFromElement decodes a workflow record element.
// Unknown fields published by the source are ignored.
func SummaryFromElement(e *Element) (Summary, error) {
	if e == nil {
		return Summary{}, fmt.Errorf("summary element is nil")
	}

	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to marshal summary fields: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	s.ID = e.ID

	return s, nil
}

// SummaryDelta builds a workflow-topic delta that updates only the given
// fields of the record identified by id.
func SummaryDelta(id string, t float64, fields map[string]any) *Delta {
	return &Delta{
		Topic:   TopicWorkflow,
		Time:    t,
		Updated: []*Element{{ID: id, Fields: fields}},
	}
}
