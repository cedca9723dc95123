package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// Request methods understood by sources.
const (
	// MethodEntireWorkflow returns a delta.Snapshot of every data topic
	MethodEntireWorkflow = "entire_workflow"

	// MethodDataElements returns a delta.Delta holding the full contents of
	// the topic named by the "element_type" argument
	MethodDataElements = "data_elements"

	// ArgElementType is the MethodDataElements argument naming the topic
	ArgElementType = "element_type"
)

var (
	// ErrTimeout means the source did not answer in time. The request may
	// still be processed by the source.
	ErrTimeout = errors.New("request timed out")

	// ErrConnection means the source could not be reached at all.
	ErrConnection = errors.New("connection failed")
)

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnection reports whether err is (or wraps) ErrConnection.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// Contact is the information needed to reach a running source.
type Contact struct {
	Owner        string `json:"owner"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`         // Request/response endpoint
	PublishPort  int    `json:"publish_port"` // Delta publishing endpoint
	InstanceUUID string `json:"instance_uuid"`
	APIVersion   int    `json:"api_version"`
}

// Validate checks the contact can be dialled.
func (c *Contact) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contact name cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("contact host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PublishPort <= 0 || c.PublishPort > 65535 {
		return fmt.Errorf("invalid publish port: %d", c.PublishPort)
	}
	return nil
}

// Conn is an open connection to one remote source.
type Conn interface {
	// Subscribe delivers every delta published on the given topics to handle
	// until ctx is cancelled. Undecodable messages are skipped.
	// It returns nil when ctx is cancelled and an error if the subscription fails.
	Subscribe(ctx context.Context, topics []delta.Topic, handle func(*delta.Delta)) error

	// Request performs a single round trip. Failures wrap ErrTimeout or
	// ErrConnection where applicable; errors reported by the source wrap neither.
	Request(ctx context.Context, method string, args map[string]string) ([]byte, error)

	// Close releases the connection.
	Close() error
}

// Dialer opens a Conn to the source described by contact.
type Dialer func(ctx context.Context, contact Contact) (Conn, error)

// request is the envelope pushed onto a source's request queue.
type request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Args    map[string]string `json:"args,omitempty"`
	ReplyTo string            `json:"reply_to"`
}

// reply is the envelope a source pushes back.
type reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
