package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/flowmirror/pkg/delta"
	"github.com/dyluth/flowmirror/pkg/remote"
)

// fakeConn plays a remote source.
type fakeConn struct {
	mu        sync.Mutex
	snapshot  *delta.Snapshot
	snapErr   error
	elements  map[delta.Topic]*delta.Delta
	block     bool // Requests hang until their context ends
	requests  []string
	closed    bool
	published chan *delta.Delta
	broken    chan error // Ends the subscription with an error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		snapshot:  &delta.Snapshot{Time: 1},
		elements:  make(map[delta.Topic]*delta.Delta),
		published: make(chan *delta.Delta, 16),
		broken:    make(chan error, 1),
	}
}

func (c *fakeConn) Subscribe(ctx context.Context, topics []delta.Topic, handle func(*delta.Delta)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.published:
			handle(d)
		case err := <-c.broken:
			return err
		}
	}
}

func (c *fakeConn) Request(ctx context.Context, method string, args map[string]string) ([]byte, error) {
	c.mu.Lock()
	c.requests = append(c.requests, method+" "+args[remote.ArgElementType])
	block := c.block
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("no reply to %s: %w", method, remote.ErrTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch method {
	case remote.MethodEntireWorkflow:
		if c.snapErr != nil {
			return nil, c.snapErr
		}
		return json.Marshal(c.snapshot)
	case remote.MethodDataElements:
		topic, err := delta.ParseTopic(args[remote.ArgElementType])
		if err != nil {
			return nil, err
		}
		d, ok := c.elements[topic]
		if !ok {
			return nil, errors.New("no elements configured")
		}
		return json.Marshal(d)
	}
	return nil, fmt.Errorf("unknown method %s", method)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) requested() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requests...)
}

// fakeDialer hands out conns by source name and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) dial(_ context.Context, contact remote.Contact) (remote.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrConnection, d.err)
	}
	conn, ok := d.conns[contact.Name]
	if !ok {
		conn = newFakeConn()
		d.conns[contact.Name] = conn
	}
	return conn, nil
}

type fakeHistory map[string]bool

func (h fakeHistory) HasRunHistory(_ context.Context, id string) bool {
	return h[id]
}

func testOptions() Options {
	return Options{
		InitDataWait:       50 * time.Millisecond,
		InitDataRetryDelay: 5 * time.Millisecond,
		ReconcileTimeout:   100 * time.Millisecond,
		DrainPollInterval:  5 * time.Millisecond,
		ProcessingBuffer:   16,
	}
}

func newTestStore(conns ...*fakeConn) (*Store, *fakeDialer) {
	d := &fakeDialer{conns: make(map[string]*fakeConn)}
	names := []string{"a", "b", "c"}
	for i, c := range conns {
		d.conns[names[i]] = c
	}
	return NewStore(testOptions(), d.dial, fakeHistory{}, nil), d
}

func contactFor(name string) remote.Contact {
	return remote.Contact{
		Owner:        "me",
		Name:         name,
		Host:         "h",
		Port:         1,
		PublishPort:  2,
		InstanceUUID: "uuid-" + name,
		APIVersion:   5,
	}
}

func el(id, stamp string) *delta.Element {
	return &delta.Element{ID: id, Stamp: stamp, Fields: map[string]any{"stamp": stamp}}
}

// tasksDelta builds a tasks delta whose checksum matches the given resulting membership.
func tasksDelta(t float64, added []*delta.Element, after ...*delta.Element) *delta.Delta {
	return &delta.Delta{
		Topic:    delta.TopicTasks,
		Time:     t,
		Added:    added,
		Checksum: delta.ChecksumOf(delta.TopicTasks, after),
	}
}
