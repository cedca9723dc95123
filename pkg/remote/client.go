package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// DefaultRequestTimeout bounds a single request round trip when no timeout is configured.
const DefaultRequestTimeout = 2 * time.Second

// Client is a Redis-backed Conn to one source.
// Requests travel over the source's request endpoint and deltas arrive on its
// publish endpoint. The two may be the same Redis server.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb     *redis.Client // Request endpoint
	pub     *redis.Client // Publish endpoint
	name    string
	timeout time.Duration
}

// NewClient creates a client for the source described by contact.
// No connection is made until the first command; use Ping to verify reachability.
func NewClient(contact Contact, timeout time.Duration) (*Client, error) {
	if err := contact.Validate(); err != nil {
		return nil, fmt.Errorf("invalid contact: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:                  net.JoinHostPort(contact.Host, strconv.Itoa(contact.Port)),
		DialTimeout:           timeout,
		ContextTimeoutEnabled: true,
	})

	pub := rdb
	if contact.PublishPort != contact.Port {
		pub = redis.NewClient(&redis.Options{
			Addr:                  net.JoinHostPort(contact.Host, strconv.Itoa(contact.PublishPort)),
			DialTimeout:           timeout,
			ContextTimeoutEnabled: true,
		})
	}

	return &Client{rdb: rdb, pub: pub, name: contact.Name, timeout: timeout}, nil
}

// DialRedis returns a Dialer that opens Clients and verifies the request
// endpoint answers before handing the connection back.
func DialRedis(timeout time.Duration) Dialer {
	return func(ctx context.Context, contact Contact) (Conn, error) {
		c, err := NewClient(contact, timeout)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

// Close closes both endpoints. After calling Close(), the client should not be used.
func (c *Client) Close() error {
	err := c.rdb.Close()
	if c.pub != c.rdb {
		if pubErr := c.pub.Close(); err == nil {
			err = pubErr
		}
	}
	return err
}

// Ping verifies the request endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return classify("failed to reach source", err)
	}
	return nil
}

// Request pushes a request onto the source's queue and blocks for the reply
// for at most the client timeout or until ctx is done, whichever comes first.
func (c *Client) Request(ctx context.Context, method string, args map[string]string) ([]byte, error) {
	id := uuid.New().String()
	req := request{
		ID:      id,
		Method:  method,
		Args:    args,
		ReplyTo: ReplyKey(c.name, id),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := c.rdb.RPush(ctx, RequestQueueKey(c.name), payload).Err(); err != nil {
		return nil, classify("failed to send request", err)
	}

	wait := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
		if wait <= 0 {
			return nil, fmt.Errorf("no reply to %s: %w", method, ErrTimeout)
		}
	}
	// BLPOP counts whole seconds; the ctx deadline cuts a rounded-up wait short
	wait = max(wait, time.Second)

	// BLPop returns [key, value]
	res, err := c.rdb.BLPop(ctx, wait, req.ReplyTo).Result()
	if err != nil {
		return nil, classify(fmt.Sprintf("no reply to %s", method), err)
	}

	var rep reply
	if err := json.Unmarshal([]byte(res[1]), &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if !rep.OK {
		return nil, fmt.Errorf("source rejected %s: %s", method, rep.Error)
	}

	return rep.Data, nil
}

// Subscribe listens on the delta channel of every topic and hands decoded
// deltas to handle in arrival order.
// Redis Pub/Sub is at-most-once: deltas published while nobody listens are lost.
func (c *Client) Subscribe(ctx context.Context, topics []delta.Topic, handle func(*delta.Delta)) error {
	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = DeltaChannel(c.name, t)
	}

	pubsub := c.pub.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Wait for confirmation so a dead endpoint fails here rather than silently
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return classify("failed to subscribe", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: subscription closed", ErrConnection)
			}

			topic, err := TopicFromChannel(msg.Channel)
			if err != nil {
				continue
			}

			var d delta.Delta
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				continue
			}
			d.Topic = topic

			handle(&d)
		}
	}
}

// classify wraps a transport error with ErrTimeout or ErrConnection.
func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, redis.Nil),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrConnection, err)
	}
}
