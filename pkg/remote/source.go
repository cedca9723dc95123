package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// replyTTL stops unread replies from piling up when the requester gave up.
const replyTTL = 30 * time.Second

// Handler answers one request. The returned value is JSON-encoded into the reply.
type Handler func(ctx context.Context, method string, args map[string]string) (any, error)

// Source is the publishing side of the protocol: it emits deltas and answers
// requests. flowmirror itself only consumes; Source exists for sources written
// in Go and for exercising a Client end to end.
type Source struct {
	rdb  *redis.Client
	name string
}

// NewSource creates a source publishing under the given name.
func NewSource(redisOpts *redis.Options, name string) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("source name cannot be empty")
	}
	return &Source{rdb: redis.NewClient(redisOpts), name: name}, nil
}

// Close closes the Redis connection.
func (s *Source) Close() error {
	return s.rdb.Close()
}

// Publish sends a delta on its topic's channel.
func (s *Source) Publish(ctx context.Context, d *delta.Delta) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delta: %w", err)
	}
	if err := s.rdb.Publish(ctx, DeltaChannel(s.name, d.Topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish delta: %w", err)
	}
	return nil
}

// Serve pops requests and answers them with handler until ctx is cancelled.
func (s *Source) Serve(ctx context.Context, handler Handler) error {
	key := RequestQueueKey(s.name)
	for {
		res, err := s.rdb.BLPop(ctx, time.Second, key).Result()
		if ctx.Err() != nil {
			return nil
		}
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		var req request
		if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
			log.Printf("[Source] Discarding malformed request: %v", err)
			continue
		}

		if err := s.answer(ctx, &req, handler); err != nil {
			log.Printf("[Source] Failed to reply to %s: %v", req.ID, err)
		}
	}
}

func (s *Source) answer(ctx context.Context, req *request, handler Handler) error {
	var rep reply
	result, err := handler(ctx, req.Method, req.Args)
	if err != nil {
		rep.Error = err.Error()
	} else if rep.Data, err = json.Marshal(result); err != nil {
		rep.Error = fmt.Sprintf("failed to encode result: %v", err)
	} else {
		rep.OK = true
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, req.ReplyTo, payload)
	pipe.Expire(ctx, req.ReplyTo, replyTTL)
	_, err = pipe.Exec(ctx)
	return err
}
