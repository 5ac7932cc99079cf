package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream through a consumer group. Entries
// that cannot be decoded or fail schema validation are acked and dropped with
// a counter bump; anything less wedges the whole group on one bad entry.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
	logger   *log.Logger
}

// readOptions collects per-read tuning applied on top of the group defaults.
type readOptions struct {
	block time.Duration
	count int64
}

// ConsumerOption adjusts a single Read call.
type ConsumerOption func(*readOptions)

// WithBlock bounds how long a Read blocks waiting for entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(o *readOptions) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithCount caps the entries returned by one Read.
func WithCount(n int64) ConsumerOption {
	return func(o *readOptions) {
		if n > 0 {
			o.count = n
		}
	}
}

func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{
		client:   client,
		registry: registry,
		group:    group,
		name:     name,
		logger:   log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("create group %s on %s: %w", group, stream, err)
}

// Message is one consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read pulls entries addressed to this consumer. redis.Nil (nothing arrived
// inside the block window) maps to an empty batch, not an error.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("empty stream name")
	}
	if err := c.ready(); err != nil {
		return nil, err
	}

	var ro readOptions
	for _, opt := range opts {
		opt(&ro)
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Block:    ro.block,
		Count:    ro.count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Message
	for _, st := range res {
		out = c.appendDecoded(ctx, stream, out, st.Messages)
	}
	return out, nil
}

// Ack confirms processing of ids so the group forgets them.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

// AutoClaim takes over entries another consumer left pending for at least
// minIdle. The returned cursor continues the scan; "0-0" means the scan
// wrapped around.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("empty stream name")
	}
	if err := c.ready(); err != nil {
		return nil, "", err
	}

	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	claimed, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	return c.appendDecoded(ctx, stream, nil, claimed), next, nil
}

// LagMetrics reports lag for the configured group on the given stream.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

func (c *Consumer) ready() error {
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// appendDecoded decodes raw entries onto out, acking and dropping broken ones.
func (c *Consumer) appendDecoded(ctx context.Context, stream string, out []Message, raw []redis.XMessage) []Message {
	for _, msg := range raw {
		decoded, err := c.decode(msg)
		if err != nil {
			c.drop(ctx, stream, msg.ID, err)
			continue
		}
		out = append(out, decoded)
	}
	return out
}

// decode unpacks the envelope field of one entry and runs schema validation.
func (c *Consumer) decode(msg redis.XMessage) (Message, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Message{}, fmt.Errorf("entry has no envelope field")
	}

	var body []byte
	switch v := raw.(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return Message{}, fmt.Errorf("re-encode envelope field: %w", err)
		}
		body = encoded
	}

	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return Message{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Message{}, err
		}
	}
	return Message{ID: msg.ID, Envelope: env}, nil
}

// drop acks a broken entry so it cannot wedge the group, and counts it.
func (c *Consumer) drop(ctx context.Context, stream, id string, cause error) {
	c.logger.Printf("dropping entry %s on %s: %v", id, stream, cause)
	recordDropped(ctx, "malformed")
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.logger.Printf("ack dropped entry %s: %v", id, err)
	}
}
