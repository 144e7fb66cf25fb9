package bus

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one stream entry. Returning nil acknowledges the
// entry; an error leaves it pending for redelivery, so handlers must be
// idempotent.
type Handler func(ctx context.Context, stream string, values map[string]any) error

// Consumer reads stream entries through a consumer group and hands them
// to a Handler.
type Consumer struct {
	client        RedisStreamClient
	group         string
	name          string
	block         time.Duration
	minIdle       time.Duration
	maxDeliveries int64
	logf          func(format string, args ...any)
	prepared      map[string]bool
}

// NewConsumer constructs a consumer group reader.
func NewConsumer(client RedisStreamClient, group, name string, block time.Duration, logf func(format string, args ...any)) *Consumer {
	if block <= 0 {
		block = 2 * time.Second
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Consumer{
		client:        client,
		group:         group,
		name:          name,
		block:         block,
		minIdle:       30 * time.Second,
		maxDeliveries: 5,
		logf:          logf,
		prepared:      make(map[string]bool),
	}
}

// SetReclaim tunes pending-entry recovery: minIdle is how long an entry
// may sit unacked before any consumer takes it over, maxDeliveries is
// the delivery ceiling after which the entry moves to the dead stream.
func (c *Consumer) SetReclaim(minIdle time.Duration, maxDeliveries int64) {
	c.minIdle = minIdle
	if maxDeliveries > 0 {
		c.maxDeliveries = maxDeliveries
	}
}

// ensureGroup creates the consumer group (and stream) once per stream.
func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	if c.prepared[stream] {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	c.prepared[stream] = true
	return nil
}

// Poll reads one batch from the given streams and dispatches each entry.
// Handled entries are acked; failed entries stay pending for redelivery.
func (c *Consumer) Poll(ctx context.Context, streams []string, handler Handler) error {
	if len(streams) == 0 {
		return nil
	}
	for _, stream := range streams {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  args,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			values := make(map[string]any, len(entry.Values))
			for k, v := range entry.Values {
				values[k] = v
			}
			if err := handler(ctx, stream.Stream, values); err != nil {
				c.logf("bus handler %s/%s: %v", stream.Stream, entry.ID, err)
				continue
			}
			if err := c.client.XAck(ctx, stream.Stream, c.group, entry.ID).Err(); err != nil {
				c.logf("bus ack %s/%s: %v", stream.Stream, entry.ID, err)
			}
		}
	}
	return nil
}

// Reclaim takes over entries that sat unacked past minIdle, left behind
// by a crashed consumer or a failed handler, and re-dispatches them.
// Entries already delivered maxDeliveries times are parked on the
// stream's dead stream instead of being retried again.
func (c *Consumer) Reclaim(ctx context.Context, streams []string, handler Handler) error {
	for _, stream := range streams {
		if err := c.ensureGroup(ctx, stream); err != nil {
			return err
		}

		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  64,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return err
		}

		var retry, poison []string
		for _, p := range pending {
			if p.Idle < c.minIdle {
				continue
			}
			if p.RetryCount >= c.maxDeliveries {
				poison = append(poison, p.ID)
			} else {
				retry = append(retry, p.ID)
			}
		}

		if err := c.redispatch(ctx, stream, retry, handler); err != nil {
			return err
		}
		if err := c.park(ctx, stream, poison); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) claim(ctx context.Context, stream string, ids []string) ([]redis.XMessage, error) {
	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return msgs, nil
}

func (c *Consumer) redispatch(ctx context.Context, stream string, ids []string, handler Handler) error {
	if len(ids) == 0 {
		return nil
	}
	msgs, err := c.claim(ctx, stream, ids)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := handler(ctx, stream, msg.Values); err != nil {
			c.logf("bus reclaim handler %s/%s: %v", stream, msg.ID, err)
			continue
		}
		if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
			c.logf("bus reclaim ack %s/%s: %v", stream, msg.ID, err)
		}
	}
	return nil
}

func (c *Consumer) park(ctx context.Context, stream string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	msgs, err := c.claim(ctx, stream, ids)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: DeadStream(stream),
			Values: msg.Values,
		}).Err(); err != nil {
			c.logf("bus park %s/%s: %v", stream, msg.ID, err)
			continue
		}
		c.logf("bus parked poison entry %s/%s", stream, msg.ID)
		if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
			c.logf("bus park ack %s/%s: %v", stream, msg.ID, err)
		}
	}
	return nil
}

// Run polls the streams returned by list until the context ends. list is
// re-evaluated each cycle so new streams (e.g. new coupon campaigns) are
// picked up without a restart.
func (c *Consumer) Run(ctx context.Context, interval time.Duration, list func(ctx context.Context) ([]string, error), handler Handler) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streams, err := list(ctx)
			if err != nil {
				c.logf("bus list streams: %v", err)
				continue
			}
			if err := c.Poll(ctx, streams, handler); err != nil {
				c.logf("bus poll: %v", err)
			}
			if err := c.Reclaim(ctx, streams, handler); err != nil {
				c.logf("bus reclaim: %v", err)
			}
		}
	}
}
