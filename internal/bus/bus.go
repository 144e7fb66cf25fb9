package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names. Coupon issuance streams carry a coupon id suffix so
// ordering is FIFO per coupon.
const (
	OrderCompletedStream    = "orders:completed"
	couponIssueStreamPrefix = "coupon:issue:"
)

// CouponIssueStream returns the issuance stream for a coupon.
func CouponIssueStream(couponID string) string {
	return couponIssueStreamPrefix + couponID
}

// DeadStream returns the dead stream paired with a source stream. Poison
// entries that exhausted their delivery ceiling are parked there.
func DeadStream(stream string) string {
	return stream + ":dead"
}

// RedisStreamClient is the minimal client surface used by the bus.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// Publisher appends messages to Redis streams.
type Publisher struct {
	client RedisStreamClient
	maxLen int64
}

// NewPublisher constructs a stream publisher. maxLen caps stream length
// approximately; zero means unbounded.
func NewPublisher(client RedisStreamClient, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish appends values to the stream.
func (p *Publisher) Publish(ctx context.Context, stream string, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

// IssueRequest is one coupon issuance request as carried on the bus.
type IssueRequest struct {
	RequestID   string
	UserID      string
	CouponID    string
	RequestedAt time.Time
}

// PublishIssueRequest appends an issuance request to the coupon's stream.
func (p *Publisher) PublishIssueRequest(ctx context.Context, req IssueRequest) error {
	return p.Publish(ctx, CouponIssueStream(req.CouponID), map[string]any{
		"request_id":   req.RequestID,
		"user_id":      req.UserID,
		"coupon_id":    req.CouponID,
		"requested_at": req.RequestedAt.UTC().Format(time.RFC3339Nano),
	})
}
