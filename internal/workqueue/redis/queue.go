// Package redis implements a multi-host work queue on Redis.
//
// Layout under the key prefix:
//
//	<prefix>:ready       sorted set of message ids scored by visible-at (unix ms)
//	<prefix>:msg:<id>    hash with body, created_at, receipt, receive_count
//	<prefix>:notify      list pushed on send to wake blocked receivers
//
// Claims, deletes and lease extensions run as Lua scripts so each is atomic.
// The claim script derives message hash keys from the prefix passed in ARGV,
// so the queue expects a single Redis node (or a sentinel-managed primary);
// it is not safe on Redis Cluster.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"vidpipe/internal/config"
	"vidpipe/internal/workqueue"
)

const (
	defaultPollInterval = time.Second
	notifyBacklog       = 64
)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  local mkey = ARGV[4] .. ':msg:' .. id
  if redis.call('EXISTS', mkey) == 1 then
    local token = id .. '.' .. ARGV[5]
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    redis.call('HSET', mkey, 'receipt', token)
    local count = redis.call('HINCRBY', mkey, 'receive_count', 1)
    local body = redis.call('HGET', mkey, 'body')
    local created = redis.call('HGET', mkey, 'created_at')
    table.insert(out, {id, body, token, count, created})
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[3])
redis.call('DEL', KEYS[2])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[2]) then return 0 end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[3])
return 1
`)

// Queue is a workqueue.Queue stored in Redis.
type Queue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	ownsClient   bool
	now          func() time.Time
}

var _ workqueue.Queue = (*Queue)(nil)

// Open connects to the configured Redis server and verifies it responds.
func Open(ctx context.Context, cfg config.Queue) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	q := New(client, cfg.Name, time.Duration(cfg.PollIntervalMillis)*time.Millisecond)
	q.ownsClient = true
	return q, nil
}

// New wraps an existing client. name becomes the key prefix.
func New(client *redis.Client, name string, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Queue{
		client:       client,
		prefix:       "vidpipe:" + name,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (q *Queue) readyKey() string  { return q.prefix + ":ready" }
func (q *Queue) notifyKey() string { return q.prefix + ":notify" }
func (q *Queue) msgKey(id string) string {
	return q.prefix + ":msg:" + id
}

// messageID extracts the message id from a lease token of the form <id>.<batch>.
func messageID(token string) (string, bool) {
	id, batch, ok := strings.Cut(token, ".")
	if !ok || id == "" || batch == "" {
		return "", false
	}
	return id, true
}

// Send stores the message and wakes one blocked receiver.
func (q *Queue) Send(ctx context.Context, d workqueue.Dispatch) error {
	body, err := d.Encode()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	now := q.now().UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(id), "body", string(body), "created_at", now, "receive_count", 0)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(now), Member: id})
		pipe.RPush(ctx, q.notifyKey(), id)
		pipe.LTrim(ctx, q.notifyKey(), -notifyBacklog, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.prefix, err)
	}
	return nil
}

// Receive claims visible messages, blocking on the notify list between
// attempts until opts.Wait elapses.
func (q *Queue) Receive(ctx context.Context, opts workqueue.ReceiveOptions) ([]workqueue.Message, error) {
	opts = opts.Normalize()
	deadline := q.now().Add(opts.Wait)
	for {
		msgs, err := q.claim(ctx, opts)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		block := min(remaining, q.pollInterval)
		if err := q.waitForSend(ctx, block); err != nil {
			return nil, err
		}
	}
}

// waitForSend blocks up to d for a send notification. BLPOP only accepts
// whole seconds from the client, so shorter waits sleep instead.
func (q *Queue) waitForSend(ctx context.Context, d time.Duration) error {
	if d < time.Second {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	err := q.client.BLPop(ctx, d.Truncate(time.Second), q.notifyKey()).Err()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("wait on %s: %w", q.notifyKey(), err)
}

func (q *Queue) claim(ctx context.Context, opts workqueue.ReceiveOptions) ([]workqueue.Message, error) {
	now := q.now()
	leaseUntil := now.Add(opts.Lease)
	raw, err := claimScript.Run(ctx, q.client, []string{q.readyKey()},
		now.UnixMilli(), leaseUntil.UnixMilli(), opts.MaxMessages, q.prefix, uuid.NewString(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("receive from %s: %w", q.prefix, err)
	}
	msgs := make([]workqueue.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := parseClaimed(item)
		if err != nil {
			return nil, err
		}
		msg.LeaseUntil = time.UnixMilli(leaseUntil.UnixMilli()).UTC()
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func parseClaimed(item any) (workqueue.Message, error) {
	fields, ok := item.([]any)
	if !ok || len(fields) != 5 {
		return workqueue.Message{}, fmt.Errorf("unexpected claim reply %T", item)
	}
	id, _ := fields[0].(string)
	body, _ := fields[1].(string)
	token, _ := fields[2].(string)
	count, _ := fields[3].(int64)
	created, _ := fields[4].(string)
	createdMillis, err := strconv.ParseInt(created, 10, 64)
	if err != nil {
		return workqueue.Message{}, fmt.Errorf("parse created_at for %s: %w", id, err)
	}
	return workqueue.Message{
		ID:           id,
		Body:         []byte(body),
		Token:        token,
		ReceiveCount: int(count),
		SentAt:       time.UnixMilli(createdMillis).UTC(),
	}, nil
}

// Delete acknowledges the message leased under token.
func (q *Queue) Delete(ctx context.Context, token string) error {
	id, ok := messageID(token)
	if !ok {
		return workqueue.ErrLeaseLost
	}
	n, err := deleteScript.Run(ctx, q.client, []string{q.readyKey(), q.msgKey(id)},
		token, q.now().UnixMilli(), id,
	).Int()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.prefix, err)
	}
	if n == 0 {
		return workqueue.ErrLeaseLost
	}
	return nil
}

// Extend renews the lease held by token.
func (q *Queue) Extend(ctx context.Context, token string, lease time.Duration) error {
	id, ok := messageID(token)
	if !ok {
		return workqueue.ErrLeaseLost
	}
	now := q.now()
	n, err := extendScript.Run(ctx, q.client, []string{q.readyKey(), q.msgKey(id)},
		token, now.UnixMilli(), id, now.Add(lease).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease on %s: %w", q.prefix, err)
	}
	if n == 0 {
		return workqueue.ErrLeaseLost
	}
	return nil
}

// Close releases the client when the queue opened it.
func (q *Queue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
