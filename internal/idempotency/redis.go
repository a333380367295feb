package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// claimScript creates or takes over a pending record.
// KEYS[1]=key ARGV: now_ms owner order_id step lease_until_ms retention_ms
var claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then
  if state == 'completed' then return 0 end
  local lease = tonumber(redis.call('HGET', KEYS[1], 'lease_until'))
  if lease and lease > tonumber(ARGV[1]) then return 0 end
end
local created = redis.call('HGET', KEYS[1], 'created_at') or ARGV[1]
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'pending', 'owner', ARGV[2], 'order_id', ARGV[3],
  'step', ARGV[4], 'lease_until', ARGV[5], 'created_at', created)
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// completeScript stores an outcome if the caller still owns the pending record.
// KEYS[1]=key ARGV: owner object_id status completed_ms
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'pending' then return -1 end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'state', 'completed', 'object_id', ARGV[2], 'status', ARGV[3],
  'completed_at', ARGV[4], 'lease_until', '0')
return 1
`)

// releaseScript deletes a pending record owned by the caller.
// KEYS[1]=key ARGV: owner
var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 1 end
if state ~= 'pending' or redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore keeps records as Redis hashes that expire after the retention period.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	retention time.Duration
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client RedisClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client:    client,
		keyPrefix: "idem:",
		retention: retention,
	}
}

func (r *RedisStore) Claim(ctx context.Context, rec Record, now time.Time) (Record, bool, error) {
	ok, err := claimScript.Run(ctx, r.client, []string{r.keyPrefix + rec.Key},
		now.UnixMilli(),
		rec.Owner,
		rec.OrderID,
		rec.Step,
		rec.LeaseUntil.UnixMilli(),
		r.retention.Milliseconds(),
	).Int()
	if err != nil {
		return Record{}, false, err
	}
	if ok == 1 {
		rec.State = StatePending
		return rec, true, nil
	}
	cur, err := r.Get(ctx, rec.Key)
	if errors.Is(err, ErrNotFound) {
		// Expired or released between the script and the read; try again next poll.
		return Record{Key: rec.Key, State: StatePending}, false, nil
	}
	return cur, false, err
}

func (r *RedisStore) Complete(ctx context.Context, key, owner string, out Outcome, now time.Time) error {
	res, err := completeScript.Run(ctx, r.client, []string{r.keyPrefix + key},
		owner,
		out.ObjectID,
		out.Status,
		now.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case -1:
		if _, err := r.Get(ctx, key); err != nil {
			return err
		}
		return ErrNotOwner
	default:
		return ErrNotOwner
	}
}

func (r *RedisStore) Release(ctx context.Context, key, owner string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.keyPrefix + key}, owner).Int()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return Record{
		Key:         key,
		OrderID:     fields["order_id"],
		Step:        fields["step"],
		State:       State(fields["state"]),
		Owner:       fields["owner"],
		LeaseUntil:  millis(fields["lease_until"]),
		Outcome:     Outcome{ObjectID: fields["object_id"], Status: fields["status"]},
		CreatedAt:   millis(fields["created_at"]),
		CompletedAt: millis(fields["completed_at"]),
	}, nil
}

func millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
