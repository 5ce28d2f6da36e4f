package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
)

// Refill and take run in one script against the Redis clock, so every replica
// shares the same bucket state.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local clock = redis.call("TIME")
local nowMs = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or nowMs

local elapsed = math.max(0, nowMs - last)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", nowMs)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(tokens), nowMs}
`)

// Bucket is a rate in tokens per second with a burst capacity.
type Bucket struct {
	Rate  float64
	Burst int
}

func (b Bucket) validate() error {
	if b.Rate <= 0 {
		return fmt.Errorf("bucket rate must be positive, got %v", b.Rate)
	}
	if b.Burst <= 0 {
		return fmt.Errorf("bucket burst must be positive, got %d", b.Burst)
	}
	return nil
}

// idleTTL keeps an untouched bucket around for twice its full refill time.
func (b Bucket) idleTTL() time.Duration {
	if b.Rate <= 0 || b.Burst <= 0 {
		return time.Second
	}
	return time.Duration(math.Max(1, math.Ceil(2*float64(b.Burst)/b.Rate))) * time.Second
}

// Decision is the outcome of one take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	At         time.Time
}

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	if client == nil {
		return nil
	}
	return &Limiter{client: client}
}

// Take removes one token from key.
func (l *Limiter) Take(ctx context.Context, key string, b Bucket) (Decision, error) {
	if l == nil || l.client == nil {
		return Decision{}, errNoClient
	}
	if key == "" {
		return Decision{}, errors.New("bucket key is empty")
	}
	if err := b.validate(); err != nil {
		return Decision{}, err
	}

	reply, err := takeScript.Run(ctx, l.client, []string{key}, b.Rate, b.Burst, b.idleTTL().Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	return decodeDecision(reply, b)
}

func decodeDecision(reply []any, b Bucket) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("unexpected bucket reply of %d values", len(reply))
	}
	allowed, err := cast.ToInt64E(reply[0])
	if err != nil {
		return Decision{}, fmt.Errorf("bucket allowed flag: %w", err)
	}
	remaining, err := cast.ToFloat64E(reply[1])
	if err != nil {
		return Decision{}, fmt.Errorf("bucket tokens: %w", err)
	}
	atMs, err := cast.ToInt64E(reply[2])
	if err != nil {
		return Decision{}, fmt.Errorf("bucket clock: %w", err)
	}

	d := Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
		At:        time.UnixMilli(atMs),
	}
	if !d.Allowed && b.Rate > 0 {
		d.RetryAfter = time.Duration((1 - remaining) / b.Rate * float64(time.Second))
	}
	return d, nil
}
