// Package idempotency stores the first response to a keyed POST request so
// retries with the same key can be replayed instead of re-executed.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var ErrInFlight = errors.New("request with this idempotency key is in progress")

const (
	statePending = "pending"
	stateDone    = "done"
)

// Response is a captured HTTP response.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type entry struct {
	State    string    `json:"state"`
	Response *Response `json:"response,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// RedisStore keeps claims and responses under prefix with a fixed TTL.
// Claims that are never completed expire after claimTTL.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client:   client,
		prefix:   "idempotency:",
		ttl:      ttl,
		claimTTL: time.Minute,
	}
}

// Key scopes a client-supplied key to the user and route it was sent to.
func Key(userID int64, route, clientKey string) string {
	return strconv.FormatInt(userID, 10) + ":" + route + ":" + clientKey
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Begin claims k for the caller. It returns the stored response when k has
// already completed, ErrInFlight while another request holds the claim, and
// (nil, nil) when the caller now owns k and must Complete or Release it.
func (s *RedisStore) Begin(ctx context.Context, k string) (*Response, error) {
	claim, err := sonic.Marshal(entry{State: statePending, StoredAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal claim: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, s.key(k), claim, s.claimTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, s.key(k)).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
		var e entry
		if err := sonic.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency entry: %w", err)
		}
		if e.State != stateDone || e.Response == nil {
			return nil, ErrInFlight
		}
		return e.Response, nil
	}
	return nil, ErrInFlight
}

// Complete stores resp for k, replacing the claim.
func (s *RedisStore) Complete(ctx context.Context, k string, resp Response) error {
	data, err := sonic.Marshal(entry{State: stateDone, Response: &resp, StoredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := s.client.Set(ctx, s.key(k), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

// Release drops the claim on k so the request can be retried.
func (s *RedisStore) Release(ctx context.Context, k string) error {
	if err := s.client.Del(ctx, s.key(k)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
