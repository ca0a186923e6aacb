package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// DefaultTTL is how long a recorded response can be replayed.
const DefaultTTL = time.Hour

// Response is a recorded HTTP response.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Store keeps responses by idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response) error
}

// MemoryStore keeps responses in process memory.
type MemoryStore struct {
	cache *ttlcache.Cache[string, Response]
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: ttlcache.New[string, Response](
			ttlcache.WithTTL[string, Response](ttl),
			ttlcache.WithDisableTouchOnHit[string, Response](),
		),
	}
}

// Start runs the expiry loop until Stop is called.
func (s *MemoryStore) Start() {
	go s.cache.Start()
}

func (s *MemoryStore) Stop() {
	s.cache.Stop()
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Response, bool) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return Response{}, false
	}
	return item.Value(), true
}

func (s *MemoryStore) Set(ctx context.Context, key string, resp Response) error {
	s.cache.Set(key, resp, ttlcache.DefaultTTL)
	return nil
}

// RedisStore shares responses between replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := s.client.Get(ctx, store.ResourceKey(store.ResourceIdempotency, key)).Bytes()
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode idempotent response")
	}
	if err := s.client.Set(ctx, store.ResourceKey(store.ResourceIdempotency, key), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "store idempotent response")
	}
	return nil
}
