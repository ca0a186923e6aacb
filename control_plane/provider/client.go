package provider

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/settings"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// SettingsSource supplies credential snapshots.
type SettingsSource interface {
	Get() settings.Snapshot
}

// Journal receives user-visible progress lines.
type Journal interface {
	Log(ctx context.Context, level store.LogLevel, source, message string) error
}

// Config tunes provider access.
type Config struct {
	CacheTTL         time.Duration
	RequestTimeout   time.Duration
	RateLimit        float64
	RateBurst        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         5 * time.Second,
		RequestTimeout:   20 * time.Second,
		RateLimit:        10,
		RateBurst:        20,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client talks to the OVH API on behalf of the inventory and order paths.
// It rebuilds its signed API client whenever the credential generation
// changes, so in-flight calls keep the client they started with.
type Client struct {
	settings SettingsSource
	factory  Factory
	journal  Journal
	cfg      Config

	limiter *TokenBucketLimiter
	breaker *CircuitBreaker
	cache   *ttlcache.Cache[string, map[string]string]

	mu     sync.Mutex
	api    API
	apiGen uint64

	logger *log.Entry
}

// New creates a Client. journal may be nil.
func New(src SettingsSource, cfg Config, factory Factory, journal Journal) *Client {
	if factory == nil {
		factory = NewOVHAPI
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	opts := []ttlcache.Option[string, map[string]string]{
		ttlcache.WithDisableTouchOnHit[string, map[string]string](),
	}
	if cfg.CacheTTL > 0 {
		opts = append(opts, ttlcache.WithTTL[string, map[string]string](cfg.CacheTTL))
	}
	return &Client{
		settings: src,
		factory:  factory,
		journal:  journal,
		cfg:      cfg,
		limiter:  NewTokenBucketLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cache:    ttlcache.New[string, map[string]string](opts...),
		logger:   log.WithField("component", "provider"),
	}
}

// Start runs the cache expiry loop until Stop is called.
func (c *Client) Start() {
	go c.cache.Start()
}

// Stop halts background cache maintenance.
func (c *Client) Stop() {
	c.cache.Stop()
}

// BreakerState exposes the provider circuit for dashboards.
func (c *Client) BreakerState() CircuitState {
	return c.breaker.State()
}

// session returns an API bound to the current credential generation.
func (c *Client) session() (API, settings.Snapshot, error) {
	snap := c.settings.Get()
	if !snap.HasProviderCredentials() {
		return nil, snap, errs.Auth("provider credentials are not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api == nil || c.apiGen != snap.Generation {
		api, err := c.factory(snap.Settings)
		if err != nil {
			return nil, snap, errs.Wrap(errs.KindAuth, err, "invalid provider configuration")
		}
		c.api = api
		c.apiGen = snap.Generation
		c.logger.WithField("generation", snap.Generation).Debug("Provider client rebuilt")
	}
	return c.api, snap, nil
}

// do runs one provider request through the breaker, limiter and request
// timeout, and classifies its error.
func (c *Client) do(ctx context.Context, op string, endpoint string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow() {
		observability.ProviderErrors.WithLabelValues(op, "circuit_open").Inc()
		return errs.Transient("%s: provider circuit open", op)
	}
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return errs.Wrap(errs.KindProviderTransient, err, "%s: rate limiter", op)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	err := Classify(op, fn(reqCtx))
	observability.ProviderRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil && errs.KindOf(err) == errs.KindProviderTransient {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	observability.ProviderBreakerState.Set(float64(c.breaker.State()))

	if err != nil {
		observability.ProviderErrors.WithLabelValues(op, string(errs.KindOf(err))).Inc()
	}
	return err
}

func (c *Client) get(ctx context.Context, api API, snap settings.Snapshot, op, url string, res interface{}) error {
	return c.do(ctx, op, snap.Endpoint, func(ctx context.Context) error {
		return api.GetWithContext(ctx, url, res)
	})
}

func (c *Client) post(ctx context.Context, api API, snap settings.Snapshot, op, url string, body, res interface{}) error {
	return c.do(ctx, op, snap.Endpoint, func(ctx context.Context) error {
		return api.PostWithContext(ctx, url, body, res)
	})
}

func (c *Client) journalf(ctx context.Context, level store.LogLevel, source, msg string) {
	if c.journal == nil {
		return
	}
	c.journal.Log(ctx, level, source, msg)
}

// VerifyAuth reports whether the stored credentials are accepted by the provider.
func (c *Client) VerifyAuth(ctx context.Context) (bool, error) {
	api, snap, err := c.session()
	if errs.Is(err, errs.KindAuth) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var me map[string]interface{}
	err = c.get(ctx, api, snap, "verify_auth", "/me", &me)
	switch {
	case err == nil:
		return true, nil
	case errs.Is(err, errs.KindAuth):
		return false, nil
	default:
		return false, err
	}
}
