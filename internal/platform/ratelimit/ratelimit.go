// Package ratelimit keeps one token bucket per key, evicting idle keys.
package ratelimit

import (
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/applaude-labs/applaude-go/internal/platform/env"
)

type Config struct {
	// Rate is the sustained number of events per second per key. Zero disables limiting.
	Rate    float64
	Burst   int
	MaxKeys int
	IdleTTL time.Duration
}

func ConfigFromEnv() (Config, error) {
	r, err := env.Float("RUN_CREATE_RATE", 0.5)
	if err != nil {
		return Config{}, err
	}
	burst, err := env.Int("RUN_CREATE_BURST", 5)
	if err != nil {
		return Config{}, err
	}
	maxKeys, err := env.Int("RUN_CREATE_RATE_KEYS", 10000)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Rate: r, Burst: burst, MaxKeys: maxKeys, IdleTTL: 30 * time.Minute}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Rate < 0 || math.IsNaN(c.Rate) {
		return errors.New("RUN_CREATE_RATE must be >= 0")
	}
	if c.Rate > 0 && c.Burst <= 0 {
		return errors.New("RUN_CREATE_BURST must be positive")
	}
	if c.MaxKeys <= 0 {
		return errors.New("RUN_CREATE_RATE_KEYS must be positive")
	}
	return nil
}

type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

func New(cfg Config) *Limiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, ttl),
	}
}

// Allow consumes one token for key. When denied it returns how long until a token is available.
func (l *Limiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || l.cfg.Rate <= 0 {
		return true, 0
	}
	b := l.bucket(key)
	res := b.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
	l.buckets.Add(key, b)
	return b
}

// RetryAfterSeconds formats a delay for the Retry-After header, rounding up.
func RetryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
