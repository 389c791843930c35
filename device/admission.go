package device

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// AdmissionConfig bounds how often a single remote address may attempt to
// open a new session.
type AdmissionConfig struct {
	Rate      float64 // attempts per second
	Burst     int
	CacheSize int // addresses tracked; the least recently seen is forgotten
}

// admission keeps one token bucket per remote address in an LRU cache.
type admission struct {
	mu      sync.Mutex
	buckets *lru.Cache
	limit   rate.Limit
	burst   int
}

func newAdmission(cfg AdmissionConfig) (*admission, error) {
	if cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil, fmt.Errorf("admission: rate and burst must be positive")
	}
	buckets, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("admission: %w", err)
	}
	return &admission{
		buckets: buckets,
		limit:   rate.Limit(cfg.Rate),
		burst:   cfg.Burst,
	}, nil
}

func (a *admission) allow(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var limiter *rate.Limiter
	if v, ok := a.buckets.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(a.limit, a.burst)
		a.buckets.Add(key, limiter)
	}
	return limiter.AllowN(now, 1)
}

func (a *admission) tracked() int {
	return a.buckets.Len()
}
