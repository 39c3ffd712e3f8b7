// Package ratelimit throttles API requests per client identity using token
// buckets, with separate budgets per route class.
package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the per-window request budgets. Limits are requests per
// Window for one client identity.
type Config struct {
	Window   time.Duration
	Default  int
	API      int
	Search   int
	Download int
}

const (
	defaultWindow        = time.Minute
	defaultLimitDefault  = 600
	defaultLimitAPI      = 300
	defaultLimitSearch   = 120
	defaultLimitDownload = 60
)

// Decision explains a single rate limit check.
type Decision struct {
	Allowed    bool
	Rule       string
	Limit      int
	RetryAfter time.Duration
	Window     time.Duration
}

type bucketKey struct {
	rule     string
	identity string
}

// Limiter manages one token bucket per (rule, identity) pair. Buckets are
// created lazily and refill continuously rather than resetting on a window
// boundary.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter
}

// New constructs a Limiter, applying defaults for unset fields.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Default <= 0 {
		cfg.Default = defaultLimitDefault
	}
	if cfg.API <= 0 {
		cfg.API = defaultLimitAPI
	}
	if cfg.Search <= 0 {
		cfg.Search = defaultLimitSearch
	}
	if cfg.Download <= 0 {
		cfg.Download = defaultLimitDownload
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[bucketKey]*rate.Limiter),
	}
}

// ruleForPath classifies a request path into a budget rule. Search and
// download routes get the tightest budgets since they fan out to sources.
func (l *Limiter) ruleForPath(path string) (string, int) {
	switch {
	case strings.HasPrefix(path, "/v1/search"):
		return "search", l.cfg.Search
	case strings.HasPrefix(path, "/v1/downloads"):
		return "download", l.cfg.Download
	case strings.HasPrefix(path, "/v1/"):
		return "api", l.cfg.API
	default:
		return "default", l.cfg.Default
	}
}

// Check consumes one token for the identity's bucket if available. When the
// request is rejected, RetryAfter reports how long until a token frees up.
func (l *Limiter) Check(identity, path string) Decision {
	rule, limit := l.ruleForPath(path)
	key := bucketKey{rule: rule, identity: identity}

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(limit)/l.cfg.Window.Seconds()), limit)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	d := Decision{Rule: rule, Limit: limit, Window: l.cfg.Window}
	if bucket.Allow() {
		d.Allowed = true
		return d
	}
	res := bucket.Reserve()
	delay := res.Delay()
	res.Cancel()
	d.RetryAfter = time.Duration(math.Ceil(delay.Seconds())) * time.Second
	if d.RetryAfter < time.Second {
		d.RetryAfter = time.Second
	}
	return d
}
