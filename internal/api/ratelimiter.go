package api

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// purgeThreshold is the visitor count past which idle entries are
// swept on the next Allow call.
const purgeThreshold = 1000

// IPRateLimiter applies an independent token bucket per remote IP. No
// background goroutine: idle buckets are purged opportunistically once
// the map grows past purgeThreshold.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	limit   rate.Limit
	burst   int
	idleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows perSecond requests with the given burst per
// client IP.
func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = int(perSecond) * 2
	}
	return &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

// Allow reports whether a request from remoteAddr (the raw host:port
// form of http.Request.RemoteAddr) may proceed.
func (rl *IPRateLimiter) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	if len(rl.visitors) > purgeThreshold {
		rl.purge()
	}
	return v.limiter.Allow()
}

func (rl *IPRateLimiter) purge() {
	cutoff := time.Now().Add(-rl.idleTTL)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}
