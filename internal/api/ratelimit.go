package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Per-IP Token Bucket
//
// A small pre-authentication guard on the credentialed routes: it slows
// key-guessing before the registry lookup runs, independent of the
// per-tenant quota windows that govern authenticated traffic.
//
// Each IP gets a bucket with a fixed capacity and refill rate. Idle
// buckets are swept periodically so transient IPs do not accumulate.

const ipBucketIdleSweep = 10 * time.Minute

type ipBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

type IPLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewIPLimiter allows ratePerMin requests per minute per IP with the
// given burst capacity.
func NewIPLimiter(ratePerMin, burst int) *IPLimiter {
	l := &IPLimiter{
		rate:    float64(ratePerMin) / 60.0,
		burst:   float64(burst),
		buckets: make(map[string]*ipBucket),
	}
	go l.sweep()
	return l
}

func (l *IPLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{tokens: l.burst, lastSeen: time.Now()}
		l.buckets[ip] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastSeen).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	retry := time.Duration((1.0-b.tokens)/l.rate*1000) * time.Millisecond
	return false, retry
}

// Middleware rejects over-rate IPs with the standard envelope.
func (l *IPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, retry := l.allow(c.ClientIP()); !ok {
			respondRateLimited(c, codeRateLimited, "too many requests from this address", retry)
			return
		}
		c.Next()
	}
}

func (l *IPLimiter) sweep() {
	ticker := time.NewTicker(ipBucketIdleSweep)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-ipBucketIdleSweep)
		l.mu.Lock()
		for ip, b := range l.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}
