package httpd

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// reqBucket is a simple, precise request-rate limiter (thread-safe).
// All fields are integer-based (requests, ns) to avoid float overhead.
type reqBucket struct {
	mu       sync.Mutex
	ratePerS int64 // requests per second, scaled by rateScale
	capacity int64
	tokens   int64
	last     time.Time
}

// rateScale lets sub-1/s rates stay integral.
const rateScale = 1000

func newReqBucket(perMinute int) *reqBucket {
	ratePerS := int64(perMinute) * rateScale / 60
	burst := int64(perMinute) * rateScale
	return &reqBucket{ratePerS: ratePerS, capacity: burst, tokens: burst, last: time.Now()}
}

// allow consumes one request worth of tokens if available.
func (b *reqBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		refill := (elapsed.Nanoseconds() * b.ratePerS) / int64(time.Second)
		if refill > 0 {
			b.tokens += refill
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}
	if b.tokens >= rateScale {
		b.tokens -= rateScale
		return true
	}
	return false
}

// ipLimiter keys request buckets by client IP. Stale buckets are
// dropped opportunistically once the table grows.
type ipLimiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*bucketEntry
}

type bucketEntry struct {
	bucket   *reqBucket
	lastSeen time.Time
}

const limiterTableMax = 4096

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{perMinute: perMinute, buckets: make(map[string]*bucketEntry)}
}

func (l *ipLimiter) allow(remoteAddr string) bool {
	if l.perMinute <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	entry, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= limiterTableMax {
			l.evictStaleLocked()
		}
		entry = &bucketEntry{bucket: newReqBucket(l.perMinute)}
		l.buckets[host] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.bucket.allow()
}

func (l *ipLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for host, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, host)
		}
	}
}

// rateLimitMiddleware answers 429 once a client exhausts its bucket.
// Injected requests carry the internal marker and are exempt; the
// tunnel has its own in-flight cap.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(internalMarkerHeader) == s.marker {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate-limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
