package httpapi

import (
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "rolecast/pkg/logx"
)

const headerRequestID = "X-Request-ID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(headerRequestID))
		if rid == "" || len(rid) > 64 {
			rid = uuid.NewString()
		}
		c.Set("rid", rid)
		c.Header(headerRequestID, rid)
		c.Next()
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					logx.String("rid", c.GetString("rid")),
					logx.String("path", c.FullPath()),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				fail(c, http.StatusInternalServerError, "internal error")
			}
		}()
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		d := time.Since(start)
		fields := []logx.Field{
			logx.String("rid", c.GetString("rid")),
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.String("ip", c.ClientIP()),
			logx.Duration("dur", d),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Warn("http request failed", fields...)
		case d >= 750*time.Millisecond:
			log.Info("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

// ipLimiter is a token bucket per client IP. Idle buckets are swept on access.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	buckets  map[string]*bucket
	lastScan time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const bucketIdle = 10 * time.Minute

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = max(int(perSec), 1)
	}
	return &ipLimiter{limit: rate.Limit(perSec), burst: burst, buckets: map[string]*bucket{}}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastScan) > bucketIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > bucketIdle {
				delete(l.buckets, k)
			}
		}
		l.lastScan = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func rateLimit(perSec float64, burst int) gin.HandlerFunc {
	if perSec <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	l := newIPLimiter(perSec, burst)
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			fail(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
