package middleware

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/itskum47/ovhsniper/control_plane/observability"
)

// RequestMetrics records latency and status per route and logs each request.
func RequestMetrics() gin.HandlerFunc {
	logger := log.WithField("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		observability.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		entry := logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"duration": elapsed,
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}
	}
}

// RateLimit sheds requests beyond limiter with 429 and a jittered Retry-After.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Allow() {
			c.Next()
			return
		}
		observability.APIRateLimited.WithLabelValues(c.FullPath()).Inc()

		// Jitter: 1-2s so rejected clients do not retry in lockstep.
		c.Header("Retry-After", strconv.Itoa(1+rand.Intn(2)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}
