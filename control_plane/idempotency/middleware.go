package idempotency

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/coordination"
	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// HeaderKey carries the client-chosen idempotency key.
const HeaderKey = "X-Idempotency-Key"

// lockTTL bounds how long a crashed request can block its key.
const lockTTL = 30 * time.Second

type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// Middleware replays the recorded response for a repeated idempotency key.
// Requests without the header pass through. A key whose first request is
// still being handled is answered with 409.
func Middleware(s Store, locks coordination.Locker, owner string) gin.HandlerFunc {
	logger := log.WithField("component", "idempotency")

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			c.Next()
			return
		}
		scoped := c.Request.Method + ":" + c.FullPath() + ":" + key
		ctx := c.Request.Context()

		if resp, ok := s.Get(ctx, scoped); ok {
			observability.IdempotentReplays.Inc()
			replay(c, resp)
			return
		}

		lockKey := store.ResourceKey(store.ResourceIdempotency, "lock:"+scoped)
		acquired, err := locks.TryLock(ctx, lockKey, owner, lockTTL)
		if err != nil {
			logger.WithError(err).Warn("Idempotency lock unavailable, handling request without it")
		} else if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a request with this idempotency key is in progress"})
			return
		} else {
			defer locks.Unlock(ctx, lockKey, owner)
		}

		// Another request may have finished between the lookup and the lock.
		if resp, ok := s.Get(ctx, scoped); ok {
			observability.IdempotentReplays.Inc()
			replay(c, resp)
			return
		}

		rec := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		resp := Response{
			StatusCode: status,
			Body:       rec.body.Bytes(),
			Headers:    map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.Set(ctx, scoped, resp); err != nil {
			logger.WithError(err).Warn("Failed to record idempotent response")
		}
	}
}

func replay(c *gin.Context, resp Response) {
	for k, values := range resp.Headers {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.Header().Set("Idempotent-Replayed", "true")
	c.Writer.WriteHeader(resp.StatusCode)
	c.Writer.Write(resp.Body)
	c.Abort()
}
