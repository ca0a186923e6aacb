package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/ovhsniper/control_plane/coordination"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", Response{StatusCode: 201, Body: []byte("x")}))
	resp, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 201, resp.StatusCode)

	time.Sleep(40 * time.Millisecond)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
}

func newRouter(s Store, locks coordination.Locker, calls *int, status int) *gin.Engine {
	r := gin.New()
	r.POST("/api/queue", Middleware(s, locks, "test"), func(c *gin.Context) {
		*calls++
		c.JSON(status, gin.H{"call": *calls})
	})
	return r
}

func post(r http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareReplaysResponse(t *testing.T) {
	calls := 0
	r := newRouter(NewMemoryStore(time.Minute), coordination.NewLocalLocker(), &calls, http.StatusCreated)

	first := post(r, "abc")
	second := post(r, "abc")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Contains(t, second.Header().Get("Content-Type"), "application/json")

	post(r, "other")
	assert.Equal(t, 2, calls)
}

func TestMiddlewareWithoutKey(t *testing.T) {
	calls := 0
	r := newRouter(NewMemoryStore(time.Minute), coordination.NewLocalLocker(), &calls, http.StatusCreated)

	post(r, "")
	post(r, "")
	assert.Equal(t, 2, calls)
}

func TestMiddlewareDoesNotRecordServerErrors(t *testing.T) {
	calls := 0
	r := newRouter(NewMemoryStore(time.Minute), coordination.NewLocalLocker(), &calls, http.StatusInternalServerError)

	post(r, "abc")
	post(r, "abc")
	assert.Equal(t, 2, calls)
}

func TestMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	locks := coordination.NewLocalLocker()
	calls := 0
	r := newRouter(NewMemoryStore(time.Minute), locks, &calls, http.StatusCreated)

	held := store.ResourceKey(store.ResourceIdempotency, "lock:POST:/api/queue:abc")
	ok, err := locks.TryLock(context.Background(), held, "other-request", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := post(r, "abc")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 0, calls)
}
