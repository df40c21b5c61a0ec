package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdempotentRouter(t *testing.T, handler gin.HandlerFunc) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	router := gin.New()
	router.Use(IdempotencyMiddleware(client, "X-User-ID"))
	router.POST("/v1/sessions/:id/join", handler)
	router.GET("/v1/sessions/:id", handler)
	return router, mr
}

func send(router *gin.Engine, method, path, actor, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", actor)
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	var calls atomic.Int32
	router, _ := newIdempotentRouter(t, func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusOK, gin.H{"call": n})
	})

	first := send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1")
	replay := send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1")

	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get(replayedHeader))
	assert.Equal(t, "application/json; charset=utf-8", replay.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_KeysAreScoped(t *testing.T) {
	var calls atomic.Int32
	router, _ := newIdempotentRouter(t, func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusOK)
	})

	send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1")
	send(router, http.MethodPost, "/v1/sessions/s1/join", "u2", "k1")
	send(router, http.MethodPost, "/v1/sessions/s2/join", "u1", "k1")
	send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "")
	send(router, http.MethodGet, "/v1/sessions/s1", "u1", "k1")
	send(router, http.MethodGet, "/v1/sessions/s1", "u1", "k1")

	assert.Equal(t, int32(6), calls.Load())
}

func TestIdempotency_ServerErrorsAreNotStored(t *testing.T) {
	var calls atomic.Int32
	router, mr := newIdempotentRouter(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"kind": "TRANSIENT"})
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	})

	assert.Equal(t, http.StatusServiceUnavailable, send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1").Code)
	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1").Code)
	assert.Equal(t, int32(2), calls.Load())
	for _, k := range mr.Keys() {
		assert.False(t, strings.HasSuffix(k, ":lock"), "lock %s was not released", k)
	}
}

func TestIdempotency_ConcurrentRetryConflicts(t *testing.T) {
	router, mr := newIdempotentRouter(t, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	require.NoError(t, mr.Set(idempotencyKeyspace+"u1:POST:/v1/sessions/s1/join:k1:lock", "1"))

	w := send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIdempotency_RedisDownPassesThrough(t *testing.T) {
	var calls atomic.Int32
	router, mr := newIdempotentRouter(t, func(c *gin.Context) {
		calls.Add(1)
		c.Status(http.StatusOK)
	})
	mr.Close()

	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/v1/sessions/s1/join", "u1", "k1").Code)
	assert.Equal(t, int32(1), calls.Load())
}
