package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	replayedHeader      = "Idempotent-Replayed"
	idempotencyTTL      = 24 * time.Hour
	idempotencyLockTTL  = 30 * time.Second
	idempotencyKeyspace = "idempotency:"
)

// storedResponse is the replayable part of a response.
type storedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// capturingWriter copies the body written by the handler.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response of a POST or PUT retried
// with the same Idempotency-Key by the same actor on the same route, so a
// client retrying a join or an invite after a timeout does not consume a
// second token or issue a second invitation. A retry arriving while the first
// attempt is still running gets 409. A nil client disables the middleware.
func IdempotencyMiddleware(redisClient *redis.Client, actorHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if redisClient == nil || key == "" || (c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		responseKey := idempotencyKeyspace + c.GetHeader(actorHeader) + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key
		lockKey := responseKey + ":lock"

		stored, err := loadResponse(ctx, redisClient, responseKey)
		if err != nil {
			// Redis unavailable: serve the request without replay protection.
			c.Next()
			return
		}
		if stored != nil {
			c.Header(replayedHeader, "true")
			c.Data(stored.StatusCode, stored.ContentType, stored.Body)
			c.Abort()
			return
		}

		acquired, err := redisClient.SetNX(ctx, lockKey, "1", idempotencyLockTTL).Result()
		if err != nil {
			c.Next()
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "a request with this Idempotency-Key is in progress",
				"kind":  "CONFLICT",
			})
			return
		}
		defer redisClient.Del(context.WithoutCancel(ctx), lockKey)

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// Server errors are not replayed so the client can retry them.
		if status := w.Status(); status < http.StatusInternalServerError {
			_ = saveResponse(context.WithoutCancel(ctx), redisClient, responseKey, &storedResponse{
				StatusCode:  status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        w.body.Bytes(),
			})
		}
	}
}

// loadResponse returns the stored response, or nil when none was stored.
func loadResponse(ctx context.Context, client *redis.Client, key string) (*storedResponse, error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedResponse
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func saveResponse(ctx context.Context, client *redis.Client, key string, response *storedResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, data, idempotencyTTL).Err()
}
