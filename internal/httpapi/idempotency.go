package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/metrics"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyPrefix = "idempotency:"
	// A claim outlives any sane handler; it is dropped early when the handler fails.
	claimTTL = time.Minute
)

// replayedHeaders are the response headers stored with a cached response
var replayedHeaders = []string{"Content-Type", "Location"}

// storedResponse is the cache entry for one idempotency key. An entry
// without a status is a claim held by a request still being served.
type storedResponse struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Stored  time.Time         `json:"stored"`
}

func (s storedResponse) pending() bool { return s.Status == 0 }

// IdempotencyMiddleware makes POSTs carrying an Idempotency-Key safe to
// retry. The first request claims the key; duplicates arriving while it runs
// get 409, and duplicates after a 2xx get the stored response. Failed
// responses release the claim so the client can try again. The key is bound
// to the caller, path and body.
type IdempotencyMiddleware struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyMiddleware creates the middleware; a nil client disables it
func NewIdempotencyMiddleware(client *redis.Client, ttl time.Duration, logger *zap.Logger) *IdempotencyMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyMiddleware{redis: client, ttl: ttl, logger: logger}
}

// NewRedisClient connects to the idempotency cache described by url
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse idempotency redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping idempotency redis: %w", err)
	}
	return client, nil
}

// Middleware returns the HTTP middleware function
func (im *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if im.redis == nil || r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}

		cacheKey, err := fingerprint(r, key)
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInvalidRequest, "Unable to read request body", err), nil)
			return
		}
		log := im.logger.With(zap.String("idempotency_key", key), zap.String("path", r.URL.Path))

		claimed, prior, err := im.claim(r.Context(), cacheKey)
		switch {
		case err != nil:
			// The cache is an optimisation; serve without it.
			log.Warn("Idempotency cache unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		case !claimed && prior != nil && !prior.pending():
			metrics.IdempotentReplays.Inc()
			log.Debug("Replaying stored response", zap.Int("status", prior.Status))
			replay(w, key, prior)
			return
		case !claimed:
			writeError(w, apperrors.New(apperrors.CodeInProgress, "A request with this Idempotency-Key is still being processed"), nil)
			return
		}

		rec := &capture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The client may have gone away; the outcome must still be recorded.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if rec.status < 200 || rec.status >= 300 {
			if err := im.redis.Del(ctx, cacheKey).Err(); err != nil {
				log.Warn("Failed to release idempotency claim", zap.Error(err))
			}
			return
		}
		if err := im.store(ctx, cacheKey, rec.snapshot()); err != nil {
			log.Error("Failed to store idempotent response", zap.Error(err))
		}
	})
}

// claim takes the key with SET NX. When it is already taken the existing
// entry is returned; a nil entry means the holder vanished between the two
// calls and is treated as still in progress.
func (im *IdempotencyMiddleware) claim(ctx context.Context, cacheKey string) (bool, *storedResponse, error) {
	placeholder, err := json.Marshal(storedResponse{Stored: time.Now().UTC()})
	if err != nil {
		return false, nil, err
	}
	ok, err := im.redis.SetNX(ctx, cacheKey, placeholder, claimTTL).Result()
	if err != nil || ok {
		return ok, nil, err
	}

	data, err := im.redis.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	var prior storedResponse
	if err := json.Unmarshal(data, &prior); err != nil {
		return false, nil, fmt.Errorf("decode stored response: %w", err)
	}
	return false, &prior, nil
}

func (im *IdempotencyMiddleware) store(ctx context.Context, cacheKey string, resp storedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, cacheKey, data, im.ttl).Err()
}

func replay(w http.ResponseWriter, key string, resp *storedResponse) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Idempotency-Cached", "true")
	w.Header().Set("X-Idempotency-Key", key)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// fingerprint hashes the key with the caller, path and body so one key
// cannot replay a different request. The body is restored for the handler.
func fingerprint(r *http.Request, key string) (string, error) {
	var principal string
	if c, ok := ClaimsFromContext(r.Context()); ok {
		principal = c.Principal()
	}

	h := sha256.New()
	for _, part := range []string{key, principal, r.URL.Path} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return "", err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}
	return idempotencyPrefix + hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// capture tees the response so it can be stored
type capture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	c.WriteHeader(http.StatusOK)
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *capture) snapshot() storedResponse {
	headers := make(map[string]string, len(replayedHeaders))
	for _, name := range replayedHeaders {
		if v := c.Header().Get(name); v != "" {
			headers[name] = v
		}
	}
	return storedResponse{
		Status:  c.status,
		Headers: headers,
		Body:    append([]byte(nil), c.body.Bytes()...),
		Stored:  time.Now().UTC(),
	}
}
