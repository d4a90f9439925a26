// Package ratelimit enforces the request and frame budgets using Redis-backed
// sliding windows, with a memory fallback when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
)

// ClaimsContextKey is where the auth middleware stores verified claims.
const ClaimsContextKey = "claims"

// RateLimiter holds one limiter per budget class. All checks fail open when
// the backing store is unreachable: availability beats strictness here.
type RateLimiter struct {
	apiGlobal  *limiter.Limiter
	apiPublic  *limiter.Limiter
	apiRooms   *limiter.Limiter
	wsIP       *limiter.Limiter
	wsUser     *limiter.Limiter
	wsMessages *limiter.Limiter
	wsFrames   *limiter.Limiter
	proxyIP    *limiter.Limiter
	store      limiter.Store
}

// New builds the limiter set from the count-period formats in configuration.
// A nil redisClient falls back to per-instance memory limits.
func New(cfg *config.RateLimitConfig, redisClient *redis.Client) (*RateLimiter, error) {
	parse := func(name, format string) (limiter.Rate, error) {
		rate, err := limiter.NewRateFromFormatted(format)
		if err != nil {
			return limiter.Rate{}, fmt.Errorf("invalid %s rate %q: %w", name, format, err)
		}
		return rate, nil
	}

	rates := map[string]limiter.Rate{}
	for name, format := range map[string]string{
		"api_global":  cfg.APIGlobal,
		"api_public":  cfg.APIPublic,
		"api_rooms":   cfg.APIRooms,
		"ws_ip":       cfg.WsIP,
		"ws_user":     cfg.WsUser,
		"ws_messages": cfg.WsMessages,
		"ws_frames":   cfg.WsFrames,
		"proxy_ip":    cfg.ProxyIP,
	} {
		rate, err := parse(name, format)
		if err != nil {
			return nil, err
		}
		rates[name] = rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store, limits are per-instance")
	}

	return &RateLimiter{
		apiGlobal:  limiter.New(store, rates["api_global"]),
		apiPublic:  limiter.New(store, rates["api_public"]),
		apiRooms:   limiter.New(store, rates["api_rooms"]),
		wsIP:       limiter.New(store, rates["ws_ip"]),
		wsUser:     limiter.New(store, rates["ws_user"]),
		wsMessages: limiter.New(store, rates["ws_messages"]),
		wsFrames:   limiter.New(store, rates["ws_frames"]),
		proxyIP:    limiter.New(store, rates["proxy_ip"]),
		store:      store,
	}, nil
}

// subjectKey resolves the limit key: authenticated requests are keyed by user
// ID, anonymous requests by client IP.
func subjectKey(c *gin.Context) (key, limitType string, authed bool) {
	if claims, exists := c.Get(ClaimsContextKey); exists {
		if uc, ok := claims.(*auth.Claims); ok {
			return uc.Subject, "user", true
		}
	}
	return c.ClientIP(), "ip", false
}

// GlobalMiddleware enforces the per-user global budget on authenticated
// requests and the stricter per-IP budget on anonymous ones.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, limitType, authed := subjectKey(c)
		lim := rl.apiPublic
		if authed {
			lim = rl.apiGlobal
		}
		rl.enforce(c, lim, key, limitType)
	}
}

// RoomsMiddleware enforces the voice-room endpoint budget.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, limitType, _ := subjectKey(c)
		rl.enforce(c, rl.apiRooms, key, limitType)
	}
}

// ProxyMiddleware enforces the coarse per-IP budget on proxied requests.
func (rl *RateLimiter) ProxyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.enforce(c, rl.proxyIP, c.ClientIP(), "ip")
	}
}

func (rl *RateLimiter) enforce(c *gin.Context, lim *limiter.Limiter, key, limitType string) {
	ctx := c.Request.Context()
	lctx, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		c.Next() // fail open
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
		retryAfter := lctx.Reset - time.Now().Unix()
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "too many requests",
			"code":        "rate_limited",
			"retry_after": retryAfter,
		})
		return
	}

	metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
	c.Next()
}

// CheckConnectIP gates WebSocket upgrades by client IP. Returns false after
// writing the rejection response.
func (rl *RateLimiter) CheckConnectIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // fail open
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "too many connections from this IP",
			"code":  "rate_limited",
		})
		return false
	}
	return true
}

// CheckConnectUser gates WebSocket upgrades per authenticated user. Called
// after token validation, before the upgrade.
func (rl *RateLimiter) CheckConnectUser(ctx context.Context, userID string) error {
	lctx, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return nil // fail open
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return errs.RateLimited(lctx.Reset - time.Now().Unix())
	}
	return nil
}

// AllowFrame budgets inbound gateway frames per user.
func (rl *RateLimiter) AllowFrame(ctx context.Context, userID string) error {
	return rl.allow(ctx, rl.wsFrames, userID, "websocket_frame")
}

// AllowMessage budgets send_message frames per user. This is the tighter
// limit protecting the Chat collaborator.
func (rl *RateLimiter) AllowMessage(ctx context.Context, userID string) error {
	return rl.allow(ctx, rl.wsMessages, userID, "websocket_message")
}

func (rl *RateLimiter) allow(ctx context.Context, lim *limiter.Limiter, userID, endpoint string) error {
	lctx, err := lim.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return nil // fail open
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(endpoint, "user").Inc()
		retryAfter := lctx.Reset - time.Now().Unix()
		if retryAfter < 1 {
			retryAfter = 1
		}
		return errs.RateLimited(retryAfter)
	}
	metrics.RateLimitRequests.WithLabelValues(endpoint).Inc()
	return nil
}
