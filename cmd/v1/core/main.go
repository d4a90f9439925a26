// Command core runs the Concord realtime core: the WebSocket gateway, the
// presence and voice coordinators, and the collaborator reverse proxy, all
// in one process.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/bus"
	"github.com/concord-im/concord/internal/v1/chatapi"
	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/gateway"
	"github.com/concord-im/concord/internal/v1/health"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/middleware"
	"github.com/concord-im/concord/internal/v1/presence"
	"github.com/concord-im/concord/internal/v1/proxy"
	"github.com/concord-im/concord/internal/v1/ratelimit"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/tracing"
	"github.com/concord-im/concord/internal/v1/types"
	"github.com/concord-im/concord/internal/v1/voice"
)

func main() {
	// .env is a local development convenience; deployed instances rely on
	// real environment variables.
	for _, path := range []string{".env", "../../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Logging may not be initialized yet.
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Server.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "Starting Concord core",
		zap.Bool("development", cfg.Server.DevelopmentMode))

	if cfg.Monitoring.OTLPAddr != "" {
		tp, err := tracing.InitTracer(ctx, "concord-core", cfg.Monitoring.OTLPAddr, cfg.Monitoring.OTLPInsecure)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	// --- Coordination store and bus ---
	st, err := store.New(cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		logging.Error(ctx, "Coordination store unreachable", zap.Error(err))
		os.Exit(2)
	}

	busAddr := cfg.Redis.BusAddr
	if busAddr == "" {
		busAddr = cfg.Redis.Addr
	}
	busClient := redis.NewClient(&redis.Options{Addr: busAddr, Password: cfg.Redis.Password})
	pub := bus.NewPublisherFromClient(busClient)
	if err := pub.Ping(ctx); err != nil {
		logging.Error(ctx, "Bus unreachable", zap.Error(err))
		os.Exit(2)
	}

	validator := buildValidator(ctx, cfg)

	rl, err := ratelimit.New(&cfg.RateLimit, st.Client())
	if err != nil {
		logging.Error(ctx, "Invalid rate limit configuration", zap.Error(err))
		os.Exit(1)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// --- Coordinators ---
	presenceCo := presence.NewCoordinator(st, pub, presence.Options{
		GraceWindow:    cfg.Presence.GraceWindow.Std(),
		SweepInterval:  cfg.Presence.SweepInterval.Std(),
		LivenessWindow: cfg.Presence.LivenessWindow.Std(),
		CacheTTL:       cfg.Presence.CacheTTL.Std(),
	})
	presenceCo.Start(runCtx)

	var sfu voice.Provider
	if cfg.SFU.URL != "" {
		sfu = voice.NewLiveKitProvider(cfg.SFU.URL, cfg.SFU.APIKey, cfg.SFU.APISecret, cfg.SFU.Timeout.Std())
	} else {
		logging.Warn(ctx, "SFU URL not configured, voice rooms disabled")
	}
	voiceCo := voice.NewCoordinator(st, pub, sfu, &cfg.Voice, &cfg.TURN)
	voiceCo.Start(runCtx)

	chat := chatapi.New(cfg.Collab.ChatURL)

	hub := gateway.NewHub(validator, presenceCo, chat, pub, st, rl, busClient,
		auth.AllowedOrigins(cfg.Server.AllowedOrigins, []string{"http://localhost:3000"}))
	hub.Start(runCtx)

	ingress, err := proxy.New(&cfg.Collab, validator)
	if err != nil {
		logging.Error(ctx, "Invalid proxy configuration", zap.Error(err))
		os.Exit(1)
	}

	// --- HTTP surface ---
	if !cfg.Server.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.Monitoring.OTLPAddr != "" {
		router.Use(otelgin.Middleware("concord-core"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.AllowedOrigins(cfg.Server.AllowedOrigins, []string{"http://localhost:3000"})
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsCfg))

	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.Path, gin.WrapH(promhttp.Handler()))
	}

	router.GET("/health", proxy.Health)
	health.NewHandler(st, pub, sfu).RegisterRoutes(router)

	router.GET("/ws", hub.ServeWs)

	api := router.Group("/api/v1", middleware.RequireAuth(validator), rl.GlobalMiddleware())
	presenceCo.RegisterRoutes(api)
	if sfu != nil {
		voice.NewHandlers(voiceCo, cfg.SFU.APIKey, cfg.SFU.APISecret).RegisterRoutes(api, router)
	}

	router.NoRoute(rl.ProxyMiddleware(), ingress.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.BindAddr + ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "HTTP server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	// Drain the gateway first so clients get clean close frames, then stop
	// accepting HTTP, then tear the background loops down.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Gateway shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server forced shutdown", zap.Error(err))
	}

	voiceCo.Stop()
	presenceCo.Stop()
	cancelRun()

	if err := pub.Close(); err != nil {
		logging.Error(ctx, "Bus close failed", zap.Error(err))
	}
	_ = busClient.Close()
	if err := st.Close(); err != nil {
		logging.Error(ctx, "Store close failed", zap.Error(err))
	}

	logging.Info(ctx, "Server exited")
}

// buildValidator picks the token verification mode: JWKS against the Auth
// collaborator, shared HMAC secret, or the development stub.
func buildValidator(ctx context.Context, cfg *config.Config) types.TokenValidator {
	if cfg.Auth.JWKSDomain != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.Auth.JWKSDomain, cfg.Auth.Audience)
		if err != nil {
			logging.Error(ctx, "Failed to initialize JWKS validator", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "JWKS validator initialized", zap.String("domain", cfg.Auth.JWKSDomain))
		return v
	}

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewHMACValidator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logging.Error(ctx, "Failed to initialize HMAC validator", zap.Error(err))
			os.Exit(1)
		}
		return v
	}

	if !cfg.Server.DevelopmentMode {
		logging.Error(ctx, "No JWT secret or JWKS domain configured")
		os.Exit(1)
	}
	logging.Warn(ctx, "Authentication DISABLED for development, do not use in production")
	return &auth.MockValidator{}
}
