package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"msgsync/internal/authn"
	"msgsync/internal/config"
	"msgsync/internal/observability/logging"
	"msgsync/internal/observability/metrics"
	"msgsync/internal/registry"
	"msgsync/internal/service"
	"msgsync/internal/store"
	transport "msgsync/internal/transport/http"
	"msgsync/internal/transport/ws"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "messages",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("messages")

	logger.Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.OpenConfig{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	reg := registry.New(logger)
	var notifier service.Notifier = reg
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		relay := registry.NewRelay(reg, rdb, logger)
		if err := relay.Start(ctx); err != nil {
			logger.Error("relay start", "error", err)
			os.Exit(1)
		}
		defer func() { _ = relay.Close() }()
		notifier = relay
		logger.Info("cross-instance relay enabled")
	}

	svc := service.New(st, notifier, service.Options{
		HealMirrors:         cfg.HealMirrors,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.HistoryMaxLimit,
		Logger:              logger,
	})

	var validator authn.Validator
	if cfg.JWTSecret != "" {
		logger.Info("using HS256 shared-secret token validation")
		validator = authn.NewHMACValidator(cfg.JWTSecret, cfg.JWTIssuer)
	} else {
		logger.Info("using JWKS token validation", "jwks_url", cfg.JWKSURL)
		jv, err := authn.NewJWKSValidator(cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			logger.Error("init JWKS validator", "error", err)
			os.Exit(1)
		}
		defer jv.Close()
		validator = jv
	}

	gateway := ws.NewGateway(ws.Options{
		Service:        svc,
		Registry:       reg,
		Validator:      validator,
		SendTimeout:    cfg.SendTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
		ReadLimit:      cfg.WSReadLimit,
		SessionBuffer:  cfg.SessionBuffer,
		OriginPatterns: originHosts(cfg.CORSOrigins),
		Logger:         logger,
	})
	router := transport.NewRouter(transport.Options{
		Service:            svc,
		Ready:              st,
		Validator:          validator,
		WebSocket:          gateway,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("messages service listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake checks the Origin header against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o = strings.TrimSuffix(o, "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
