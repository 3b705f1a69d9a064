package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"anitrack/internal/app"
	"anitrack/internal/catalog"
	"anitrack/internal/config"
	"anitrack/internal/server"
	"anitrack/internal/util"
	"anitrack/pkg/storage"
	"anitrack/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	cacheTTL, err := config.ParseTTL(cfg.CatalogCacheTTL)
	if err != nil {
		log.Fatalf("failed to parse catalog cache TTL: %v", err)
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	logger := util.InitLogger(cfg.LogLevel)

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCidrs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	sessions, err := store.NewJWTSessionStore(
		[]byte(cfg.JWTSecret),
		sessionTTL,
		store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword),
		store.JWTOptions{},
	)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	catalogClient := catalog.NewClient(
		cfg.CatalogBaseURL,
		catalog.WithCache(catalog.NewRedisResponseCache(cfg.RedisAddr, cfg.RedisPassword), cacheTTL),
	)

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
	} else {
		slog.Warn("object storage not configured, avatar uploads disabled")
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Sessions:    sessions,
		Catalog:     catalogClient,
		Objects:     objects,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		TrustedProxies:             trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("anitrack server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
