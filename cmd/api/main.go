package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andseven/blog/internal/app"
	"github.com/andseven/blog/internal/authpw"
	"github.com/andseven/blog/internal/config"
	"github.com/andseven/blog/internal/importer"
	"github.com/andseven/blog/internal/logging"
	"github.com/andseven/blog/internal/media"
	"github.com/andseven/blog/internal/search"
	"github.com/andseven/blog/internal/session"
	"github.com/andseven/blog/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "info", "json")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logging.Component(logger, "migrate")); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer sessions.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(logger, "meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, pgfts, logging.Component(logger, "search"))
	go func() {
		n, err := searchService.ReindexAllFromPG(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("initial reindex failed")
			return
		}
		logger.Info().Int("articles", n).Msg("search index rebuilt")
	}()

	var covers *media.Covers
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		covers, err = media.NewCovers(media.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logging.Component(logger, "media"))
		if err != nil {
			logger.Fatal().Err(err).Msg("cover storage setup failed")
		}
		if err := covers.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Msg("cover bucket unavailable, uploads will fail")
		}
	} else {
		logger.Info().Msg("cover uploads disabled")
	}

	imp := importer.New(dataStore, importer.Options{
		OnInsert: searchService.IndexArticle,
		Logger:   logging.Component(logger, "importer"),
	})

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Accounts: authpw.NewService(dataStore),
		Search:   searchService,
		Covers:   covers,
		Importer: imp,
		Logger:   logging.Component(logger, "app"),
	})
	service.Start(ctx)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("site", cfg.SiteTitle).Msg("blog API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
