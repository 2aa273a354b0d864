package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattermost/mattermost-redux-sub001/internal/app"
	"github.com/mattermost/mattermost-redux-sub001/internal/client"
	"github.com/mattermost/mattermost-redux-sub001/internal/config"
	"github.com/mattermost/mattermost-redux-sub001/internal/export"
	"github.com/mattermost/mattermost-redux-sub001/internal/metrics"
	"github.com/mattermost/mattermost-redux-sub001/internal/posts"
	"github.com/mattermost/mattermost-redux-sub001/internal/preferences"
	"github.com/mattermost/mattermost-redux-sub001/internal/realtime"
	"github.com/mattermost/mattermost-redux-sub001/internal/search"
	"github.com/mattermost/mattermost-redux-sub001/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postStore := posts.NewStore()
	m := metrics.New(postStore)
	deps := app.Deps{
		Server:  client.New(cfg.ServerURL, cfg.Token),
		Posts:   postStore,
		Metrics: m,
	}

	var fallback search.Searcher = search.NewMemory(app.RecordSource(postStore))
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, store.MigrationSource(cfg.MigrationsDir)); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore := store.NewPostgresStore(db)
		deps.Cache = dataStore
		deps.Preferences = dataStore.Preferences()
		fallback = search.NewPgFTS(db)
	} else {
		log.Printf("DATABASE_URL not set; running without the offline cache")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for preference storage")
		redisStore, err := preferences.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		deps.Preferences = redisStore
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, fallback)
	defer searchService.Close()
	deps.Search = searchService

	var uploader export.Uploader
	s3Config := export.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	}
	if s3Config.Enabled() {
		s3, err := export.NewS3Storage(s3Config)
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: transcript bucket unavailable: %v", err)
		}
		uploader = s3
	}
	deps.Export = export.NewService(postStore, uploader, uint64(cfg.ExportMaxBytes), cfg.Location)

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on reconnect): %v", err)
	}
	searchService.ReindexAllFromPG(ctx)

	stream := realtime.New(cfg.ServerURL, cfg.Token)
	go func() {
		if err := service.Listen(ctx, stream); err != nil && ctx.Err() == nil {
			log.Printf("realtime stream stopped: %v", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, m)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("postsync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	_ = stream.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
