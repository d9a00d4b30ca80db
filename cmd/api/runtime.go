package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cord/api/internal/app"
	"cord/api/internal/email"
	"cord/api/internal/files"
	"cord/api/internal/presence"
	"cord/api/internal/retention"
	"cord/api/internal/search"
	"cord/api/internal/store"
)

// runtime owns every backing connection of a Service.
type runtime struct {
	service *app.Service
	purger  retention.Purger
	search  *search.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openDB connects to Postgres and applies pending migrations.
func openDB(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

// openRuntime wires the store, presence, search, files and email into a
// Service. withPresence is false for one-shot admin commands.
func openRuntime(ctx context.Context, withPresence bool) (*runtime, error) {
	rt := &runtime{}
	deps := app.Deps{Log: logger}
	var messages search.MessageStore

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using the in-memory store, data is lost on restart")
		mem := store.NewMemoryStore()
		deps.Store, rt.purger, messages = mem, mem, mem
	default:
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		pg := store.NewPostgresStore(db)
		deps.Store, rt.purger, messages = pg, pg, pg
	}

	if withPresence {
		tracker, err := presence.NewTracker(cfg.RedisURL, cfg.PresenceTTL, cfg.TypingTTL, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = tracker.Close() })
		deps.Presence = tracker
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	rt.search = search.NewService(meili, search.NewStoreSearcher(messages), logger)
	rt.closers = append(rt.closers, rt.search.Close)
	deps.Search = rt.search

	storage, err := files.New(files.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
		URLTTL:    cfg.FileURLTTL,
	}, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if storage != nil {
		if err := storage.EnsureBucket(ctx, cfg.S3Region); err != nil {
			logger.Warn("file bucket unavailable", zap.Error(err))
		}
		deps.Files = storage
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	}

	rt.service = app.New(cfg, deps)
	return rt, nil
}
