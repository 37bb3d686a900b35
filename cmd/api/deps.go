package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"photoforge/backend/internal/auth"
	"photoforge/backend/internal/cache"
	"photoforge/backend/internal/caption"
	"photoforge/backend/internal/config"
	"photoforge/backend/internal/ingest"
	"photoforge/backend/internal/queue"
	"photoforge/backend/internal/replicate"
	"photoforge/backend/internal/storage"
	"photoforge/backend/internal/store"
	"photoforge/backend/internal/stream"
)

// deps holds everything the serve and sweep commands share.
type deps struct {
	cfg       *config.Config
	db        *store.DB
	redis     *cache.Redis
	redisOpt  asynq.RedisClientOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	enqueuer  *queue.Enqueuer
	blob      storage.Blob
	repl      *replicate.Client
	ingestor  *ingest.Ingestor
	handlers  *queue.Handlers
	publisher *stream.Publisher
}

func openDB(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	db, err := store.NewDB(ctx, cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return db, nil
}

func build(ctx context.Context, cfg *config.Config) (*deps, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		log.Warn().Err(err).Msg("migrate (non-fatal)")
	}

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	opt, _ := cache.ParseURL(cfg.Redis)
	redisOpt := asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}

	d := &deps{
		cfg:       cfg,
		db:        db,
		redis:     rdb,
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		publisher: stream.NewPublisher(rdb.Client()),
	}
	d.enqueuer = queue.NewEnqueuer(d.client)

	if d.blob, err = storage.New(ctx, cfg); err != nil {
		log.Warn().Err(err).Msg("storage not configured; vendor image URLs are kept")
	} else if d.blob == nil {
		log.Warn().Str("backend", cfg.StorageBackend).Msg("storage credentials missing; vendor image URLs are kept")
	}

	if d.repl, err = replicate.New(cfg.ReplicateToken, cfg.ReplicateWebhookSecret); err != nil {
		log.Warn().Err(err).Msg("replicate client not configured (set REPLICATE_API_TOKEN)")
		d.repl = nil
	}

	d.ingestor = &ingest.Ingestor{
		Store:     db,
		Finalizer: d.enqueuer,
		Publisher: d.publisher,
		Cache:     rdb,
		ModelsKey: cache.ModelsKey,
	}
	d.handlers = &queue.Handlers{
		DB:     db,
		Cfg:    cfg,
		Blob:   d.blob,
		Queue:  d.enqueuer,
		Ingest: d.ingestor,
	}
	if d.repl != nil {
		d.handlers.Repl = d.repl
	}
	if c := caption.New(cfg.OpenAIKey, cfg.OpenAICaptionModel); c != nil {
		d.handlers.Captioner = c
	}
	if cfg.WebhookURL() == "" {
		log.Warn().Msg("PUBLIC_BASE_URL not set; polling alone drives status updates")
	}
	return d, nil
}

func (d *deps) verifier() *auth.Verifier {
	v, err := auth.NewVerifier(d.cfg.SupabaseURL, d.cfg.SupabaseJWTSecret)
	if err != nil {
		log.Warn().Err(err).Msg("supabase JWKS unavailable; using legacy secret if set")
	}
	return v
}

func (d *deps) close() {
	d.inspector.Close()
	d.client.Close()
	d.redis.Close()
	d.db.Close()
}
