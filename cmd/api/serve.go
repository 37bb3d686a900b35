package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"photoforge/backend/internal/api"
	"photoforge/backend/internal/config"
	"photoforge/backend/internal/queue"
	"photoforge/backend/internal/stream"
)

const (
	shutdownTimeout = 20 * time.Second
	sweepSchedule   = "@every 1m"
)

func serveCmd(cfg func() *config.Config) *cobra.Command {
	var noWorker, noHTTP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the task worker and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noWorker && noHTTP {
				return errors.New("nothing to run")
			}
			return serve(cmd.Context(), cfg(), !noHTTP, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not process tasks")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not serve HTTP")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, withHTTP, withWorker bool) error {
	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	if withWorker {
		mux := asynq.NewServeMux()
		d.handlers.Register(mux)
		srv := asynq.NewServer(d.redisOpt, asynq.Config{
			Concurrency:    cfg.AsynqConcurrency,
			Queues:         queue.Queues,
			RetryDelayFunc: queue.RetryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(d.handlers.HandleError),
			Logger:         asynqLogger{log.With().Str("component", "asynq").Logger()},
		})
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("asynq worker: %w", err)
		}
		defer srv.Shutdown()
		log.Info().Int("concurrency", cfg.AsynqConcurrency).Msg("asynq worker started")

		sched := asynq.NewScheduler(d.redisOpt, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   asynqLogger{log.With().Str("component", "scheduler").Logger()},
		})
		if _, err := sched.Register(sweepSchedule, queue.NewSweepTask()); err != nil {
			return fmt.Errorf("register sweep: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Shutdown()
	}

	if !withHTTP {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	}

	verifier := d.verifier()
	defer verifier.Close()
	s := &api.Server{
		DB:        d.db,
		Cfg:       cfg,
		Queue:     d.enqueuer,
		Inspector: d.inspector,
		Blob:      d.blob,
		Stream:    stream.NewSubscriber(d.redis.Client()),
		Cache:     d.redis,
		Repl:      d.repl,
		Ingest:    d.ingestor,
		Verifier:  verifier,
	}
	origins := cfg.Origins()
	if origins == nil {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After"},
	}).Handler(s.Routes())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// asynqLogger routes asynq's logs through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
