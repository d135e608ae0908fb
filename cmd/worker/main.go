package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/inboxd/internal/config"
	"github.com/you/inboxd/internal/domain"
	"github.com/you/inboxd/internal/leader"
	"github.com/you/inboxd/internal/metrics"
	"github.com/you/inboxd/internal/ops"
	"github.com/you/inboxd/internal/poller"
	"github.com/you/inboxd/internal/reclaim"
	"github.com/you/inboxd/internal/status"
	"github.com/you/inboxd/internal/storage"
	"github.com/you/inboxd/migrations"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := migrate(pool); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}

	store := storage.New(pool)
	m := metrics.NewCollector()
	candidateID := newCandidateID()

	election := leader.New(leader.Config{
		TaskName:       cfg.TaskName,
		CandidateID:    candidateID,
		StaleThreshold: cfg.StaleLeaseThreshold,
		BaseRetry:      cfg.HeartbeatBaseRetry,
		MaxRetry:       cfg.HeartbeatMaxRetry,
		CriticalUsage:  cfg.PoolCriticalUsagePct,
		SkipWarnAt:     cfg.HeartbeatSkipWarnAt,
	}, store, store.UsagePercent, log, m)

	updater := status.New(store, cfg.StatusMaxRetries, cfg.MaxAttempts, log, m)

	reclaimer := reclaim.New(reclaim.Config{
		StaleLockAfter: cfg.StaleLockAfter,
		MaxAttempts:    cfg.MaxAttempts,
		BatchSize:      cfg.ReclaimBatchSize,
	}, store, updater, log, m)

	// Default handler: acknowledge the message. Deployments replace this with
	// their domain dispatch; the handler owns finalizing job status.
	handler := func(ctx context.Context, job domain.Job) error {
		log.Info("processing job",
			zap.Int64("job_id", job.ID),
			zap.String("correlation_key", job.CorrelationKey),
			zap.Int("attempt", job.AttemptCount))
		res := updater.MarkDone(ctx, job.ID)
		if !res.Success {
			return errors.Wrapf(res.Err, "finalize job %d (dlq=%v)", job.ID, res.DLQ)
		}
		return nil
	}

	loop := poller.New(poller.Config{
		WorkerID:          candidateID,
		PollInterval:      cfg.PollInterval,
		ElectionRetryBase: cfg.ElectionRetryBase,
		ElectionRetryMax:  cfg.ElectionRetryMax,
		BatchSize:         cfg.DispatchBatchSize,
		ReclaimInterval:   cfg.ReclaimInterval,
		ReleaseTimeout:    cfg.ReleaseTimeout,
	}, election, store, handler, reclaimer, log, m)

	srv := &http.Server{Addr: cfg.OpsAddr, Handler: ops.Router(loop, pool, m)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "ops server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
	log.Info("worker shut down cleanly")
}

func newLogger(appEnv string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if appEnv == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return log
}

// newCandidateID identifies this process in the lease row: hostname plus a
// random suffix so restarts never collide with their own stale identity.
func newCandidateID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close() //nolint:errcheck
	return goose.Up(db, ".")
}
