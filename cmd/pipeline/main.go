// Command pipeline runs the regulatory fact pipeline: the polling stage
// loops, the audit outbox relay, and the HTTP surface, all in one process
// coordinated through PostgreSQL status fields.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"regpipe/internal/composer"
	"regpipe/internal/conflict"
	"regpipe/internal/deadletter"
	"regpipe/internal/evidence"
	"regpipe/internal/extraction"
	"regpipe/internal/orchestrator"
	"regpipe/internal/platform/config"
	"regpipe/internal/platform/httpserver"
	"regpipe/internal/platform/logger"
	"regpipe/internal/platform/metrics"
	"regpipe/internal/platform/postgres"
	"regpipe/internal/query"
	"regpipe/internal/releaser"
	"regpipe/internal/reviewer"
	"regpipe/internal/rule"
	httptransport "regpipe/internal/transport/http"
	"regpipe/internal/validator"
	auditpub "regpipe/pkg/platform/audit/publisher"
	auditrelay "regpipe/pkg/platform/audit/relay"
	auditpg "regpipe/pkg/platform/audit/store/postgres"
	stringutil "regpipe/pkg/platform/strings"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("pipeline exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Pipeline, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	auditStore := auditpg.New(db)
	auditor := auditpub.NewPublisher(auditStore,
		auditpub.WithLogger(log),
		auditpub.WithAsyncBuffer(256))
	defer auditor.Close()

	relay, err := auditrelay.New(auditStore, cfg.KafkaBrokers, cfg.AuditTopic,
		auditrelay.WithLogger(log))
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	evidenceStore := evidence.NewPostgresStore(db)
	ruleStore := rule.NewPostgresStore(db)
	conflictStore := conflict.NewPostgresStore(db)
	letterStore := deadletter.NewPostgresStore(db)
	releaseStore := releaser.NewPostgresStore(db)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	querySvc, err := query.New(ruleStore, ruleStore,
		query.WithCache(query.NewRedisCache(rdb), cfg.QueryCacheTTL),
		query.WithLogger(log),
		query.WithMetrics(m))
	if err != nil {
		return err
	}

	extractor := extraction.NewOpenAIExtractor(
		openai.NewClient(cfg.OpenAIKey), cfg.ExtractorModel,
		extraction.WithLogger(log))

	comp, err := composer.New(ruleStore, conflictStore, letterStore, auditor,
		composer.WithLogger(log),
		composer.WithBlockedDomains(cfg.BlockedDomains))
	if err != nil {
		return err
	}
	rev, err := reviewer.New(ruleStore, conflictStore, auditor,
		reviewer.WithLogger(log),
		reviewer.WithGracePeriod(cfg.ReviewGracePeriod),
		reviewer.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return err
	}
	arb, err := conflict.NewArbiter(conflictStore, ruleStore, auditor,
		conflict.WithDB(db),
		conflict.WithLogger(log),
		conflict.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return err
	}
	rel, err := releaser.New(ruleStore, conflictStore, releaseStore, auditor,
		releaser.WithDB(db),
		releaser.WithLogger(log),
		releaser.WithPublishedHook(func(batch []*rule.Rule) {
			m.Releases.Inc()
			slugs := make([]string, 0, len(batch))
			for _, r := range batch {
				slugs = append(slugs, r.ConceptSlug)
			}
			querySvc.InvalidateSlugs(context.Background(), stringutil.DedupeAndTrim(slugs))
		}))
	if err != nil {
		return err
	}

	stages := []orchestrator.Stage{
		orchestrator.NewExtractionStage(evidenceStore, extractor, ruleStore,
			letterStore, auditor, log, cfg.BatchSize, cfg.MaxAttempts),
		&orchestrator.ValidationStage{
			Rules:     ruleStore,
			Evidence:  evidenceStore,
			Validator: validator.New(),
			Letters:   letterStore,
			Auditor:   auditor,
			Logger:    log,
			BatchSize: cfg.BatchSize,
		},
		&orchestrator.CompositionStage{Rules: ruleStore, Composer: comp, BatchSize: cfg.BatchSize},
		&orchestrator.ReviewStage{Reviewer: rev},
		&orchestrator.ArbitrationStage{Arbiter: arb},
		&orchestrator.ReleaseStage{Rules: ruleStore, Releaser: rel, Letters: letterStore, Logger: log, BatchSize: cfg.BatchSize},
	}
	orch, err := orchestrator.New(stages,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(m),
		orchestrator.WithRatePerMinute(cfg.StageRatePerMinute),
		orchestrator.WithBackoff(cfg.MinIdleBackoff, cfg.MaxIdleBackoff))
	if err != nil {
		return err
	}

	handler := httptransport.NewHandler(querySvc, rev, evidenceStore,
		conflictStore, letterStore, releaseStore, log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httptransport.NewRouter(handler, []byte(cfg.AdminJWTKey), log))
	srv := httpserver.New(cfg.Addr, mux)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return orch.Run(ctx) })
	group.Go(func() error { return relay.Run(ctx) })
	group.Go(func() error {
		log.Info("http listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
