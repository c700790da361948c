// Package app builds the pipeline from configuration and runs its stages.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/action"
	"mailshield/internal/aggregator"
	"mailshield/internal/analysis"
	"mailshield/internal/capability"
	"mailshield/internal/config"
	"mailshield/internal/httpserver"
	"mailshield/internal/ingest"
	"mailshield/internal/store"
	"mailshield/internal/store/memory"
	"mailshield/internal/store/postgres"
	"mailshield/pkg/db"
	"mailshield/pkg/mq"
	"mailshield/pkg/outbox"
	"mailshield/pkg/redis"
	"mailshield/pkg/util"
)

// Stage names accepted by Run.
const (
	StageIngest     = "ingest"
	StageIntent     = mqcontracts.StageIntent
	StageSandbox    = mqcontracts.StageSandbox
	StageAggregator = "aggregator"
	StageAction     = "action"
)

// AllStages is every stage in pipeline order.
var AllStages = []string{StageIngest, StageIntent, StageSandbox, StageAggregator, StageAction}

const (
	keyPrefix   = "mailshield:"
	outboxBatch = 100
	aggLockPoll = 10 * time.Millisecond
)

// App owns the shared infrastructure of one process.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport mq.Transport
	store     store.Store
	rdb       *goredis.Client
	pool      *pgxpool.Pool
}

// New connects to everything cfg points at.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if cfg.UsesRedis() {
		a.rdb = redis.NewRedisClient(cfg.Redis)
		if err := redis.Ping(ctx, a.rdb); err != nil {
			_ = a.Close()
			return nil, err
		}
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	if err := a.openStore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openTransport(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// NewWith builds an App around existing components. Used by tests and
// single-process setups that share a transport.
func NewWith(cfg *config.Config, transport mq.Transport, st store.Store, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger, transport: transport, store: st}
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.NewConnection(ctx, a.cfg.DB, a.logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.pool = pool
		a.store = postgres.New(pool)
	default:
		a.logger.Warn("Using in-memory store, records are lost on exit")
		a.store = memory.New()
	}
	return nil
}

func (a *App) openTransport() error {
	p := a.cfg.Pipeline
	switch a.cfg.MQ.Driver {
	case config.DriverRedis:
		a.transport = mq.NewRedisStreams(a.rdb, mq.RedisStreamsConfig{
			Prefix:    keyPrefix + "stream:",
			Block:     p.PollInterval,
			ClaimIdle: p.ClaimIdle,
		}, a.logger)
	case config.DriverRabbitMQ:
		t, err := mq.NewRabbitMQ(a.cfg.MQ.URL, p.Concurrency, a.logger)
		if err != nil {
			return err
		}
		a.transport = t
	default:
		a.transport = mq.NewMemory().WithRedeliveryDelay(p.PollInterval)
	}
	return nil
}

func (a *App) Store() store.Store { return a.store }

func (a *App) Transport() mq.Transport { return a.transport }

func (a *App) Config() *config.Config { return a.cfg }

// OutboxEnabled reports whether ingest writes work items to the outbox table.
func (a *App) OutboxEnabled() bool { return a.outboxRepo() != nil }

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	return errors.Join(errs...)
}

func (a *App) outboxRepo() *outbox.Repository {
	if !a.cfg.Store.Outbox {
		return nil
	}
	pg, ok := a.store.(*postgres.Store)
	if !ok {
		return nil
	}
	return pg.Outbox()
}

// IngestService builds the ingest stage.
func (a *App) IngestService() *ingest.Service {
	svc := ingest.NewService(a.store, a.transport, a.logger.With(zap.String("stage", StageIngest)))
	if a.rdb != nil {
		svc.WithDeduper(util.NewDeduper(a.rdb, keyPrefix+"dedup:", a.cfg.Pipeline.DedupTTL, a.logger))
	}
	if ob, ok := a.store.(store.OutboxStore); ok && a.OutboxEnabled() {
		svc.WithOutbox(ob)
	}
	return svc
}

// Classifier builds the guarded capability for an analysis stage.
func (a *App) Classifier(stage string) capability.Classifier {
	caps := a.cfg.Capabilities
	var c capability.Classifier
	switch stage {
	case StageIntent:
		if caps.IntentURL == "" {
			a.logger.Warn("No intent capability configured, intent results will be degraded")
			return capability.Unavailable()
		}
		c = capability.NewHTTPClassifier(caps.IntentURL, a.cfg.Pipeline.CallTimeout)
	case StageSandbox:
		if caps.SandboxURL == "" || caps.SandboxURL == config.SandboxStatic {
			return capability.Static{}
		}
		c = capability.NewHTTPClassifier(caps.SandboxURL, a.cfg.Pipeline.CallTimeout)
	default:
		return capability.Unavailable()
	}
	return capability.GuardClassifier(c, a.guard(stage))
}

func (a *App) guard(name string) *capability.Guard {
	b := a.cfg.Capabilities.Breaker
	return capability.NewGuard(name, a.cfg.Pipeline.CallTimeout, b.FailureThreshold, b.Timeout)
}

// AnalysisStage builds the intent or sandbox stage.
func (a *App) AnalysisStage(name string) *analysis.Stage {
	return analysis.NewStage(name, a.Classifier(name), a.transport, a.store, a.cfg.Pipeline.MaxAttempts, a.logger)
}

// Aggregator builds the aggregator. With Redis, state and the per-email lock
// are shared by every aggregator process.
func (a *App) Aggregator() (*aggregator.Aggregator, error) {
	p := a.cfg.Pipeline
	policy, err := aggregator.NewPolicy(p.Combiner, p.Weights, p.NeutralScore)
	if err != nil {
		return nil, err
	}
	if a.rdb == nil {
		return aggregator.New(a.store, aggregator.NewMemoryStateStore(), policy, a.transport, p.RequiredStages, p.Deadline, a.logger), nil
	}
	states := aggregator.NewRedisStateStore(a.rdb, keyPrefix+"agg:")
	locker := util.NewWaitLocker(util.NewRedisLocker(a.rdb, keyPrefix+"lock:agg:", p.LockTTL), aggLockPoll)
	return aggregator.New(a.store, states, policy, a.transport, p.RequiredStages, p.Deadline, a.logger).
		WithLocker(locker), nil
}

// ActionStage builds the action stage.
func (a *App) ActionStage(ctx context.Context) *action.Stage {
	p := a.cfg.Pipeline
	mb := a.cfg.Capabilities.Mailbox

	var labeler capability.Labeler
	if mb.URL == "" {
		a.logger.Warn("No mailbox configured, labels are only logged")
		labeler = capability.LogLabeler(a.logger)
	} else {
		labeler = capability.GuardLabeler(capability.NewHTTPLabeler(ctx, mb.URL, capability.MailboxAuth{
			TokenURL:     mb.TokenURL,
			ClientID:     mb.ClientID,
			ClientSecret: mb.ClientSecret,
			Scopes:       mb.Scopes,
		}, p.CallTimeout), a.guard("mailbox"))
	}

	var locker util.Locker = util.NewLocalLocker()
	if a.rdb != nil {
		locker = util.NewRedisLocker(a.rdb, keyPrefix+"lock:action:", p.LockTTL)
	}
	return action.NewStage(a.store, labeler, locker, p.MoveToSpam, p.ActionMaxAttempts, p.ActionBackoff, a.logger)
}

// ReplayService republishes outbox events. It is nil without an outbox.
func (a *App) ReplayService() *outbox.ReplayService {
	repo := a.outboxRepo()
	if repo == nil {
		return nil
	}
	return outbox.NewReplayService(repo, a.transport)
}

func (a *App) consumer(topic, group string, handler mq.MessageHandler) *mq.Consumer {
	p := a.cfg.Pipeline
	return mq.NewConsumer(a.transport, a.transport, topic, group, handler, a.logger).
		WithConcurrency(p.Concurrency).
		WithMaxDeliveries(p.MaxDeliveries).
		WithSystem(a.cfg.MQ.Driver)
}

// Run starts the named stages and blocks until ctx is done or one fails.
func (a *App) Run(ctx context.Context, stages ...string) error {
	var agg *aggregator.Aggregator
	for _, name := range stages {
		switch name {
		case StageIngest, StageIntent, StageSandbox, StageAction:
		case StageAggregator:
			var err error
			if agg, err = a.Aggregator(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown stage %q", name)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range stages {
		switch name {
		case StageIngest:
			a.runIngest(ctx, g)

		case StageIntent, StageSandbox:
			stage := a.AnalysisStage(name)
			c := a.consumer(mqcontracts.WorkTopic(name), groupFor(name), stage.Handle).
				WithDeadLetterHook(stage.OnDeadLetter)
			g.Go(func() error { return c.Run(ctx) })

		case StageAggregator:
			for _, topic := range []string{mqcontracts.TopicIntentWork, mqcontracts.TopicSandboxWork} {
				c := a.consumer(topic, mqcontracts.GroupAggregator, agg.HandleWork)
				g.Go(func() error { return c.Run(ctx) })
			}
			for _, topic := range []string{mqcontracts.TopicIntentResult, mqcontracts.TopicSandboxResult} {
				c := a.consumer(topic, mqcontracts.GroupAggregator, agg.HandleResult)
				g.Go(func() error { return c.Run(ctx) })
			}
			g.Go(func() error { return agg.RunSweeper(ctx, a.cfg.Pipeline.SweepInterval) })

		case StageAction:
			stage := a.ActionStage(ctx)
			c := a.consumer(mqcontracts.TopicVerdict, mqcontracts.GroupAction, stage.Handle)
			g.Go(func() error { return c.Run(ctx) })
		}
		a.logger.Info("Stage started", zap.String("stage", name))
	}

	return g.Wait()
}

func (a *App) runIngest(ctx context.Context, g *errgroup.Group) {
	srv := httpserver.New(a.cfg.Server.Port, a.IngestService(), a.store, a.logger)
	if a.rdb != nil {
		srv.WithCheck("redis", func(ctx context.Context) error { return redis.Ping(ctx, a.rdb) })
	}
	if a.pool != nil {
		srv.WithCheck("postgres", a.pool.Ping)
	}
	if rmq, ok := a.transport.(*mq.RabbitMQ); ok {
		srv.WithCheck("rabbitmq", func(context.Context) error {
			if !rmq.IsConnected() {
				return errors.New("connection closed")
			}
			return nil
		})
	}
	g.Go(func() error { return srv.Run(ctx) })

	if repo := a.outboxRepo(); repo != nil {
		d := outbox.NewDispatcher(repo, a.transport, a.logger).
			WithInterval(a.cfg.Pipeline.PollInterval).
			WithBatchSize(outboxBatch).
			WithMaxRetries(a.cfg.Pipeline.MaxDeliveries)
		g.Go(func() error {
			d.Start(ctx)
			return nil
		})
	}
}

func groupFor(stage string) string {
	if stage == StageSandbox {
		return mqcontracts.GroupSandbox
	}
	return mqcontracts.GroupIntent
}
