package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/apiproxy"
	"github.com/rendis/stepflow/internal/compensation"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/mapping"
	"github.com/rendis/stepflow/internal/outbox"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/steps"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.WithTicker
	store  *store.LibSQLStore
	exec   engine.Executor
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if !strings.Contains(cfg.DBPath, ":") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// newApp wires store → API proxy/mappings → outbox → compensation → handlers → executor.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	clk := clock.RealClock{}

	breakers := apiproxy.NewBreakers(apiproxy.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}, clk)
	proxy := apiproxy.NewHTTPProxy(apiproxy.Config{Breakers: breakers, Logger: logger})
	for _, m := range cfg.APIMethods {
		if err := proxy.Register(m); err != nil {
			st.Close()
			return nil, fmt.Errorf("api method %s: %w", m.ID, err)
		}
	}

	mappings := mapping.NewJQEvaluator(nil)
	for _, m := range cfg.Mappings {
		if err := mappings.Register(m.ID, m.Program); err != nil {
			st.Close()
			return nil, fmt.Errorf("mapping %s: %w", m.ID, err)
		}
	}

	ob := outbox.NewStoreOutbox(st, clk)
	comp := compensation.NewExecutor(compensation.Config{
		Versions: st,
		Runs:     st,
		API:      proxy,
		Mappings: mappings,
		Outbox:   ob,
		Clock:    clk,
		Logger:   logger,
	})

	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		st.Close()
		return nil, err
	}
	reg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(reg, steps.Dependencies{
		Outbox:      ob,
		Timers:      st,
		Idempotency: st,
		API:         proxy,
		Mappings:    mappings,
		Compensator: comp,
		Schemas:     schemas,
		Clock:       clk,
		Logger:      logger,
	}); err != nil {
		st.Close()
		return nil, err
	}
	wv, err := validation.NewWorkflowValidator(reg)
	if err != nil {
		st.Close()
		return nil, err
	}

	exec, err := engine.NewExecutor(engine.Config{
		Store:       st,
		Registry:    reg,
		Compensator: comp,
		Validator:   wv,
		Outbox:      ob,
		Clock:       clk,
		Logger:      logger,
		MaxSteps:    cfg.MaxSteps,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, clock: clk, store: st, exec: exec}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// publisher builds the outbox sink: Kafka when brokers are configured, the
// log otherwise, plus MCP session notifications.
func (a *app) publisher(srv *mcp.Server) (outbox.Publisher, error) {
	var base outbox.Publisher
	if len(a.cfg.KafkaBrokers) > 0 {
		kp, err := outbox.NewKafkaPublisher(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		base = kp
	} else {
		base = outbox.NewLogPublisher(a.logger)
	}
	return outbox.FanOut{base, mcp.NewNotifier(srv.MCPServer(), srv.Sessions(), a.logger)}, nil
}

// serve runs the background loops and the MCP stdio transport until ctx ends.
func (a *app) serve(ctx context.Context) error {
	srv := mcp.NewServer(mcp.ServerDeps{Executor: a.exec, Logger: a.logger})

	pub, err := a.publisher(srv)
	if err != nil {
		return err
	}
	defer pub.Close()

	relay := outbox.NewRelay(a.store, pub, outbox.RelayConfig{PollInterval: a.cfg.OutboxPollInterval}, a.clock, a.logger)
	if err := relay.Start(ctx); err != nil {
		return err
	}
	defer relay.Stop()

	poller := scheduler.NewTimerPoller(a.store, a.exec, scheduler.Config{
		PollInterval: a.cfg.TimerPollInterval,
		Workers:      a.cfg.TimerWorkers,
	}, a.clock, a.logger)
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	a.recoverRuns(ctx)

	a.logger.Info("stepflow serving", "version", version, "db_path", a.cfg.DBPath)
	return srv.Serve(ctx)
}

// recoverRuns re-drives runs interrupted while Running or Compensating.
func (a *app) recoverRuns(ctx context.Context) int {
	recovered := 0
	for _, status := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompensating} {
		runs, err := a.store.ListRuns(ctx, store.RunFilter{Status: &status})
		if err != nil {
			a.logger.Error("list interrupted runs failed", "status", status, "error", err)
			continue
		}
		for _, run := range runs {
			info, err := a.exec.Recover(ctx, run.ID)
			if err != nil {
				a.logger.Warn("recover run failed", "run_id", run.ID, "error", err)
				continue
			}
			recovered++
			a.logger.Info("run recovered", "run_id", run.ID, "status", info.Status)
		}
	}
	return recovered
}
