package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"github.com/tanpawarit/chative-commerce-agent/agent/agents/decider"
	"github.com/tanpawarit/chative-commerce-agent/agent/agents/orchestrator"
	"github.com/tanpawarit/chative-commerce-agent/agent/api"
	"github.com/tanpawarit/chative-commerce-agent/agent/catalog"
	"github.com/tanpawarit/chative-commerce-agent/agent/delivery"
	llmx "github.com/tanpawarit/chative-commerce-agent/agent/llm"
	statex "github.com/tanpawarit/chative-commerce-agent/agent/state"
	"github.com/tanpawarit/chative-commerce-agent/agent/tool"
	configx "github.com/tanpawarit/chative-commerce-agent/pkg/config"
	_ "github.com/tanpawarit/chative-commerce-agent/pkg/logger/autoload"
	metricsx "github.com/tanpawarit/chative-commerce-agent/pkg/metrics"
	qstashx "github.com/tanpawarit/chative-commerce-agent/pkg/qstash"
)

const (
	backendSQL     = "sql"
	backendRedis   = "redis"
	backendUpstash = "upstash"

	lockerKeyed = "keyed"
	lockerRedis = "redis"
)

type AppConfig struct {
	HTTPAddr      string        `envconfig:"HTTP_ADDR" default:":8080"`
	StateBackend  string        `envconfig:"STATE_BACKEND" default:"sql"`
	Locker        string        `envconfig:"LOCKER" default:"keyed"`
	LockTTL       time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	HistoryLimit  int           `envconfig:"HISTORY_LIMIT" default:"10"`
	MaxIterations int           `envconfig:"MAX_ITERATIONS" default:"5"`
	VerifyInbound bool          `envconfig:"VERIFY_INBOUND" default:"false"`
	AdminToken    string        `envconfig:"ADMIN_TOKEN"`
}

func (c *AppConfig) Validate() error {
	c.StateBackend = strings.ToLower(strings.TrimSpace(c.StateBackend))
	c.Locker = strings.ToLower(strings.TrimSpace(c.Locker))

	switch c.StateBackend {
	case backendSQL, backendRedis, backendUpstash:
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	switch c.Locker {
	case lockerKeyed, lockerRedis:
	default:
		return fmt.Errorf("unknown locker %q", c.Locker)
	}
	if c.HistoryLimit <= 0 || c.MaxIterations <= 0 {
		return errors.New("history limit and max iterations must be positive")
	}
	if c.Locker == lockerRedis && c.LockTTL < 3*time.Second {
		return errors.New("lock ttl must be at least 3s")
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent stopped")
	}
}

func run(ctx context.Context) error {
	appCfg := configx.MustNew[AppConfig]("APP")
	llmCfg := configx.MustNew[llmx.Config]("LLM")
	dbCfg := configx.MustNew[catalog.Config]("DATABASE")
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := metricsx.New(reg)

	db, err := catalog.Open(ctx, *dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	repo := catalog.NewRepository(db)

	tools, err := tool.NewCommerceRegistry(repo, repo, tool.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	dec, err := decider.NewFromConfig(ctx, *llmCfg, tools.Infos(), decider.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("build decider: %w", err)
	}

	store, locker, closeState, err := buildState(appCfg, db)
	if err != nil {
		return err
	}
	defer closeState()

	opts := []orchestrator.Option{
		orchestrator.WithThreadRegistry(repo),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLocker(locker),
	}

	var apiOpts []api.Option
	if qstashCfg.Enabled() || appCfg.VerifyInbound {
		queue, err := qstashx.NewClient(*qstashCfg)
		if err != nil {
			return fmt.Errorf("build qstash client: %w", err)
		}
		if qstashCfg.Enabled() {
			opts = append(opts, orchestrator.WithPublisher(delivery.NewQueuePublisher(queue, qstashCfg.Destination)))
		}
		if appCfg.VerifyInbound {
			if queue.Verifier() == nil {
				return errors.New("inbound verification needs QSTASH_CURRENT_SIGNING_KEY")
			}
			apiOpts = append(apiOpts, api.WithSignatureVerifier(queue.Verifier()))
		}
	}

	if appCfg.AdminToken != "" {
		threads, _ := store.(api.ThreadLister)
		apiOpts = append(apiOpts, api.WithAdmin(appCfg.AdminToken, threads, repo))
	}

	orch, err := orchestrator.New(store, dec, tools, orchestrator.Config{
		HistoryLimit:  appCfg.HistoryLimit,
		MaxIterations: appCfg.MaxIterations,
	}, opts...)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	srv := &http.Server{
		Addr:              appCfg.HTTPAddr,
		Handler:           api.NewHandler(orch, reg, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", appCfg.HTTPAddr).
			Str("state_backend", appCfg.StateBackend).
			Str("locker", appCfg.Locker).
			Strs("tools", tools.Names()).
			Msg("agent listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// buildState selects the checkpoint backend and the per-thread locker.
func buildState(appCfg *AppConfig, db *bun.DB) (statex.Store, statex.Locker, func(), error) {
	var (
		store   statex.Store
		locker  statex.Locker = statex.NewKeyedMutex()
		closers []func()
	)

	needRedis := appCfg.StateBackend == backendRedis || appCfg.Locker == lockerRedis
	var redisCfg *statex.RedisConfig
	if needRedis {
		redisCfg = configx.MustNew[statex.RedisConfig]("REDIS")
	}

	switch appCfg.StateBackend {
	case backendSQL:
		store = statex.NewSQLStore(db)
	case backendRedis:
		rs := statex.NewRedisStore(redisCfg.Client(), statex.WithRedisTTL(redisCfg.TTL))
		closers = append(closers, func() { _ = rs.Close() })
		store = rs
	case backendUpstash:
		upCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH")
		us, err := statex.NewUpstashRedisStore(*upCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build upstash store: %w", err)
		}
		store = us
	}

	if appCfg.Locker == lockerRedis {
		client := redisCfg.Client()
		closers = append(closers, func() { _ = client.Close() })
		locker = statex.NewRedisLocker(client, "chative:", appCfg.LockTTL)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return store, locker, closeAll, nil
}
