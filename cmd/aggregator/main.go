package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/breaker"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/config"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/dispatch"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/health"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/hooks"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/httpserver"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/logging"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/metrics"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/policy"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider/gemini"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider/loopback"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/provider/openaicompat"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/ratelimit"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session"
	sessionpg "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session/postgres"
	sessionsqlite "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/session/sqlite"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage"
	usagepg "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage/postgres"
	usagesqlite "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/usage/sqlite"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore"
	userpg "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore/postgres"
	usersqlite "github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/userstore/sqlite"
	"github.com/wojciechkowalczyk11to-tech/AI-AGGREGATOR-UPDATED/internal/version"
)

const (
	pgMaxOpenConns = 10
	pgMaxIdleConns = 5
	maxLogBytes    = int64(300 * 1024 * 1024)
)

func main() {
	cfg, err := config.LoadAggregatorConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logOutput := io.Writer(os.Stdout)
	if strings.TrimSpace(cfg.LogFile) != "" {
		sink, err := logging.NewDailyWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("init log sink: %v", err)
		}
		defer sink.Close()
		logOutput = io.MultiWriter(os.Stdout, sink)
	}

	levelTag := strings.ToUpper(cfg.LogLevel)
	newLogger := func(component string) *log.Logger {
		prefix := fmt.Sprintf("[aggregator/%s][%s][%s] ", component, cfg.Environment, levelTag)
		return log.New(logOutput, prefix, log.LstdFlags|log.Lmicroseconds)
	}
	rootLogger := newLogger("main")
	rootLogger.Printf("starting aggregator %s env=%s driver=%s addr=%s", version.FullInfo(), cfg.Environment, cfg.DBDriver, cfg.HTTPAddress)

	users, sessions, usageStore, db, err := openStores(cfg)
	if err != nil {
		rootLogger.Fatalf("open stores: %v", err)
	}
	defer users.Close()
	defer sessions.Close()
	defer usageStore.Close()

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		rootLogger.Fatalf("load plans: %v", err)
	}

	collector := metrics.NewCollector()

	var hookDispatcher *hooks.Dispatcher
	if handler := cfg.Hooks.BuildScriptHandler(); handler != nil {
		hookDispatcher = &hooks.Dispatcher{}
		hookDispatcher.Register(handler)
		rootLogger.Printf("hooks dispatcher enabled script=%s", cfg.Hooks.ScriptPath)
	}

	providers := buildProviders(cfg, rootLogger)
	if len(providers.Names()) == 0 {
		rootLogger.Fatalf("no providers configured: set at least one API key or enable loopback")
	}
	rootLogger.Printf("providers registered: %v", providers.Names())

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		OnOpen: func(name string) {
			collector.RecordBreakerOpen(name)
			rootLogger.Printf("WARN circuit breaker opened provider=%s", name)
			if hookDispatcher != nil {
				_ = hookDispatcher.Emit(context.Background(), hooks.Event{
					ID:         uuid.NewString(),
					Type:       hooks.EventBreakerOpened,
					OccurredAt: time.Now().UTC(),
					Provider:   name,
				})
			}
		},
	})

	engine := policy.NewEngine(policy.Config{
		Usage: usageStore,
		Limits: policy.Limits{
			DemoGrokDaily:         cfg.DemoGrokDaily,
			DemoSmartCreditsDaily: cfg.DemoSmartCreditsDaily,
			DailyUSDCap:           cfg.DailyUSDCap,
		},
		Plans: plans,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Users:       users,
		Sessions:    sessions,
		Usage:       usageStore,
		Policy:      engine,
		Providers:   providers,
		Breaker:     breakers,
		Hooks:       hookDispatcher,
		Metrics:     collector,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		CallTimeout: cfg.CallTimeout,
	})
	dispatcher.SetLogger(newLogger("dispatch"))

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:             ratelimit.NewMemoryStore(),
		RequestsPerMinute: cfg.RateLimitPerMinute,
	})
	defer limiter.Close()
	rlMiddleware := ratelimit.NewMiddleware(limiter, cfg.RateLimitPerMinute > 0, newLogger("ratelimit"), userIDFromRequest)
	rlMiddleware.SetObserver(collector)

	checker := health.New(health.Config{
		DB:        db,
		Providers: providers,
	})
	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		checker.Check(healthCtx)
		for {
			select {
			case <-healthCtx.Done():
				return
			case <-ticker.C:
				checker.Check(healthCtx)
			}
		}
	}()

	srv := httpserver.New(httpserver.Config{
		Dispatcher: dispatcher,
		Users:      users,
		Usage:      usageStore,
		Policy:     engine,
		Health:     checker,
		Metrics:    collector,
		RateLimit:  rlMiddleware,
	})
	srv.SetLogger(cfg.LogLevel, newLogger("http"))

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.CallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		rootLogger.Printf("aggregator listening on %s", cfg.HTTPAddress)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rootLogger.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	rootLogger.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		rootLogger.Printf("graceful shutdown failed: %v", err)
	}
}

// openStores opens the configured persistence backend. All three stores share
// the same database; the returned handle feeds health probes.
func openStores(cfg config.AggregatorConfig) (userstore.Store, session.Store, usage.Store, *sql.DB, error) {
	switch cfg.DBDriver {
	case "postgres":
		users, err := userpg.New(cfg.PostgresDSN, pgMaxOpenConns, pgMaxIdleConns)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open user store: %w", err)
		}
		sessions, err := sessionpg.New(cfg.PostgresDSN, pgMaxOpenConns, pgMaxIdleConns)
		if err != nil {
			_ = users.Close()
			return nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
		}
		usageStore, err := usagepg.New(cfg.PostgresDSN, pgMaxOpenConns, pgMaxIdleConns)
		if err != nil {
			_ = users.Close()
			_ = sessions.Close()
			return nil, nil, nil, nil, fmt.Errorf("open usage store: %w", err)
		}
		return users, sessions, usageStore, usageStore.DB(), nil
	default:
		path := cfg.DatabasePath
		if strings.TrimSpace(path) == "" {
			path = config.DefaultDatabasePath()
		}
		users, err := usersqlite.New(path)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open user store: %w", err)
		}
		sessions, err := sessionsqlite.New(path)
		if err != nil {
			_ = users.Close()
			return nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
		}
		usageStore, err := usagesqlite.New(path)
		if err != nil {
			_ = users.Close()
			_ = sessions.Close()
			return nil, nil, nil, nil, fmt.Errorf("open usage store: %w", err)
		}
		return users, sessions, usageStore, usageStore.DB(), nil
	}
}

// buildProviders registers every adapter with configured credentials. A
// failed constructor is logged and skipped rather than aborting startup.
func buildProviders(cfg config.AggregatorConfig, logger *log.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	register := func(name string, p provider.Provider, err error) {
		if err != nil {
			logger.Printf("%s adapter init failed: %v", name, err)
			return
		}
		if err := registry.Register(p); err != nil {
			logger.Printf("%s adapter rejected: %v", name, err)
		}
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		p, err := gemini.New(gemini.Config{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL})
		register("gemini", p, err)
	}
	if strings.TrimSpace(cfg.DeepSeekAPIKey) != "" {
		p, err := openaicompat.NewDeepSeek(cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL)
		register("deepseek", p, err)
	}
	if strings.TrimSpace(cfg.GroqAPIKey) != "" {
		p, err := openaicompat.NewGroq(cfg.GroqAPIKey, cfg.GroqBaseURL)
		register("groq", p, err)
	}
	if strings.TrimSpace(cfg.OpenRouterAPIKey) != "" {
		p, err := openaicompat.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL)
		register("openrouter", p, err)
	}
	if strings.TrimSpace(cfg.XAIAPIKey) != "" {
		p, err := openaicompat.NewGrok(cfg.XAIAPIKey, cfg.XAIBaseURL)
		register("grok", p, err)
	}
	if cfg.LoopbackEnabled {
		register("loopback", loopback.New(), nil)
	}
	return registry
}

// userIDFromRequest keys rate limiting by the X-User-ID header; requests
// without one share the unlimited bucket 0.
func userIDFromRequest(r *http.Request) int64 {
	raw := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
