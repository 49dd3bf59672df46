// Command delegate is the thin CLI front-end for the delegation engine: it
// loads a config file and a role catalogue, wires the full component graph,
// and answers one query end to end. Everything interesting lives in the
// library packages; main only does flag parsing and provider wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	"delegate.run/engine"
	"delegate.run/engine/aggregator"
	"delegate.run/engine/catalogue"
	"delegate.run/engine/config"
	"delegate.run/engine/escalation"
	"delegate.run/engine/executor"
	"delegate.run/engine/modelrouter"
	"delegate.run/engine/modelrouter/limiter"
	"delegate.run/engine/planner"
	"delegate.run/engine/promptctx"
	"delegate.run/engine/quality"
	"delegate.run/engine/telemetry"
	"delegate.run/engine/toolgateway"
	"delegate.run/engine/trace"
)

func main() {
	configPath := flag.String("config", "", "path to the engine config YAML file")
	query := flag.String("query", "", "user query to answer")
	cwd := flag.String("cwd", "", "working directory the plan's paths resolve against (defaults to the process cwd)")
	flag.Parse()

	if *configPath == "" || *query == "" {
		fmt.Fprintln(os.Stderr, "usage: delegate -config <path> -query <text> [-cwd <dir>]")
		os.Exit(2)
	}

	if err := run(*configPath, *query, *cwd); err != nil {
		log.Fatalf("delegate: %v", err)
	}
}

func run(configPath, query, cwd string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cwd == "" {
		cwd = cfg.Cwd
	}
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	catalogueDir := cfg.CatalogueDir
	if catalogueDir == "" {
		catalogueDir = "catalogue/defs"
	}
	cat, err := catalogue.Load(catalogueDir)
	if err != nil {
		return fmt.Errorf("loading catalogue: %w", err)
	}

	logger := telemetry.NewClueLogger()

	router, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building model router: %w", err)
	}

	gw, err := toolgateway.New(toolgateway.Options{
		Invoker:     toolgateway.NewBuiltinInvoker(cwd, true, nil, nil),
		CallTimeout: cfg.Tools.ToolCallTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("building tool gateway: %w", err)
	}
	if err := gw.Snapshot(ctx); err != nil {
		return fmt.Errorf("snapshotting tool gateway: %w", err)
	}

	traceDir := cfg.Trace.Dir
	if traceDir == "" && cfg.Trace.Level != string(trace.LevelOff) {
		traceDir = "trace_logs"
	}
	traceLogger, err := trace.New(trace.Options{
		Dir:      traceDir,
		Level:    trace.Level(cfg.Trace.Level),
		Truncate: cfg.Trace.TruncateSize,
	})
	if err != nil {
		return fmt.Errorf("opening trace logger: %w", err)
	}
	defer traceLogger.Close()

	p, err := planner.New(planner.Options{
		Router:         router,
		Catalogue:      cat,
		PlanMaxRetries: cfg.Plan.MaxRetries,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("building planner: %w", err)
	}

	ex, err := executor.New(executor.Options{
		Router:      router,
		Gateway:     gw,
		Trace:       traceLogger,
		MaxAttempts: cfg.Task.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("building executor: %w", err)
	}

	qv, err := quality.New(quality.Options{
		Router:         router,
		CriticalRoles:  cfg.Validation.CriticalRoles,
		MaxRetries:     cfg.Validation.MaxRetries,
		PreferredModel: cfg.Validation.PreferredModel,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("building quality validator: %w", err)
	}

	escManager, err := buildEscalation(ctx, cfg, ex, logger)
	if err != nil {
		return fmt.Errorf("building escalation manager: %w", err)
	}

	agg, err := aggregator.New(aggregator.Options{Router: router, Logger: logger})
	if err != nil {
		return fmt.Errorf("building aggregator: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Catalogue:  cat,
		Planner:    p,
		Executor:   ex,
		Quality:    qv,
		Escalation: escManager,
		Aggregator: agg,
		Trace:      traceLogger,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	result, err := eng.Answer(ctx, query, promptctx.Environment{Cwd: cwd})
	if err != nil {
		return err
	}
	fmt.Println(result.Answer)
	return nil
}

// buildRouter constructs a ModelRouter pool from cfg's model_pool entries,
// binding each entry's provider to the matching Client adapter.
func buildRouter(ctx context.Context, cfg *config.Config, logger telemetry.Logger) (*modelrouter.Router, error) {
	pool := make([]modelrouter.PoolEntry, 0, len(cfg.ModelPool))
	for _, m := range cfg.ModelPool {
		client, err := buildProviderClient(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.ModelTag, err)
		}
		pool = append(pool, modelrouter.PoolEntry{
			ModelTag:        m.ModelTag,
			Client:          client,
			CapabilityScore: m.CapabilityScore,
			MaxConcurrent:   m.MaxConcurrent,
			Limiter:         limiter.NewInMemory(m.InitialTPM, m.MaxTPM),
		})
	}
	return modelrouter.New(modelrouter.Options{Pool: pool, Logger: logger})
}

func buildProviderClient(ctx context.Context, m config.ModelPoolEntry) (modelrouter.Client, error) {
	switch m.Provider {
	case "openai", "":
		return modelrouter.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), m.BaseURL)
	case "anthropic":
		return modelrouter.NewAnthropicClientFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"))
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		return modelrouter.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	default:
		return nil, fmt.Errorf("unknown provider %q", m.Provider)
	}
}

// buildEscalation wires EscalationManager's spend journal to Redis when
// configured, otherwise an in-process journal (fine for a single CLI run).
func buildEscalation(ctx context.Context, cfg *config.Config, ex *executor.Executor, logger telemetry.Logger) (*escalation.Manager, error) {
	var journal escalation.Journal
	if cfg.Escalation.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Escalation.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %q: %w", cfg.Escalation.RedisAddr, err)
		}
		key := cfg.Escalation.RedisKey
		if key == "" {
			key = "delegate:escalation:spend"
		}
		journal = escalation.NewRedisJournal(rdb, key, time.Hour)
	}
	return escalation.New(escalation.Options{
		Executor:              ex,
		Journal:               journal,
		HourlyBudgetUSD:       cfg.Escalation.HourlyBudgetUSD,
		MaxTokensPerRequest:   cfg.Escalation.MaxTokensPerRequest,
		Threshold:             cfg.Escalation.Threshold,
		CostPerThousandTokens: cfg.Escalation.CostPerThousandTokens,
		Logger:                logger,
	})
}
