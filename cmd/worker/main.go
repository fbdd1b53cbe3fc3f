package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aireview/engine/internal/adapter/llm/anthropic"
	"github.com/aireview/engine/internal/adapter/llm/gemini"
	llmhttp "github.com/aireview/engine/internal/adapter/llm/http"
	"github.com/aireview/engine/internal/adapter/llm/ollama"
	"github.com/aireview/engine/internal/adapter/llm/openai"
	"github.com/aireview/engine/internal/cache"
	"github.com/aireview/engine/internal/config"
	"github.com/aireview/engine/internal/diffprovider"
	"github.com/aireview/engine/internal/idempotency"
	"github.com/aireview/engine/internal/llmrouter"
	"github.com/aireview/engine/internal/promptbuilder"
	"github.com/aireview/engine/internal/queue"
	"github.com/aireview/engine/internal/repo/sqlite"
	"github.com/aireview/engine/internal/usecase/analysisjob"
	"github.com/aireview/engine/internal/usecase/reviewjob"
	"github.com/aireview/engine/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:   "worker",
		Short: "Drain the code review job queue and run review/analysis jobs",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	var showVersion bool
	root.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(serveCmd)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if showVersion {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Value())
			return nil
		}
		return serve(cmd.Context())
	}

	return root.ExecuteContext(ctx)
}

// deps bundles every collaborator the worker loop dispatches jobs
// through, built once at startup and shared across job invocations.
type deps struct {
	queue        *queue.Queue
	reviewOrch   *reviewjob.Orchestrator
	analysisOrch *analysisjob.Orchestrator
	router       *llmrouter.Router
	cache        *cache.Cache
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPaths: defaultConfigPaths(),
		FileName:    "worker",
		EnvPrefix:   "AIREVIEW",
	})
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	d, closeFn, err := build(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	log.Println("worker: ready, draining queue")
	return drain(ctx, d)
}

// build wires every collaborator from cfg: Redis cache/lock client,
// idempotency service, registered LLM adapters, the diff provider, the
// SQLite repositories, and the Review/Analysis orchestrators. The
// returned closer releases the Redis client and SQLite handle.
func build(cfg config.Config) (*deps, func(), error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.ConnectionString)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: parse redis connection string: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	c := cache.New(redisClient, cfg.Redis.InstancePrefix)

	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: open store: %w", err)
	}

	instanceID := instanceID()
	idemp := idempotency.NewService(c, instanceID, idempotency.Config{
		LockTTL:           time.Duration(cfg.Locks.TTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Locks.HeartbeatIntervalSeconds) * time.Second,
		LivenessWindow:    time.Duration(cfg.Locks.LivenessWindowSeconds) * time.Second,
		DedupWindow:       time.Duration(cfg.Locks.DedupWindowSeconds) * time.Second,
	})

	router := llmrouter.New(
		llmrouter.WithRetryConfig(cfg.LLM.Retry.ToRetryConfig()),
		llmrouter.WithPerProviderConcurrency(cfg.LLM.PerProviderConcurrency),
	)
	defaultProvider, defaultModel, err := registerAdapters(router, cfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	repoDir := cfg.Git.RepositoryDir
	if repoDir == "" {
		repoDir = "."
	}
	diffProvider := diffprovider.NewProvider(repoDir)
	prompts := promptbuilder.NewBuilder(store.Prompts.Resolve)
	repairer := llmrouter.NewRepairer(router, defaultProvider, defaultModel)

	jobTimeout := time.Duration(cfg.Jobs.ExecutionTimeoutMinutes) * time.Minute

	reviewOrch := reviewjob.New(reviewjob.Dependencies{
		Idempotency:       idemp,
		Cache:             c,
		Reviews:           store.Reviews,
		Comments:          store.Comments,
		Usage:             store.Usage,
		Diff:              diffProvider,
		Prompts:           prompts,
		Router:            router,
		Repairer:          repairer,
		Provider:          defaultProvider,
		Model:             defaultModel,
		TargetChunkTokens: cfg.Chunker.TargetTokens,
		ChunkParallelism:  cfg.Review.ChunkParallelism,
		JobTimeout:        jobTimeout,
	})

	analysisOrch := analysisjob.New(analysisjob.Dependencies{
		Idempotency: idemp,
		Cache:       c,
		Reviews:     store.Reviews,
		Analysis:    store.Analysis,
		Usage:       store.Usage,
		Diff:        diffProvider,
		Prompts:     prompts,
		Router:      router,
		Repairer:    repairer,
		Provider:    defaultProvider,
		Model:       defaultModel,
		JobTimeout:  jobTimeout,
	})

	q := queue.New(redisClient, cfg.Redis.InstancePrefix+"jobs")

	closer := func() {
		_ = store.Close()
		_ = redisClient.Close()
	}
	return &deps{queue: q, reviewOrch: reviewOrch, analysisOrch: analysisOrch, router: router, cache: c}, closer, nil
}

// registerAdapters registers one llmrouter.Adapter per enabled,
// API-keyed provider in cfg.Providers and reports the first registered
// provider/model as the default used for repair calls and any job whose
// Provider/Model dependency fields aren't overridden per-call. Every
// client shares one pricing catalog, metrics sink, and request/response
// logger, so C1 cost accounting and C14 per-call observability are
// populated for every live call, not just in tests.
func registerAdapters(router *llmrouter.Router, cfg config.Config) (defaultProvider, defaultModel string, err error) {
	pricing := llmhttp.NewDefaultPricing()
	metrics := llmhttp.NewDefaultMetrics()
	logger := llmhttp.NewDefaultLogger(llmhttp.LogLevelInfo, llmhttp.LogFormatJSON, true)

	for name, pc := range cfg.Providers {
		if !pc.Enabled || pc.APIKey == "" {
			continue
		}
		switch name {
		case "openai":
			client := openai.NewHTTPClient(pc.APIKey, pc.Model, pc, cfg.HTTP)
			client.SetPricing(pricing)
			client.SetMetrics(metrics)
			client.SetLogger(logger)
			router.RegisterAdapter(name, llmrouter.NewOpenAIAdapter(client))
		case "anthropic":
			client := anthropic.NewHTTPClient(pc.APIKey, pc.Model)
			client.SetPricing(pricing)
			client.SetMetrics(metrics)
			client.SetLogger(logger)
			router.RegisterAdapter(name, llmrouter.NewAnthropicAdapter(client))
		case "gemini":
			client := gemini.NewHTTPClient(pc.APIKey, pc.Model, pc, cfg.HTTP)
			client.SetPricing(pricing)
			client.SetMetrics(metrics)
			client.SetLogger(logger)
			router.RegisterAdapter(name, llmrouter.NewGeminiAdapter(client))
		case "ollama":
			// Ollama has no API key; providers.ollama.apiKey carries the
			// local server's base URL instead (e.g. http://localhost:11434).
			client := ollama.NewHTTPClient(pc.APIKey, pc.Model, pc, cfg.HTTP)
			client.SetPricing(pricing)
			client.SetMetrics(metrics)
			client.SetLogger(logger)
			router.RegisterAdapter(name, llmrouter.NewOllamaAdapter(client))
		default:
			continue
		}
		if defaultProvider == "" {
			defaultProvider, defaultModel = name, pc.Model
		}
	}
	if defaultProvider == "" {
		return "", "", errors.New("worker: no LLM provider configured; set providers.<name>.enabled and apiKey")
	}
	return defaultProvider, defaultModel, nil
}

const backpressureSaturation = 0.9

// drain polls the queue until ctx is cancelled, pausing briefly when the
// router's busiest provider is saturated rather than piling up more
// in-flight work than it can serve.
func drain(ctx context.Context, d *deps) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if d.router.MaxSaturation() > backpressureSaturation {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
			continue
		}

		msg, err := d.queue.Dequeue(ctx, 5*time.Second)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: dequeue error: %v", err)
			continue
		}

		dispatch(ctx, d, msg)
	}
}

// dispatch runs msg's job kind against the matching orchestrator. Job
// errors are logged, not fatal to the loop: idempotency.Claim already
// distinguishes skips from real failures, and a requeue policy belongs
// to the queue producer (e.g. a visibility-timeout redrive), not here.
func dispatch(ctx context.Context, d *deps, msg queue.Message) {
	log.Printf("worker: dispatch %s review=%s attempt=%d", msg.JobKind, msg.ReviewID, msg.Attempt)

	var err error
	switch msg.JobKind {
	case queue.JobKindAIReview:
		err = d.reviewOrch.Run(ctx, msg.ReviewID)
	case queue.JobKindRiskAnalysis:
		err = d.analysisOrch.RunRiskAnalysis(ctx, msg.ReviewID)
	case queue.JobKindImprovementSuggestions:
		err = d.analysisOrch.RunImprovementSuggestions(ctx, msg.ReviewID)
	case queue.JobKindPRSummary:
		err = d.analysisOrch.RunPRSummary(ctx, msg.ReviewID)
	case queue.JobKindComprehensive:
		_, err = d.analysisOrch.RunComprehensive(ctx, msg.ReviewID)
	default:
		log.Printf("worker: unknown job kind %q for review %s", msg.JobKind, msg.ReviewID)
		return
	}
	if err != nil {
		log.Printf("worker: job %s review=%s failed: %v", msg.JobKind, msg.ReviewID, err)
	}
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aireview"))
	}
	return paths
}
