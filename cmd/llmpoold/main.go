// Command llmpoold wires the orchestration kernel to a minimal
// net/http front end: enough to exercise the pipeline end-to-end
// (spec SPEC_FULL §6), not a reimplementation of either pinned
// transport (the streaming-RPC or JSON-over-HTTP servers spec.md
// treats as out of scope). Logger and flag conventions are adapted
// from cmd/agentflow/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vvtv/llmpool/auth"
	"github.com/vvtv/llmpool/cache"
	"github.com/vvtv/llmpool/config"
	"github.com/vvtv/llmpool/ensemble"
	"github.com/vvtv/llmpool/hedge"
	"github.com/vvtv/llmpool/internal/events"
	"github.com/vvtv/llmpool/internal/metrics"
	"github.com/vvtv/llmpool/orchestrator"
	"github.com/vvtv/llmpool/provider"
	"github.com/vvtv/llmpool/provider/httpdriver"
	"github.com/vvtv/llmpool/ratelimit"
	"github.com/vvtv/llmpool/tokenest"
	"github.com/vvtv/llmpool/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	fs := flag.NewFlagSet("llmpoold", flag.ExitOnError)
	configPath := fs.String("config", "llmpool.yaml", "path to the kernel config file")
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()
	logger.Info("starting llmpoold", zap.String("version", Version), zap.String("build_time", BuildTime))

	srv, err := build(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build kernel", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      srv.mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// kernel bundles the built components main needs to register HTTP
// handlers; it is not itself part of the orchestration kernel.
type kernel struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	pool         *provider.Pool
	authn        *auth.Authenticator
	feed         *events.Feed
	logger       *zap.Logger
}

func build(cfg *config.Config, logger *zap.Logger) (*kernel, error) {
	store := config.NewStore(cfg)
	pool := provider.NewPool(logger)

	breakerCfg := provider.BreakerConfig{
		FailRate: cfg.Breaker.FailRate,
		Window:   cfg.Breaker.WindowSize,
		Cooldown: time.Duration(cfg.Breaker.OpenCooldownMS) * time.Millisecond,
	}

	for _, pc := range cfg.Providers {
		tasks := make([]types.Task, 0, len(pc.Tasks))
		for _, tn := range pc.Tasks {
			tasks = append(tasks, types.Task(tn))
		}
		driver := httpdriver.New(httpdriver.Config{
			Name:      pc.Name,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			Tasks:     tasks,
			Weight:    pc.Weight,
			TimeoutMS: pc.TimeoutMS,
		}, logger)
		pool.Register(driver, tasks, breakerCfg)
	}

	ch := cache.New(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	limiter := ratelimit.NewLimiter(10, 20, logger)

	var distrib *ratelimit.RedisBucket
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		distrib = ratelimit.NewRedisBucket(client, logger)
	}

	ens := ensemble.New(hedge.New(logger), logger)
	tokens := tokenest.New("")
	m := metrics.NewCollector("llmpool")
	feed := events.NewFeed(logger)

	var jwtSecret []byte
	if cfg.Auth.JWTSecret != "" {
		jwtSecret = []byte(cfg.Auth.JWTSecret)
	}
	authn := auth.New(cfg.Tenancy, jwtSecret)

	orch := orchestrator.New(store, pool, ch, limiter, distrib, ens, tokens, m, feed, logger)

	return &kernel{cfg: cfg, orchestrator: orch, pool: pool, authn: authn, feed: feed, logger: logger}, nil
}

func (k *kernel) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/infer", k.handleInfer)
	mux.HandleFunc("/healthz", k.handleHealth)
	mux.Handle("/v1/decisions", k.feed)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type wireRequest struct {
	RequestID  string  `json:"request_id"`
	TenantID   string  `json:"tenant_id"`
	ProjectID  string  `json:"project_id"`
	Task       string  `json:"task"`
	Prompt     string  `json:"prompt"`
	MaxTokens  int     `json:"max_tokens"`
	DeadlineMS int     `json:"deadline_ms"`
	Strategy   *string `json:"strategy,omitempty"`
}

type wireDecision struct {
	StrategyUsed  string    `json:"strategy_used"`
	ModelsQueried []string  `json:"models_queried"`
	ModelScores   []float64 `json:"model_scores"`
	Reason        string    `json:"reason"`
}

type wireResponse struct {
	RequestID   string       `json:"request_id"`
	Content     string       `json:"content"`
	WinnerModel string       `json:"winner_model"`
	DurationMS  int64        `json:"duration_ms"`
	FromCache   bool         `json:"from_cache"`
	Decision    wireDecision `json:"decision"`
}

func (k *kernel) handleInfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var wr wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeError(w, types.NewError(types.ErrInvalidQuery, "malformed request body"))
		return
	}

	tenantID, authErr := k.resolveTenant(r, wr.TenantID)
	if authErr != nil {
		writeError(w, authErr)
		return
	}

	req := types.InferRequest{
		RequestID:  wr.RequestID,
		TenantID:   tenantID,
		ProjectID:  wr.ProjectID,
		Task:       types.Task(wr.Task),
		Prompt:     wr.Prompt,
		MaxTokens:  wr.MaxTokens,
		DeadlineMS: wr.DeadlineMS,
	}
	if wr.Strategy != nil {
		s := types.ParseStrategy(*wr.Strategy)
		req.Strategy = &s
	}

	resp, err := k.orchestrator.Infer(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wireResponse{
		RequestID:   resp.RequestID,
		Content:     resp.Content,
		WinnerModel: resp.WinnerModel,
		DurationMS:  resp.DurationMS,
		FromCache:   resp.FromCache,
		Decision: wireDecision{
			StrategyUsed:  string(resp.StrategyUsed),
			ModelsQueried: resp.ModelsQueried,
			ModelScores:   resp.ModelScores,
			Reason:        resp.Reason,
		},
	})
}

// resolveTenant authenticates the caller (spec SPEC_FULL §4.9) when
// credentials are supplied, and otherwise trusts the body's tenant_id
// directly — suitable for trusted internal callers, mirroring the
// teacher's optional-auth-middleware pattern.
func (k *kernel) resolveTenant(r *http.Request, bodyTenantID string) (string, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		id, err := k.authn.AuthenticateAPIKey(apiKey)
		if err != nil {
			return "", err
		}
		return id.TenantID, nil
	}
	if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
		id, err := k.authn.AuthenticateBearer(bearer)
		if err != nil {
			return "", err
		}
		return id.TenantID, nil
	}
	return bodyTenantID, nil
}

func (k *kernel) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status := k.pool.HealthCheck(ctx, 2*time.Second)
	status.Version = Version
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.ErrInternal
	if kerr, ok := err.(*types.Error); ok {
		code = kerr.Code
		if kerr.HTTPStatus != 0 {
			status = kerr.HTTPStatus
		}
	}
	writeJSON(w, status, map[string]string{"code": string(code), "error": err.Error()})
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
