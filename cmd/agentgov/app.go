package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentgov/pkg/admission"
	"github.com/Mindburn-Labs/agentgov/pkg/api"
	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/auth"
	"github.com/Mindburn-Labs/agentgov/pkg/config"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/kms"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
	"github.com/Mindburn-Labs/agentgov/pkg/policy"
	"github.com/Mindburn-Labs/agentgov/pkg/promotion"
	"github.com/Mindburn-Labs/agentgov/pkg/revalidation"
	"github.com/Mindburn-Labs/agentgov/pkg/runtime"
	"github.com/Mindburn-Labs/agentgov/pkg/sandbox"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

const (
	tokenIssuer    = "agentgov"
	idempotencyTTL = 24 * time.Hour
)

// app is the fully wired control plane.
type app struct {
	cfg      *config.Config
	store    store.Store
	redis    *redis.Client
	obs      *observability.Provider
	audit    *audit.Logger
	bundles  *policy.BundleSource
	source   policy.Source
	workflow *revalidation.Workflow
	limiter  *api.GlobalRateLimiter
	handler  http.Handler
	logger   *slog.Logger
}

// loadConfig resolves configuration: an explicit file, then a profile
// directory, then environment only.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv("AGENTGOV_PROFILE_DIR") != "":
		env := os.Getenv("AGENTGOV_ENV")
		if env == "" {
			env = config.EnvDevelopment
		}
		cfg, err = config.LoadProfile(os.Getenv("AGENTGOV_PROFILE_DIR"), env)
	default:
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var dialect store.Dialect
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		dialect = store.DialectSQLite
	case config.DriverPostgres:
		dialect = store.DialectPostgres
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	s, err := store.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return s, nil
}

//nolint:gocognit,gocyclo
func newApp(ctx context.Context, cfg *config.Config, stdout io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "agentgov")}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// Infrastructure
	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = cfg.Env
	obsCfg.Enabled = cfg.OTel.Enabled
	obsCfg.OTLPEndpoint = cfg.OTel.Endpoint
	obsCfg.Insecure = !cfg.IsProduction()
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}
	metrics, err := observability.NewMetrics(a.obs.Meter())
	if err != nil {
		return nil, err
	}

	// Signing
	keys, err := kms.NewKeyProvider(kms.Options{
		Production:   cfg.IsProduction(),
		SigningKey:   cfg.Signing.Key,
		KeystorePath: cfg.Signing.KeystorePath,
	})
	if err != nil {
		return nil, err
	}
	ring, err := kms.BuildKeyRing(keys, cfg.Signing.Algorithm)
	if err != nil {
		return nil, err
	}
	codec := crypto.NewCodec(ring)

	var revocations crypto.RevocationList = crypto.NewStoreRevocationList(a.store)
	if a.redis != nil {
		revocations = crypto.NewRedisRevocationList(a.redis, "agentgov:revoked-authorities")
	}

	// Policy
	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Policy.BundleDir != "":
		a.bundles = policy.NewBundleSource(cfg.Policy.BundleDir)
		a.bundles.SetValidator(evaluator.Validate)
		if err := a.bundles.Reload(ctx); err != nil {
			return nil, err
		}
		a.source = a.bundles
	case cfg.Policy.RemoteURL != "":
		var src policy.Source = policy.NewHTTPSource(cfg.Policy.RemoteURL, cfg.Policy.RemoteToken)
		if a.redis != nil {
			src = policy.NewCachedSource(src, a.redis, cfg.Policy.CacheTTL)
		}
		a.source = src
	default:
		a.logger.WarnContext(ctx, "no policy bundle or remote engine configured; only built-in rules apply")
		static, err := policy.NewStaticSource()
		if err != nil {
			return nil, err
		}
		a.source = static
	}

	// Audit
	var mirror io.Writer
	if cfg.Audit.Mirror {
		mirror = stdout
	}
	a.audit = audit.NewLogger(a.store, audit.Options{
		RingSize:  cfg.Audit.RingSize,
		QueueSize: cfg.Audit.QueueSize,
		Mirror:    mirror,
		Metrics:   metrics,
	})
	if err := a.audit.Recover(ctx); err != nil {
		return nil, err
	}

	// Governance
	chain, err := admission.NewDefaultChain(admission.Deps{Proofs: a.store, Codec: codec, Revocations: revocations})
	if err != nil {
		return nil, err
	}
	controller := admission.NewController(a.store, a.source, chain, a.audit, admission.WithMetrics(metrics))
	a.workflow, err = revalidation.NewWorkflow(a.store, a.audit,
		revalidation.WithTarget(contracts.GovernanceStatus(cfg.Revalidation.Target)),
		revalidation.WithConcurrency(cfg.Revalidation.Concurrency),
		revalidation.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	if a.bundles != nil {
		a.bundles.OnChange(revalidation.NewTrigger(a.workflow, a.bundles).OnChange)
	}

	var selectorOpts []runtime.SelectorOption
	if cfg.Runtime.RemoteURL != "" {
		selectorOpts = append(selectorOpts, runtime.WithRemote(runtime.NewRemoteExecutor(cfg.Runtime.RemoteURL)))
	}
	selector := runtime.NewSelector(controller, runtime.NewEmbeddedExecutor(acceptRun, 30*time.Second), selectorOpts...)

	server := api.NewServer(api.Deps{
		Agents:       a.store,
		Sandboxes:    sandbox.NewLifecycle(a.store, sandbox.WithTTL(cfg.SandboxTTL)),
		Promoter:     promotion.NewEngine(a.store, a.source, evaluator, codec, a.audit, promotion.WithMetrics(metrics)),
		Admission:    controller,
		Runtime:      selector,
		Revalidation: a.workflow,
		Policy:       a.source,
		Audit:        a.audit,
		Exporter:     audit.NewExporter(a.store),
		Revocations:  revocations,
	})

	// HTTP
	validator, err := a.tokenValidator(ctx)
	if err != nil {
		return nil, err
	}
	var idem api.IdempotencyStorer = api.NewIdempotencyStore(idempotencyTTL)
	if a.redis != nil {
		idem = api.NewRedisIdempotencyStore(a.redis, idempotencyTTL)
	}
	a.limiter = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	a.handler = server.Handler(
		api.AuthMiddleware(validator),
		a.limiter.Middleware,
		api.IdempotencyMiddleware(idem),
	)
	return a, nil
}

// tokenValidator builds the JWT validator. Outside production a missing
// secret is replaced by a random one and a bootstrap admin token is logged.
func (a *app) tokenValidator(ctx context.Context) (*auth.JWTValidator, error) {
	if a.cfg.JWTSecret != "" {
		return auth.NewJWTValidator([]byte(a.cfg.JWTSecret), tokenIssuer)
	}
	if a.cfg.IsProduction() {
		return nil, errors.New("JWT_SECRET is required in production")
	}
	secret := make([]byte, auth.MinSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	v, err := auth.NewJWTValidator(secret, tokenIssuer)
	if err != nil {
		return nil, err
	}
	token, err := v.Issue("bootstrap-admin", auth.AllWorkspaces, []string{auth.RoleAdmin}, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	a.logger.WarnContext(ctx, "JWT_SECRET not set; issued an ephemeral admin token", "token", token)
	return v, nil
}

// acceptRun is the embedded body: it acknowledges the run and echoes the
// agent's budget envelope. Execution proper is the orchestrator's job.
func acceptRun(_ context.Context, agent *contracts.Agent) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"accepted":     true,
		"mode":         agent.Mode,
		"max_tokens":   agent.SandboxConstraints.MaxTokens,
		"daily_budget": agent.SandboxConstraints.DailyBudget,
	})
}

// Close drains the audit queue and releases every connection. Safe on a
// partially built app.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.audit != nil {
		errs = append(errs, a.audit.Close(ctx))
	}
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
