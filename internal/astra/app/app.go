// Package app constructs the orchestrator's dependency graph once at
// process startup: a constructor-injected Core carrying the Runtime
// Adapter, Event Bus, Snapshot Store, Checkpointer, and Clock, in place of
// a global mutable DI container.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/astraforge/sandbox-core/internal/astra/accounting"
	"github.com/astraforge/sandbox-core/internal/astra/auth"
	"github.com/astraforge/sandbox-core/internal/astra/cmdrunner"
	"github.com/astraforge/sandbox-core/internal/astra/computeruse"
	"github.com/astraforge/sandbox-core/internal/astra/config"
	"github.com/astraforge/sandbox-core/internal/astra/eventbus"
	"github.com/astraforge/sandbox-core/internal/astra/eventmirror"
	"github.com/astraforge/sandbox-core/internal/astra/graph"
	"github.com/astraforge/sandbox-core/internal/astra/graph/modelclient"
	"github.com/astraforge/sandbox-core/internal/astra/httpapi"
	"github.com/astraforge/sandbox-core/internal/astra/metrics"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/objectstore"
	"github.com/astraforge/sandbox-core/internal/astra/reaper"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
	"github.com/astraforge/sandbox-core/internal/astra/runtime/cluster"
	"github.com/astraforge/sandbox-core/internal/astra/runtime/dockerlocal"
	"github.com/astraforge/sandbox-core/internal/astra/sandbox"
	"github.com/astraforge/sandbox-core/internal/astra/snapshot"
	"github.com/astraforge/sandbox-core/internal/astra/store"
	"github.com/astraforge/sandbox-core/internal/astra/tools"
	"github.com/astraforge/sandbox-core/internal/infra"
	"github.com/astraforge/sandbox-core/internal/observability"
)

// Core bundles every long-lived dependency the orchestrator process needs,
// constructed exactly once in Build and threaded explicitly through every
// consumer from there. Nothing here is package-level mutable state.
type Core struct {
	Config    config.Config
	Log       *observability.Logger
	Metrics   *metrics.Metrics
	Store     store.Store
	Runtimes  *runtime.Registry
	Objects   objectstore.Store
	Sandbox   *sandbox.Manager
	Snapshots *snapshot.Store
	Bus       *eventbus.Bus
	Inbox     *graph.Inbox
	Driver    *graph.Driver
	Reaper    *reaper.Reaper
	Sampler   *accounting.Sampler
	Mirror    *eventmirror.Mirror
	Authn     auth.Authenticator
	Server    *httpapi.Server

	// ConfigWatcher is non-nil when Build was given a non-empty configPath.
	// It hot-reloads the computer-use policy (domain allow/block lists,
	// approval mode) from that file's contents; nothing else in Config is
	// hot-reloadable today.
	ConfigWatcher *config.Watcher

	// tracerShutdown flushes and closes the OTEL exporter; a no-op when
	// tracing is disabled (Config.Tracing.Endpoint empty).
	tracerShutdown func(context.Context) error
}

// Build wires the full dependency graph from cfg. modelBaseURL points at
// whatever service fronts the LLM the Agent Graph Driver drives (the core
// itself never implements a model). configPath, if non-empty, is watched
// for edits so the computer-use policy can be updated without a restart;
// pass "" to disable hot reload (as the reap/migrate one-shot commands do).
func Build(ctx context.Context, cfg config.Config, modelBaseURL, configPath string) (*Core, error) {
	log := observability.NewLogger(observability.LogConfig{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, AddSource: cfg.Logging.AddSource,
	})
	m := metrics.New()

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.Tracing.ServiceName, ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment: cfg.Tracing.Environment, Endpoint: cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate, Attributes: cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	registry, err := buildRuntimeRegistry(cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("app: build runtime registry: %w", err)
	}

	var objStore objectstore.Store
	if cfg.ObjectStore.Enabled {
		s3, err := objectstore.NewS3Store(ctx, &objectstore.Config{
			Bucket: cfg.ObjectStore.Bucket, Region: cfg.ObjectStore.Region,
			Endpoint: cfg.ObjectStore.Endpoint, Prefix: cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("app: build object store: %w", err)
		}
		objStore = s3
	}

	snaps := snapshot.New(registry, objStore)
	snaps.SetTracer(tracer)

	sessions := sessionStoreAdapter{st}
	mgr := sandbox.New(sessions, registry, snaps, snapshotGetterAdapter{st}, artifactStoreAdapter{st}, log)
	mgr.SetTracer(tracer)

	bus := eventbus.New(eventbus.Config{BacklogSize: cfg.EventBus.BacklogSize, BacklogTTL: cfg.EventBus.BacklogTTL})

	registryOfTools, computerTool := buildToolRegistry(cfg, mgr)
	dispatcher := tools.NewDispatcher(registryOfTools, bus)

	model := modelclient.New(modelBaseURL, nil)
	inbox := graph.NewInbox()
	driver := graph.New(model, dispatcher, st, st, sessionGetterAdapter{st}, snapshotterAdapter{snaps, st}, bus, inbox, log)

	ledger := accounting.NewQuotaLedger(cfg.Accounting.QuotaPeriod, cfg.Accounting.MaxCPUSecondsPerPeriod,
		cfg.Accounting.MaxStorageBytesPerWorkspace, cfg.Accounting.MaxConcurrentSessions, m)
	sampler := accounting.New(mgr, st, ledger, m, log, cfg.Accounting.SampleInterval)

	rp := reaper.New(readyListerAdapter{st}, mgr, log, nil)
	mirror := eventmirror.New(bus, st, log)

	authn, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("app: build authenticator: %w", err)
	}

	core := &Core{
		Config: cfg, Log: log, Metrics: m, Store: st, Runtimes: registry, Objects: objStore,
		Sandbox: mgr, Snapshots: snaps, Bus: bus, Inbox: inbox, Driver: driver, Reaper: rp,
		Sampler: sampler, Mirror: mirror, Authn: authn,
	}

	maxConcurrentRuns := cfg.Server.MaxConcurrentRuns
	if maxConcurrentRuns <= 0 {
		maxConcurrentRuns = 64
	}
	core.Server = httpapi.New(httpapi.Deps{
		Config: cfg, Store: st, Sandbox: mgr, Snapshots: snaps, Bus: bus, Inbox: inbox,
		Driver: driver, Runner: &goroutineRunner{log: log, mirror: mirror, sem: infra.NewSemaphore(maxConcurrentRuns)},
		Authn: authn, Metrics: m, Log: log,
	})

	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(reloaded config.Config, err error) {
			if err != nil {
				log.Warn(context.Background(), "config hot reload failed, keeping previous policy", "error", err)
				return
			}
			computerTool.UpdatePolicy(computeruse.PolicyConfig{
				AllowedDomains: reloaded.Policy.AllowedDomains, BlockedDomains: reloaded.Policy.BlockedDomains,
				ApprovalMode: computeruse.ApprovalMode(reloaded.Policy.ApprovalMode), AllowLogin: reloaded.Policy.AllowLogin,
				AllowPayments: reloaded.Policy.AllowPayments, AllowIrreversible: reloaded.Policy.AllowIrreversible,
				AllowCredentials: reloaded.Policy.AllowCredentials, DefaultDeny: reloaded.Policy.DefaultDeny,
				PromptInjectionDetection: reloaded.Policy.PromptInjectionDetection,
			})
			log.Info(context.Background(), "computer-use policy reloaded from config file")
		})
		if err := watcher.Start(ctx); err != nil {
			log.Warn(context.Background(), "config hot reload disabled: failed to start watcher", "error", err)
		} else {
			core.ConfigWatcher = watcher
		}
	}

	return core, nil
}

// Close releases everything Build acquired (DB handles, object store
// clients have nothing to close today).
func (c *Core) Close() error {
	if c.ConfigWatcher != nil {
		_ = c.ConfigWatcher.Close()
	}
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return store.OpenSQLite(ctx, cfg.DSN)
	case "postgres", "postgresql":
		return store.OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func buildRuntimeRegistry(cfg config.SandboxConfig) (*runtime.Registry, error) {
	runner := cmdrunner.New(!cfg.ExecuteCommands)
	local, err := dockerlocal.New(dockerlocal.Options{
		Host: cfg.DockerHost, Network: cfg.DockerNetwork, User: cfg.DockerUser,
		ReadOnlyRoot: cfg.DockerReadOnly, PidsLimit: cfg.PidsLimit,
	}, runner)
	if err != nil {
		return nil, err
	}

	adapters := []runtime.Adapter{local}
	if cfg.ClusterEndpoint != "" {
		cp := &cluster.HTTPControlPlane{BaseURL: cfg.ClusterEndpoint}
		adapters = append(adapters, cluster.New(cp, cluster.Options{Namespace: cfg.ClusterNamespace}))
	}
	return runtime.NewRegistry(adapters...), nil
}

func buildAuthenticator(cfg config.AuthConfig) (auth.Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return &auth.NoopAuthenticator{}, nil
	case "static":
		return auth.NewStaticTokenAuthenticator(cfg.StaticTokens), nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("auth mode jwt requires a secret")
		}
		return auth.NewJWTAuthenticator([]byte(cfg.JWTSecret)), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func buildToolRegistry(cfg config.Config, mgr *sandbox.Manager) (*tools.Registry, *computeruse.ComputerTool) {
	policyCfg := computeruse.PolicyConfig{
		AllowedDomains: cfg.Policy.AllowedDomains, BlockedDomains: cfg.Policy.BlockedDomains,
		ApprovalMode: computeruse.ApprovalMode(cfg.Policy.ApprovalMode), AllowLogin: cfg.Policy.AllowLogin,
		AllowPayments: cfg.Policy.AllowPayments, AllowIrreversible: cfg.Policy.AllowIrreversible,
		AllowCredentials: cfg.Policy.AllowCredentials, DefaultDeny: cfg.Policy.DefaultDeny,
		PromptInjectionDetection: cfg.Policy.PromptInjectionDetection,
	}
	allowedURL := func(rawURL string) bool { return computeruse.IsDomainAllowed(rawURL, policyCfg) }
	computerTool := computeruse.NewComputerTool(policyCfg, cfg.Policy.TraceDir)

	registry := tools.NewRegistry(
		tools.NewShellTool(mgr),
		tools.NewReadFileTool(mgr),
		tools.NewWriteFileTool(mgr),
		tools.NewListTool(mgr),
		tools.NewViewImageTool(mgr),
		tools.NewPythonExecTool(mgr),
		tools.NewBrowserOpenTool(http.DefaultClient, allowedURL),
		tools.NewSearchTool(http.DefaultClient, ""),
		tools.NewAskUserTool(),
		tools.NewRequestTakeoverTool(),
		computerTool,
	)
	return registry, computerTool
}

// goroutineRunner dispatches each conversation run onto its own goroutine,
// the simplest Runner that satisfies httpapi.Runner's "never block the HTTP
// handler" contract; a production deployment could swap this for the
// teacher's worker-pool shape without touching the Controller. sem bounds
// how many runs actually execute at once (the §5 "parallel worker tasks run
// independent sessions" scheduling model) without blocking Launch itself:
// excess runs queue on the semaphore inside their own goroutine instead of
// holding up the HTTP handler that started them.
type goroutineRunner struct {
	log    *observability.Logger
	mirror *eventmirror.Mirror
	sem    *infra.Semaphore
}

func (r *goroutineRunner) Launch(sessionID string, fn func(ctx context.Context) error) {
	run := func(ctx context.Context) error {
		if r.sem != nil {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)
		}
		return fn(ctx)
	}
	if r.mirror != nil {
		mirrorCtx, cancel := context.WithCancel(context.Background())
		go func() {
			defer cancel()
			if err := run(context.Background()); err != nil && r.log != nil {
				r.log.Warn(context.Background(), "graph run ended with error", "session_id", sessionID, "error", err)
			}
		}()
		go r.mirror.Run(mirrorCtx, sessionID)
		return
	}
	go func() {
		if err := run(context.Background()); err != nil && r.log != nil {
			r.log.Warn(context.Background(), "graph run ended with error", "session_id", sessionID, "error", err)
		}
	}()
}

// --- narrow adapters reconciling store.Store's method names with the
// smaller per-package interfaces that were each written against their own
// natural naming (Get/Save) rather than store.Store's.

type sessionStoreAdapter struct{ s store.Store }

func (a sessionStoreAdapter) Get(ctx context.Context, id string) (*model.Session, error) {
	return a.s.GetSession(ctx, id)
}
func (a sessionStoreAdapter) Save(ctx context.Context, sess *model.Session) error {
	return a.s.SaveSession(ctx, sess)
}

type artifactStoreAdapter struct{ s store.Store }

func (a artifactStoreAdapter) Save(ctx context.Context, art *model.Artifact) error {
	return a.s.SaveArtifact(ctx, art)
}

type snapshotGetterAdapter struct{ s store.Store }

func (a snapshotGetterAdapter) Get(ctx context.Context, id string) (*model.Snapshot, error) {
	return a.s.GetSnapshot(ctx, id)
}

type sessionGetterAdapter struct{ s store.Store }

func (a sessionGetterAdapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return a.s.GetSession(ctx, id)
}

type readyListerAdapter struct{ s store.Store }

func (a readyListerAdapter) ListReady(ctx context.Context) ([]*model.Session, error) {
	return a.s.ListReadySessions(ctx)
}

// snapshotterAdapter satisfies graph.Snapshotter (Snapshot(ctx, sessionID,
// label) (string, error)) over snapshot.Store's session-object-shaped
// Create, resolving the session record first.
type snapshotterAdapter struct {
	snaps *snapshot.Store
	store store.Store
}

func (a snapshotterAdapter) Snapshot(ctx context.Context, sessionID, label string) (string, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	snap, err := a.snaps.Create(ctx, sess, snapshot.CreateParams{
		IncludePaths: []string{sess.WorkspacePath},
		Label:        label,
	})
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}
