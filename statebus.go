// Package statebus is the public API for embedding the statebus query layer.
//
// The Cass host process constructs an App, feeds it observations (token
// usage, actions, autonomy ticks, world changes), and either queries it
// in-process or serves it to external agents over MCP stdio:
//
//	app, err := statebus.New(
//	    statebus.WithVersion(version),
//	    statebus.WithLogger(logger),
//	    statebus.WithWorldProvider(engine),
//	)
//	if err != nil { ... }
//	resp := app.AskState(ctx, "how much did I spend on tokens today?")
//
// The import graph enforces a strict no-cycle rule: statebus (root) imports
// internal/*, but internal/* never imports statebus (root). Public types
// (Query, Response, WorldState, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package statebus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/KohlJary/statebus/internal/actions"
	"github.com/KohlJary/statebus/internal/config"
	"github.com/KohlJary/statebus/internal/construct"
	"github.com/KohlJary/statebus/internal/dispatch"
	"github.com/KohlJary/statebus/internal/embedding"
	"github.com/KohlJary/statebus/internal/github"
	"github.com/KohlJary/statebus/internal/llm"
	"github.com/KohlJary/statebus/internal/mcp"
	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/registry"
	"github.com/KohlJary/statebus/internal/schedule"
	"github.com/KohlJary/statebus/internal/source"
	"github.com/KohlJary/statebus/internal/telemetry"
	"github.com/KohlJary/statebus/internal/tokens"
	"github.com/KohlJary/statebus/internal/toolapi"
	"github.com/KohlJary/statebus/internal/workitems"
	"github.com/KohlJary/statebus/internal/world"
	"github.com/KohlJary/statebus/migrations"
)

// App is the statebus lifecycle. Construct with New(), serve over MCP with
// Run(), or call the query methods directly from the host process.
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	bus          *dispatch.Bus
	api          *toolapi.API
	mcpSrv       *mcp.Server
	qdrantIndex  *registry.QdrantIndex
	tokenStore   *tokens.Store
	actionLog    *actions.Log
	tracker      *schedule.Tracker
	workItems    *workitems.Store
	worldSrc     *world.WorldSource
	otelShutdown func(context.Context) error
	closers      []func()
	logger       *slog.Logger
	version      string
}

// New initialises the query layer. It opens the stores, wires every
// configured source into the dispatch bus, and indexes their capabilities.
// It does NOT serve MCP — call Run(), or use the query methods directly.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.tokensDBPath != "" {
		cfg.TokensDBPath = o.tokensDBPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("statebus starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	// Embedding provider — external override takes priority over config.
	var embedder embedding.Provider
	switch {
	case o.embeddingProvider != nil:
		embedder = &embedderAdapter{p: o.embeddingProvider}
	case cfg.EmbeddingProvider == "ollama":
		embedder = embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		logger.Info("embeddings: ollama", "model", cfg.EmbeddingModel)
	default:
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		logger.Info("embeddings: noop")
	}

	// LLM client for query construction and semantic summaries. Optional:
	// without it, construction runs heuristics-only and summaries fall back
	// to the deterministic template.
	var generator *llm.Client
	if cfg.LLMModel != "" {
		generator = llm.NewClient(cfg.OllamaURL, cfg.LLMModel, cfg.LLMTimeout)
		logger.Info("llm: enabled", "model", cfg.LLMModel)
	} else {
		logger.Info("llm: disabled, heuristic construction only")
	}

	// Capability index.
	a.qdrantIndex, err = registry.NewQdrantIndex(registry.QdrantConfig{
		URL:        cfg.QdrantURL,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}

	var summarizer registry.Summarizer
	if generator != nil {
		summarizer = generator
	}
	reg := registry.New(a.qdrantIndex, embedder, summarizer, logger)
	if err := reg.Initialize(context.Background()); err != nil {
		// Capability discovery is advisory; direct queries still work.
		logger.Warn("capability index unavailable, discovery disabled", "error", err)
	}

	a.bus = dispatch.New(reg, logger)

	sources, err := a.buildSources(context.Background(), o)
	if err != nil {
		return nil, err
	}

	// Register sources concurrently: each registration embeds every metric
	// summary, which is network-bound against Ollama.
	g, regCtx := errgroup.WithContext(context.Background())
	for _, src := range sources {
		g.Go(func() error {
			return a.bus.Register(regCtx, src)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("register sources: %w", err)
	}
	logger.Info("sources registered", "sources", a.bus.SourceIDs())

	constructor := construct.New(generatorOrNil(generator), logger)
	a.api = toolapi.New(a.bus, reg, constructor, logger)
	a.mcpSrv = mcp.New(a.api, logger)

	ok = true
	return a, nil
}

// Run serves the tool surface over MCP stdio and blocks until ctx is
// cancelled or the transport fails. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.ServeStdio(a.mcpSrv.MCPServer())
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp serve: %w", err)
		}
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the scheduled refresh loops and closes the stores, the
// capability index, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("statebus shutting down")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.bus.Shutdown(stopCtx)

	a.close()
	a.logger.Info("statebus stopped")
	return nil
}

// close releases everything New acquired. Safe on a partially built App.
func (a *App) close() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
		a.qdrantIndex = nil
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
		a.otelShutdown = nil
	}
}

// MCPServer exposes the underlying MCP server so a host embedding statebus
// in a larger tool surface can serve it over its own transport.
func (a *App) MCPServer() *mcpserver.MCPServer {
	return a.mcpSrv.MCPServer()
}

// ── Query surface ──────────────────────────────────────────────────────────────

// QueryState executes a structured query. Never returns an error: failures
// come back as Success=false with a human-readable message.
func (a *App) QueryState(ctx context.Context, q Query) Response {
	return toPublicResponse(a.api.ExecuteStateQuery(ctx, toInternalQuery(q)))
}

// AskState answers a natural-language question about companion state.
func (a *App) AskState(ctx context.Context, question string) Response {
	return toPublicResponse(a.api.ExecuteAskState(ctx, question))
}

// DiscoverCapabilities finds metrics semantically related to text. source
// narrows the search to one source; tags keeps only matches carrying at
// least one of the given tags. Both may be zero-valued.
func (a *App) DiscoverCapabilities(ctx context.Context, text string, limit int, source string, tags []string) Response {
	return toPublicResponse(a.api.ExecuteDiscoverCapabilities(ctx, text, limit, source, tags))
}

// ListCapabilities enumerates every metric of every registered source.
func (a *App) ListCapabilities(ctx context.Context) Response {
	return toPublicResponse(a.api.ExecuteListCapabilities(ctx))
}

// ── Observation surface (host-side writes) ─────────────────────────────────────

// RecordTokenUsage persists one LLM call for the tokens source.
func (a *App) RecordTokenUsage(ctx context.Context, u TokenUsage) error {
	return a.tokenStore.Record(ctx, tokens.Usage{
		OccurredAt:   u.OccurredAt,
		Model:        u.Model,
		Provider:     u.Provider,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      u.CostUSD,
	})
}

// RecordAction appends one action to the in-memory action log.
func (a *App) RecordAction(rec ActionRecord) {
	a.actionLog.Record(actions.Action{
		Name:     rec.Name,
		Category: rec.Category,
		At:       rec.At,
		Success:  rec.Success,
		Duration: rec.Duration,
	})
}

// RecordTick logs one autonomy-loop iteration.
func (a *App) RecordTick() { a.tracker.RecordTick() }

// AddGoal registers an autonomy goal; re-adding an existing name resets it
// to active.
func (a *App) AddGoal(name string) { a.tracker.AddGoal(name) }

// CompleteGoal marks an autonomy goal done. Unknown names are ignored.
func (a *App) CompleteGoal(name string) { a.tracker.CompleteGoal(name) }

// CreateWorkItem inserts a new open work item and returns its id. It fails
// when the work-items source is disabled (no DATABASE_URL).
func (a *App) CreateWorkItem(ctx context.Context, title, priority, project string) (string, error) {
	if a.workItems == nil {
		return "", fmt.Errorf("workitems: disabled (no DATABASE_URL)")
	}
	it, err := a.workItems.CreateItem(ctx, title, priority, project)
	if err != nil {
		return "", err
	}
	return it.ID.String(), nil
}

// SetWorkItemStatus moves a work item to the given status; "done" stamps its
// completion time.
func (a *App) SetWorkItemStatus(ctx context.Context, id, status string) error {
	if a.workItems == nil {
		return fmt.Errorf("workitems: disabled (no DATABASE_URL)")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("workitems: parse id %q: %w", id, err)
	}
	return a.workItems.SetStatus(ctx, parsed, status)
}

// WorldChanged tells the world source the engine state moved. The refresh
// runs in the background; queries keep answering from the previous state
// until it lands.
func (a *App) WorldChanged() { a.worldSrc.OnDataChanged() }

// ── Wiring ─────────────────────────────────────────────────────────────────────

// buildSources constructs every configured source adapter and retains the
// host-facing write handles on the App.
func (a *App) buildSources(ctx context.Context, o resolvedOptions) ([]source.Source, error) {
	cfg, logger := a.cfg, a.logger
	var sources []source.Source

	// Token usage (LAZY, SQLite).
	tokenStore, err := tokens.Open(cfg.TokensDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	a.tokenStore = tokenStore
	a.closers = append(a.closers, func() { _ = tokenStore.Close() })
	sources = append(sources, tokens.NewSource(tokenStore, cfg.CacheTTL, logger))

	// Calendar + autonomy (LAZY).
	a.tracker = schedule.NewTracker()
	sources = append(sources,
		schedule.NewSource(schedule.NewCalendar(cfg.SchedulePath), cfg.CacheTTL, logger),
		schedule.NewAutonomySource(a.tracker, cfg.CacheTTL, logger))

	// Action log (LAZY, in memory).
	a.actionLog = actions.NewLog()
	sources = append(sources, actions.NewSource(a.actionLog, cfg.CacheTTL, logger))

	// World state (EVENT_DRIVEN, snapshot-persisted). Until a world engine
	// attaches, the source answers from its last snapshot.
	var provider world.StateProvider = staticWorld{}
	if o.worldProvider != nil {
		provider = &worldProviderAdapter{p: o.worldProvider}
	}
	a.worldSrc = world.NewSource(provider, cfg.WorldSnapshotPath, logger)
	sources = append(sources, a.worldSrc)

	// Work items (LAZY, Postgres). Optional.
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("workitems: connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := workitems.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			return nil, err
		}
		for i, extraFS := range o.extraMigrations {
			if err := workitems.RunMigrations(ctx, pool, extraFS, logger); err != nil {
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		a.workItems = workitems.NewStore(pool)
		sources = append(sources, workitems.NewSource(a.workItems, cfg.CacheTTL, logger))
	} else {
		logger.Info("workitems: disabled (no DATABASE_URL)")
	}

	// GitHub stats (SCHEDULED). Optional.
	if cfg.GitHubRepos != "" {
		repos, err := github.ParseRepos(cfg.GitHubRepos)
		if err != nil {
			return nil, err
		}
		client := github.NewClient(cfg.GitHubBaseURL, cfg.GitHubToken)
		sources = append(sources, github.NewSource(client, repos, cfg.ScheduleInterval, logger))
	} else {
		logger.Info("github: disabled (no STATEBUS_GITHUB_REPOS)")
	}

	return sources, nil
}

// generatorOrNil avoids handing construct a typed-nil interface.
func generatorOrNil(c *llm.Client) construct.Generator {
	if c == nil {
		return nil
	}
	return c
}

// staticWorld is the stand-in state provider until a world engine attaches
// and starts announcing changes.
type staticWorld struct{}

func (staticWorld) WorldState(context.Context) (world.State, error) {
	return world.State{Location: "unknown"}, nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// embedderAdapter wraps a statebus.EmbeddingProvider to satisfy the internal
// embedding.Provider. Converts []float32 to pgvector.Vector at the boundary.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// worldProviderAdapter wraps a statebus.WorldProvider to satisfy
// world.StateProvider.
type worldProviderAdapter struct {
	p WorldProvider
}

func (a *worldProviderAdapter) WorldState(ctx context.Context) (world.State, error) {
	ws, err := a.p.WorldState(ctx)
	if err != nil {
		return world.State{}, err
	}
	return world.State{
		Location:        ws.Location,
		RoomsVisited:    ws.RoomsVisited,
		EntitiesPresent: ws.EntitiesPresent,
		ActiveQuests:    ws.ActiveQuests,
		InventoryItems:  ws.InventoryItems,
	}, nil
}

// ── Type converters ────────────────────────────────────────────────────────────

// toInternalQuery converts a public Query to the internal request type.
func toInternalQuery(q Query) query.StateQuery {
	sq := query.StateQuery{
		Source:      q.Source,
		Metric:      q.Metric,
		Aggregation: query.AggFunc(q.Aggregation),
		GroupBy:     q.GroupBy,
		Filters:     q.Filters,
	}
	if q.TimePreset != "" {
		sq.Time = &query.TimeSpec{Preset: query.TimePreset(q.TimePreset)}
	}
	return sq
}

// toPublicResponse converts an internal toolapi.Response to the public type.
func toPublicResponse(r toolapi.Response) Response {
	return Response{
		Success: r.Success,
		Result:  r.Result,
		Data:    r.Data,
		Error:   r.Error,
	}
}
