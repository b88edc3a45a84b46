package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/bookbot/internal/admission"
	"github.com/nextlevelbuilder/bookbot/internal/assembler"
	"github.com/nextlevelbuilder/bookbot/internal/catalog"
	"github.com/nextlevelbuilder/bookbot/internal/channels"
	"github.com/nextlevelbuilder/bookbot/internal/channels/discord"
	"github.com/nextlevelbuilder/bookbot/internal/channels/sms"
	"github.com/nextlevelbuilder/bookbot/internal/config"
	"github.com/nextlevelbuilder/bookbot/internal/conversation"
	"github.com/nextlevelbuilder/bookbot/internal/dedup"
	"github.com/nextlevelbuilder/bookbot/internal/dispatch"
	"github.com/nextlevelbuilder/bookbot/internal/gateway"
	httpapi "github.com/nextlevelbuilder/bookbot/internal/http"
	"github.com/nextlevelbuilder/bookbot/internal/pipeline"
	"github.com/nextlevelbuilder/bookbot/internal/providers"
	"github.com/nextlevelbuilder/bookbot/internal/responder"
	"github.com/nextlevelbuilder/bookbot/internal/store"
	"github.com/nextlevelbuilder/bookbot/internal/store/memory"
	"github.com/nextlevelbuilder/bookbot/internal/store/pg"
	"github.com/nextlevelbuilder/bookbot/internal/store/redis"
	"github.com/nextlevelbuilder/bookbot/internal/tracing"
	"github.com/nextlevelbuilder/bookbot/internal/upgrade"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (webhooks, Discord bot, chat API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	stores, schema, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	channelMgr := channels.NewManager()
	p := buildPipeline(cfg, stores, provider, channelMgr)

	if cfg.Channels.SMS.Enabled {
		ch, err := sms.New(cfg.Channels.SMS)
		if err != nil {
			return fmt.Errorf("sms channel: %w", err)
		}
		channelMgr.RegisterChannel(ch.Name(), ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, p)
		if err != nil {
			return fmt.Errorf("discord channel: %w", err)
		}
		channelMgr.RegisterChannel(ch.Name(), ch)
	}

	server := gateway.NewServer(cfg.Gateway,
		httpapi.NewSMSWebhookHandler(p, cfg.Gateway.MaxBodyBytes),
		httpapi.NewChatHandler(p, cfg.Gateway.Token),
		httpapi.NewHealthHandler(stores.Probes, schema, Version),
	)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("bookbot starting",
		"version", Version,
		"mode", mode,
		"provider", provider.Name(),
		"channels", channelMgr.GetEnabledChannels(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	if cfg.Sweeper.Schedule != "" {
		sweeper, err := conversation.NewSweeper(stores.Conversations,
			config.Duration(cfg.Pipeline.IdleWindow, conversation.DefaultIdleWindow),
			config.Duration(cfg.Sweeper.ArchiveAfter, 7*24*time.Hour),
			cfg.Sweeper.Schedule)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")

	channelMgr.StopAll(context.Background())
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Pool().Close(drainCtx); err != nil {
		slog.Warn("worker pool drain timed out", "error", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("bookbot stopped")
	return nil
}

// openStores returns the managed (Postgres + Redis) or standalone
// (in-memory) backends, and the schema check for the health endpoint.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, httpapi.SchemaFunc, error) {
	if !cfg.IsManagedMode() {
		slog.Warn("standalone mode: conversations are kept in memory and lost on restart")
		return memory.NewStores(), nil, nil
	}

	if err := checkSchemaOrAutoUpgrade(ctx, cfg.Database.PostgresDSN); err != nil {
		return nil, nil, err
	}

	pool, err := pg.OpenPool(ctx, cfg.Database.PostgresDSN, pg.PoolConfig{})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	stores := pg.NewPGStores(pool)
	db := stdlib.OpenDBFromPool(pool)

	closePG := stores.Close
	stores.Close = func() {
		db.Close()
		closePG()
	}

	if cfg.Database.RedisURL == "" {
		slog.Warn("BOOKBOT_REDIS_URL not set: rate limits and dedup are per-instance")
		counters := memory.NewCounters()
		stores.Counters, stores.Dedup = counters, counters
	} else {
		rs, err := redis.Open(ctx, cfg.Database.RedisURL)
		if err != nil {
			stores.Close()
			return nil, nil, err
		}
		stores.Counters, stores.Dedup = rs, rs
		stores.Probes["redis"] = rs
		closeAll := stores.Close
		stores.Close = func() {
			_ = rs.Close()
			closeAll()
		}
	}

	schema := func(ctx context.Context) (*upgrade.SchemaStatus, []string, error) {
		return schemaStatus(ctx, db)
	}
	return stores, schema, nil
}

func schemaStatus(ctx context.Context, db *sql.DB) (*upgrade.SchemaStatus, []string, error) {
	st, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	hooks, err := upgrade.PendingHooks(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return st, hooks, nil
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	pc := cfg.Providers
	switch pc.Default {
	case "openai":
		if pc.OpenAI.APIKey == "" {
			return nil, errors.New("BOOKBOT_OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAIProvider("openai", pc.OpenAI.APIKey, pc.OpenAI.APIBase, pc.OpenAI.Model), nil
	default:
		if pc.Anthropic.APIKey == "" {
			return nil, errors.New("BOOKBOT_ANTHROPIC_API_KEY is not set")
		}
		opts := []providers.AnthropicOption{}
		if pc.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(pc.Anthropic.Model))
		}
		if pc.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(pc.Anthropic.APIBase))
		}
		return providers.NewAnthropicProvider(pc.Anthropic.APIKey, opts...), nil
	}
}

func buildCatalog(cfg *config.Config, books store.BookStore) assembler.Searcher {
	cc := cfg.Catalog
	if cc.APIKey == "" {
		slog.Warn("BOOKBOT_CATALOG_API_KEY not set: replies will not be enriched with catalog data")
		return nil
	}
	var linkOpts []catalog.LinkOption
	if cc.ValidateLinks != nil && !*cc.ValidateLinks {
		linkOpts = append(linkOpts, catalog.WithoutValidation())
	}
	opts := []catalog.Option{
		catalog.WithTimeout(config.Duration(cc.Timeout, 5*time.Second)),
		catalog.WithLinks(catalog.NewLinkResolver(cc.AffiliateID, linkOpts...)),
		catalog.WithCache(books),
	}
	if cc.Endpoint != "" {
		opts = append(opts, catalog.WithEndpoint(cc.Endpoint))
	}
	return catalog.NewClient(cc.APIKey, opts...)
}

func buildPipeline(cfg *config.Config, stores *store.Stores, provider providers.Provider, transport dispatch.Transport) *pipeline.Pipeline {
	pc := cfg.Pipeline

	verifiers := map[store.Channel]*admission.Verifier{}
	if secret := cfg.Channels.SMS.WebhookSecret; secret != "" {
		verifiers[store.ChannelSMS] = admission.NewVerifier(secret)
	} else {
		slog.Warn("BOOKBOT_SMS_WEBHOOK_SECRET not set: SMS webhooks are accepted unsigned")
	}

	limits := admission.Limits{
		Window:       config.Duration(cfg.RateLimit.Window, time.Minute),
		Cap:          cfg.RateLimit.Cap,
		BurstPerHour: cfg.RateLimit.BurstPerHour,
	}

	return pipeline.New(pipeline.Deps{
		Verifiers: verifiers,
		Limiter:   admission.NewLimiter(stores.Counters, limits),
		Dedup:     dedup.New(stores.Dedup, config.Duration(pc.DedupRetention, dedup.DefaultRetention)),
		Resolver:  conversation.NewResolver(stores.Conversations, config.Duration(pc.IdleWindow, conversation.DefaultIdleWindow)),
		Assembler: assembler.New(stores.Conversations, buildCatalog(cfg, stores.Books), assembler.Config{
			HistoryLimit: pc.HistoryLimit,
			MaxBooks:     cfg.Catalog.MaxResults,
			BudgetChars:  pc.ContextBudgetChars,
			Persona:      pc.Persona,
		}),
		Responder: responder.New(provider, responder.Config{
			AttemptTimeout: config.Duration(pc.ResponderTimeout, responder.DefaultAttemptTimeout),
			Backoff:        config.Duration(pc.ResponderBackoff, responder.DefaultBackoff),
			Fallback:       pc.FallbackReply,
			MaxTokens:      pc.MaxTokens,
		}),
		Dispatcher: dispatch.New(transport, stores.Deliveries, dispatch.Options{
			Markers:    cfg.Channels.SMS.ContinuationMarkers,
			RetryDelay: config.Duration(cfg.Channels.SMS.RetryDelay, dispatch.DefaultRetryDelay),
		}),
	}, pc.Workers)
}
