package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridbill/invoice-pipeline/internal/engine"
	"github.com/gridbill/invoice-pipeline/internal/learning"
	"github.com/gridbill/invoice-pipeline/internal/model"
	"github.com/gridbill/invoice-pipeline/internal/notify"
	"github.com/gridbill/invoice-pipeline/internal/objectstore"
	"github.com/gridbill/invoice-pipeline/internal/orchestrator"
	"github.com/gridbill/invoice-pipeline/internal/pipeline"
	"github.com/gridbill/invoice-pipeline/internal/store"
	"github.com/gridbill/invoice-pipeline/internal/validate"
)

// pipelineEnv holds everything a command needs to process invoices.
type pipelineEnv struct {
	Store    store.Store
	Objects  *objectstore.FS
	Registry *engine.Registry
	Fields   *model.FieldRegistry
	Pipeline *pipeline.Pipeline

	feed *learning.Feed
	nats *notify.NATS
}

// initPipeline builds the full dependency graph from config: store,
// object store, engine adapters, orchestrator, validator, learning feed and
// notification sinks.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	fields := model.UtilityInvoiceFields()

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	objects, err := objectstore.NewFS(cfg.ObjectStore.Root)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := registerAdapters(objects, fields)

	validator, err := validate.New(cfg.Validation, fields)
	if err != nil {
		st.Close()
		return nil, err
	}

	pool := orchestrator.NewPool(cfg.Pipeline.MaxConcurrentEngineCalls, cfg.Pipeline.EngineCallsPerSec)
	orch := orchestrator.New(registry, cfg.Engines.Profiles, cfg.ABTest, pool, fields, cfg.Pipeline)

	env := &pipelineEnv{
		Store:    st,
		Objects:  objects,
		Registry: registry,
		Fields:   fields,
	}

	var predictor learning.Predictor
	if cfg.Learning.Enabled {
		predictor = learning.NewStorePredictor(st, 500)
		env.feed = learning.NewFeed(st, cfg.Learning.BufferSize)
	}

	var sinks notify.Multi
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.NATSURL != "" {
		n, err := notify.NewNATS(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
		if err != nil {
			// A dead broker degrades notification, not invoice processing.
			zap.L().Warn("nats unavailable, continuing without it", zap.Error(err))
		} else {
			env.nats = n
			sinks = append(sinks, n)
		}
	}
	var notifier notify.Notifier
	if len(sinks) > 0 {
		notifier = sinks
	}

	env.Pipeline = pipeline.New(cfg, st, orch, validator, predictor, env.feed, notifier, fields)
	return env, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// registerAdapters wires every engine with credentials configured. Profiles
// without a registered adapter are skipped by the orchestrator.
func registerAdapters(objects *objectstore.FS, fields *model.FieldRegistry) *engine.Registry {
	registry := engine.NewRegistry()
	if cfg.Anthropic.Key != "" {
		registry.Register(engine.NewAnthropicAdapter(
			cfg.Anthropic.Key, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens,
			objects, fields, profileCost("anthropic"),
		))
	}
	if cfg.OpenAI.Key != "" {
		registry.Register(engine.NewOpenAIAdapter(
			cfg.OpenAI.Key, cfg.OpenAI.Model, objects, fields, profileCost("openai"),
		))
	}
	if cfg.HTTPOCR.BaseURL != "" {
		registry.Register(engine.NewHTTPOCRAdapter(
			cfg.HTTPOCR.Key, cfg.HTTPOCR.BaseURL, objects, fields, profileCost("httpocr"),
		))
	}
	return registry
}

func profileCost(name string) float64 {
	for _, p := range cfg.Engines.Profiles {
		if p.Name == name {
			return p.CostPerCall
		}
	}
	return 0
}

// Close flushes the learning feed and drains broker connections.
func (e *pipelineEnv) Close() {
	if e.feed != nil {
		e.feed.Close()
	}
	if e.nats != nil {
		e.nats.Close()
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}
