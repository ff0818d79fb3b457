// Package server provides the public entry point for initializing the
// conversation platform.
//
// This package exists in pkg/ (not internal/) so that a hosted variant of
// this service can import it and compose the full server with its own
// overrides.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/convoyhq/convoy-engine/internal/admission"
	"github.com/convoyhq/convoy-engine/internal/api"
	"github.com/convoyhq/convoy-engine/internal/api/handlers"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/embeddings"
	"github.com/convoyhq/convoy-engine/internal/flow"
	"github.com/convoyhq/convoy-engine/internal/orchestrator"
	"github.com/convoyhq/convoy-engine/internal/rag"
	modelrouter "github.com/convoyhq/convoy-engine/internal/router"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/telemetry"
	"github.com/convoyhq/convoy-engine/internal/toolexec"
	"github.com/convoyhq/convoy-engine/internal/vectorindex"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized conversation platform.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory by default).
	Store store.Store

	// CompletionRouter is the provider router instance, exposed so a host
	// can register additional provider drivers.
	CompletionRouter *modelrouter.CompletionRouter

	// EmbeddingRegistry holds registered embedding drivers, exposed so a
	// host can register additional ones.
	EmbeddingRegistry *embeddings.Registry

	// VectorIndex is the vector search backend in use.
	VectorIndex vectorindex.Index

	Retriever    *rag.Retriever
	Pipeline     *rag.Pipeline
	Admission    *admission.Controller
	Tools        *toolexec.Executor
	FlowEngine   *flow.Engine
	Orchestrator *orchestrator.Orchestrator
	Handlers     *handlers.Handlers

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all components with an in-memory store and returns a
// ready Server. This is the primary entry point.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("in-memory store initialized")

	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// NewWithStore initializes the server with an externally-provided store.
// The caller is responsible for running migrations and closing the store.
func NewWithStore(ctx context.Context, dataStore store.Store) (*Server, error) {
	return NewWithStoreAndConfig(ctx, dataStore, LoadConfig())
}

// NewWithStoreAndConfig initializes the server with an external store and
// explicit config.
func NewWithStoreAndConfig(ctx context.Context, dataStore store.Store, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	log.Info().Msg("external store provided")

	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// buildServer is the shared constructor that wires all components.
func buildServer(ctx context.Context, cfg *config.Config, pubCfg *Config, dataStore store.Store, shutdown func(context.Context) error) (*Server, error) {
	comp := modelrouter.NewCompletionRouter(dataStore, cfg.LLM)
	comp.RegisterDriver(modelrouter.NewOpenAIProviderDriver())
	comp.RegisterDriver(modelrouter.NewAnthropicProviderDriver())
	comp.RegisterDriver(modelrouter.NewOllamaProviderDriver())
	log.Info().Msg("completion router initialized")

	embReg := embeddings.NewRegistry()

	// Auto-discover embeddings from configured providers: if a provider's
	// driver implements EmbeddingCapableDriver, its models are registered
	// without any separate embedding configuration.
	providers, _ := dataStore.ListProviders(ctx)
	for i := range providers {
		p := &providers[i]
		for name, ecd := range comp.ListEmbeddingCapableDrivers() {
			if name != p.Kind {
				continue
			}
			embModels := ecd.EmbeddingModels()
			if len(embModels) == 0 {
				continue
			}
			adapter := embeddings.NewProviderEmbeddingAdapter(ecd, p, embModels[0])
			regName := fmt.Sprintf("%s:%s", p.Kind, p.Name)
			embReg.Register(regName, adapter)
			log.Info().Str("provider", p.Name).Str("kind", p.Kind).Str("model", embModels[0].Model).Msg("embedding auto-discovered from provider")
		}
	}

	// Fallback: env-var-based embedding registration for hosts that have
	// not configured a model provider yet.
	if len(embReg.List()) == 0 {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			model := os.Getenv("CONVOY_EMBEDDING_MODEL")
			if model == "" {
				model = cfg.Knowledge.DefaultEmbeddingModel
			}
			embReg.Register("openai", embeddings.NewOpenAIDriver(apiKey, model))
			log.Info().Msg("embedding registered via OPENAI_API_KEY env var")
		}
		if ollamaURL := os.Getenv("OLLAMA_URL"); ollamaURL != "" {
			model := os.Getenv("CONVOY_OLLAMA_EMBED_MODEL")
			if model == "" {
				model = "nomic-embed-text"
			}
			embReg.Register("ollama", embeddings.NewOllamaDriver(ollamaURL, model))
			log.Info().Msg("embedding registered via OLLAMA_URL env var")
		}
	}

	// Vector index: embedded by default, pgvector if a connection URL is
	// configured.
	vecReg := vectorindex.NewRegistry()
	embeddedIdx := vectorindex.NewEmbeddedIndex()
	vecReg.Register("embedded", embeddedIdx)
	var vecIdx vectorindex.Index = embeddedIdx

	if pgURL := os.Getenv("CONVOY_PGVECTOR_URL"); pgURL != "" {
		pool, err := pgxpool.New(ctx, pgURL)
		if err != nil {
			log.Warn().Err(err).Msg("pgvector connect failed, using embedded vector index only")
		} else {
			pgIdx, err := vectorindex.NewPgvectorIndex(ctx, pool, 1536)
			if err != nil {
				log.Warn().Err(err).Msg("pgvector index init failed, using embedded vector index only")
			} else {
				vecReg.Register("pgvector", pgIdx)
				vecIdx = pgIdx
				log.Info().Msg("pgvector index registered")
			}
		}
	}

	pipeline := rag.NewPipeline(dataStore, embReg, vecIdx, cfg.Knowledge)
	retriever := rag.NewRetriever(dataStore, embReg, vecIdx, cfg.Knowledge)
	pipeline.StartWorkers(ctx, rag.IngestionWorkerCount)
	log.Info().Msg("ingestion pipeline and retriever initialized")

	adm := admission.NewController(dataStore, cfg.Chat, 0)
	tools := toolexec.NewExecutor(dataStore, cfg.MCP)
	flowEngine := flow.NewEngine(dataStore, tools, comp)
	orc := orchestrator.New(dataStore, adm, retriever, tools, comp, flowEngine, cfg.Chat)
	log.Info().Msg("admission controller, tool executor, flow engine and orchestrator initialized")

	h := handlers.New(dataStore, pipeline, retriever, adm, orc, tools, cfg.Knowledge.VectorTopKMax)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		CompletionRouter:  comp,
		EmbeddingRegistry: embReg,
		VectorIndex:       vecIdx,
		Retriever:         retriever,
		Pipeline:          pipeline,
		Admission:         adm,
		Tools:             tools,
		FlowEngine:        flowEngine,
		Orchestrator:      orc,
		Handlers:          h,
		Config:            pubCfg,
		Port:              cfg.Port,
		ShutdownFunc:      shutdown,
	}, nil
}

// Shutdown flushes telemetry on graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
