// Package app wires configuration, storage, connectors and the runner
// into a ready ingestion service.
package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cockroachdb/errors"

	"conduit/features/ingest"
	"conduit/internal/adapter/gemini"
	"conduit/internal/adapter/openai"
	"conduit/internal/config"
	"conduit/internal/connector"
	"conduit/internal/connector/transcribe"
	"conduit/internal/embed"
	"conduit/internal/events"
	"conduit/internal/parser"
	"conduit/internal/runner"
	"conduit/internal/text"
)

type App struct {
	Config  *config.Config
	Service *ingest.Service
	Runner  *runner.Runner
	Deps    *Dependencies

	caches  *transcribe.Caches
	closers []func() error
	logger  *slog.Logger
}

func New(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Deps: deps, logger: logger}

	embedder, closeEmbedder, err := NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "embedder")
	}
	if closeEmbedder != nil {
		a.closers = append(a.closers, closeEmbedder)
	}

	chunking := text.Options{MaxChars: cfg.ChunkMaxChars, Overlap: cfg.ChunkOverlap}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}

	a.caches = transcribe.NewCaches(logger)
	connectors := connector.NewRegistry(connector.Deps{
		HTTPClient: httpClient,
		Caches:     a.caches,
		Providers:  transcribe.DefaultProviders(),
		Chunking:   chunking,
		CacheDir:   cfg.TranscriptCacheDir,
		Logger:     logger,
	})

	parsers, err := parser.NewRegistry(httpClient, cfg.PDFCacheEntries)
	if err != nil {
		a.closeAll()
		return nil, errors.Wrap(err, "parsers")
	}
	parsers.SetFetchLimit(cfg.URLMaxBytes)

	a.Runner, err = runner.New(cfg.RunnerWorkers, cfg.RunnerQueueDepth, logger)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	svcDeps := ingest.Deps{
		Store:      deps.Store,
		Runner:     a.Runner,
		Connectors: connectors,
		Parsers:    parsers,
		Embedder:   embedder,
		Logger:     logger,
	}
	if deps.Index != nil {
		svcDeps.Index = deps.Index
	}
	if deps.Producer != nil {
		svcDeps.Events = events.NewEmitter(deps.Producer)
	}

	a.Service, err = ingest.NewService(svcDeps, ingest.Options{
		LogDir:         cfg.JobLogDir,
		Chunking:       chunking,
		EmbedBatchSize: cfg.EmbedBatchSize,
	})
	if err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// NewEmbedder selects the embedder named by EMBEDDER. The returned close
// func may be nil.
func NewEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, func() error, error) {
	switch cfg.Embedder {
	case "zero", "":
		return &embed.Zero{Dim: cfg.EmbeddingDim}, nil, nil
	case "hash":
		return embed.Hash{Dim: cfg.EmbeddingDim}, nil, nil
	case "gemini":
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.GeminiEmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return e, e.Close, nil
	case "openai":
		e, err := openai.NewEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel, cfg.EmbedBatchSize)
		if err != nil {
			return nil, nil, err
		}
		return e, nil, nil
	default:
		return nil, nil, errors.Wrapf(config.ErrInvalid, "unknown EMBEDDER %q", cfg.Embedder)
	}
}

// Close drains the runner within ctx, then releases caches, the embedder
// and the bootstrap dependencies.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Runner != nil {
		if shutdownErr := a.Runner.Shutdown(ctx); shutdownErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(shutdownErr, "runner shutdown"))
		}
	}
	err = errors.CombineErrors(err, a.closeAll())
	if a.Deps != nil {
		a.Deps.Close()
	}
	return err
}

func (a *App) closeAll() error {
	var err error
	if a.caches != nil {
		err = errors.CombineErrors(err, a.caches.Close())
		a.caches = nil
	}
	for _, c := range a.closers {
		err = errors.CombineErrors(err, c())
	}
	a.closers = nil
	return err
}
