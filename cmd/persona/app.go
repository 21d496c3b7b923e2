package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/scrypster/persona/internal/config"
	"github.com/scrypster/persona/internal/embedding"
	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/internal/storage/chromem"
	"github.com/scrypster/persona/internal/storage/postgres"
	"github.com/scrypster/persona/internal/storage/sqlite"
)

// app holds the long-lived components shared by every command.
type app struct {
	store    storage.Store
	embedder *embedding.Service
	engine   *engine.Engine
}

// newApp wires storage, providers and the engine from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	gen, err := llm.NewTextGenerator(cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}
	embGen, err := llm.NewEmbeddingGenerator(cfg.Embedding, cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}
	embedder, err := embedding.NewService(embGen, cfg.Embedding.Dimension,
		embedding.WithCache(cfg.Embedding.CacheSize),
		embedding.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, err
	}

	eng, err := engine.New(store, gen, embedder, engine.ConfigFrom(cfg), engine.WithLogger(logger))
	if err != nil {
		embedder.Close()
		store.Close()
		return nil, err
	}

	logger.Info("persona initialized",
		"storage", cfg.Storage.Engine,
		"llm", gen.GetModel(),
		"embedding", embedder.Model(),
		"dimension", embedder.Dimension())
	return &app{store: store, embedder: embedder, engine: eng}, nil
}

// Close releases the store and the embedding cache.
func (a *app) Close() error {
	a.embedder.Close()
	return a.store.Close()
}

// openStore opens the backend selected by cfg.Storage.Engine.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dim := cfg.Embedding.Dimension
	switch cfg.Storage.Engine {
	case "sqlite", "":
		path := filepath.Join(cfg.Storage.DataPath, "persona.db")
		return sqlite.NewStore(path, sqlite.WithDimension(dim), sqlite.WithLogger(logger))
	case "postgres":
		return postgres.NewStore(ctx, cfg.Storage.PostgresDSN, dim)
	case "memory":
		return chromem.NewStore(dim), nil
	default:
		return nil, fmt.Errorf("unsupported storage engine: %q", cfg.Storage.Engine)
	}
}
