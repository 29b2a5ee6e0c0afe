package cli

import (
	"fmt"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/generator"
	"github.com/rcliao/tiered-memory/internal/llm"
	"github.com/rcliao/tiered-memory/internal/maintenance"
	"github.com/rcliao/tiered-memory/internal/retrieval"
	"github.com/rcliao/tiered-memory/internal/snapshot"
	"github.com/rcliao/tiered-memory/internal/store"
)

// app holds the components a command needs, built from the loaded config.
type app struct {
	store   *store.SQLiteStore
	llm     llm.Client // nil when no provider is configured
	manager *snapshot.Manager
	engine  *retrieval.Engine
	maint   *maintenance.Service
}

func openApp() (*app, error) {
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := llm.New(cfg.LLMOptions())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	var gen generator.Generator
	if client != nil {
		gen = generator.NewLLM(client,
			generator.WithMaxKeyPoints(cfg.Snapshot.MaxKeyPoints),
			generator.WithLogger(logger))
	} else {
		gen = generator.NewKeyword(cfg.Snapshot.MaxKeyPoints)
	}

	emb, err := embedding.New(cfg.EmbeddingOptions())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("embedding: %w", err)
	}
	ropts := []retrieval.Option{retrieval.WithLogger(logger)}
	if emb != nil {
		ropts = append(ropts, retrieval.WithEmbedder(emb))
	}

	return &app{
		store:   s,
		llm:     client,
		manager: snapshot.NewManager(s, gen, cfg.ManagerConfig(), snapshot.WithLogger(logger)),
		engine:  retrieval.New(s, cfg.RetrievalConfig(), ropts...),
		maint:   maintenance.New(s, maintenance.WithLogger(logger)),
	}, nil
}

func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		exitErr("open", err)
	}
	return a
}

func (a *app) Close() error { return a.store.Close() }
