package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ralphd/internal/archive"
	"ralphd/internal/bus"
	"ralphd/internal/config"
	"ralphd/internal/embedding"
	"ralphd/internal/fold"
	"ralphd/internal/httpapi"
	"ralphd/internal/llm"
	"ralphd/internal/logging"
	"ralphd/internal/memindex"
	"ralphd/internal/store"
	"ralphd/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sidecar: watcher, store, fold engine, SSE and REST",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("cannot create data dir %s: %w", cfg.DataDir, err)
	}
	if err := logging.Initialize(cfg.DataDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.CloseAll()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	var embedder embedding.Engine
	if e, err := embedding.NewEngine(cfg.Embedding); err == nil {
		embedder = e
	} else if !errors.Is(err, embedding.ErrDisabled) {
		logger.Warn("embedding engine unavailable, vector search disabled", zap.Error(err))
	}

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		logger.Warn("llm provider unavailable, using deterministic fallbacks", zap.Error(err))
	}

	engine := fold.NewEngine(st, provider, fold.NewProviderDetector(""))
	index := memindex.New(st, embedder)
	archiver := archive.New(st, cfg.ArchiveDir())

	var w *watcher.Watcher
	statusFn := func() interface{} {
		if w == nil {
			return nil
		}
		return w.Status()
	}

	b := bus.New(statusFn)
	w, err = watcher.New(st, b, "", cfg.DefaultMaxTokens)
	if err != nil {
		return err
	}

	server := httpapi.New(st, b, engine, index, archiver, statusFn, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}

	logging.Boot("ralphd serving on %s (db=%s)", cfg.ListenAddr, cfg.DatabasePath)
	logger.Info("ralphd started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("database", cfg.DatabasePath),
		zap.Bool("fts", st.Capabilities().FTS),
		zap.Bool("vector", st.Capabilities().Vec),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(ctx, cfg.ListenAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		w.Stop()
		return nil
	})

	return g.Wait()
}
