// Command watcher runs both workflows against MongoDB, driven by change
// streams on the offers and conversations collections. It needs a replica
// set; offers should have changeStreamPreAndPostImages enabled so updates
// carry the previous status.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-archiver/internal/changestream"
	appconfig "chat-archiver/internal/config"
	"chat-archiver/internal/repository/mongostore"
	"chat-archiver/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := appconfig.LoadWatcher()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to MongoDB", "err", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	archiver, err := usecase.NewArchiveService(store, store, usecase.SystemClock{}, logger)
	if err != nil {
		slog.Error("failed to create archive service", "err", err)
		os.Exit(1)
	}
	presence, err := usecase.NewPresenceService(store, usecase.SystemClock{}, logger, cfg.TypingStaleAfter)
	if err != nil {
		slog.Error("failed to create presence service", "err", err)
		os.Exit(1)
	}
	w, err := changestream.New(archiver, presence, logger)
	if err != nil {
		slog.Error("failed to create watcher", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.WatchOffers(gctx, store.Collection(mongostore.CollOffers)) })
	g.Go(func() error { return w.WatchConversations(gctx, store.Collection(mongostore.CollConversations)) })

	slog.Info("watching change streams", "database", cfg.Database)
	if err := g.Wait(); err != nil {
		slog.Error("watcher stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("watcher stopped")
}
