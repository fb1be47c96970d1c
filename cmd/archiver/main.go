package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-archiver/handler"
	appconfig "chat-archiver/internal/config"
	"chat-archiver/internal/integrations/paramstore"
	"chat-archiver/internal/repository"
	"chat-archiver/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := appconfig.LoadArchiver()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	if cfg.ParamPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		if err := cfg.ApplyParams(ctx, ssmClient); err != nil {
			slog.Error("failed to load parameters", "err", err)
			os.Exit(1)
		}
	}

	// ---- Clients ----
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.ArchiveTable,
		repository.WithOfferIndex(cfg.OfferIndex),
		repository.WithMaxTransactItems(cfg.MaxBatchItems),
	)
	if err != nil {
		slog.Error("failed to create store", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	archiver, err := usecase.NewArchiveService(store, store, usecase.SystemClock{}, logger)
	if err != nil {
		slog.Error("failed to create archive service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewOfferHandler(archiver, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
