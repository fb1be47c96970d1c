package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"chat-archiver/internal/repository"
	"chat-archiver/internal/usecase"
)

type Sweeper interface {
	Sweep(ctx context.Context, conversationID string) usecase.CleanupResult
}

// ConversationHandler sweeps stale typing indicators whenever a conversation
// record changes. It never fails the batch.
type ConversationHandler struct {
	sweeper Sweeper
	log     *slog.Logger
}

func NewConversationHandler(s Sweeper, log *slog.Logger) (*ConversationHandler, error) {
	if s == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{sweeper: s, log: log}, nil
}

func (h *ConversationHandler) Handle(ctx context.Context, ev events.DynamoDBEvent) error {
	ctx, log := withRequestLogger(ctx, h.log)

	// One sweep per conversation per batch is enough.
	swept := make(map[string]bool)
	for _, rec := range ev.Records {
		if rec.EventName != modify {
			continue
		}
		convID, ok := repository.ConversationID(stringAttr(rec.Change.Keys, "PK"), stringAttr(rec.Change.Keys, "SK"))
		if !ok || swept[convID] {
			continue
		}
		swept[convID] = true
		h.sweeper.Sweep(ctx, convID)
	}
	log.Debug("typing sweep finished", "conversations", len(swept))
	return nil
}
