package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chat-archiver/internal/domain"
)

// DefaultTypingStaleAfter is how old a typing indicator must be before a sweep
// removes it.
const DefaultTypingStaleAfter = 5 * time.Minute

type TypingStore interface {
	TypingIndicators(ctx context.Context, conversationID string, olderThan time.Time) ([]domain.TypingIndicator, error)
	DeleteTypingIndicators(ctx context.Context, conversationID string, ids []string) error
}

// CleanupResult is the outcome of an advisory typing-indicator purge. Err is
// reported here and never returned to the caller.
type CleanupResult struct {
	Deleted int
	Err     error
}

// PresenceService evicts stale typing indicators.
type PresenceService struct {
	store      TypingStore
	clock      Clock
	log        *slog.Logger
	staleAfter time.Duration
}

func NewPresenceService(store TypingStore, clock Clock, log *slog.Logger, staleAfter time.Duration) (*PresenceService, error) {
	if store == nil {
		return nil, errors.New("usecase: typing store must not be nil")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultTypingStaleAfter
	}
	return &PresenceService{store: store, clock: clock, log: log, staleAfter: staleAfter}, nil
}

// Sweep deletes the typing indicators of a conversation that are older than
// the staleness threshold. It never fails the caller.
func (s *PresenceService) Sweep(ctx context.Context, conversationID string) CleanupResult {
	cutoff := s.clock.Now().Add(-s.staleAfter)
	return purgeTyping(ctx, s.store, loggerFrom(ctx, s.log), conversationID, cutoff)
}

// purgeTyping deletes the typing indicators of a conversation in one batch.
// A zero olderThan deletes all of them.
func purgeTyping(ctx context.Context, store TypingStore, log *slog.Logger, conversationID string, olderThan time.Time) CleanupResult {
	log = log.With("conversation_id", conversationID)

	indicators, err := store.TypingIndicators(ctx, conversationID, olderThan)
	if err != nil {
		log.Error("failed to list typing indicators", "err", err)
		return CleanupResult{Err: err}
	}
	if len(indicators) == 0 {
		return CleanupResult{}
	}

	ids := make([]string, 0, len(indicators))
	for _, ti := range indicators {
		ids = append(ids, ti.ID)
	}
	if err := store.DeleteTypingIndicators(ctx, conversationID, ids); err != nil {
		log.Error("failed to clean up typing indicators", "err", err)
		return CleanupResult{Err: err}
	}

	log.Info("cleaned up typing indicators", "count", len(ids))
	return CleanupResult{Deleted: len(ids)}
}
