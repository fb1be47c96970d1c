package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chat-archiver/internal/domain"
)

type ArchiveStore interface {
	ConversationsByOffer(ctx context.Context, offerID string) ([]domain.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)
	ArchiveConversation(ctx context.Context, a domain.Archive) error
}

// SkipReason explains why an offer update did not archive anything.
type SkipReason string

const (
	SkipNotCompletion   SkipReason = "not_completion"
	SkipNoConversation  SkipReason = "no_conversation"
	SkipAlreadyArchived SkipReason = "already_archived"
)

// ArchiveOutcome reports both phases of an archival: the primary copy-and-mark
// commit and the advisory typing-indicator purge that follows it.
type ArchiveOutcome struct {
	Archived         bool
	Skipped          SkipReason
	ConversationID   string
	MessagesArchived int
	Cleanup          CleanupResult
}

// ArchiveService moves the conversation of a completed offer into the archive.
type ArchiveService struct {
	store  ArchiveStore
	typing TypingStore
	clock  Clock
	log    *slog.Logger
}

func NewArchiveService(store ArchiveStore, typing TypingStore, clock Clock, log *slog.Logger) (*ArchiveService, error) {
	if store == nil {
		return nil, errors.New("usecase: archive store must not be nil")
	}
	if typing == nil {
		return nil, errors.New("usecase: typing store must not be nil")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &ArchiveService{store: store, typing: typing, clock: clock, log: log}, nil
}

// OnOfferUpdated archives the offer's conversation when the update moves the
// offer into the completed status. Errors from the primary commit are
// returned so the caller can retry; cleanup failures only appear in the
// outcome.
func (s *ArchiveService) OnOfferUpdated(ctx context.Context, change domain.OfferChange) (ArchiveOutcome, error) {
	offerID := strings.TrimSpace(change.OfferID)
	if offerID == "" {
		return ArchiveOutcome{}, newError(ErrorInvalidInput, "empty_offer_id", nil)
	}
	if !change.IsCompletion() {
		return ArchiveOutcome{Skipped: SkipNotCompletion}, nil
	}
	log := loggerFrom(ctx, s.log).With("offer_id", offerID)

	convs, err := s.store.ConversationsByOffer(ctx, offerID)
	if err != nil {
		log.Error("failed to look up conversation for offer", "err", err)
		return ArchiveOutcome{}, newError(ErrorStore, "conversation_lookup_error", err)
	}
	if len(convs) == 0 {
		log.Info("no conversation found for offer")
		return ArchiveOutcome{Skipped: SkipNoConversation}, nil
	}

	var open []domain.Conversation
	for _, c := range convs {
		if !c.IsArchived {
			open = append(open, c)
		}
	}
	switch len(open) {
	case 0:
		log.Info("conversation for offer is already archived", "conversation_id", convs[0].ID)
		return ArchiveOutcome{Skipped: SkipAlreadyArchived, ConversationID: convs[0].ID}, nil
	case 1:
	default:
		ids := make([]string, 0, len(open))
		for _, c := range open {
			ids = append(ids, c.ID)
		}
		log.Error("multiple open conversations reference offer", "conversation_ids", ids)
		return ArchiveOutcome{}, newError(ErrorInconsistentState, "multiple_open_conversations", nil)
	}

	conv := open[0]
	offerLog := log
	log = log.With("conversation_id", conv.ID)

	msgs, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		log.Error("failed to read messages", "err", err)
		return ArchiveOutcome{}, newError(ErrorStore, "message_read_error", err)
	}

	archive := domain.Archive{
		Conversation: conv.Archived(s.clock.Now()),
		Messages:     msgs,
		MarkedAt:     s.clock.Now(),
	}
	if err := s.store.ArchiveConversation(ctx, archive); err != nil {
		log.Error("failed to archive conversation", "err", err)
		return ArchiveOutcome{}, newError(ErrorStore, "archive_commit_error", err)
	}
	log.Info("archived conversation for completed offer", "messages", len(msgs))

	return ArchiveOutcome{
		Archived:         true,
		ConversationID:   conv.ID,
		MessagesArchived: len(msgs),
		Cleanup:          purgeTyping(ctx, s.typing, offerLog, conv.ID, time.Time{}),
	}, nil
}
