package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/repository"
	"chat-archiver/internal/usecase"
)

type Archiver interface {
	OnOfferUpdated(ctx context.Context, change domain.OfferChange) (usecase.ArchiveOutcome, error)
}

// OfferHandler consumes the table stream and archives conversations of
// offers that just completed.
type OfferHandler struct {
	archiver Archiver
	log      *slog.Logger
}

func NewOfferHandler(a Archiver, log *slog.Logger) (*OfferHandler, error) {
	if a == nil {
		return nil, errors.New("handler: archiver must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &OfferHandler{archiver: a, log: log}, nil
}

// Handle processes offer updates in stream order. Processing stops at the
// first failed record, which is reported as a batch item failure so the
// event source retries from it.
func (h *OfferHandler) Handle(ctx context.Context, ev events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	ctx, log := withRequestLogger(ctx, h.log)

	for _, rec := range ev.Records {
		change, ok := offerChange(rec)
		if !ok {
			continue
		}
		out, err := h.archiver.OnOfferUpdated(ctx, change)
		if err != nil {
			log.Error("offer update failed", "offer_id", change.OfferID, "sequence_number", rec.Change.SequenceNumber, "err", err)
			return events.DynamoDBEventResponse{
				BatchItemFailures: []events.DynamoDBBatchItemFailure{{ItemIdentifier: rec.Change.SequenceNumber}},
			}, nil
		}
		if out.Archived && out.Cleanup.Err != nil {
			log.Warn("conversation archived but typing cleanup failed", "offer_id", change.OfferID, "conversation_id", out.ConversationID)
		}
	}
	return events.DynamoDBEventResponse{}, nil
}

// offerChange decodes a MODIFY record of an offer item.
func offerChange(rec events.DynamoDBEventRecord) (domain.OfferChange, bool) {
	if rec.EventName != modify {
		return domain.OfferChange{}, false
	}
	offerID, ok := repository.OfferID(stringAttr(rec.Change.Keys, "PK"))
	if !ok {
		return domain.OfferChange{}, false
	}
	return domain.OfferChange{
		OfferID: offerID,
		Before:  offerFromImage(offerID, rec.Change.OldImage),
		After:   offerFromImage(offerID, rec.Change.NewImage),
	}, true
}

func offerFromImage(offerID string, image map[string]events.DynamoDBAttributeValue) *domain.Offer {
	if len(image) == 0 {
		return nil
	}
	return &domain.Offer{ID: offerID, Status: stringAttr(image, "status")}
}
