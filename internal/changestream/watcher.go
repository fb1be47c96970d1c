// Package changestream feeds MongoDB change events for offers and
// conversations to the archival and presence services.
package changestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chat-archiver/internal/domain"
	"chat-archiver/internal/usecase"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// maxOfferRetries bounds how long one offer update can hold up the stream.
	maxOfferRetries = 20
)

type Archiver interface {
	OnOfferUpdated(ctx context.Context, change domain.OfferChange) (usecase.ArchiveOutcome, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, conversationID string) usecase.CleanupResult
}

// event is the subset of a change stream document the watcher reads.
type event struct {
	OperationType            string `bson:"operationType"`
	DocumentKey              bson.M `bson:"documentKey"`
	FullDocument             bson.M `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
}

type Watcher struct {
	archiver   Archiver
	sweeper    Sweeper
	log        *slog.Logger
	newBackOff func() backoff.BackOff
}

func New(a Archiver, s Sweeper, log *slog.Logger) (*Watcher, error) {
	if a == nil {
		return nil, errors.New("changestream: archiver must not be nil")
	}
	if s == nil {
		return nil, errors.New("changestream: sweeper must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{archiver: a, sweeper: s, log: log, newBackOff: newBackOff}, nil
}

// WatchOffers blocks, archiving conversations as offers complete, until ctx
// is cancelled or the stream cannot be reopened.
func (w *Watcher) WatchOffers(ctx context.Context, offers *mongo.Collection) error {
	return w.watch(ctx, offers, w.handleOffer)
}

// WatchConversations blocks, sweeping stale typing indicators on every
// conversation update, until ctx is cancelled.
func (w *Watcher) WatchConversations(ctx context.Context, conversations *mongo.Collection) error {
	return w.watch(ctx, conversations, w.handleConversation)
}

func (w *Watcher) watch(ctx context.Context, coll *mongo.Collection, handle func(context.Context, event) error) error {
	log := w.log.With("collection", coll.Name())
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"update", "replace"}}}}}}},
	}

	b := w.newBackOff()
	var token bson.Raw
	opened := false
	consume := func() error {
		opts := options.ChangeStream().
			SetFullDocument(options.UpdateLookup).
			SetFullDocumentBeforeChange(options.WhenAvailable)
		if token != nil {
			opts.SetStartAfter(token)
		}

		stream, err := coll.Watch(ctx, pipeline, opts)
		if err != nil {
			err = fmt.Errorf("changestream: watch %s: %w", coll.Name(), err)
			// A stream that never opened is a configuration problem.
			if !opened || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer stream.Close(context.Background())
		opened = true

		for stream.Next(ctx) {
			b.Reset()
			var ev event
			if err := stream.Decode(&ev); err != nil {
				log.Error("failed to decode change event", "err", err)
			} else if err := handle(ctx, ev); err != nil {
				return backoff.Permanent(err)
			}
			token = stream.ResumeToken()
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("changestream: %s interrupted: %w", coll.Name(), stream.Err())
	}

	err := backoff.RetryNotify(consume, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn("change stream interrupted, resuming", "retry_in", next, "err", err)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handleOffer retries a failed archival with backoff; the stream does not
// advance past an offer completion while it is being retried. Updates that
// cannot succeed, or still fail after maxOfferRetries, are logged and dropped.
// It only returns an error when ctx is done.
func (w *Watcher) handleOffer(ctx context.Context, ev event) error {
	change, ok := offerChange(ev)
	if !ok {
		return nil
	}
	ctx = usecase.ContextWithLogger(ctx, w.log)
	log := w.log.With("offer_id", change.OfferID)

	attempts := 0
	archive := func() error {
		attempts++
		_, err := w.archiver.OnOfferUpdated(ctx, change)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), maxOfferRetries), ctx)
	err := backoff.RetryNotify(archive, b, func(err error, next time.Duration) {
		log.Warn("offer update failed, retrying", "attempt", attempts, "retry_in", next, "err", err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Error("dropping offer update", "attempts", attempts, "err", err)
	return nil
}

// retryable reports whether another attempt could succeed. Bad input and bad
// stored data need an operator, not a retry.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrMalformedRecord) {
		return false
	}
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return true
	}
	return ucErr.Code != usecase.ErrorInvalidInput && ucErr.Code != usecase.ErrorInconsistentState
}

func (w *Watcher) handleConversation(ctx context.Context, ev event) error {
	convID, ok := documentID(ev)
	if !ok {
		return nil
	}
	w.sweeper.Sweep(usecase.ContextWithLogger(ctx, w.log), convID)
	return nil
}

func offerChange(ev event) (domain.OfferChange, bool) {
	offerID, ok := documentID(ev)
	if !ok {
		return domain.OfferChange{}, false
	}
	return domain.OfferChange{
		OfferID: offerID,
		Before:  offerFromDoc(offerID, ev.FullDocumentBeforeChange),
		After:   offerFromDoc(offerID, ev.FullDocument),
	}, true
}

func offerFromDoc(offerID string, doc bson.M) *domain.Offer {
	if doc == nil {
		return nil
	}
	status, _ := doc["status"].(string)
	return &domain.Offer{ID: offerID, Status: status}
}

func documentID(ev event) (string, bool) {
	switch id := ev.DocumentKey["_id"].(type) {
	case string:
		return id, id != ""
	case bson.ObjectID:
		return id.Hex(), true
	default:
		return "", false
	}
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
