// Package mongostore is the MongoDB implementation of the document store.
// Messages and typing indicators live in their own collections keyed by
// conversationId; the archive namespace is a pair of archived_* collections.
//
// Document ids may be strings or ObjectIDs. Domain ids carry the hex form of an
// ObjectID, and the stored value rides along in Attributes so copies keep the
// original type.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"chat-archiver/internal/domain"
)

const (
	CollOffers                = "offers"
	CollConversations         = "conversations"
	CollMessages              = "messages"
	CollTyping                = "typing"
	CollArchivedConversations = "archived_conversations"
	CollArchivedMessages      = "archived_messages"

	fieldOfferID        = "offerId"
	fieldConversationID = "conversationId"
	fieldIsArchived     = "isArchived"
	fieldArchivedAt     = "archivedAt"
	fieldTimestamp      = "timestamp"
)

// ErrNotFound is returned by point lookups when the document does not exist.
var ErrNotFound = errors.New("mongostore: not found")

// Store reads and writes offer conversations in one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New wraps an already connected client.
func New(client *mongo.Client, database string) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongostore: client must not be nil")
	}
	if database == "" {
		return nil, errors.New("mongostore: database must not be empty")
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

// Connect dials MongoDB and verifies the connection before returning.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return New(client, database)
}

// Collection exposes a collection of the store's database, e.g. for change
// streams.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// GetConversation reads a conversation from the primary.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var doc bson.M
	err := s.db.Collection(CollConversations).FindOne(ctx, bson.M{"_id": idFilter(conversationID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Conversation{}, ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("mongostore: GetConversation: %w", err)
	}
	conv, err := docToConversation(doc)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("mongostore: GetConversation: %w: %w", domain.ErrMalformedRecord, err)
	}
	return conv, nil
}

func (s *Store) ConversationsByOffer(ctx context.Context, offerID string) ([]domain.Conversation, error) {
	var docs []bson.M
	if err := s.findAll(ctx, CollConversations, bson.M{fieldOfferID: idFilter(offerID)}, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: ConversationsByOffer: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(docs))
	for _, doc := range docs {
		conv, err := docToConversation(doc)
		if err != nil {
			return nil, fmt.Errorf("mongostore: ConversationsByOffer: %w: %w", domain.ErrMalformedRecord, err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var docs []bson.M
	if err := s.findAll(ctx, CollMessages, bson.M{fieldConversationID: idFilter(conversationID)}, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: Messages: %w", err)
	}
	msgs := make([]domain.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := docToMessage(conversationID, doc)
		if err != nil {
			return nil, fmt.Errorf("mongostore: Messages: %w: %w", domain.ErrMalformedRecord, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// TypingIndicators lists typing documents of a conversation, restricted to
// timestamp < olderThan when olderThan is non-zero.
func (s *Store) TypingIndicators(ctx context.Context, conversationID string, olderThan time.Time) ([]domain.TypingIndicator, error) {
	filter := bson.M{fieldConversationID: idFilter(conversationID)}
	if !olderThan.IsZero() {
		filter[fieldTimestamp] = bson.M{"$lt": olderThan}
	}
	var docs []bson.M
	if err := s.findAll(ctx, CollTyping, filter, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: TypingIndicators: %w", err)
	}
	out := make([]domain.TypingIndicator, 0, len(docs))
	for _, doc := range docs {
		ti, err := docToTyping(conversationID, doc)
		if err != nil {
			return nil, fmt.Errorf("mongostore: TypingIndicators: %w: %w", domain.ErrMalformedRecord, err)
		}
		out = append(out, ti)
	}
	return out, nil
}

// ArchiveConversation writes the archived copies and marks the original in a
// single multi-document transaction.
func (s *Store) ArchiveConversation(ctx context.Context, a domain.Archive) error {
	convID := a.Conversation.ID
	if convID == "" {
		return errors.New("mongostore: ArchiveConversation: conversation id is required")
	}

	archivedConv := conversationDoc(a.Conversation)
	models := make([]mongo.WriteModel, 0, len(a.Messages))
	for _, msg := range a.Messages {
		if msg.ID == "" {
			return errors.New("mongostore: ArchiveConversation: message id is required")
		}
		doc := messageDoc(convID, msg)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc["_id"]}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongostore: ArchiveConversation start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.Collection(CollArchivedConversations).ReplaceOne(ctx,
			bson.M{"_id": archivedConv["_id"]}, archivedConv, options.Replace().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("copy conversation: %w", err)
		}
		if len(models) > 0 {
			if _, err := s.db.Collection(CollArchivedMessages).BulkWrite(ctx, models); err != nil {
				return nil, fmt.Errorf("copy messages: %w", err)
			}
		}
		res, err := s.db.Collection(CollConversations).UpdateOne(ctx, bson.M{"_id": archivedConv["_id"]}, bson.M{
			"$set": bson.M{fieldIsArchived: true, fieldArchivedAt: a.MarkedAt},
		})
		if err != nil {
			return nil, fmt.Errorf("mark original: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, fmt.Errorf("mark original: %w", ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mongostore: ArchiveConversation: %w", err)
	}
	return nil
}

func (s *Store) DeleteTypingIndicators(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Collection(CollTyping).DeleteMany(ctx, bson.M{
		"_id":               bson.M{"$in": idValues(ids...)},
		fieldConversationID: idFilter(conversationID),
	})
	if err != nil {
		return fmt.Errorf("mongostore: DeleteTypingIndicators: %w", err)
	}
	return nil
}

func (s *Store) findAll(ctx context.Context, coll string, filter bson.M, out any) error {
	cursor, err := s.db.Collection(coll).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	return cursor.All(ctx, out)
}

// idValues lists every stored form an id may take: the string itself and,
// for 24-digit hex, the ObjectID.
func idValues(ids ...string) bson.A {
	vals := make(bson.A, 0, 2*len(ids))
	for _, id := range ids {
		vals = append(vals, id)
		if oid, err := bson.ObjectIDFromHex(id); err == nil {
			vals = append(vals, oid)
		}
	}
	return vals
}

func idFilter(id string) any {
	vals := idValues(id)
	if len(vals) == 1 {
		return id
	}
	return bson.M{"$in": vals}
}

func idString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case bson.ObjectID:
		return id.Hex(), true
	default:
		return "", false
	}
}

// withoutStringIDs drops the listed id fields when they are plain strings. An
// ObjectID stays in the attributes and is written back as-is.
func withoutStringIDs(doc bson.M, attrs map[string]any, keys ...string) {
	for _, k := range keys {
		if _, ok := doc[k].(string); ok {
			delete(attrs, k)
		}
	}
}

func docToConversation(doc bson.M) (domain.Conversation, error) {
	id, ok := idString(doc["_id"])
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation _id %v is not a string or ObjectID", doc["_id"])
	}
	offerID, ok := idString(doc[fieldOfferID])
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %q has no offerId", id)
	}
	conv := domain.Conversation{ID: id, OfferID: offerID}
	conv.IsArchived, _ = doc[fieldIsArchived].(bool)
	switch at := doc[fieldArchivedAt].(type) {
	case bson.DateTime:
		conv.ArchivedAt = at.Time().UTC()
	case time.Time:
		conv.ArchivedAt = at.UTC()
	}
	conv.Attributes = without(doc, fieldIsArchived, fieldArchivedAt)
	withoutStringIDs(doc, conv.Attributes, "_id", fieldOfferID)
	return conv, nil
}

func conversationDoc(conv domain.Conversation) bson.M {
	doc := bson.M{}
	for k, v := range conv.Attributes {
		doc[k] = v
	}
	setDefault(doc, "_id", conv.ID)
	setDefault(doc, fieldOfferID, conv.OfferID)
	doc[fieldIsArchived] = conv.IsArchived
	if !conv.ArchivedAt.IsZero() {
		doc[fieldArchivedAt] = conv.ArchivedAt
	}
	return doc
}

func docToMessage(conversationID string, doc bson.M) (domain.Message, error) {
	id, ok := idString(doc["_id"])
	if !ok {
		return domain.Message{}, fmt.Errorf("message _id %v is not a string or ObjectID", doc["_id"])
	}
	attrs := without(doc)
	withoutStringIDs(doc, attrs, "_id", fieldConversationID)
	return domain.Message{ID: id, ConversationID: conversationID, Attributes: attrs}, nil
}

func messageDoc(conversationID string, msg domain.Message) bson.M {
	doc := bson.M{}
	for k, v := range msg.Attributes {
		doc[k] = v
	}
	setDefault(doc, "_id", msg.ID)
	setDefault(doc, fieldConversationID, conversationID)
	return doc
}

func docToTyping(conversationID string, doc bson.M) (domain.TypingIndicator, error) {
	id, ok := idString(doc["_id"])
	if !ok {
		return domain.TypingIndicator{}, fmt.Errorf("typing _id %v is not a string or ObjectID", doc["_id"])
	}
	ti := domain.TypingIndicator{ID: id, ConversationID: conversationID}
	switch ts := doc[fieldTimestamp].(type) {
	case bson.DateTime:
		ti.Timestamp = ts.Time().UTC()
	case time.Time:
		ti.Timestamp = ts.UTC()
	default:
		return domain.TypingIndicator{}, fmt.Errorf("typing %q timestamp %v is not a date", id, doc[fieldTimestamp])
	}
	return ti, nil
}

func setDefault(doc bson.M, key string, v any) {
	if _, ok := doc[key]; !ok {
		doc[key] = v
	}
}

func without(doc bson.M, keys ...string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
