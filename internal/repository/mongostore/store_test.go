package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"chat-archiver/internal/domain"
)

func TestDocToConversation(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv, err := docToConversation(bson.M{
		"_id":        "c-1",
		"offerId":    "o-1",
		"isArchived": true,
		"archivedAt": bson.NewDateTimeFromTime(at),
		"buyerId":    "u-1",
		"unread":     int32(2),
	})
	require.NoError(t, err)
	require.Equal(t, "c-1", conv.ID)
	require.Equal(t, "o-1", conv.OfferID)
	require.True(t, conv.IsArchived)
	require.Equal(t, at, conv.ArchivedAt)
	require.Equal(t, map[string]any{"buyerId": "u-1", "unread": int32(2)}, conv.Attributes)
}

func TestDocToConversation_Malformed(t *testing.T) {
	_, err := docToConversation(bson.M{"_id": int32(42), "offerId": "o-1"})
	require.ErrorContains(t, err, "is not a string or ObjectID")

	_, err = docToConversation(bson.M{"_id": "c-1"})
	require.ErrorContains(t, err, "no offerId")
}

func TestObjectIDsKeepTheirStoredType(t *testing.T) {
	convOID, offerOID, msgOID := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()

	conv, err := docToConversation(bson.M{"_id": convOID, "offerId": offerOID, "buyerId": "u-1"})
	require.NoError(t, err)
	require.Equal(t, convOID.Hex(), conv.ID)
	require.Equal(t, offerOID.Hex(), conv.OfferID)

	doc := conversationDoc(conv.Archived(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, convOID, doc["_id"])
	require.Equal(t, offerOID, doc["offerId"])
	require.Equal(t, "u-1", doc["buyerId"])

	msg, err := docToMessage(conv.ID, bson.M{"_id": msgOID, "conversationId": convOID, "text": "hi"})
	require.NoError(t, err)
	require.Equal(t, msgOID.Hex(), msg.ID)
	require.Equal(t, bson.M{"_id": msgOID, "conversationId": convOID, "text": "hi"}, messageDoc(conv.ID, msg))
}

func TestIDFilter(t *testing.T) {
	require.Equal(t, "c-1", idFilter("c-1"))

	oid := bson.NewObjectID()
	require.Equal(t, bson.M{"$in": bson.A{oid.Hex(), oid}}, idFilter(oid.Hex()))
	require.Equal(t, bson.A{"a", oid.Hex(), oid}, idValues("a", oid.Hex()))
}

func TestDocToTyping(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ti, err := docToTyping("c-1", bson.M{"_id": "u-1", "timestamp": bson.NewDateTimeFromTime(at)})
	require.NoError(t, err)
	require.Equal(t, domain.TypingIndicator{ID: "u-1", ConversationID: "c-1", Timestamp: at}, ti)

	_, err = docToTyping("c-1", bson.M{"_id": "u-1", "timestamp": "now"})
	require.ErrorContains(t, err, "is not a date")
}

func TestConversationDoc_StampsArchivalFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conv := domain.Conversation{ID: "c-1", OfferID: "o-1", Attributes: map[string]any{"buyerId": "u-1"}}

	doc := conversationDoc(conv.Archived(at))
	require.Equal(t, bson.M{
		"_id":        "c-1",
		"offerId":    "o-1",
		"isArchived": true,
		"archivedAt": at,
		"buyerId":    "u-1",
	}, doc)

	require.NotContains(t, conversationDoc(conv), "archivedAt")
}

func TestMessageDocRoundTrip(t *testing.T) {
	msg, err := docToMessage("c-1", bson.M{"_id": "m-1", "conversationId": "c-1", "text": "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.Message{ID: "m-1", ConversationID: "c-1", Attributes: map[string]any{"text": "hi"}}, msg)
	require.Equal(t, bson.M{"_id": "m-1", "conversationId": "c-1", "text": "hi"}, messageDoc("c-1", msg))

	_, err = docToMessage("c-1", bson.M{"text": "no id"})
	require.Error(t, err)
}

// The tests below need a replica set (transactions) reachable at MONGODB_URI.

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, fmt.Sprintf("chat_archiver_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close(context.Background())
	})
	// Collections must exist before a transaction writes to them.
	for _, name := range []string{CollConversations, CollMessages, CollTyping, CollArchivedConversations, CollArchivedMessages} {
		require.NoError(t, s.db.CreateCollection(ctx, name))
	}
	return s
}

func TestStore_ArchiveConversation(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	_, err := s.Collection(CollConversations).InsertOne(ctx, bson.M{"_id": "c-1", "offerId": "o-1", "buyerId": "u-1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Collection(CollMessages).InsertOne(ctx, bson.M{"_id": fmt.Sprintf("m-%d", i), "conversationId": "c-1", "text": fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	convs, err := s.ConversationsByOffer(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := s.Messages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.ArchiveConversation(ctx, domain.Archive{
		Conversation: convs[0].Archived(at),
		Messages:     msgs,
		MarkedAt:     at,
	}))

	orig, err := s.GetConversation(ctx, "c-1")
	require.NoError(t, err)
	require.True(t, orig.IsArchived)
	require.Equal(t, at, orig.ArchivedAt)

	n, err := s.Collection(CollArchivedMessages).CountDocuments(ctx, bson.M{"conversationId": "c-1"})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	var archived bson.M
	require.NoError(t, s.Collection(CollArchivedConversations).FindOne(ctx, bson.M{"_id": "c-1"}).Decode(&archived))
	require.Equal(t, "u-1", archived["buyerId"])
	require.Equal(t, true, archived["isArchived"])
}

func TestStore_ArchiveConversationWithObjectIDs(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	convOID, offerOID := bson.NewObjectID(), bson.NewObjectID()
	_, err := s.Collection(CollConversations).InsertOne(ctx, bson.M{"_id": convOID, "offerId": offerOID})
	require.NoError(t, err)
	_, err = s.Collection(CollMessages).InsertOne(ctx, bson.M{"_id": bson.NewObjectID(), "conversationId": convOID, "text": "hi"})
	require.NoError(t, err)

	convs, err := s.ConversationsByOffer(ctx, offerOID.Hex())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := s.Messages(ctx, convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.ArchiveConversation(ctx, domain.Archive{Conversation: convs[0].Archived(at), Messages: msgs, MarkedAt: at}))

	n, err := s.Collection(CollArchivedConversations).CountDocuments(ctx, bson.M{"_id": convOID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = s.Collection(CollArchivedMessages).CountDocuments(ctx, bson.M{"conversationId": convOID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestStore_ArchiveMissingOriginalRollsBack(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	conv := domain.Conversation{ID: "ghost", OfferID: "o-1"}
	err := s.ArchiveConversation(ctx, domain.Archive{
		Conversation: conv.Archived(time.Now()),
		Messages:     []domain.Message{{ID: "m-1", Attributes: map[string]any{"text": "hi"}}},
		MarkedAt:     time.Now(),
	})
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.Collection(CollArchivedConversations).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.Collection(CollArchivedMessages).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStore_TypingIndicators(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for id, age := range map[string]time.Duration{"ten": 10 * time.Minute, "six": 6 * time.Minute, "four": 4 * time.Minute, "one": time.Minute} {
		_, err := s.Collection(CollTyping).InsertOne(ctx, bson.M{"_id": id, "conversationId": "c-1", "timestamp": now.Add(-age)})
		require.NoError(t, err)
	}

	stale, err := s.TypingIndicators(ctx, "c-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)

	require.NoError(t, s.DeleteTypingIndicators(ctx, "c-1", []string{stale[0].ID, stale[1].ID}))
	rest, err := s.TypingIndicators(ctx, "c-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, rest, 2)
}
