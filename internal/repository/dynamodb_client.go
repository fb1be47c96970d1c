package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-archiver/internal/domain"
)

const (
	pkPrefixConv   = "CONV#"
	pkPrefixOffer  = "OFFER#"
	skMeta         = "META#"
	skPrefixMsg    = "MSG#"
	skPrefixTyping = "TYPING#"

	attrOfferID    = "offerId"
	attrIsArchived = "isArchived"
	attrArchivedAt = "archivedAt"
	attrTimestamp  = "timestamp"

	defaultOfferIndex = "offerId-index"
	// DynamoDB rejects transactions with more than 100 actions.
	defaultMaxTransactItems = 100
	minTransactItems        = 2
)

// ErrNotFound is returned by point lookups when the record does not exist.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores offers, conversations, messages and typing indicators in one
// table and archived conversations in a second table with the same key layout.
type Client struct {
	api              dynamodbAPI
	tableName        string
	archiveTableName string
	offerIndex       string
	maxTransactItems int
}

type Option func(*Client)

// WithOfferIndex overrides the GSI used to find conversations by offer.
func WithOfferIndex(name string) Option {
	return func(c *Client) {
		if name = strings.TrimSpace(name); name != "" {
			c.offerIndex = name
		}
	}
}

// WithMaxTransactItems caps the number of actions per committed batch.
// Values below 2 are ignored.
func WithMaxTransactItems(n int) Option {
	return func(c *Client) {
		if n >= minTransactItems {
			c.maxTransactItems = n
		}
	}
}

// New creates a new repository Client. archiveTableName may be empty for
// callers that never archive; ArchiveConversation then fails.
func New(api dynamodbAPI, tableName, archiveTableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:              api,
		tableName:        tableName,
		archiveTableName: archiveTableName,
		offerIndex:       defaultOfferIndex,
		maxTransactItems: defaultMaxTransactItems,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func convPK(conversationID string) string {
	return pkPrefixConv + conversationID
}

func convKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// OfferID extracts the offer id from a table partition key. ok is false for
// keys that do not belong to an offer record.
func OfferID(pk string) (string, bool) {
	return idFromKey(pk, pkPrefixOffer)
}

// ConversationID extracts the conversation id from the keys of a conversation
// record. Message and typing records under the conversation report false.
func ConversationID(pk, sk string) (string, bool) {
	if sk != skMeta {
		return "", false
	}
	return idFromKey(pk, pkPrefixConv)
}

func idFromKey(key, prefix string) (string, bool) {
	id, ok := strings.CutPrefix(key, prefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// GetConversation reads a conversation record with a consistent read.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            convKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w: %w", domain.ErrMalformedRecord, err)
	}
	return conv, nil
}

// ConversationsByOffer returns every conversation whose offerId matches. The
// index only locates candidates; each hit is re-read from the base table so
// archival state is current.
func (c *Client) ConversationsByOffer(ctx context.Context, offerID string) ([]domain.Conversation, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(c.offerIndex),
		KeyConditionExpression: aws.String("offerId = :offerId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":offerId": &types.AttributeValueMemberS{Value: offerID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ConversationsByOffer query: %w", err)
	}

	convs := make([]domain.Conversation, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		pk, err := strAttr(item, "PK")
		if err != nil {
			return nil, fmt.Errorf("repository: ConversationsByOffer: %w: %w", domain.ErrMalformedRecord, err)
		}
		sk, err := strAttr(item, "SK")
		if err != nil {
			return nil, fmt.Errorf("repository: ConversationsByOffer: %w: %w", domain.ErrMalformedRecord, err)
		}
		// Messages may carry offerId too; only the META# record is the conversation.
		id, ok := ConversationID(pk, sk)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		conv, err := c.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("repository: ConversationsByOffer: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// Messages returns every message stored under a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Messages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(conversationID, item)
		if err != nil {
			return nil, fmt.Errorf("repository: Messages unmarshal: %w: %w", domain.ErrMalformedRecord, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// TypingIndicators returns the typing records under a conversation. A non-zero
// olderThan restricts the result to records with timestamp < olderThan.
func (c *Client) TypingIndicators(ctx context.Context, conversationID string, olderThan time.Time) ([]domain.TypingIndicator, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTyping},
		},
	}
	if !olderThan.IsZero() {
		// timestamp is a reserved word.
		in.FilterExpression = aws.String("#ts < :cutoff")
		in.ExpressionAttributeNames = map[string]string{"#ts": attrTimestamp}
		in.ExpressionAttributeValues[":cutoff"] = unixMilliAttr(olderThan)
	}

	items, err := c.queryAll(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: TypingIndicators query: %w", err)
	}

	out := make([]domain.TypingIndicator, 0, len(items))
	for _, item := range items {
		ti, err := itemToTyping(conversationID, item)
		if err != nil {
			return nil, fmt.Errorf("repository: TypingIndicators unmarshal: %w: %w", domain.ErrMalformedRecord, err)
		}
		out = append(out, ti)
	}
	return out, nil
}

// ArchiveConversation copies the conversation and its messages into the
// archive table and marks the original archived.
//
// When the write set exceeds the transaction limit it is committed in chunks:
// message copies first, then a final transaction holding the remaining
// messages, the archived conversation record and the update of the original.
// Each chunk is atomic on its own; the original is never marked archived
// before every message copy has committed.
func (c *Client) ArchiveConversation(ctx context.Context, a domain.Archive) error {
	convID := a.Conversation.ID
	if convID == "" {
		return errors.New("repository: ArchiveConversation: conversation id is required")
	}
	if c.archiveTableName == "" {
		return errors.New("repository: ArchiveConversation: no archive table configured")
	}

	archivedConv, err := conversationItem(a.Conversation)
	if err != nil {
		return fmt.Errorf("repository: ArchiveConversation marshal conversation: %w", err)
	}

	puts := make([]types.TransactWriteItem, 0, len(a.Messages))
	for _, msg := range a.Messages {
		item, err := messageItem(convID, msg)
		if err != nil {
			return fmt.Errorf("repository: ArchiveConversation marshal message %q: %w", msg.ID, err)
		}
		puts = append(puts, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(c.archiveTableName), Item: item},
		})
	}

	tail := len(puts) - min(len(puts), c.maxTransactItems-2)
	chunks := chunk(puts[:tail], c.maxTransactItems)

	final := make([]types.TransactWriteItem, 0, len(puts)-tail+2)
	final = append(final, puts[tail:]...)
	final = append(final,
		types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(c.archiveTableName), Item: archivedConv},
		},
		types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 convKey(convID),
				UpdateExpression:    aws.String("SET isArchived = :archived, archivedAt = :archivedAt"),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":archived":   &types.AttributeValueMemberBOOL{Value: true},
					":archivedAt": timeAttr(a.MarkedAt),
				},
			},
		},
	)
	chunks = append(chunks, final)

	for i, items := range chunks {
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return fmt.Errorf("repository: ArchiveConversation commit %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// DeleteTypingIndicators removes the given typing records from a conversation.
func (c *Client) DeleteTypingIndicators(ctx context.Context, conversationID string, ids []string) error {
	deletes := make([]types.TransactWriteItem, 0, len(ids))
	for _, id := range ids {
		deletes = append(deletes, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
					"SK": &types.AttributeValueMemberS{Value: skPrefixTyping + id},
				},
			},
		})
	}
	for _, items := range chunk(deletes, c.maxTransactItems) {
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return fmt.Errorf("repository: DeleteTypingIndicators: %w", err)
		}
	}
	return nil
}

func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func chunk(items []types.TransactWriteItem, size int) [][]types.TransactWriteItem {
	var out [][]types.TransactWriteItem
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Conversation{}, err
	}
	id, ok := idFromKey(pk, pkPrefixConv)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("repository: %q is not a conversation key", pk)
	}
	offerID, err := strAttr(item, attrOfferID)
	if err != nil {
		return domain.Conversation{}, err
	}

	conv := domain.Conversation{ID: id, OfferID: offerID}
	if v, ok := item[attrIsArchived].(*types.AttributeValueMemberBOOL); ok {
		conv.IsArchived = v.Value
	}
	if _, ok := item[attrArchivedAt]; ok {
		raw, err := strAttr(item, attrArchivedAt)
		if err != nil {
			return domain.Conversation{}, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: parse attribute %q: %w", attrArchivedAt, err)
		}
		conv.ArchivedAt = at
	}

	conv.Attributes = rawAttributes(item, "PK", "SK", attrOfferID, attrIsArchived, attrArchivedAt)
	return conv, nil
}

func conversationItem(conv domain.Conversation) (map[string]types.AttributeValue, error) {
	item, err := encodeAttributes(conv.Attributes)
	if err != nil {
		return nil, err
	}
	item["PK"] = &types.AttributeValueMemberS{Value: convPK(conv.ID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item[attrOfferID] = &types.AttributeValueMemberS{Value: conv.OfferID}
	item[attrIsArchived] = &types.AttributeValueMemberBOOL{Value: conv.IsArchived}
	if !conv.ArchivedAt.IsZero() {
		item[attrArchivedAt] = timeAttr(conv.ArchivedAt)
	}
	return item, nil
}

func itemToMessage(conversationID string, item map[string]types.AttributeValue) (domain.Message, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	id, ok := idFromKey(sk, skPrefixMsg)
	if !ok {
		return domain.Message{}, fmt.Errorf("repository: %q is not a message key", sk)
	}
	return domain.Message{ID: id, ConversationID: conversationID, Attributes: rawAttributes(item, "PK", "SK")}, nil
}

func messageItem(conversationID string, msg domain.Message) (map[string]types.AttributeValue, error) {
	if msg.ID == "" {
		return nil, errors.New("repository: message id is required")
	}
	item, err := encodeAttributes(msg.Attributes)
	if err != nil {
		return nil, err
	}
	item["PK"] = &types.AttributeValueMemberS{Value: convPK(conversationID)}
	item["SK"] = &types.AttributeValueMemberS{Value: skPrefixMsg + msg.ID}
	return item, nil
}

func itemToTyping(conversationID string, item map[string]types.AttributeValue) (domain.TypingIndicator, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.TypingIndicator{}, err
	}
	id, ok := idFromKey(sk, skPrefixTyping)
	if !ok {
		return domain.TypingIndicator{}, fmt.Errorf("repository: %q is not a typing key", sk)
	}
	ms, err := int64Attr(item, attrTimestamp)
	if err != nil {
		return domain.TypingIndicator{}, err
	}
	return domain.TypingIndicator{
		ID:             id,
		ConversationID: conversationID,
		Timestamp:      time.UnixMilli(ms).UTC(),
	}, nil
}

// rawAttributes returns every attribute not listed in skip as the stored
// types.AttributeValue, so sets, binaries and nested documents keep their type.
func rawAttributes(item map[string]types.AttributeValue, skip ...string) map[string]any {
	attrs := make(map[string]any, len(item))
	for k, v := range item {
		attrs[k] = v
	}
	for _, k := range skip {
		delete(attrs, k)
	}
	return attrs
}

// encodeAttributes passes stored attribute values through unchanged and
// marshals anything else.
func encodeAttributes(attrs map[string]any) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(attrs)+2)
	for k, v := range attrs {
		if av, ok := v.(types.AttributeValue); ok {
			item[k] = av
			continue
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("repository: encode attribute %q: %w", k, err)
		}
		item[k] = av
	}
	return item, nil
}

func timeAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func unixMilliAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
