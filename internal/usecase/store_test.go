package usecase

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"chat-archiver/internal/domain"
)

// memStore is an in-memory document store. Archive commits apply all writes
// or none.
type memStore struct {
	mu            sync.Mutex
	convs         map[string]domain.Conversation
	msgs          map[string][]domain.Message
	typing        map[string]map[string]time.Time
	archivedConvs map[string]domain.Conversation
	archivedMsgs  map[string]map[string]domain.Message

	lookupErr   error
	messagesErr error
	archiveErr  error
	listErr     error
	deleteErr   error

	archiveCalls int
	deleteCalls  int
	lastArchive  domain.Archive
}

func newMemStore() *memStore {
	return &memStore{
		convs:         map[string]domain.Conversation{},
		msgs:          map[string][]domain.Message{},
		typing:        map[string]map[string]time.Time{},
		archivedConvs: map[string]domain.Conversation{},
		archivedMsgs:  map[string]map[string]domain.Message{},
	}
}

func (m *memStore) addConversation(id, offerID string, msgs int) {
	m.convs[id] = domain.Conversation{
		ID:         id,
		OfferID:    offerID,
		Attributes: map[string]any{"buyerId": "u-buyer", "sellerId": "u-seller"},
	}
	for i := 0; i < msgs; i++ {
		m.msgs[id] = append(m.msgs[id], domain.Message{
			ID:             "m-" + string(rune('a'+i)),
			ConversationID: id,
			Attributes:     map[string]any{"text": "hello " + string(rune('a'+i)), "senderId": "u-buyer"},
		})
	}
}

func (m *memStore) addTyping(convID, id string, ts time.Time) {
	if m.typing[convID] == nil {
		m.typing[convID] = map[string]time.Time{}
	}
	m.typing[convID][id] = ts
}

func (m *memStore) typingIDs(convID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.typing[convID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *memStore) ConversationsByOffer(_ context.Context, offerID string) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	var out []domain.Conversation
	for _, c := range m.convs {
		if c.OfferID == offerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Messages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messagesErr != nil {
		return nil, m.messagesErr
	}
	return append([]domain.Message(nil), m.msgs[conversationID]...), nil
}

func (m *memStore) ArchiveConversation(_ context.Context, a domain.Archive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveCalls++
	m.lastArchive = a
	if m.archiveErr != nil {
		return m.archiveErr
	}
	id := a.Conversation.ID
	m.archivedConvs[id] = a.Conversation
	m.archivedMsgs[id] = map[string]domain.Message{}
	for _, msg := range a.Messages {
		m.archivedMsgs[id][msg.ID] = msg
	}
	orig := m.convs[id]
	orig.IsArchived = true
	orig.ArchivedAt = a.MarkedAt
	m.convs[id] = orig
	return nil
}

func (m *memStore) TypingIndicators(_ context.Context, conversationID string, olderThan time.Time) ([]domain.TypingIndicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.TypingIndicator
	for id, ts := range m.typing[conversationID] {
		if olderThan.IsZero() || ts.Before(olderThan) {
			out = append(out, domain.TypingIndicator{ID: id, ConversationID: conversationID, Timestamp: ts})
		}
	}
	return out, nil
}

func (m *memStore) DeleteTypingIndicators(_ context.Context, conversationID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for _, id := range ids {
		delete(m.typing[conversationID], id)
	}
	return nil
}

// tickingClock returns start, then advances by step on every call.
type tickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func discardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return testLogger(&bytes.Buffer{})
}
