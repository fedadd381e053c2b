// Package storagetest provides test doubles for storage.Store.
package storagetest

import (
	"context"
	"time"

	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"

	"github.com/stretchr/testify/mock"
)

// MockStore is a testify mock of storage.Store.
type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) FindOldestWaiting(ctx context.Context, mode models.Mode, excludeUserID string, freshAfter time.Time) (*models.QueueEntry, error) {
	args := m.Called(ctx, mode, excludeUserID, freshAfter)
	entry, _ := args.Get(0).(*models.QueueEntry)
	return entry, args.Error(1)
}

func (m *MockStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStore) ClaimQueueEntry(ctx context.Context, id, matchedWith, roomID string) (bool, error) {
	args := m.Called(ctx, id, matchedWith, roomID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ReleaseQueueEntry(ctx context.Context, id, matchedWith string) (bool, error) {
	args := m.Called(ctx, id, matchedWith)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) TouchQueueEntry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*models.QueueEntry)
	return entry, args.Error(1)
}

func (m *MockStore) DeleteQueueEntry(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockStore) ListQueueEntries(ctx context.Context) ([]models.QueueEntry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]models.QueueEntry)
	return entries, args.Error(1)
}

func (m *MockStore) Reap(ctx context.Context, policy storage.ReapPolicy) (*storage.ReapResult, error) {
	args := m.Called(ctx, policy)
	res, _ := args.Get(0).(*storage.ReapResult)
	return res, args.Error(1)
}

func (m *MockStore) InsertSignal(ctx context.Context, signal *models.SignalMessage) error {
	args := m.Called(ctx, signal)
	return args.Error(0)
}

func (m *MockStore) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) ListChatMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomID)
	history, _ := args.Get(0).([]models.ChatMessage)
	return history, args.Error(1)
}

func (m *MockStore) Subscribe(ctx context.Context, filter storage.Filter) (storage.Subscription, error) {
	args := m.Called(ctx, filter)
	sub, _ := args.Get(0).(storage.Subscription)
	return sub, args.Error(1)
}
