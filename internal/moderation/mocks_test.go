package moderation_test

import (
	"context"

	"safechat/backend/internal/assignment"
	"safechat/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a mock type for the storage.Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if u, ok := args.Get(0).(*models.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	args := m.Called(ctx, bookingID)
	if b, ok := args.Get(0).(*models.Booking); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) FlaggedCount(ctx context.Context, senderID string) (int, error) {
	args := m.Called(ctx, senderID)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) MarkRead(ctx context.Context, bookingID, readerID string) (*models.ReadReceipt, error) {
	args := m.Called(ctx, bookingID, readerID)
	if r, ok := args.Get(0).(*models.ReadReceipt); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) ListMessages(ctx context.Context, bookingID string, afterSeq int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, bookingID, afterSeq, limit)
	if msgs, ok := args.Get(0).([]models.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) CreateAlert(ctx context.Context, alert *models.MonitoringAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockStorage) GetAlert(ctx context.Context, alertID string) (*models.MonitoringAlert, error) {
	args := m.Called(ctx, alertID)
	if a, ok := args.Get(0).(*models.MonitoringAlert); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) ResolveAlert(ctx context.Context, alertID, resolverID, notes string) (*models.MonitoringAlert, error) {
	args := m.Called(ctx, alertID, resolverID, notes)
	if a, ok := args.Get(0).(*models.MonitoringAlert); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStorage) CountOpenAlerts(ctx context.Context, messageID string) (int64, error) {
	args := m.Called(ctx, messageID)
	return args.Get(0).(int64), args.Error(1)
}

// MockFanout records hub publishes.
type MockFanout struct {
	mock.Mock
}

func (m *MockFanout) PublishBooking(ctx context.Context, event models.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockFanout) PublishToUser(ctx context.Context, userID string, event models.Event) error {
	args := m.Called(ctx, userID, event)
	return args.Error(0)
}

type MockAssigner struct {
	mock.Mock
}

func (m *MockAssigner) Assign(ctx context.Context, item assignment.WorkItem) (*models.Assignment, error) {
	args := m.Called(ctx, item.ID, item.Type)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssigner) AssignTo(ctx context.Context, item assignment.WorkItem, employeeID string) (*models.Assignment, error) {
	args := m.Called(ctx, item.ID, item.Type, employeeID)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssigner) ActiveFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	args := m.Called(ctx, itemID, itemType)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssigner) LastFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	args := m.Called(ctx, itemID, itemType)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAssigner) Complete(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	args := m.Called(ctx, itemID, itemType)
	if a, ok := args.Get(0).(*models.Assignment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockNotifier signals every notification on Sent.
type MockNotifier struct {
	mock.Mock
	Sent chan *models.MonitoringAlert
}

func (m *MockNotifier) NotifyAlert(ctx context.Context, alert *models.MonitoringAlert) error {
	args := m.Called(ctx, alert)
	if m.Sent != nil {
		m.Sent <- alert
	}
	return args.Error(0)
}
