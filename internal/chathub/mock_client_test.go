package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"safechat/backend/internal/models"
	"safechat/backend/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	userID      string
	RecvChannel chan models.Event

	mu     sync.Mutex
	closed bool
}

func newMockClient(userID string) *MockClient {
	return newMockClientWithBuffer(userID, 16)
}

func newMockClientWithBuffer(userID string, size int) *MockClient {
	return &MockClient{userID: userID, RecvChannel: make(chan models.Event, size)}
}

func (c *MockClient) GetUserID() string {
	return c.userID
}

func (c *MockClient) GetSendChannel() chan<- models.Event {
	return c.RecvChannel
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next waits for the next event or fails the test.
func (c *MockClient) next(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.userID)
		return models.Event{}
	}
}

// nextOfType skips events of other types, such as the join acknowledgement.
func (c *MockClient) nextOfType(t *testing.T, typ models.EventType) models.Event {
	t.Helper()
	for {
		ev := c.next(t)
		if ev.Type == typ {
			return ev
		}
	}
}

// assertQuiet checks nothing arrives within d.
func (c *MockClient) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		t.Fatalf("client %s received unexpected %s event", c.userID, ev.Type)
	case <-time.After(d):
	}
}

// MockRelay records relay publishes.
type MockRelay struct {
	mock.Mock
}

func (m *MockRelay) PublishEvent(ctx context.Context, channel string, env storage.RelayEnvelope) error {
	args := m.Called(ctx, channel, env)
	return args.Error(0)
}

func (m *MockRelay) SubscribeRelay(ctx context.Context, prefix string) *redis.PubSub {
	args := m.Called(ctx, prefix)
	return args.Get(0).(*redis.PubSub)
}
