package chathub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"safechat/backend/internal/chathub"
	"safechat/backend/internal/models"
	"safechat/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, opts chathub.Options) *chathub.ManagerService {
	t.Helper()
	if opts.ReorderWindow == 0 {
		opts.ReorderWindow = 200 * time.Millisecond
	}
	hub := chathub.NewManagerService(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

func messageEvent(bookingID string, seq int64, content string) models.Event {
	return models.Event{
		Type:      models.EventMessage,
		BookingID: bookingID,
		Seq:       seq,
		Message:   &models.Message{BookingID: bookingID, Seq: seq, Content: content},
	}
}

// TestManager_PrivateEventsReachEveryConnection delivers to all of a user's
// connections and nobody else.
func TestManager_PrivateEventsReachEveryConnection(t *testing.T) {
	// Arrange
	hub := startHub(t, chathub.Options{})
	phone := newMockClient("staff_1")
	laptop := newMockClient("staff_1")
	other := newMockClient("staff_2")
	hub.Register(phone)
	hub.Register(laptop)
	hub.Register(other)

	// Act
	alert := models.Event{Type: models.EventAlert, Alert: &models.MonitoringAlert{ID: "alert_1"}}
	require.NoError(t, hub.PublishToUser(context.Background(), "staff_1", alert))

	// Assert
	assert.Equal(t, "alert_1", phone.next(t).Alert.ID)
	assert.Equal(t, "alert_1", laptop.next(t).Alert.ID)
	other.assertQuiet(t, 50*time.Millisecond)
}

func TestManager_UnregisterStopsDelivery(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	client := newMockClient("user_A")
	hub.Register(client)
	hub.Join(client, "booking_1", 0)
	client.nextOfType(t, models.EventJoined)

	hub.Unregister(client)
	require.NoError(t, hub.PublishBooking(context.Background(), messageEvent("booking_1", 1, "hello")))
	require.NoError(t, hub.PublishToUser(context.Background(), "user_A", models.Event{Type: models.EventAlert}))

	client.assertQuiet(t, 50*time.Millisecond)
	assert.True(t, client.IsClosed())
}

// TestManager_BookingEventsInSeqOrder releases events in persistence order even
// when they are published out of order.
func TestManager_BookingEventsInSeqOrder(t *testing.T) {
	hub := startHub(t, chathub.Options{ReorderWindow: time.Second})
	seeker := newMockClient("seeker")
	provider := newMockClient("provider")
	outsider := newMockClient("outsider")
	for _, c := range []*MockClient{seeker, provider, outsider} {
		hub.Register(c)
	}
	hub.Join(seeker, "booking_1", 4)
	hub.Join(provider, "booking_1", 4)

	joined := seeker.nextOfType(t, models.EventJoined)
	assert.Equal(t, int64(4), joined.Seq)

	ctx := context.Background()
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 7, "third")))
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 5, "first")))
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 6, "second")))

	for _, c := range []*MockClient{seeker, provider} {
		var got []string
		for i := 0; i < 3; i++ {
			got = append(got, c.nextOfType(t, models.EventMessage).Message.Content)
		}
		assert.Equal(t, []string{"first", "second", "third"}, got)
	}
	outsider.assertQuiet(t, 50*time.Millisecond)
}

// TestManager_SkipsGapAfterWindow stops waiting for a seq that never arrives.
func TestManager_SkipsGapAfterWindow(t *testing.T) {
	hub := startHub(t, chathub.Options{ReorderWindow: 100 * time.Millisecond})
	client := newMockClient("seeker")
	hub.Register(client)
	hub.Join(client, "booking_1", 0)
	client.nextOfType(t, models.EventJoined)

	ctx := context.Background()
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 2, "late gap")))
	client.assertQuiet(t, 30*time.Millisecond)

	ev := client.nextOfType(t, models.EventMessage)
	assert.Equal(t, int64(2), ev.Seq)

	// seq 1 arriving after the skip is not delivered twice or out of order.
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 1, "too late")))
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 3, "next")))
	assert.Equal(t, int64(3), client.nextOfType(t, models.EventMessage).Seq)
}

// TestManager_ReadReceiptSkipsReader sends the read state to the other side only.
func TestManager_ReadReceiptSkipsReader(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	seeker := newMockClient("seeker")
	provider := newMockClient("provider")
	hub.Register(seeker)
	hub.Register(provider)
	hub.Join(seeker, "booking_1", 0)
	hub.Join(provider, "booking_1", 0)
	seeker.nextOfType(t, models.EventJoined)
	provider.nextOfType(t, models.EventJoined)

	read := models.Event{Type: models.EventRead, BookingID: "booking_1", Read: &models.ReadReceipt{ReaderID: "seeker", Count: 2, UpToSeq: 3}}
	require.NoError(t, hub.PublishBooking(context.Background(), read))

	ev := provider.next(t)
	assert.Equal(t, models.EventRead, ev.Type)
	assert.Equal(t, int64(2), ev.Read.Count)
	seeker.assertQuiet(t, 50*time.Millisecond)
}

func TestManager_LeaveRoom(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	client := newMockClient("seeker")
	hub.Register(client)
	hub.Join(client, "booking_1", 0)
	client.nextOfType(t, models.EventJoined)
	hub.Leave(client, "booking_1")

	require.NoError(t, hub.PublishBooking(context.Background(), messageEvent("booking_1", 1, "hello")))
	client.assertQuiet(t, 50*time.Millisecond)
	assert.False(t, client.IsClosed())
}

// TestManager_DropsSlowClient unregisters a connection whose buffer is full
// instead of blocking the other participants.
func TestManager_DropsSlowClient(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	slow := newMockClientWithBuffer("slow", 1)
	fast := newMockClientWithBuffer("fast", 8)
	hub.Register(slow)
	hub.Register(fast)
	hub.Join(slow, "booking_1", 0)
	hub.Join(fast, "booking_1", 0)

	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", seq, "msg")))
	}

	for seq := int64(1); seq <= 3; seq++ {
		assert.Equal(t, seq, fast.nextOfType(t, models.EventMessage).Seq)
	}
	assert.Eventually(t, slow.IsClosed, time.Second, 10*time.Millisecond)
}

func TestManager_ReplyOnlyToRegistered(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	client := newMockClient("seeker")
	stranger := newMockClient("stranger")
	hub.Register(client)

	hub.Reply(client, models.Event{Type: models.EventError, Error: "boom"})
	hub.Reply(stranger, models.Event{Type: models.EventError, Error: "boom"})

	assert.Equal(t, "boom", client.next(t).Error)
	stranger.assertQuiet(t, 50*time.Millisecond)
}

// TestManager_RelayPublishCarriesOrigin publishes every event to the relay
// tagged with the instance origin.
func TestManager_RelayPublishCarriesOrigin(t *testing.T) {
	relay := new(MockRelay)
	hub := startHub(t, chathub.Options{Relay: relay, RelayPrefix: "fanout"})

	relay.On("PublishEvent", mock.Anything, "fanout:booking:booking_1", mock.MatchedBy(func(env storage.RelayEnvelope) bool {
		return env.Origin == hub.Origin() && env.Event.Seq == 1
	})).Return(nil).Once()
	relay.On("PublishEvent", mock.Anything, "fanout:user:staff_1", mock.MatchedBy(func(env storage.RelayEnvelope) bool {
		return env.Origin == hub.Origin() && env.Recipient == "staff_1"
	})).Return(nil).Once()

	ctx := context.Background()
	require.NoError(t, hub.PublishBooking(ctx, messageEvent("booking_1", 1, "hi")))
	require.NoError(t, hub.PublishToUser(ctx, "staff_1", models.Event{Type: models.EventAlert}))

	relay.AssertExpectations(t)
}

// TestManager_HandleRelayMessage delivers events from other instances and
// ignores its own.
func TestManager_HandleRelayMessage(t *testing.T) {
	hub := startHub(t, chathub.Options{})
	staff := newMockClient("staff_1")
	hub.Register(staff)
	ctx := context.Background()

	own, err := json.Marshal(storage.RelayEnvelope{
		Origin:    hub.Origin(),
		Recipient: "staff_1",
		Event:     models.Event{Type: models.EventAlert, Alert: &models.MonitoringAlert{ID: "own"}},
	})
	require.NoError(t, err)
	hub.HandleRelayMessage(ctx, string(own))

	remote, err := json.Marshal(storage.RelayEnvelope{
		Origin:    "other-instance",
		Recipient: "staff_1",
		Event:     models.Event{Type: models.EventAlert, Alert: &models.MonitoringAlert{ID: "remote"}},
	})
	require.NoError(t, err)
	hub.HandleRelayMessage(ctx, string(remote))
	hub.HandleRelayMessage(ctx, "{not json")

	ev := staff.next(t)
	assert.Equal(t, "remote", ev.Alert.ID)
	staff.assertQuiet(t, 50*time.Millisecond)
}

func TestManager_PublishAfterStop(t *testing.T) {
	hub := chathub.NewManagerService(chathub.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	client := newMockClient("user_A")
	hub.Register(client)
	cancel()
	<-hub.Done()

	assert.True(t, client.IsClosed())

	// The delivery buffer may still accept the event; a full buffer reports the stop.
	err := hub.PublishToUser(context.Background(), "user_A", models.Event{Type: models.EventAlert})
	if err != nil {
		assert.ErrorIs(t, err, chathub.ErrHubStopped)
	}
	assert.Error(t, hub.PublishBooking(context.Background(), models.Event{Type: models.EventMessage}))
}
