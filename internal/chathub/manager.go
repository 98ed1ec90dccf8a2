package chathub

import (
	"context"
	"errors"
	"time"

	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"
	"safechat/backend/internal/storage"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHubStopped is returned by publishes after the hub loop exited.
var ErrHubStopped = errors.New("chathub: hub stopped")

// Fanout delivers events to live connections. Delivery is at most once:
// events for users or rooms without a live connection are dropped.
type Fanout interface {
	PublishBooking(ctx context.Context, event models.Event) error
	PublishToUser(ctx context.Context, userID string, event models.Event) error
}

// Relay carries events between hub instances.
type Relay interface {
	PublishEvent(ctx context.Context, channel string, env storage.RelayEnvelope) error
	SubscribeRelay(ctx context.Context, prefix string) *redis.PubSub
}

// Subscription joins or leaves a booking room.
type Subscription struct {
	Client    Client
	BookingID string
	// LastSeq is the booking's latest message seq when the join was authorized.
	LastSeq int64
	Leave   bool
}

type delivery struct {
	event models.Event
	// client is set for replies addressed to one connection.
	client Client
}

// room is the set of connections subscribed to one booking, plus the reorder
// buffer that releases message events in seq order.
type room struct {
	members  map[Client]struct{}
	next     int64
	pending  map[int64]models.Event
	gapSince time.Time
}

// ManagerService is the realtime hub. All connection and room state is owned
// by the Run loop; other goroutines talk to it through channels.
type ManagerService struct {
	RegisterCh   chan Client
	UnregisterCh chan Client
	SubscribeCh  chan Subscription

	clients map[string]map[Client]struct{}
	rooms   map[string]*room

	deliverCh chan delivery
	done      chan struct{}

	relay         Relay
	relayPrefix   string
	origin        string
	reorderWindow time.Duration
	log           *zap.Logger
}

// Options configures a hub.
type Options struct {
	// Relay is nil for a single-instance hub.
	Relay         Relay
	RelayPrefix   string
	ReorderWindow time.Duration
	Logger        *zap.Logger
}

// NewManagerService creates a hub. Call Run to start it.
func NewManagerService(opts Options) *ManagerService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReorderWindow <= 0 {
		opts.ReorderWindow = 2 * time.Second
	}
	if opts.RelayPrefix == "" {
		opts.RelayPrefix = "fanout"
	}
	return &ManagerService{
		RegisterCh:    make(chan Client),
		UnregisterCh:  make(chan Client),
		SubscribeCh:   make(chan Subscription),
		clients:       make(map[string]map[Client]struct{}),
		rooms:         make(map[string]*room),
		deliverCh:     make(chan delivery, 1024),
		done:          make(chan struct{}),
		relay:         opts.Relay,
		relayPrefix:   opts.RelayPrefix,
		origin:        uuid.New().String(),
		reorderWindow: opts.ReorderWindow,
		log:           opts.Logger.Named("chathub"),
	}
}

// Origin identifies this instance on the relay.
func (m *ManagerService) Origin() string { return m.origin }

// Done is closed when the hub loop exits.
func (m *ManagerService) Done() <-chan struct{} { return m.done }

// Run processes registrations, subscriptions and deliveries until ctx ends.
func (m *ManagerService) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reorderWindow / 4)
	defer func() {
		ticker.Stop()
		for _, conns := range m.clients {
			for c := range conns {
				c.Close()
			}
		}
		metrics.ActiveConnections.Sub(float64(m.countClients()))
		m.clients = map[string]map[Client]struct{}{}
		m.rooms = map[string]*room{}
		close(m.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.RegisterCh:
			m.register(c)
		case c := <-m.UnregisterCh:
			m.unregister(c)
		case sub := <-m.SubscribeCh:
			m.subscribe(sub)
		case d := <-m.deliverCh:
			m.deliver(d)
		case now := <-ticker.C:
			m.skipExpiredGaps(now)
		}
	}
}

// Register hands a new connection to the hub.
func (m *ManagerService) Register(c Client) {
	select {
	case m.RegisterCh <- c:
	case <-m.done:
		c.Close()
	}
}

// Unregister removes a connection. Safe to call after the hub stopped.
func (m *ManagerService) Unregister(c Client) {
	select {
	case m.UnregisterCh <- c:
	case <-m.done:
	}
}

// Join subscribes the connection to a booking room.
func (m *ManagerService) Join(c Client, bookingID string, lastSeq int64) {
	select {
	case m.SubscribeCh <- Subscription{Client: c, BookingID: bookingID, LastSeq: lastSeq}:
	case <-m.done:
	}
}

// Leave unsubscribes the connection from a booking room.
func (m *ManagerService) Leave(c Client, bookingID string) {
	select {
	case m.SubscribeCh <- Subscription{Client: c, BookingID: bookingID, Leave: true}:
	case <-m.done:
	}
}

// Reply sends an event to one connection only.
func (m *ManagerService) Reply(c Client, event models.Event) {
	select {
	case m.deliverCh <- delivery{event: event, client: c}:
	case <-m.done:
	}
}

// PublishBooking delivers event to every connection in the booking's room, on
// this instance and, through the relay, on the others.
func (m *ManagerService) PublishBooking(ctx context.Context, event models.Event) error {
	if event.BookingID == "" {
		return errors.New("chathub: booking event without booking id")
	}
	event.Recipient = ""
	m.relayOut(ctx, m.channel("booking", event.BookingID), storage.RelayEnvelope{Origin: m.origin, Event: event})
	return m.enqueue(ctx, event)
}

// PublishToUser delivers event to every connection of one user.
func (m *ManagerService) PublishToUser(ctx context.Context, userID string, event models.Event) error {
	if userID == "" {
		return errors.New("chathub: private event without recipient")
	}
	event.Recipient = userID
	m.relayOut(ctx, m.channel("user", userID), storage.RelayEnvelope{Origin: m.origin, Recipient: userID, Event: event})
	return m.enqueue(ctx, event)
}

func (m *ManagerService) enqueue(ctx context.Context, event models.Event) error {
	select {
	case m.deliverCh <- delivery{event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrHubStopped
	}
}

func (m *ManagerService) register(c Client) {
	conns, ok := m.clients[c.GetUserID()]
	if !ok {
		conns = make(map[Client]struct{})
		m.clients[c.GetUserID()] = conns
	}
	conns[c] = struct{}{}
	metrics.ActiveConnections.Inc()
	m.log.Debug("client registered", zap.String("user_id", c.GetUserID()), zap.Int("connections", len(conns)))
}

// unregister drops the connection from every room and closes it. Unknown
// connections are ignored so the read pump and the hub can both trigger it.
func (m *ManagerService) unregister(c Client) {
	conns, ok := m.clients[c.GetUserID()]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(m.clients, c.GetUserID())
	}
	for id, r := range m.rooms {
		delete(r.members, c)
		if len(r.members) == 0 {
			delete(m.rooms, id)
		}
	}
	metrics.ActiveConnections.Dec()
	c.Close()
	m.log.Debug("client unregistered", zap.String("user_id", c.GetUserID()))
}

func (m *ManagerService) subscribe(sub Subscription) {
	if !m.isRegistered(sub.Client) {
		return
	}

	if sub.Leave {
		if r, ok := m.rooms[sub.BookingID]; ok {
			delete(r.members, sub.Client)
			if len(r.members) == 0 {
				delete(m.rooms, sub.BookingID)
			}
		}
		return
	}

	r, ok := m.rooms[sub.BookingID]
	if !ok {
		r = &room{
			members: make(map[Client]struct{}),
			next:    sub.LastSeq + 1,
			pending: make(map[int64]models.Event),
		}
		m.rooms[sub.BookingID] = r
	}
	r.members[sub.Client] = struct{}{}
	m.send(sub.Client, models.Event{Type: models.EventJoined, BookingID: sub.BookingID, Seq: r.next - 1})
}

func (m *ManagerService) deliver(d delivery) {
	switch {
	case d.client != nil:
		if m.isRegistered(d.client) {
			m.send(d.client, d.event)
		}
	case d.event.Recipient != "":
		for c := range m.clients[d.event.Recipient] {
			m.send(c, d.event)
		}
	default:
		m.deliverBooking(d.event)
	}
}

// deliverBooking releases message events in seq order. Events without a seq
// are not ordered against messages and go out immediately.
func (m *ManagerService) deliverBooking(event models.Event) {
	r, ok := m.rooms[event.BookingID]
	if !ok {
		return
	}
	if event.Seq == 0 {
		m.broadcast(r, event)
		return
	}
	if event.Seq < r.next {
		// Already delivered or skipped after a gap.
		return
	}
	r.pending[event.Seq] = event
	m.flush(r, time.Now())
}

func (m *ManagerService) flush(r *room, now time.Time) {
	for {
		ev, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		r.next++
		m.broadcast(r, ev)
	}
	switch {
	case len(r.pending) == 0:
		r.gapSince = time.Time{}
	case r.gapSince.IsZero():
		r.gapSince = now
	}
}

// skipExpiredGaps gives up on missing seqs that did not arrive within the
// reorder window and continues from the lowest buffered event.
func (m *ManagerService) skipExpiredGaps(now time.Time) {
	for id, r := range m.rooms {
		if r.gapSince.IsZero() || now.Sub(r.gapSince) < m.reorderWindow {
			continue
		}
		lowest := int64(0)
		for seq := range r.pending {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
		}
		m.log.Warn("skipping missing message seqs",
			zap.String("booking_id", id),
			zap.Int64("from", r.next),
			zap.Int64("to", lowest-1))
		r.next = lowest
		r.gapSince = time.Time{}
		m.flush(r, now)
	}
}

func (m *ManagerService) broadcast(r *room, event models.Event) {
	for c := range r.members {
		if event.Read != nil && c.GetUserID() == event.Read.ReaderID {
			continue
		}
		m.send(c, event)
	}
}

// send never blocks the loop. A connection whose buffer is full is too slow
// to keep up and is dropped.
func (m *ManagerService) send(c Client, event models.Event) {
	select {
	case c.GetSendChannel() <- event:
		metrics.FanoutDeliveries.WithLabelValues(string(event.Type), "delivered").Inc()
	default:
		metrics.FanoutDeliveries.WithLabelValues(string(event.Type), "dropped").Inc()
		m.log.Warn("dropping slow client", zap.String("user_id", c.GetUserID()))
		m.unregister(c)
	}
}

func (m *ManagerService) isRegistered(c Client) bool {
	_, ok := m.clients[c.GetUserID()][c]
	return ok
}

func (m *ManagerService) countClients() int {
	n := 0
	for _, conns := range m.clients {
		n += len(conns)
	}
	return n
}

func (m *ManagerService) channel(kind, id string) string {
	return m.relayPrefix + ":" + kind + ":" + id
}

func (m *ManagerService) relayOut(ctx context.Context, channel string, env storage.RelayEnvelope) {
	if m.relay == nil {
		return
	}
	if err := m.relay.PublishEvent(ctx, channel, env); err != nil {
		m.log.Warn("relay publish failed", zap.String("channel", channel), zap.Error(err))
	}
}
