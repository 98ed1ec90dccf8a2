package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	frameTimeout   = 10 * time.Second
	sendBuffer     = 256
)

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	UserID  string
	Conn    *websocket.Conn
	Hub     *ManagerService
	Handler FrameHandler
	Send    chan models.Event

	log       *zap.Logger
	closeOnce sync.Once
}

// NewWebSocketClient wraps an upgraded connection.
func NewWebSocketClient(hub *ManagerService, handler FrameHandler, conn *websocket.Conn, userID string, log *zap.Logger) *WebSocketClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketClient{
		UserID:  userID,
		Conn:    conn,
		Hub:     hub,
		Handler: handler,
		Send:    make(chan models.Event, sendBuffer),
		log:     log.With(zap.String("user_id", userID)),
	}
}

func (c *WebSocketClient) GetUserID() string                   { return c.UserID }
func (c *WebSocketClient) GetSendChannel() chan<- models.Event { return c.Send }

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes Send, which stops writePump and with it the connection.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.replyError(frame.BookingID, errutil.Validation("malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

func (c *WebSocketClient) handle(frame models.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch frame.Type {
	case "join":
		lastSeq, err := c.Handler.CanJoin(ctx, c.UserID, frame.BookingID)
		if err != nil {
			c.replyError(frame.BookingID, err)
			return
		}
		c.Hub.Join(c, frame.BookingID, lastSeq)
	case "leave":
		c.Hub.Leave(c, frame.BookingID)
	case "message", "read":
		if err := c.Handler.HandleFrame(ctx, c.UserID, frame); err != nil {
			c.replyError(frame.BookingID, err)
		}
	default:
		c.replyError(frame.BookingID, errutil.Validation("unknown frame type"))
	}
}

func (c *WebSocketClient) replyError(bookingID string, err error) {
	be := errutil.From(err)
	if !be.Code.Recoverable() {
		c.log.Error("frame failed", zap.Error(err))
		be.Message = "internal error"
	}
	c.Hub.Reply(c, models.Event{Type: models.EventError, BookingID: bookingID, Error: be.Message})
}

// writePump writes hub events to the connection, batching queued events into
// one newline-delimited frame.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				c.log.Warn("encode event failed", zap.Error(err))
				continue
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					break
				}
				extra, err := json.Marshal(next)
				if err != nil {
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(extra)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
