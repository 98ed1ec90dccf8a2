package handler

import (
	"net/http"

	"safechat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Connections are authenticated by token, not by cookie.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the authenticated request and attaches the
// connection to the hub.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	actor := actorFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Warn("websocket upgrade failed", zap.String("user_id", actor.UserID), zap.Error(err))
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, h.Moderation, conn, actor.UserID, h.log)
	h.Hub.Register(client)
	client.Run()
}
