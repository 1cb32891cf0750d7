package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is delegated to the outer auth layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SetupRoutes mounts the realtime endpoint on the engine.
func SetupRoutes(router *gin.Engine, hub *Hub, log *logger.Logger) {
	router.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	})
}
