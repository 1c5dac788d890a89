package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// HandleConnection godoc
// @Summary Open a realtime connection
// @Description Upgrades to a websocket named after the caller's identity. The token may be passed as ?token= since browsers cannot set headers on upgrade.
// @Tags realtime
// @Param token query string false "JWT identity token"
// @Success 101 {string} string "Switching Protocols"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Router /ws [get]
func (g *Gateway) HandleConnection(c *gin.Context) {
	name := c.GetString(middleware.ContextUserName)
	if name == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Warn("websocket_upgrade_failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), g, conn)
	if err := g.hub.Connect(client.id, name, client); err != nil {
		logger.Log.Error("connection_register_failed", zap.String("conn_id", client.id), zap.Error(err))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
