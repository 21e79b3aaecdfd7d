package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/teamchat/internal/common"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browsers connect from the web app origin; the JWT is the gate
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connect upgrades to a websocket that receives every event for the caller.
func (h *Handler) Connect(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.Log.Warn("websocket upgrade failed", zap.Error(err), zap.Uint64("user_id", uid))
		return
	}
	h.Hub.Serve(conn, uid)
}
