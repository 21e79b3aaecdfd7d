package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/gateway"
	"github.com/suPer8Hu/teamchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"github.com/suPer8Hu/teamchat/internal/teamchat"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
)

type Handler struct {
	Chat      *teamchat.Service
	Relay     *relay.Service
	Directory *teammate.Directory
	Hub       *gateway.Hub
	Log       *zap.Logger
}

func NewHandler(chat *teamchat.Service, rel *relay.Service, dir *teammate.Directory, hub *gateway.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Chat: chat, Relay: rel, Directory: dir, Hub: hub, Log: log.With(zap.String("component", "http"))}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}
