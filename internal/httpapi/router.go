package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/config"
	"github.com/suPer8Hu/teamchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/teamchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"go.uber.org/zap"
)

func NewRouter(h *handlers.Handler, cfg config.Config, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))

	r.GET("/ping", h.Ping)

	// user facing (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.Auth.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/users/me/teammates", h.ListTeammates)
	authGroup.PUT("/users/me/teammates/:key", h.SetTeammate)

	authGroup.GET("/chat/threads", h.ListThreads)
	authGroup.POST("/chat/threads", h.CreateThread)
	authGroup.GET("/chat/threads/:thread_id", h.GetThread)
	authGroup.POST("/chat/threads/:thread_id/messages", h.SendMessage)
	authGroup.POST("/chat/threads/:thread_id/session/reset", h.ResetSession)

	authGroup.GET("/chat/jobs/:job_id", h.GetJob)
	authGroup.POST("/chat/jobs/:job_id/cancel", h.CancelJob)

	authGroup.GET("/ws", h.Connect)

	// worker to gateway
	internal := r.Group("/")
	internal.Use(middleware.InternalToken(relay.TokenHeader, cfg.Relay.Token))
	internal.POST(relay.PathResult, h.AgentResult)
	internal.POST(relay.PathStatus, h.ChatStatus)

	return r
}
