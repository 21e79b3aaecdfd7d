package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"go.uber.org/zap"
)

func (h *Handler) failRelay(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, relay.ErrJobCancelled):
		common.Fail(c, http.StatusConflict, 40902, "job cancelled")
	case errors.Is(err, relay.ErrBadRequest):
		common.Fail(c, http.StatusBadRequest, 10005, err.Error())
	default:
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString("request_id")))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// AgentResult persists a finished teammate turn and pushes it to the user.
func (h *Handler) AgentResult(c *gin.Context) {
	var req relay.ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	resp, err := h.Relay.DeliverResult(c.Request.Context(), req)
	if err != nil {
		h.failRelay(c, "agent result", err)
		return
	}
	common.OK(c, resp)
}

func (h *Handler) ChatStatus(c *gin.Context) {
	var req relay.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Relay.DeliverStatus(c.Request.Context(), req); err != nil {
		h.failRelay(c, "chat status", err)
		return
	}
	common.Respond(c, http.StatusAccepted, gin.H{"accepted": true})
}
