package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/teamchat"
	"go.uber.org/zap"
)

// failChat maps service errors to the response envelope.
func (h *Handler) failChat(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, teamchat.ErrThreadNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "thread not found")
	case errors.Is(err, teamchat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, teamchat.ErrUnknownUser):
		common.Fail(c, http.StatusForbidden, 40301, "unknown user")
	case errors.Is(err, teamchat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message required")
	case errors.Is(err, teamchat.ErrInvalidTeammate):
		common.Fail(c, http.StatusBadRequest, 10004, err.Error())
	case errors.Is(err, chat.ErrJobTerminal):
		common.Fail(c, http.StatusConflict, 40901, "job is not active")
	case errors.Is(err, teamchat.ErrTooManyActiveJobs):
		common.Fail(c, http.StatusTooManyRequests, 42901, "active job limit reached, wait for running jobs to finish")
	case errors.Is(err, teamchat.ErrEnqueueFailed):
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString("request_id")))
		common.Fail(c, http.StatusServiceUnavailable, 50301, "enqueue failed")
	default:
		h.Log.Error(op+" failed", zap.Error(err), zap.String("request_id", c.GetString("request_id")))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) ListThreads(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	threads, err := h.Chat.ListThreads(c.Request.Context(), uid, limit)
	if err != nil {
		h.failChat(c, "list threads", err)
		return
	}
	common.OK(c, gin.H{"threads": threads})
}

type createThreadReq struct {
	Title        string   `json:"title"`
	TeammateKeys []string `json:"teammate_keys" binding:"required,min=1"`
}

func (h *Handler) CreateThread(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req createThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	t, created, err := h.Chat.CreateThread(c.Request.Context(), teamchat.CreateThreadInput{
		UserID:       uid,
		Title:        req.Title,
		TeammateKeys: req.TeammateKeys,
	})
	if err != nil {
		h.failChat(c, "create thread", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	common.Respond(c, status, gin.H{"thread": t, "created": created})
}

func (h *Handler) GetThread(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	t, msgs, err := h.Chat.GetThread(c.Request.Context(), uid, c.Param("thread_id"), limit)
	if err != nil {
		h.failChat(c, "get thread", err)
		return
	}
	common.OK(c, gin.H{"thread": t, "messages": msgs})
}

type sendMessageReq struct {
	Message     string            `json:"message"`
	Attachments []chat.Attachment `json:"attachments"`
	SessionID   string            `json:"session_id"`
}

// SendMessage answers 202 when a teammate turn was queued and 200 for every other
// outcome (decline, stop command, busy teammate, replay).
func (h *Handler) SendMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	res, err := h.Chat.SendMessage(c.Request.Context(), teamchat.SendInput{
		UserID:         uid,
		ThreadID:       c.Param("thread_id"),
		Content:        req.Message,
		Attachments:    req.Attachments,
		SessionID:      strings.TrimSpace(req.SessionID),
		IdempotencyKey: idempoKey,
	})
	if err != nil {
		h.failChat(c, "send message", err)
		return
	}

	body := gin.H{
		"outcome":  res.Outcome,
		"message":  res.Message,
		"notices":  res.Notices,
		"teammate": res.Teammate,
	}
	if res.Job != nil {
		body["job"] = jobView(res.Job)
	}
	status := http.StatusOK
	if res.Outcome == teamchat.OutcomeQueued {
		status = http.StatusAccepted
	}
	common.Respond(c, status, body)
}

func (h *Handler) ResetSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sid, msg, err := h.Chat.ResetSession(c.Request.Context(), uid, c.Param("thread_id"))
	if err != nil {
		h.failChat(c, "reset session", err)
		return
	}
	common.OK(c, gin.H{"session_id": sid, "message": msg})
}
