package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/common"
)

// jobView is the client-facing shape of a job. Internal bookkeeping (active key,
// transient errors, cancel requester) stays server side.
func jobView(j *chat.Job) gin.H {
	res := j.Result.Data()
	out := gin.H{
		"job_id":       j.ID,
		"thread_id":    j.ThreadID,
		"teammate_key": j.TeammateKey,
		"status":       j.Status,
		"progress":     j.Progress,
		"attempts":     j.Attempts,
		"stage":        j.LastStage,
		"created_at":   j.CreatedAt,
		"updated_at":   j.UpdatedAt,
	}
	if j.StartedAt != nil {
		out["started_at"] = j.StartedAt.Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		out["finished_at"] = j.FinishedAt.Format(time.RFC3339)
	}
	if j.Error != nil {
		out["error"] = *j.Error
	}
	if j.Status == chat.JobSucceeded {
		out["message_id"] = res.MessageID
	}
	return out
}

func (h *Handler) GetJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	j, err := h.Chat.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		h.failChat(c, "get job", err)
		return
	}
	common.OK(c, jobView(j))
}

// CancelJob answers 202 once the stop request is recorded. The worker settles the
// job on its next checkpoint.
func (h *Handler) CancelJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	j, err := h.Chat.CancelJob(c.Request.Context(), uid, c.Param("job_id"))
	if errors.Is(err, chat.ErrJobTerminal) && j != nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"code":    40901,
			"message": "job is not active",
			"data":    jobView(j),
		})
		return
	}
	if err != nil {
		h.failChat(c, "cancel job", err)
		return
	}
	common.Respond(c, http.StatusAccepted, jobView(j))
}
