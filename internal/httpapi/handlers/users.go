package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/teammate"
)

type teammateView struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Me returns the caller and the teammates available to them.
func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	uc, err := h.Directory.Resolve(c.Request.Context(), uid)
	if errors.Is(err, teammate.ErrUnknownUser) {
		common.Fail(c, http.StatusNotFound, 40403, "user not found")
		return
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{
		"user_id":      uc.UserID,
		"display_name": uc.DisplayName,
		"teammates":    uc.EnabledTeammates,
	})
}

// ListTeammates lists the whole catalog with the caller's enabled flags.
func (h *Handler) ListTeammates(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	uc, err := h.Directory.Resolve(c.Request.Context(), uid)
	if errors.Is(err, teammate.ErrUnknownUser) {
		common.Fail(c, http.StatusNotFound, 40403, "user not found")
		return
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	cat := h.Directory.Catalog()
	out := make([]teammateView, 0, len(cat.Keys()))
	for _, key := range cat.Keys() {
		t, _ := cat.Get(key)
		out = append(out, teammateView{
			Key:         key,
			Name:        cat.DisplayName(key),
			Description: t.Description,
			Enabled:     uc.IsEnabled(key),
		})
	}
	common.OK(c, gin.H{"teammates": out})
}

type setTeammateReq struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) SetTeammate(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req setTeammateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	key := strings.ToLower(strings.TrimSpace(c.Param("key")))
	if _, ok := h.Directory.Catalog().Get(key); !ok {
		common.Fail(c, http.StatusNotFound, 40404, "teammate not found")
		return
	}
	if err := h.Directory.SetEnabled(c.Request.Context(), uid, key, *req.Enabled); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"key": key, "enabled": *req.Enabled})
}
