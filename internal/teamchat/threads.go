package teamchat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultGroupTitle = "Team chat"

type CreateThreadInput struct {
	UserID       uint64
	Title        string
	TeammateKeys []string
}

// CreateThread opens a thread with one teammate (individual) or several (group).
// An individual thread with the same teammate is reused; created reports false then.
func (s *Service) CreateThread(ctx context.Context, in CreateThreadInput) (*chat.Thread, bool, error) {
	uc, err := s.dir.Resolve(ctx, in.UserID)
	if err != nil {
		return nil, false, err
	}

	var keys []string
	for _, k := range in.TeammateKeys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || contains(keys, k) {
			continue
		}
		if !uc.IsEnabled(k) {
			return nil, false, fmt.Errorf("%w: %s", ErrInvalidTeammate, k)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, false, fmt.Errorf("%w: at least one teammate is required", ErrInvalidTeammate)
	}

	kind := chat.ThreadGroup
	title := strings.TrimSpace(in.Title)
	if len(keys) == 1 {
		kind = chat.ThreadIndividual
		existing, err := s.repo.FindIndividualThread(ctx, in.UserID, keys[0])
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
		if title == "" {
			title = s.dir.Catalog().DisplayName(keys[0])
		}
	}
	if title == "" {
		title = defaultGroupTitle
	}
	if len(title) > 128 {
		title = title[:128]
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	t := &chat.Thread{ID: id, UserID: in.UserID, Title: title, Kind: kind, Roster: keys}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, false, err
	}
	s.log.Info("thread created", zap.String("thread_id", t.ID), zap.String("kind", string(kind)), zap.Strings("roster", keys))
	return t, true, nil
}

func (s *Service) ListThreads(ctx context.Context, userID uint64, limit int) ([]chat.Thread, error) {
	return s.repo.ListThreads(ctx, userID, limit)
}

// GetThread returns a thread with its latest messages, oldest first.
func (s *Service) GetThread(ctx context.Context, userID uint64, threadID string, limit int) (*chat.Thread, []chat.Message, error) {
	t, err := s.ownedThread(ctx, userID, threadID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.repo.ListRecentMessages(ctx, t.ID, limit)
	if err != nil {
		return nil, nil, err
	}
	return t, msgs, nil
}

// ResetSession starts a fresh memory session for the thread.
func (s *Service) ResetSession(ctx context.Context, userID uint64, threadID string) (string, *chat.Message, error) {
	t, err := s.ownedThread(ctx, userID, threadID)
	if err != nil {
		return "", nil, err
	}
	return s.sessions.Reset(ctx, t)
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*chat.Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// CancelJob stops one job the same way a "stop" chat command does. A finished job
// yields chat.ErrJobTerminal and is left unchanged.
func (s *Service) CancelJob(ctx context.Context, userID uint64, jobID string) (*chat.Job, error) {
	j, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, fmt.Errorf("%w: %s", chat.ErrJobTerminal, j.ID)
	}
	if _, err := s.cancels.CancelJob(ctx, j, userID); err != nil {
		return nil, err
	}
	return s.repo.GetJobByID(ctx, jobID)
}
