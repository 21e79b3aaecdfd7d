package relay

import (
	"context"
	"errors"

	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/events"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Store interface {
	GetJobByID(ctx context.Context, id string) (*chat.Job, error)
	InsertMessage(ctx context.Context, m *chat.Message) error
	InsertJobMessage(ctx context.Context, jobID string, m *chat.Message) error
	RecordHeartbeat(ctx context.Context, id string, progress *float64, stage, message string) error
}

// Service is the gateway side of the relay: it persists what workers send and
// pushes it to the user's connections.
type Service struct {
	store    Store
	notifier events.Notifier
	names    func(key string) string
	log      *zap.Logger
}

func NewService(store Store, notifier events.Notifier, names func(string) string, log *zap.Logger) *Service {
	if names == nil {
		names = teammate.TitleKey
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, names: names, log: log.With(zap.String("component", "relay"))}
}

// DeliverResult stores a teammate reply as an assistant message and broadcasts it.
// The completion status goes out after the message, unless the result is
// intermediate.
func (s *Service) DeliverResult(ctx context.Context, req ResultRequest) (ResultResponse, error) {
	if err := req.validate(); err != nil {
		return ResultResponse{}, err
	}
	log := s.log.With(zap.String("job_id", req.JobID), zap.String("teammate", req.TeammateKey), zap.String("thread_id", req.ThreadID))

	jobID := req.JobID
	if jobID != "" {
		job, err := s.store.GetJobByID(ctx, jobID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			log.Warn("result for unknown job")
			jobID = ""
		case err != nil:
			return ResultResponse{}, err
		case job.UserID != req.UserID || job.ThreadID != req.ThreadID:
			return ResultResponse{}, ErrBadRequest
		case job.Status.CancelRequested():
			log.Info("dropping result of cancelled job")
			return ResultResponse{}, ErrJobCancelled
		}
	}

	attachments := NormalizeAttachments(req.Attachments)
	m := &chat.Message{
		ThreadID:    req.ThreadID,
		UserID:      req.UserID,
		Role:        chat.RoleAssistant,
		Author:      s.names(req.TeammateKey),
		TeammateKey: req.TeammateKey,
		Content:     SanitizeResult(req.ResultText, attachments),
		Attachments: attachments,
		SessionID:   req.SessionID,
	}
	var err error
	if jobID != "" {
		// the cancel check is repeated under the job row lock
		err = s.store.InsertJobMessage(ctx, jobID, m)
	} else {
		err = s.store.InsertMessage(ctx, m)
	}
	if errors.Is(err, chat.ErrJobCancelled) {
		log.Info("dropping result of cancelled job")
		return ResultResponse{}, ErrJobCancelled
	}
	if err != nil {
		return ResultResponse{}, err
	}
	s.notifier.SendToUser(ctx, req.UserID, events.NewMessage(m))
	log.Info("result delivered", zap.Uint64("message_id", m.ID))

	if req.NextStatus != nil && req.NextStatus.Status != "" {
		s.notifier.SendToUser(ctx, req.UserID, events.Status(req.ThreadID, req.NextStatus.Status, req.NextStatus.Data))
	}
	if !req.Intermediate {
		s.notifier.SendToUser(ctx, req.UserID, events.Status(req.ThreadID, events.StatusProcessingCompleted, nil))
	}
	return ResultResponse{MessageID: m.ID}, nil
}

// DeliverStatus broadcasts a worker status. With a job id it also records the
// heartbeat on the job. Typing and heartbeat statuses of finished jobs, and every
// status of a cancelled job, are dropped so they cannot revive a cleared indicator.
func (s *Service) DeliverStatus(ctx context.Context, req StatusRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	if req.JobID != "" {
		job, err := s.store.GetJobByID(ctx, req.JobID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.log.Warn("load job for status failed", zap.Error(err), zap.String("job_id", req.JobID))
		case job.Status.CancelRequested():
			return nil
		case job.Status.Terminal() && isLiveness(req.Status):
			return nil
		default:
			if err := s.store.RecordHeartbeat(ctx, req.JobID, req.Progress, req.Stage, req.Message); err != nil {
				s.log.Warn("record heartbeat failed", zap.Error(err), zap.String("job_id", req.JobID))
			}
		}
	}

	data := events.AgentData(req.TeammateKey, req.JobID)
	if req.Stage != "" {
		data["stage"] = req.Stage
	}
	if req.Message != "" {
		data["status_message"] = req.Message
	}
	if req.Progress != nil {
		data["progress"] = *req.Progress
	}
	s.notifier.SendToUser(ctx, req.UserID, events.Status(req.ThreadID, req.Status, data))
	return nil
}

func isLiveness(status string) bool {
	return status == events.StatusTyping || status == events.StatusHeartbeat
}
