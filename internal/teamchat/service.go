// Package teamchat is the inbound side of the pipeline: it takes a user's message,
// decides which teammate answers and hands the turn to the worker pool.
package teamchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/teamchat/internal/cancel"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/dispatch"
	"github.com/suPer8Hu/teamchat/internal/events"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"github.com/suPer8Hu/teamchat/internal/session"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrThreadNotFound    = errors.New("teamchat: thread not found")
	ErrJobNotFound       = errors.New("teamchat: job not found")
	ErrUnknownUser       = teammate.ErrUnknownUser
	ErrEmptyMessage      = errors.New("teamchat: empty message")
	ErrInvalidTeammate   = errors.New("teamchat: teammate not available")
	ErrTooManyActiveJobs = errors.New("teamchat: too many active jobs")
	ErrEnqueueFailed     = errors.New("teamchat: enqueue failed")
)

const (
	FallbackSkip   = "skip"
	FallbackRoster = "roster"

	EventDispatcherDecline = "dispatcher_decline"
	EventTeammateBusy      = "agent_busy"

	msgDecline = "No teammate is available to help with that request right now."

	dispatchHistory = 12
	defaultAuthor   = "User"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Decision
}

type Queue interface {
	Submit(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type Options struct {
	Repo       *chat.Repo
	Directory  *teammate.Directory
	Dispatcher Dispatcher
	Sessions   *session.Resolver
	Cancels    *cancel.Coordinator
	Queue      Queue
	Notifier   events.Notifier
	// Fallback applies when the dispatcher fails: FallbackSkip or FallbackRoster.
	Fallback string
	// MaxActivePerUser caps queued and running jobs per user; 0 disables the cap.
	MaxActivePerUser int
	Log              *zap.Logger
}

type Service struct {
	repo     *chat.Repo
	dir      *teammate.Directory
	dispatch Dispatcher
	sessions *session.Resolver
	cancels  *cancel.Coordinator
	queue    Queue
	notifier events.Notifier
	fallback string
	maxJobs  int
	log      *zap.Logger
}

func NewService(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	fallback := opts.Fallback
	if fallback != FallbackRoster {
		fallback = FallbackSkip
	}
	return &Service{
		repo:     opts.Repo,
		dir:      opts.Directory,
		dispatch: opts.Dispatcher,
		sessions: opts.Sessions,
		cancels:  opts.Cancels,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		fallback: fallback,
		maxJobs:  opts.MaxActivePerUser,
		log:      log.With(zap.String("component", "teamchat")),
	}
}

// Outcome tells what a sent message led to.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeDeclined  Outcome = "declined"
	OutcomeBusy      Outcome = "busy"
	OutcomeCancel    Outcome = "cancel"
	OutcomeDuplicate Outcome = "duplicate"
)

type SendInput struct {
	UserID         uint64
	ThreadID       string
	Content        string
	Attachments    []chat.Attachment
	SessionID      string
	IdempotencyKey string
}

type SendResult struct {
	Outcome Outcome         `json:"outcome"`
	Message *chat.Message   `json:"message,omitempty"`
	Job     *chat.Job       `json:"job,omitempty"`
	Notices []*chat.Message `json:"notices,omitempty"`
	// Teammate is the key the turn was routed to, if any.
	Teammate string `json:"teammate,omitempty"`
}

// SendMessage records the user's message and starts at most one teammate turn for it.
// The user message is stored and broadcast before its job is queued.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*SendResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	idem := strings.TrimSpace(in.IdempotencyKey)
	if idem != "" {
		if job, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, in.UserID, idem); err == nil {
			return &SendResult{Outcome: OutcomeDuplicate, Job: job, Teammate: job.TeammateKey}, nil
		}
	}

	uc, err := s.dir.Resolve(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	thread, err := s.ownedThread(ctx, in.UserID, in.ThreadID)
	if err != nil {
		return nil, err
	}
	eligible := eligibleRoster(thread, uc)
	author := uc.DisplayName
	if author == "" {
		author = defaultAuthor
	}
	log := s.log.With(zap.String("thread_id", thread.ID), zap.Uint64("user_id", in.UserID))

	if cmd, ok := cancel.ParseCommand(content); ok {
		m, err := s.recordUserMessage(ctx, thread, in, content, author, thread.ActiveSession())
		if err != nil {
			return nil, err
		}
		res, err := s.cancels.Handle(ctx, thread, eligible, in.UserID, cmd)
		if err != nil {
			return nil, err
		}
		log.Info("stop command handled", zap.Strings("cancelled", res.Cancelled))
		return &SendResult{Outcome: OutcomeCancel, Message: m, Notices: res.Notices}, nil
	}

	target := s.route(ctx, thread, content, eligible, log)

	sid := thread.ActiveSession()
	if in.SessionID != "" {
		sid = in.SessionID
	}
	if target != "" {
		sid = s.sessions.Resolve(in.UserID, thread.ID, target, sid)
	}
	if sid != "" && sid != thread.ActiveSession() {
		if err := s.repo.SetActiveSession(ctx, thread.ID, sid); err != nil {
			log.Warn("persist active session failed", zap.Error(err))
		} else {
			thread.ActiveSessionID = &sid
		}
	}

	if target != "" && s.maxJobs > 0 {
		n, err := s.repo.CountActiveJobs(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		if n >= int64(s.maxJobs) {
			return nil, fmt.Errorf("%w: limit %d", ErrTooManyActiveJobs, s.maxJobs)
		}
	}

	m, err := s.recordUserMessage(ctx, thread, in, content, author, sid)
	if err != nil {
		return nil, err
	}
	res := &SendResult{Message: m, Teammate: target}

	if target == "" {
		notice, err := s.systemNotice(ctx, thread, in.UserID, sid, msgDecline, EventDispatcherDecline)
		if err != nil {
			return nil, err
		}
		s.notifier.SendToUser(ctx, in.UserID, events.Status(thread.ID, events.StatusProcessingCompleted, nil))
		res.Outcome = OutcomeDeclined
		res.Notices = []*chat.Message{notice}
		return res, nil
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	job := &chat.Job{
		ID:          id,
		UserID:      in.UserID,
		ThreadID:    thread.ID,
		TeammateKey: target,
		SessionID:   sid,
		Payload: datatypes.NewJSONType(chat.JobPayload{
			Message:     content,
			Author:      author,
			Attachments: m.Attachments,
			ThreadID:    thread.ID,
			SessionID:   sid,
		}),
	}
	if idem != "" {
		job.IdempotencyKey = &idem
	}

	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if errors.Is(err, chat.ErrActiveJobExists) {
		text := s.dir.Catalog().DisplayName(target) + " is still working on your previous message. Say 'stop " + target + "' to cancel it."
		notice, nerr := s.systemNotice(ctx, thread, in.UserID, sid, text, EventTeammateBusy)
		if nerr != nil {
			return nil, nerr
		}
		res.Outcome = OutcomeBusy
		res.Notices = []*chat.Message{notice}
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Job = job
	if !created {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	log = log.With(zap.String("job_id", job.ID), zap.String("teammate", target))
	s.notifier.SendToUser(ctx, in.UserID, events.Status(thread.ID, events.StatusTyping, events.AgentData(target, job.ID)))

	if err := s.queue.Submit(ctx, job.ID, 0, 0); err != nil {
		log.Error("enqueue job failed", zap.Error(err))
		reason := "enqueue failed: " + err.Error()
		if ferr := s.repo.MarkJobFailed(ctx, job.ID, reason); ferr != nil {
			log.Warn("mark failed failed", zap.Error(ferr))
		}
		data := events.AgentData(target, job.ID)
		data["status_message"] = reason
		s.notifier.SendToUser(ctx, in.UserID, events.Status(thread.ID, events.StatusProcessingError, data))
		s.notifier.SendToUser(ctx, in.UserID, events.Status(thread.ID, events.StatusProcessingCompleted, nil))
		return res, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	log.Info("job queued")
	res.Outcome = OutcomeQueued
	return res, nil
}

// route returns the teammate that answers this turn, or "" for none. Only group
// threads go through the dispatcher.
func (s *Service) route(ctx context.Context, thread *chat.Thread, content string, eligible []string, log *zap.Logger) string {
	if len(eligible) == 0 {
		return ""
	}
	if !thread.IsGroup() {
		return eligible[0]
	}

	history, err := s.repo.ListRecentMessages(ctx, thread.ID, dispatchHistory)
	if err != nil {
		log.Warn("load dispatch history failed", zap.Error(err))
	}

	var decision dispatch.Decision
	if s.dispatch == nil {
		decision = dispatch.Failed(errors.New("no dispatcher configured"))
	} else {
		decision = s.dispatch.Dispatch(ctx, dispatch.Request{
			Message:     content,
			ThreadTitle: thread.Title,
			History:     history,
			Roster:      s.rosterEntries(eligible),
		})
	}

	switch decision.Kind() {
	case dispatch.KindSelected:
		key, _ := decision.TeammateKey()
		if contains(eligible, key) {
			log.Info("dispatcher selected teammate", zap.String("teammate", key))
			return key
		}
		log.Warn("dispatcher selected a teammate outside the roster", zap.String("teammate", key))
	case dispatch.KindDeclined:
		log.Info("dispatcher declined")
		return ""
	default:
		log.Warn("dispatcher failed, applying fallback", zap.Error(decision.Err()), zap.String("fallback", s.fallback))
	}

	if s.fallback != FallbackRoster {
		return ""
	}
	if key, ok := dispatch.PreviousTeammate(history, eligible); ok {
		return key
	}
	return eligible[0]
}

func (s *Service) rosterEntries(keys []string) []dispatch.RosterEntry {
	cat := s.dir.Catalog()
	out := make([]dispatch.RosterEntry, 0, len(keys))
	for _, k := range keys {
		e := dispatch.RosterEntry{Key: k, Name: cat.DisplayName(k)}
		if t, ok := cat.Get(k); ok {
			e.Description = t.Description
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) recordUserMessage(ctx context.Context, thread *chat.Thread, in SendInput, content, author, sid string) (*chat.Message, error) {
	m := &chat.Message{
		ThreadID:    thread.ID,
		UserID:      in.UserID,
		Role:        chat.RoleUser,
		Author:      author,
		Content:     content,
		Attachments: relay.NormalizeAttachments(in.Attachments),
		SessionID:   sid,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("record user message: %w", err)
	}
	s.notifier.SendToUser(ctx, in.UserID, events.NewMessage(m))
	return m, nil
}

func (s *Service) systemNotice(ctx context.Context, thread *chat.Thread, userID uint64, sid, text, event string) (*chat.Message, error) {
	m := &chat.Message{
		ThreadID:  thread.ID,
		UserID:    userID,
		Role:      chat.RoleSystem,
		Author:    cancel.SystemAuthor,
		Content:   text,
		SessionID: sid,
		Event:     event,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("record notice: %w", err)
	}
	s.notifier.SendToUser(ctx, userID, events.NewMessage(m))
	return m, nil
}

func (s *Service) ownedThread(ctx context.Context, userID uint64, threadID string) (*chat.Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrThreadNotFound
	}
	return t, nil
}

// eligibleRoster keeps the thread's teammates the user has enabled, in roster order.
func eligibleRoster(t *chat.Thread, uc *teammate.UserContext) []string {
	var out []string
	for _, k := range t.Roster {
		if uc.IsEnabled(k) && !contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
