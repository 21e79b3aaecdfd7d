// Package cancel turns "stop" and "cancel" chat commands into job cancellations.
package cancel

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/events"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	msgNeedsTarget = "Specify which agent to stop (e.g., 'stop adam')."
	msgNoActiveJob = "No active jobs to cancel right now."

	SystemAuthor = "System"
)

var keywords = []string{"stop", "cancel"}

// Command is a parsed stop request. An empty Target means "whatever is running".
type Command struct {
	Target string
}

// ParseCommand reports whether message is a stop command: the keyword alone, or the
// keyword followed by a target, case-insensitively.
func ParseCommand(message string) (Command, bool) {
	norm := strings.ToLower(strings.TrimSpace(message))
	if norm == "" {
		return Command{}, false
	}
	for _, kw := range keywords {
		if norm == kw {
			return Command{}, true
		}
		if rest, ok := strings.CutPrefix(norm, kw+" "); ok {
			return Command{Target: strings.TrimSpace(rest)}, true
		}
	}
	return Command{}, false
}

// Targets returns the roster keys a command applies to. A target matches a key, or
// the key with hyphens read as spaces.
func (c Command) Targets(roster []string) []string {
	if c.Target == "" {
		return roster
	}
	var out []string
	for _, key := range roster {
		k := strings.ToLower(key)
		if c.Target == k || c.Target == strings.ReplaceAll(k, "-", " ") {
			out = append(out, key)
		}
	}
	return out
}

type Outcome int

const (
	OutcomeCancelled Outcome = iota + 1
	OutcomeNeedsTarget
	OutcomeNoActiveJob
)

type Result struct {
	Outcome   Outcome
	JobIDs    []string
	Notices   []*chat.Message
	Cancelled []string
}

type Store interface {
	GetActiveJob(ctx context.Context, threadID, teammateKey string) (*chat.Job, error)
	MarkJobCancelled(ctx context.Context, id string, requestedBy uint64) error
	InsertMessage(ctx context.Context, m *chat.Message) error
}

// Revoker asks workers to stop a job. Best effort; errors are only logged.
type Revoker interface {
	Revoke(ctx context.Context, jobID string) error
}

type Coordinator struct {
	store    Store
	revoker  Revoker
	notifier events.Notifier
	names    func(key string) string
	log      *zap.Logger
}

// New builds a Coordinator. names renders teammate keys for notices; nil title-cases
// the key.
func New(store Store, revoker Revoker, notifier events.Notifier, names func(string) string, log *zap.Logger) *Coordinator {
	if names == nil {
		names = teammate.TitleKey
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		revoker:  revoker,
		notifier: notifier,
		names:    names,
		log:      log.With(zap.String("component", "cancel")),
	}
}

// Handle applies a stop command to the thread's active jobs. roster is the thread's
// eligible teammates.
func (c *Coordinator) Handle(ctx context.Context, thread *chat.Thread, roster []string, userID uint64, cmd Command) (Result, error) {
	if thread.IsGroup() && len(roster) > 1 && cmd.Target == "" {
		m, err := c.notice(ctx, thread, userID, msgNeedsTarget)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeNeedsTarget, Notices: []*chat.Message{m}}, nil
	}

	var res Result
	for _, key := range cmd.Targets(roster) {
		job, err := c.store.GetActiveJob(ctx, thread.ID, key)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Result{}, err
		}
		m, err := c.CancelJob(ctx, job, userID)
		if errors.Is(err, chat.ErrJobTerminal) {
			// finished between the lookup and the update
			continue
		}
		if err != nil {
			return Result{}, err
		}
		res.JobIDs = append(res.JobIDs, job.ID)
		res.Cancelled = append(res.Cancelled, key)
		if m != nil {
			res.Notices = append(res.Notices, m)
		}
	}
	if len(res.JobIDs) > 0 {
		res.Outcome = OutcomeCancelled
		return res, nil
	}

	c.notifier.SendToUser(ctx, userID, events.Status(thread.ID, events.StatusProcessingCompleted, nil))
	m, err := c.notice(ctx, thread, userID, msgNoActiveJob)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeNoActiveJob, Notices: []*chat.Message{m}}, nil
}

// CancelJob marks one job cancelled, asks workers to drop it and tells the client.
// It returns chat.ErrJobTerminal, with nothing changed, for a finished job.
func (c *Coordinator) CancelJob(ctx context.Context, job *chat.Job, userID uint64) (*chat.Message, error) {
	if err := c.store.MarkJobCancelled(ctx, job.ID, userID); err != nil {
		return nil, err
	}
	log := c.log.With(
		zap.String("job_id", job.ID),
		zap.String("teammate", job.TeammateKey),
		zap.String("thread_id", job.ThreadID),
	)
	log.Info("job cancelled")

	if c.revoker != nil {
		if err := c.revoker.Revoke(ctx, job.ID); err != nil {
			log.Warn("revoke failed", zap.Error(err))
		}
	}

	c.notifier.SendToUser(ctx, job.UserID, events.Status(job.ThreadID, events.StatusCancelled, events.AgentData(job.TeammateKey, job.ID)))
	c.notifier.SendToUser(ctx, job.UserID, events.Status(job.ThreadID, events.StatusProcessingCompleted, nil))

	m := &chat.Message{
		ThreadID:  job.ThreadID,
		UserID:    job.UserID,
		Role:      chat.RoleSystem,
		Author:    SystemAuthor,
		Content:   "Stopped " + c.names(job.TeammateKey) + " as requested.",
		SessionID: job.SessionID,
		Event:     "agent_cancelled",
	}
	if err := c.store.InsertMessage(ctx, m); err != nil {
		// the job is already cancelled; the notice is not worth failing the request
		log.Warn("record cancel notice failed", zap.Error(err))
		return nil, nil
	}
	c.notifier.SendToUser(ctx, job.UserID, events.NewMessage(m))
	return m, nil
}

func (c *Coordinator) notice(ctx context.Context, thread *chat.Thread, userID uint64, text string) (*chat.Message, error) {
	m := &chat.Message{
		ThreadID:  thread.ID,
		UserID:    userID,
		Role:      chat.RoleSystem,
		Author:    SystemAuthor,
		Content:   text,
		SessionID: thread.ActiveSession(),
	}
	if err := c.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	c.notifier.SendToUser(ctx, userID, events.NewMessage(m))
	return m, nil
}
