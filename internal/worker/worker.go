// Package worker executes teammate jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/common"
	"github.com/suPer8Hu/teamchat/internal/events"
	"github.com/suPer8Hu/teamchat/internal/relay"
	"github.com/suPer8Hu/teamchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/teamchat/internal/teammate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	StageThinking = "thinking"

	msgRetriesExhausted = "Agent retries exhausted after transient database errors"
)

type Store interface {
	GetJobByID(ctx context.Context, id string) (*chat.Job, error)
	ClaimJob(ctx context.Context, id string, claim chat.Claim) (bool, error)
	IsJobCancelled(ctx context.Context, id string) (bool, error)
	MarkJobSucceeded(ctx context.Context, id string, result chat.JobResult) error
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
	MarkJobRetrying(ctx context.Context, id, token string, attempts int, cause string) error
	SettleCancelled(ctx context.Context, id string) error
}

type Directory interface {
	Resolve(ctx context.Context, userID uint64) (*teammate.UserContext, error)
}

// Relay is the worker's only way to reach the user.
type Relay interface {
	relay.StatusSender
	DeliverResult(ctx context.Context, req relay.ResultRequest) (relay.ResultResponse, error)
}

type Queue interface {
	Submit(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

// RevocationChecker reports revokes recorded before this worker saw the job.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jobID string) (bool, error)
}

type Options struct {
	Store      Store
	Directory  Directory
	Catalog    *teammate.Catalog
	Runner     teammate.Runner
	Relay      Relay
	Queue      Queue
	Revocation RevocationChecker
	Classifier *Classifier
	Backoff    Backoff
	// Heartbeat is the typing status interval during a turn.
	Heartbeat time.Duration
	// ClaimLease is how long a running job may go without a status before another
	// worker takes it over. Defaults to three heartbeats, at least a minute.
	ClaimLease time.Duration
	Log        *zap.Logger
}

type Worker struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	active map[string]*relay.Heartbeat
}

func New(opts Options) (*Worker, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("worker: store is required")
	case opts.Directory == nil:
		return nil, errors.New("worker: directory is required")
	case opts.Catalog == nil:
		return nil, errors.New("worker: catalog is required")
	case opts.Runner == nil:
		return nil, errors.New("worker: runner is required")
	case opts.Relay == nil:
		return nil, errors.New("worker: relay is required")
	case opts.Queue == nil:
		return nil, errors.New("worker: queue is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(nil)
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = Backoff{Base: 5 * time.Second, Max: 60 * time.Second, MaxAttempts: 3}
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 3 * opts.Heartbeat
		if opts.ClaimLease < time.Minute {
			opts.ClaimLease = time.Minute
		}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		opts:   opts,
		log:    log.With(zap.String("component", "worker")),
		active: make(map[string]*relay.Heartbeat),
	}, nil
}

// HandleJob runs one delivery to completion. A nil error means the delivery is
// done with, including failed and cancelled jobs and scheduled retries. An error
// means the job could not be loaded nor requeued and the delivery should be
// dead-lettered.
func (w *Worker) HandleJob(ctx context.Context, msg rabbitmq.JobMessage) error {
	start := time.Now()
	job, err := w.opts.Store.GetJobByID(ctx, msg.JobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w.log.Warn("job not found", zap.String("job_id", msg.JobID))
		return nil
	}
	if err != nil {
		if w.requeue(ctx, msg.JobID, msg.Attempt+1, err) {
			return nil
		}
		return fmt.Errorf("load job %s: %w", msg.JobID, err)
	}
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("teammate", job.TeammateKey),
		zap.String("thread_id", job.ThreadID),
		zap.Int("attempt", job.Attempts),
	)

	if job.Status.Terminal() {
		log.Info("job already finished", zap.String("status", string(job.Status)))
		return nil
	}
	if job.Status == chat.JobCancelling || w.revoked(ctx, job.ID) {
		w.settleCancelled(ctx, job.ID, log)
		return nil
	}

	token, err := common.NewULID()
	if err != nil {
		return fmt.Errorf("claim token: %w", err)
	}
	claimed, err := w.opts.Store.ClaimJob(ctx, job.ID, chat.Claim{
		Token:       token,
		StaleBefore: time.Now().Add(-w.opts.ClaimLease),
	})
	if err != nil {
		if !w.requeue(ctx, job.ID, nextAttempt(job, msg), err) {
			log.Error("claim job failed", zap.Error(err))
			w.fail(ctx, job, "Claim failed: "+err.Error(), log)
		}
		return nil
	}
	if !claimed {
		w.claimRefused(ctx, job.ID, msg.Attempt, log)
		return nil
	}

	uc, err := w.opts.Directory.Resolve(ctx, job.UserID)
	if err != nil {
		w.fail(ctx, job, "Context resolution failed: "+err.Error(), log)
		return nil
	}
	tm, ok := w.opts.Catalog.Get(job.TeammateKey)
	if !ok || !uc.IsEnabled(job.TeammateKey) {
		w.fail(ctx, job, fmt.Sprintf("Agent %s is not enabled for this user", job.TeammateKey), log)
		return nil
	}

	if w.cancelled(ctx, job.ID, log) {
		return nil
	}

	payload := job.Payload.Data()
	sessionID := payload.SessionID
	if sessionID == "" {
		sessionID = job.SessionID
	}
	turn := teammate.Turn{
		UserID:      job.UserID,
		ThreadID:    job.ThreadID,
		SessionID:   sessionID,
		Teammate:    tm,
		Message:     payload.Message,
		Author:      payload.Author,
		Attachments: payload.Attachments,
	}

	hb := w.startHeartbeat(ctx, job)
	out, runErr := w.opts.Runner.Run(ctx, turn, hb.SetStage)
	w.stopHeartbeat(job.ID)

	// post-turn checkpoint: a stop that arrived during the turn wins over its outcome
	if w.cancelled(ctx, job.ID, log) {
		return nil
	}

	if runErr != nil {
		w.handleRunError(ctx, job, nextAttempt(job, msg), token, runErr, log)
		return nil
	}

	if strings.TrimSpace(out.Text) == "" && len(out.Attachments) == 0 {
		// nothing to post; finish without a chat message
		if err := w.opts.Store.MarkJobSucceeded(ctx, job.ID, chat.JobResult{}); err != nil {
			if errors.Is(err, chat.ErrJobTerminal) {
				w.cancelled(ctx, job.ID, log)
				return nil
			}
			log.Warn("mark succeeded failed", zap.Error(err))
		}
		w.notify(ctx, job, events.StatusProcessingCompleted, "")
		log.Info("job succeeded without output", zap.Duration("cost", time.Since(start)))
		return nil
	}

	res, err := w.opts.Relay.DeliverResult(ctx, relay.ResultRequest{
		JobID:       job.ID,
		TeammateKey: job.TeammateKey,
		UserID:      job.UserID,
		ThreadID:    job.ThreadID,
		ResultText:  out.Text,
		Attachments: out.Attachments,
		SessionID:   sessionID,
	})
	switch {
	case errors.Is(err, relay.ErrJobCancelled):
		w.settleCancelled(ctx, job.ID, log)
		return nil
	case err != nil:
		log.Error("deliver result failed", zap.Error(err))
		w.notify(ctx, job, events.StatusProcessingCompleted, "")
	}

	if w.cancelled(ctx, job.ID, log) {
		return nil
	}
	err = w.opts.Store.MarkJobSucceeded(ctx, job.ID, chat.JobResult{
		Response:    out.Text,
		Attachments: out.Attachments,
		MessageID:   res.MessageID,
	})
	if err != nil {
		log.Warn("mark succeeded failed", zap.Error(err))
		return nil
	}
	log.Info("job succeeded", zap.Duration("cost", time.Since(start)))
	return nil
}

// nextAttempt numbers the retry a failure of this delivery would schedule.
func nextAttempt(job *chat.Job, msg rabbitmq.JobMessage) int {
	return max(job.Attempts, msg.Attempt) + 1
}

// requeue schedules another delivery after a transient store error. It reports
// false when the error is not transient, the retry budget is spent or the queue
// refused the message.
func (w *Worker) requeue(ctx context.Context, id string, attempt int, cause error) bool {
	log := w.log.With(zap.String("job_id", id), zap.Int("retry", attempt))
	if !w.opts.Classifier.Transient(cause) {
		return false
	}
	if attempt > w.opts.Backoff.MaxAttempts {
		log.Error("transient retries exhausted", zap.Error(cause))
		return false
	}
	delay := w.opts.Backoff.Delay(attempt)
	if err := w.opts.Queue.Submit(ctx, id, attempt, delay); err != nil {
		log.Error("requeue failed", zap.Error(err), zap.NamedError("cause", cause))
		return false
	}
	log.Warn("store unavailable, job requeued", zap.Error(cause), zap.Duration("delay", delay))
	return true
}

// claimRefused handles a delivery whose job is held or already settled. A job
// still running elsewhere is looked at again once its lease could have lapsed.
func (w *Worker) claimRefused(ctx context.Context, id string, attempt int, log *zap.Logger) {
	job, err := w.opts.Store.GetJobByID(ctx, id)
	if err != nil {
		log.Warn("reload refused job failed", zap.Error(err))
		return
	}
	if job.Status != chat.JobRunning {
		log.Info("job no longer claimable", zap.String("status", string(job.Status)))
		return
	}
	if err := w.opts.Queue.Submit(ctx, id, attempt, w.opts.ClaimLease); err != nil {
		log.Warn("requeue held job failed", zap.Error(err))
		return
	}
	log.Info("job held by another worker", zap.Duration("recheck_in", w.opts.ClaimLease))
}

func (w *Worker) handleRunError(ctx context.Context, job *chat.Job, attempt int, token string, runErr error, log *zap.Logger) {
	if !w.opts.Classifier.Transient(runErr) {
		log.Error("teammate turn failed", zap.Error(runErr))
		w.fail(ctx, job, runErr.Error(), log)
		return
	}

	if attempt > w.opts.Backoff.MaxAttempts {
		log.Error("transient retries exhausted", zap.Error(runErr))
		w.fail(ctx, job, msgRetriesExhausted, log)
		return
	}

	delay := w.opts.Backoff.Delay(attempt)
	err := w.opts.Store.MarkJobRetrying(ctx, job.ID, token, attempt, runErr.Error())
	switch {
	case errors.Is(err, chat.ErrJobTerminal), errors.Is(err, chat.ErrClaimLost):
		log.Info("retry not recorded", zap.Error(err))
		return
	case err != nil:
		// the claim stays parked on this worker; the retry takes it over after the lease
		log.Warn("record retry failed", zap.Error(err))
		delay = max(delay, w.opts.ClaimLease)
	}
	if err := w.opts.Queue.Submit(ctx, job.ID, attempt, delay); err != nil {
		log.Error("schedule retry failed", zap.Error(err))
		w.fail(ctx, job, "schedule retry: "+err.Error(), log)
		return
	}
	log.Warn("transient failure, retry scheduled",
		zap.Error(runErr),
		zap.Int("retry", attempt),
		zap.Duration("delay", delay),
	)
}

// fail marks the job failed and clears the user's indicators.
func (w *Worker) fail(ctx context.Context, job *chat.Job, reason string, log *zap.Logger) {
	if err := w.opts.Store.MarkJobFailed(ctx, job.ID, reason); err != nil {
		if errors.Is(err, chat.ErrJobTerminal) {
			// cancelled meanwhile; the canceller already told the user
			return
		}
		log.Warn("mark failed failed", zap.Error(err))
	}
	log.Info("job failed", zap.String("reason", reason))
	w.notify(ctx, job, events.StatusProcessingError, reason)
	w.notify(ctx, job, events.StatusProcessingCompleted, "")
}

func (w *Worker) notify(ctx context.Context, job *chat.Job, status, message string) {
	w.opts.Relay.Notify(ctx, relay.StatusRequest{
		JobID:       job.ID,
		TeammateKey: job.TeammateKey,
		UserID:      job.UserID,
		ThreadID:    job.ThreadID,
		Status:      status,
		Message:     message,
	})
}

// cancelled re-reads the job. A job left in "cancelling" is settled here.
func (w *Worker) cancelled(ctx context.Context, id string, log *zap.Logger) bool {
	job, err := w.opts.Store.GetJobByID(ctx, id)
	if err != nil {
		log.Warn("cancel check failed", zap.Error(err))
		return false
	}
	if !job.Status.CancelRequested() {
		return false
	}
	if job.Status == chat.JobCancelling {
		w.settleCancelled(ctx, id, log)
		return true
	}
	log.Info("job cancelled, stopping")
	return true
}

func (w *Worker) settleCancelled(ctx context.Context, id string, log *zap.Logger) {
	err := w.opts.Store.SettleCancelled(ctx, id)
	if err != nil && !errors.Is(err, chat.ErrJobTerminal) {
		log.Warn("settle cancelled failed", zap.Error(err))
		return
	}
	log.Info("job cancelled")
}

func (w *Worker) revoked(ctx context.Context, id string) bool {
	if w.opts.Revocation == nil {
		return false
	}
	ok, err := w.opts.Revocation.IsRevoked(ctx, id)
	if err != nil {
		w.log.Warn("revocation check failed", zap.Error(err), zap.String("job_id", id))
		return false
	}
	return ok
}

func (w *Worker) startHeartbeat(ctx context.Context, job *chat.Job) *relay.Heartbeat {
	hb := relay.StartHeartbeat(ctx, w.opts.Relay, relay.StatusRequest{
		JobID:       job.ID,
		TeammateKey: job.TeammateKey,
		UserID:      job.UserID,
		ThreadID:    job.ThreadID,
		Status:      events.StatusTyping,
		Stage:       StageThinking,
	}, w.opts.Heartbeat)
	w.mu.Lock()
	w.active[job.ID] = hb
	w.mu.Unlock()
	return hb
}

func (w *Worker) stopHeartbeat(id string) {
	w.mu.Lock()
	hb := w.active[id]
	delete(w.active, id)
	w.mu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}

// Revoked stops the typing heartbeat of a job this worker is running. The turn
// itself is not interrupted; its result is dropped at the post-turn checkpoint.
func (w *Worker) Revoked(jobID string) {
	w.mu.Lock()
	hb := w.active[jobID]
	w.mu.Unlock()
	if hb != nil {
		w.log.Info("revoked job, heartbeat stopped", zap.String("job_id", jobID))
		hb.Stop()
	}
}

// Running reports how many turns are in flight.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}
