package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrJobTerminal is returned when a transition targets a job that already finished.
	ErrJobTerminal = errors.New("chat: job already terminal")
	// ErrActiveJobExists is returned when (thread, teammate) already has an active job.
	ErrActiveJobExists = errors.New("chat: active job exists for teammate")
	// ErrJobCancelled is returned when a result is stored for a job the user stopped.
	ErrJobCancelled = errors.New("chat: job cancelled")
	// ErrClaimLost is returned when a worker acts on a job another claim now holds.
	ErrClaimLost = errors.New("chat: job claimed by another worker")
)

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Thread{}, &Message{}, &Job{})
}

// Threads

func (r *Repo) CreateThread(ctx context.Context, t *Thread) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) UpdateThread(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Thread{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// SetActiveSession records sessionID as the thread's active session.
func (r *Repo) SetActiveSession(ctx context.Context, threadID, sessionID string) error {
	return r.UpdateThread(ctx, threadID, map[string]any{"active_session_id": sessionID})
}

// ListThreads returns the user's threads, most recently active first.
func (r *Repo) ListThreads(ctx context.Context, userID uint64, limit int) ([]Thread, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Thread
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindIndividualThread returns the user's one-teammate thread for key, if any.
func (r *Repo) FindIndividualThread(ctx context.Context, userID uint64, key string) (*Thread, error) {
	var candidates []Thread
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND kind = ?", userID, ThreadIndividual).
		Find(&candidates).Error; err != nil {
		return nil, err
	}
	for i := range candidates {
		if len(candidates[i].Roster) == 1 && candidates[i].Roster[0] == key {
			return &candidates[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// Messages

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.insertMessage(r.db.WithContext(ctx), m)
}

func (r *Repo) insertMessage(tx *gorm.DB, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	if err := tx.Create(m).Error; err != nil {
		return err
	}
	return tx.Model(&Thread{}).
		Where("id = ?", m.ThreadID).
		Update("updated_at", m.CreatedAt).Error
}

// InsertJobMessage stores a job's reply while holding the job row, so a stop
// recorded concurrently lands either before the check or after the insert.
func (r *Repo) InsertJobMessage(ctx context.Context, jobID string, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&j, "id = ?", jobID).Error
		if err != nil {
			return err
		}
		if j.Status.CancelRequested() {
			return fmt.Errorf("%w: %s", ErrJobCancelled, jobID)
		}
		return r.insertMessage(tx, m)
	})
}

// ListMessages returns up to limit messages of a thread. ascending=true yields the
// oldest messages first; ascending=false the newest first.
func (r *Repo) ListMessages(ctx context.Context, threadID string, limit int, ascending bool) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	order := "created_at DESC, id DESC"
	if ascending {
		order = "created_at ASC, id ASC"
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order(order).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessages returns the newest limit messages in ASC order (oldest -> newest).
func (r *Repo) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	desc, err := r.ListMessages(ctx, threadID, limit, false)
	if err != nil {
		return nil, err
	}
	reverse(desc)
	return desc, nil
}

// ListSessionMessages returns the newest limit messages of one session, ASC.
func (r *Repo) ListSessionMessages(ctx context.Context, threadID, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("thread_id = ? AND session_id = ?", threadID, sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Job CRUD

// CreateJob inserts a queued job. It fails with ErrActiveJobExists when the thread
// already has an active job for the same teammate.
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	key := ActiveKeyFor(job.ThreadID, job.TeammateKey)
	job.ActiveKey = &key
	if job.Status == "" {
		job.Status = JobQueued
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return nil
	}
	if _, getErr := r.GetActiveJob(ctx, job.ThreadID, job.TeammateKey); getErr == nil {
		return ErrActiveJobExists
	}
	return err
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.CreateJob(ctx, job); err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	if existing, err := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey); err == nil {
		return existing, false, nil
	}

	err := r.CreateJob(ctx, job)
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// GetActiveJob returns the newest non-terminal job of a thread, optionally narrowed to
// one teammate (teammateKey == "" matches any).
func (r *Repo) GetActiveJob(ctx context.Context, threadID, teammateKey string) (*Job, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ? AND status IN ?", threadID, ActiveStatuses)
	if teammateKey != "" {
		q = q.Where("teammate_key = ?", teammateKey)
	}
	var j Job
	if err := q.Order("created_at DESC").First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) CountActiveJobs(ctx context.Context, userID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Job{}).
		Where("user_id = ? AND status IN ?", userID, ActiveStatuses).
		Count(&n).Error
	return n, err
}

func (r *Repo) UpdateJob(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(fields).Error
}

// Job state transitions. Every transition is a single conditional UPDATE so a stale
// reader can never overwrite a state another process already recorded.

// ClaimJob moves a queued job to running under claim.Token. A running job is only
// taken when no turn holds it (parked for a retry) or its holder went quiet before
// claim.StaleBefore. It returns false when the job is held, cancelled or finished.
func (r *Repo) ClaimJob(ctx context.Context, id string, claim Claim) (bool, error) {
	if claim.Token == "" {
		return false, errors.New("chat: claim token is required")
	}
	now := r.now()
	q := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id)
	if claim.StaleBefore.IsZero() {
		q = q.Where("status = ? OR (status = ? AND claim_token IS NULL)", JobQueued, JobRunning)
	} else {
		q = q.Where("status = ? OR (status = ? AND (claim_token IS NULL OR last_status_at < ?))",
			JobQueued, JobRunning, claim.StaleBefore)
	}
	res := q.Updates(map[string]any{
		"status":         JobRunning,
		"claim_token":    claim.Token,
		"last_status_at": now,
		"started_at":     gorm.Expr("COALESCE(started_at, ?)", now),
		"progress":       ProgressClaimed,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsJobCancelled re-reads the job and reports whether a stop was requested.
func (r *Repo) IsJobCancelled(ctx context.Context, id string) (bool, error) {
	j, err := r.GetJobByID(ctx, id)
	if err != nil {
		return false, err
	}
	return j.Status.CancelRequested(), nil
}

func (r *Repo) finish(ctx context.Context, id string, from []JobStatus, fields map[string]any) error {
	fields["finished_at"] = r.now()
	fields["progress"] = ProgressDone
	fields["active_key"] = nil
	fields["claim_token"] = nil

	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetJobByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}
	return nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, result JobResult) error {
	return r.finish(ctx, id, []JobStatus{JobQueued, JobRunning}, map[string]any{
		"status": JobSucceeded,
		"result": datatypes.NewJSONType(result),
		"error":  nil,
	})
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.finish(ctx, id, []JobStatus{JobQueued, JobRunning}, map[string]any{
		"status": JobFailed,
		"error":  errMsg,
	})
}

// MarkJobCancelled records a stop request. Cancelling a terminal job returns
// ErrJobTerminal and changes nothing.
func (r *Repo) MarkJobCancelled(ctx context.Context, id string, requestedBy uint64) error {
	return r.finish(ctx, id, ActiveStatuses, map[string]any{
		"status":              JobCancelled,
		"cancel_requested_at": r.now(),
		"cancel_requested_by": requestedBy,
	})
}

// SettleCancelled finalises a job a worker found in "cancelling".
func (r *Repo) SettleCancelled(ctx context.Context, id string) error {
	return r.finish(ctx, id, []JobStatus{JobCancelling}, map[string]any{
		"status": JobCancelled,
	})
}

// MarkJobRetrying parks a running job while a transient failure waits out its
// backoff. It releases token so the retry delivery can claim the job.
func (r *Repo) MarkJobRetrying(ctx context.Context, id, token string, attempts int, cause string) error {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, JobRunning, token).
		Updates(map[string]any{
			"attempts":             attempts,
			"progress":             ProgressRetrying,
			"last_transient_error": cause,
			"claim_token":          nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		j, err := r.GetJobByID(ctx, id)
		if err != nil {
			return err
		}
		if j.Status == JobRunning {
			return fmt.Errorf("%w: %s", ErrClaimLost, id)
		}
		return fmt.Errorf("%w: %s", ErrJobTerminal, id)
	}
	return nil
}

// RecordHeartbeat stores the latest status of a running job. progress is optional.
func (r *Repo) RecordHeartbeat(ctx context.Context, id string, progress *float64, stage, message string) error {
	fields := map[string]any{"last_status_at": r.now()}
	if progress != nil {
		p := *progress
		if p < 0 {
			p = 0
		}
		if p >= ProgressDone {
			// 1.0 is reserved for terminal jobs
			p = 0.99
		}
		fields["progress"] = p
	}
	if stage != "" {
		fields["last_stage"] = stage
	}
	if message != "" {
		fields["last_status_message"] = message
	}
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(fields).Error
}
