package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/teamchat/internal/db"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	gdb, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))
	return NewRepo(gdb)
}

func seedThread(t *testing.T, r *Repo, id string, roster ...string) *Thread {
	t.Helper()
	kind := ThreadIndividual
	if len(roster) > 1 {
		kind = ThreadGroup
	}
	th := &Thread{ID: id, UserID: 7, Title: "t", Kind: kind, Roster: roster}
	require.NoError(t, r.CreateThread(context.Background(), th))
	return th
}

func newJob(id, thread, key string) *Job {
	return &Job{ID: id, UserID: 7, ThreadID: thread, TeammateKey: key, SessionID: "s"}
}

func TestListMessages_OrderedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")

	base := time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)
	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, r.InsertMessage(ctx, &Message{
			ThreadID:  "T1",
			UserID:    7,
			Role:      RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	asc, err := r.ListMessages(ctx, "T1", 10, true)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, contents(asc))

	recent, err := r.ListRecentMessages(ctx, "T1", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, contents(recent))

	desc, err := r.ListMessages(ctx, "T1", 1, false)
	require.NoError(t, err)
	require.Equal(t, []string{"three"}, contents(desc))
}

func TestListSessionMessages_FiltersBySession(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")

	require.NoError(t, r.InsertMessage(ctx, &Message{ThreadID: "T1", Role: RoleUser, Content: "old", SessionID: "a"}))
	require.NoError(t, r.InsertMessage(ctx, &Message{ThreadID: "T1", Role: RoleUser, Content: "new", SessionID: "b"}))

	msgs, err := r.ListSessionMessages(ctx, "T1", "b", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, contents(msgs))
}

func TestFindIndividualThread(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam", "dana")
	seedThread(t, r, "T2", "dana")

	th, err := r.FindIndividualThread(ctx, 7, "dana")
	require.NoError(t, err)
	require.Equal(t, "T2", th.ID)

	_, err = r.FindIndividualThread(ctx, 7, "adam")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCreateJob_SingleActivePerThreadTeammate(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam", "dana")

	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	err := r.CreateJob(ctx, newJob("J2", "T1", "adam"))
	require.ErrorIs(t, err, ErrActiveJobExists)

	// another teammate in the same thread is independent
	require.NoError(t, r.CreateJob(ctx, newJob("J3", "T1", "dana")))

	// once terminal, the slot frees up
	require.NoError(t, r.MarkJobFailed(ctx, "J1", "boom"))
	require.NoError(t, r.CreateJob(ctx, newJob("J4", "T1", "adam")))

	n, err := r.CountActiveJobs(ctx, 7)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestCreateJobOrGetExisting_Idempotent(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")

	key := "idem-1"
	j1 := newJob("J1", "T1", "adam")
	j1.IdempotencyKey = &key
	got, created, err := r.CreateJobOrGetExisting(ctx, j1)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "J1", got.ID)

	j2 := newJob("J2", "T1", "adam")
	j2.IdempotencyKey = &key
	got, created, err = r.CreateJobOrGetExisting(ctx, j2)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "J1", got.ID)
}

func TestGetActiveJob_OptionalTeammate(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam", "dana")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "dana")))

	j, err := r.GetActiveJob(ctx, "T1", "")
	require.NoError(t, err)
	require.Equal(t, "J1", j.ID)

	_, err = r.GetActiveJob(ctx, "T1", "adam")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestClaimJob_SetsBaselineProgress(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))

	ok, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)
	require.True(t, ok)

	j, err := r.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, JobRunning, j.Status)
	require.InDelta(t, ProgressClaimed, j.Progress, 1e-9)
	require.NotNil(t, j.StartedAt)

	require.Equal(t, "w1", *j.ClaimToken)
}

func TestClaimJob_HeldJobIsNotClaimedTwice(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))

	ok, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)
	require.True(t, ok)
	j, _ := r.GetJobByID(ctx, "J1")
	started := *j.StartedAt

	// a duplicate delivery while the first turn holds the job
	ok, err = r.ClaimJob(ctx, "J1", Claim{Token: "w2", StaleBefore: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.False(t, ok)

	// parked for a retry, the job is claimable again and keeps started_at
	require.NoError(t, r.MarkJobRetrying(ctx, "J1", "w1", 1, "bad connection"))
	ok, err = r.ClaimJob(ctx, "J1", Claim{Token: "w2"})
	require.NoError(t, err)
	require.True(t, ok)
	j, _ = r.GetJobByID(ctx, "J1")
	require.Equal(t, "w2", *j.ClaimToken)
	require.True(t, j.StartedAt.Equal(started))

	// the old holder can no longer park it
	require.ErrorIs(t, r.MarkJobRetrying(ctx, "J1", "w1", 2, "x"), ErrClaimLost)
}

func TestClaimJob_StaleHolderIsTakenOver(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))

	now := time.Now()
	r.now = func() time.Time { return now.Add(-10 * time.Minute) }
	ok, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)
	require.True(t, ok)
	r.now = time.Now

	ok, err = r.ClaimJob(ctx, "J1", Claim{Token: "w2", StaleBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimJob_RefusesCancelled(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	require.NoError(t, r.MarkJobCancelled(ctx, "J1", 7))

	ok, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkJobCancelled_TerminalFields(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	_, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)

	require.NoError(t, r.MarkJobCancelled(ctx, "J1", 7))

	j, err := r.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, JobCancelled, j.Status)
	require.NotNil(t, j.FinishedAt)
	require.NotNil(t, j.CancelRequestedAt)
	require.Equal(t, uint64(7), *j.CancelRequestedBy)
	require.InDelta(t, ProgressDone, j.Progress, 1e-9)
	require.Nil(t, j.ActiveKey)

	cancelled, err := r.IsJobCancelled(ctx, "J1")
	require.NoError(t, err)
	require.True(t, cancelled)
}

func TestMarkJobCancelled_TerminalJobUnchanged(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	require.NoError(t, r.MarkJobSucceeded(ctx, "J1", JobResult{Response: "done"}))

	before, err := r.GetJobByID(ctx, "J1")
	require.NoError(t, err)

	err = r.MarkJobCancelled(ctx, "J1", 7)
	require.ErrorIs(t, err, ErrJobTerminal)

	after, err := r.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, after.Status)
	require.Equal(t, "done", after.Result.Data().Response)
	require.Nil(t, after.CancelRequestedAt)
	require.True(t, before.FinishedAt.Equal(*after.FinishedAt))
}

func TestMarkJobCancelled_MissingJob(t *testing.T) {
	r := openTestRepo(t)
	err := r.MarkJobCancelled(context.Background(), "nope", 7)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMarkJobSucceeded_DoesNotOverrideCancel(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	_, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)
	require.NoError(t, r.MarkJobCancelled(ctx, "J1", 7))

	err = r.MarkJobSucceeded(ctx, "J1", JobResult{Response: "late"})
	require.ErrorIs(t, err, ErrJobTerminal)

	j, _ := r.GetJobByID(ctx, "J1")
	require.Equal(t, JobCancelled, j.Status)
}

func TestMarkJobRetrying_KeepsRunning(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	_, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)

	require.NoError(t, r.MarkJobRetrying(ctx, "J1", "w1", 1, "server closed the connection"))

	j, _ := r.GetJobByID(ctx, "J1")
	require.Equal(t, JobRunning, j.Status)
	require.Equal(t, 1, j.Attempts)
	require.InDelta(t, ProgressRetrying, j.Progress, 1e-9)
	require.Equal(t, "server closed the connection", *j.LastTransientError)
	require.Nil(t, j.FinishedAt)
	require.Nil(t, j.ClaimToken)
}

func TestInsertJobMessage_RefusesCancelledJob(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	_, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)

	m := &Message{ThreadID: "T1", UserID: 7, Role: RoleAssistant, Author: "Adam", Content: "first"}
	require.NoError(t, r.InsertJobMessage(ctx, "J1", m))
	require.NotZero(t, m.ID)

	require.NoError(t, r.MarkJobCancelled(ctx, "J1", 7))
	err = r.InsertJobMessage(ctx, "J1", &Message{ThreadID: "T1", UserID: 7, Role: RoleAssistant, Author: "Adam", Content: "late"})
	require.ErrorIs(t, err, ErrJobCancelled)

	msgs, err := r.ListRecentMessages(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "first", msgs[0].Content)
}

func TestRecordHeartbeat_ClampsProgress(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)
	seedThread(t, r, "T1", "adam")
	require.NoError(t, r.CreateJob(ctx, newJob("J1", "T1", "adam")))
	_, err := r.ClaimJob(ctx, "J1", Claim{Token: "w1"})
	require.NoError(t, err)

	p := 1.5
	require.NoError(t, r.RecordHeartbeat(ctx, "J1", &p, "working", "Still working"))

	j, _ := r.GetJobByID(ctx, "J1")
	require.Less(t, j.Progress, ProgressDone)
	require.Equal(t, "working", j.LastStage)
	require.Equal(t, "Still working", j.LastStatusMessage)
	require.NotNil(t, j.LastStatusAt)

	// heartbeats after a terminal state are ignored
	require.NoError(t, r.MarkJobFailed(ctx, "J1", "x"))
	require.NoError(t, r.RecordHeartbeat(ctx, "J1", &p, "late", ""))
	j, _ = r.GetJobByID(ctx, "J1")
	require.Equal(t, "working", j.LastStage)
	require.InDelta(t, ProgressDone, j.Progress, 1e-9)
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
