package cancel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/db"
	"github.com/suPer8Hu/teamchat/internal/events"
)

type fakeRevoker struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRevoker) Revoke(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
	return nil
}

type fixture struct {
	repo    *chat.Repo
	rec     *events.Recorder
	revoker *fakeRevoker
	c       *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, chat.AutoMigrate(gdb))
	f := &fixture{repo: chat.NewRepo(gdb), rec: &events.Recorder{}, revoker: &fakeRevoker{}}
	f.c = New(f.repo, f.revoker, f.rec, nil, nil)
	return f
}

func (f *fixture) thread(t *testing.T, id string, roster ...string) *chat.Thread {
	t.Helper()
	kind := chat.ThreadIndividual
	if len(roster) > 1 {
		kind = chat.ThreadGroup
	}
	th := &chat.Thread{ID: id, UserID: 1, Title: "t", Kind: kind, Roster: roster}
	require.NoError(t, f.repo.CreateThread(context.Background(), th))
	return th
}

func (f *fixture) runningJob(t *testing.T, id, thread, key string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.CreateJob(ctx, &chat.Job{ID: id, UserID: 1, ThreadID: thread, TeammateKey: key}))
	ok, err := f.repo.ClaimJob(ctx, id, chat.Claim{Token: "w-" + id})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in     string
		ok     bool
		target string
	}{
		{"stop", true, ""},
		{"  CANCEL ", true, ""},
		{"stop adam", true, "adam"},
		{"Cancel Data Analyst", true, "data analyst"},
		{"stopping now", false, ""},
		{"please stop", false, ""},
		{"", false, ""},
	}
	for _, tc := range cases {
		cmd, ok := ParseCommand(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.target, cmd.Target, tc.in)
	}
}

func TestCommandTargets(t *testing.T) {
	roster := []string{"adam", "data-analyst"}
	require.Equal(t, roster, Command{}.Targets(roster))
	require.Equal(t, []string{"data-analyst"}, Command{Target: "data analyst"}.Targets(roster))
	require.Equal(t, []string{"data-analyst"}, Command{Target: "data-analyst"}.Targets(roster))
	require.Empty(t, Command{Target: "leo"}.Targets(roster))
}

func TestHandle_StopInIndividualThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, "T1", "adam")
	f.runningJob(t, "J1", "T1", "adam")

	res, err := f.c.Handle(ctx, th, []string{"adam"}, 1, Command{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCancelled, res.Outcome)
	require.Equal(t, []string{"J1"}, res.JobIDs)

	j, err := f.repo.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, chat.JobCancelled, j.Status)
	require.NotNil(t, j.FinishedAt)
	require.InDelta(t, 1.0, j.Progress, 1e-9)

	require.Equal(t, []string{"J1"}, f.revoker.ids)
	require.Equal(t, []string{events.StatusCancelled, events.StatusProcessingCompleted, events.TypeNewMessage}, f.rec.Kinds())
	require.Equal(t, "Stopped Adam as requested.", res.Notices[0].Content)
}

func TestHandle_CancelNamedTeammateInGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, "T1", "adam", "dana")
	f.runningJob(t, "JA", "T1", "adam")
	f.runningJob(t, "JD", "T1", "dana")

	cmd, ok := ParseCommand("cancel adam")
	require.True(t, ok)
	res, err := f.c.Handle(ctx, th, []string{"adam", "dana"}, 1, cmd)
	require.NoError(t, err)
	require.Equal(t, []string{"adam"}, res.Cancelled)

	adam, _ := f.repo.GetJobByID(ctx, "JA")
	dana, _ := f.repo.GetJobByID(ctx, "JD")
	require.Equal(t, chat.JobCancelled, adam.Status)
	require.Equal(t, chat.JobRunning, dana.Status)
}

func TestHandle_GroupWithoutTargetAsksWhich(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, "T1", "adam", "dana")
	f.runningJob(t, "JA", "T1", "adam")

	res, err := f.c.Handle(ctx, th, []string{"adam", "dana"}, 1, Command{})
	require.NoError(t, err)
	require.Equal(t, OutcomeNeedsTarget, res.Outcome)
	require.Equal(t, msgNeedsTarget, res.Notices[0].Content)

	j, _ := f.repo.GetJobByID(ctx, "JA")
	require.Equal(t, chat.JobRunning, j.Status)
	require.Empty(t, f.revoker.ids)
}

func TestHandle_NoActiveJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	th := f.thread(t, "T1", "adam")

	res, err := f.c.Handle(ctx, th, []string{"adam"}, 1, Command{})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoActiveJob, res.Outcome)
	require.Equal(t, msgNoActiveJob, res.Notices[0].Content)
	require.Equal(t, []string{events.StatusProcessingCompleted, events.TypeNewMessage}, f.rec.Kinds())
}

func TestCancelJob_TerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.thread(t, "T1", "adam")
	f.runningJob(t, "J1", "T1", "adam")
	require.NoError(t, f.repo.MarkJobSucceeded(ctx, "J1", chat.JobResult{Response: "done"}))

	job, err := f.repo.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	_, err = f.c.CancelJob(ctx, job, 1)
	require.ErrorIs(t, err, chat.ErrJobTerminal)

	after, _ := f.repo.GetJobByID(ctx, "J1")
	require.Equal(t, chat.JobSucceeded, after.Status)
	require.Empty(t, f.rec.Events())
	require.Empty(t, f.revoker.ids)
}
