package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/db"
	"github.com/suPer8Hu/teamchat/internal/events"
)

func TestSanitizeResult(t *testing.T) {
	one := []chat.Attachment{{
		Name:         "report.pdf",
		URI:          "https://cdn.example.com/api/v1/files/download/u1/report.pdf",
		RelativePath: "u1/report.pdf",
	}}

	cases := []struct {
		name string
		text string
		atts []chat.Attachment
		want string
	}{
		{"no attachments", "see https://x.test/a", nil, "see https://x.test/a"},
		{"link removed", "Your report is ready: https://cdn.example.com/api/v1/files/download/u1/report.pdf", one, "Your report is ready"},
		{"relative path removed", "Done - /files/download/u1/report.pdf thanks", one, "Done thanks"},
		{"only link", "https://cdn.example.com/api/v1/files/download/u1/report.pdf", one, "Here you go. I attached the file for you."},
		{"trailing prompt", "Report attached. Download here: https://cdn.example.com/api/v1/files/download/u1/report.pdf", one, "Report attached."},
		{"filler only", "Download:", one, "Here you go. I attached the file for you."},
		{"plural", "", append(one, chat.Attachment{URI: "s3://b/k"}), "Here you go. I attached the files for you."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, SanitizeResult(tc.text, tc.atts))
		})
	}
}

func TestNormalizeAttachments(t *testing.T) {
	out := NormalizeAttachments([]chat.Attachment{
		{URI: "https://h/v1/files/download/u1/a.csv"},
		{Name: "no link"},
	})
	require.Len(t, out, 1)
	require.Equal(t, "u1/a.csv", out[0].RelativePath)
}

type fixture struct {
	repo *chat.Repo
	rec  *events.Recorder
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, chat.AutoMigrate(gdb))
	f := &fixture{repo: chat.NewRepo(gdb), rec: &events.Recorder{}}
	f.svc = NewService(f.repo, f.rec, nil, nil)
	require.NoError(t, f.repo.CreateThread(context.Background(), &chat.Thread{ID: "T1", UserID: 1, Title: "t", Kind: chat.ThreadIndividual, Roster: []string{"adam"}}))
	return f
}

func (f *fixture) runningJob(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.CreateJob(ctx, &chat.Job{ID: id, UserID: 1, ThreadID: "T1", TeammateKey: "adam"}))
	ok, err := f.repo.ClaimJob(ctx, id, chat.Claim{Token: "w-" + id})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestService_DeliverResult_MessageBeforeCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runningJob(t, "J1")

	resp, err := f.svc.DeliverResult(ctx, ResultRequest{
		JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1",
		ResultText: "hello there", SessionID: "S1",
	})
	require.NoError(t, err)
	require.NotZero(t, resp.MessageID)

	require.Equal(t, []string{events.TypeNewMessage, events.StatusProcessingCompleted}, f.rec.Kinds())
	msg := f.rec.Events()[0].Event.Message
	require.Equal(t, chat.RoleAssistant, msg.Role)
	require.Equal(t, "Adam", msg.Author)
	require.Equal(t, "adam", msg.TeammateKey)
	require.Equal(t, "S1", msg.SessionID)
}

func TestService_DeliverResult_IntermediateAndNextStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DeliverResult(context.Background(), ResultRequest{
		TeammateKey: "adam", UserID: 1, ThreadID: "T1", ResultText: "part one",
		Intermediate: true,
		NextStatus:   &NextStatus{Status: events.StatusTyping, Data: map[string]any{"agent": "adam"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{events.TypeNewMessage, events.StatusTyping}, f.rec.Kinds())
}

func TestService_DeliverResult_CancelledJobIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runningJob(t, "J1")
	require.NoError(t, f.repo.MarkJobCancelled(ctx, "J1", 1))

	_, err := f.svc.DeliverResult(ctx, ResultRequest{JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1", ResultText: "late"})
	require.ErrorIs(t, err, ErrJobCancelled)

	msgs, err := f.repo.ListMessages(ctx, "T1", 10, true)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Empty(t, f.rec.Events())
}

// stopDuringInsert records a stop after the service's first cancel check passed.
type stopDuringInsert struct{ *chat.Repo }

func (s stopDuringInsert) InsertJobMessage(ctx context.Context, jobID string, m *chat.Message) error {
	if err := s.Repo.MarkJobCancelled(ctx, jobID, 1); err != nil {
		return err
	}
	return s.Repo.InsertJobMessage(ctx, jobID, m)
}

func TestService_DeliverResult_StopRacingTheInsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runningJob(t, "J1")
	svc := NewService(stopDuringInsert{f.repo}, f.rec, nil, nil)

	_, err := svc.DeliverResult(ctx, ResultRequest{JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1", ResultText: "answer"})
	require.ErrorIs(t, err, ErrJobCancelled)

	msgs, err := f.repo.ListMessages(ctx, "T1", 10, true)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Empty(t, f.rec.Events())

	job, err := f.repo.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.Equal(t, chat.JobCancelled, job.Status)
}

func TestService_DeliverStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runningJob(t, "J1")

	p := 0.4
	require.NoError(t, f.svc.DeliverStatus(ctx, StatusRequest{
		JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1",
		Status: events.StatusTyping, Stage: "drafting", Progress: &p,
	}))
	ev := f.rec.Events()[0].Event
	require.Equal(t, events.StatusTyping, ev.Status)
	require.Equal(t, "drafting", ev.Data["stage"])
	require.Equal(t, "J1", ev.Data["job_id"])

	job, err := f.repo.GetJobByID(ctx, "J1")
	require.NoError(t, err)
	require.InDelta(t, 0.4, job.Progress, 1e-9)
	require.Equal(t, "drafting", job.LastStage)
	require.NotNil(t, job.LastStatusAt)
}

func TestService_DeliverStatus_FinishedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runningJob(t, "JF")
	f.runningJob(t, "JC")
	require.NoError(t, f.repo.MarkJobFailed(ctx, "JF", "boom"))

	base := StatusRequest{TeammateKey: "adam", UserID: 1, ThreadID: "T1"}

	typing := base
	typing.JobID, typing.Status = "JF", events.StatusTyping
	require.NoError(t, f.svc.DeliverStatus(ctx, typing))

	failed := base
	failed.JobID, failed.Status = "JF", events.StatusProcessingError
	require.NoError(t, f.svc.DeliverStatus(ctx, failed))

	// JC is still running here; cancel it, then its worker reports
	require.NoError(t, f.repo.MarkJobCancelled(ctx, "JC", 1))
	late := base
	late.JobID, late.Status = "JC", events.StatusProcessingError
	require.NoError(t, f.svc.DeliverStatus(ctx, late))

	require.Equal(t, []string{events.StatusProcessingError}, f.rec.Kinds())
	job, _ := f.repo.GetJobByID(ctx, "JF")
	require.InDelta(t, 1.0, job.Progress, 1e-9)
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DeliverResult(context.Background(), ResultRequest{TeammateKey: "adam"})
	require.ErrorIs(t, err, ErrBadRequest)
	require.ErrorIs(t, f.svc.DeliverStatus(context.Background(), StatusRequest{TeammateKey: "adam", UserID: 1, ThreadID: "T1"}), ErrBadRequest)
}

func TestClient_DeliverResult(t *testing.T) {
	var gotToken string
	var got ResultRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathResult, r.URL.Path)
		gotToken = r.Header.Get(TokenHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":0,"message":"ok","data":{"message_id":42}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", time.Second, nil)
	resp, err := c.DeliverResult(context.Background(), ResultRequest{JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1", ResultText: "hi"})
	require.NoError(t, err)
	require.Equal(t, uint64(42), resp.MessageID)
	require.Equal(t, "secret", gotToken)
	require.Equal(t, "hi", got.ResultText)
}

func TestClient_ConflictMeansCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":40902,"message":"job cancelled","data":null}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, nil)
	_, err := c.DeliverResult(context.Background(), ResultRequest{JobID: "J1", TeammateKey: "adam", UserID: 1, ThreadID: "T1"})
	require.ErrorIs(t, err, ErrJobCancelled)
}

func TestClient_NotifySwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, nil)
	require.Error(t, c.DeliverStatus(context.Background(), StatusRequest{Status: "x"}))
	c.Notify(context.Background(), StatusRequest{Status: "x"})
}

type countingSender struct {
	mu   sync.Mutex
	reqs []StatusRequest
}

func (s *countingSender) Notify(ctx context.Context, req StatusRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func TestHeartbeat_ImmediateThenPeriodic(t *testing.T) {
	s := &countingSender{}
	hb := StartHeartbeat(context.Background(), s, StatusRequest{JobID: "J1", Stage: "queued"}, 10*time.Millisecond)
	s.mu.Lock()
	first := s.reqs[0]
	s.mu.Unlock()
	require.Equal(t, events.StatusTyping, first.Status)
	require.Equal(t, "queued", first.Stage)

	hb.SetStage("drafting")
	require.Eventually(t, func() bool { return s.count() >= 3 }, time.Second, 5*time.Millisecond)
	hb.Stop()
	hb.Stop()

	n := s.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, n, s.count())

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, "drafting", s.reqs[len(s.reqs)-1].Stage)
}
