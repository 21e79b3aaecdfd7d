package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/teamchat/internal/ai"
	"github.com/suPer8Hu/teamchat/internal/chat"
)

type fakeChooser struct {
	call  *ai.ToolCall
	text  string
	err   error
	calls int
	msgs  []ai.Message
	tools []ai.Tool
	wait  bool
}

func (f *fakeChooser) ChatWithTools(ctx context.Context, messages []ai.Message, tools []ai.Tool) (*ai.ToolCall, string, error) {
	f.calls++
	f.msgs = messages
	f.tools = tools
	if f.wait {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	return f.call, f.text, f.err
}

var roster = []RosterEntry{
	{Key: "adam", Name: "Adam", Description: "Writes documents."},
	{Key: "dana", Name: "Dana", Description: "Analyses data."},
	{Key: "data-analyst", Name: "Data Analyst", Description: "Builds charts."},
}

func TestDispatch_NamedTeammateSelectedDirectly(t *testing.T) {
	f := &fakeChooser{call: &ai.ToolCall{Name: "handoff_to_dana"}}
	d := New(f, nil, Options{})

	for _, msg := range []string{"adam, can you draft this?", "Hey @Adam", "what do you think ADAM"} {
		dec := d.Dispatch(context.Background(), Request{Message: msg, Roster: roster})
		key, ok := dec.TeammateKey()
		require.True(t, ok, msg)
		require.Equal(t, "adam", key, msg)
	}
	require.Zero(t, f.calls, "a single explicit mention needs no model call")
}

func TestDispatch_SeveralMentionsAskTheModel(t *testing.T) {
	f := &fakeChooser{call: &ai.ToolCall{Name: "handoff_to_dana"}}
	d := New(f, nil, Options{})

	dec := d.Dispatch(context.Background(), Request{Message: "adam or dana, who has the numbers?", Roster: roster})
	key, ok := dec.TeammateKey()
	require.True(t, ok)
	require.Equal(t, "dana", key)
	require.Equal(t, 1, f.calls)
}

func TestDispatch_ToolsAreRosterPlusDecline(t *testing.T) {
	f := &fakeChooser{call: &ai.ToolCall{Name: "decline"}}
	d := New(f, nil, Options{})

	dec := d.Dispatch(context.Background(), Request{Message: "what's the weather", Roster: roster})
	require.Equal(t, KindDeclined, dec.Kind())

	var names []string
	for _, tool := range f.tools {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{"handoff_to_adam", "handoff_to_dana", "handoff_to_data-analyst", "decline"}, names)
}

func TestDispatch_FollowUpPromptNamesPreviousResponder(t *testing.T) {
	f := &fakeChooser{call: &ai.ToolCall{Name: "handoff_to_dana"}}
	d := New(f, nil, Options{})

	history := []chat.Message{
		{Role: chat.RoleUser, Author: "Ada", Content: "sum column B"},
		{Role: chat.RoleAssistant, Author: "Dana", TeammateKey: "dana", Content: "It is 42."},
	}
	dec := d.Dispatch(context.Background(), Request{Message: "and column C?", History: history, Roster: roster})
	key, _ := dec.TeammateKey()
	require.Equal(t, "dana", key)

	require.Contains(t, f.msgs[0].Content, "The previous reply came from Dana.")
	require.Contains(t, f.msgs[1].Content, "Dana (assistant): It is 42.")
	require.Contains(t, f.msgs[1].Content, "User message:\n  and column C?")
}

func TestDispatch_Failures(t *testing.T) {
	cases := []struct {
		name string
		f    *fakeChooser
		want error
	}{
		{"provider error", &fakeChooser{err: errors.New("boom")}, nil},
		{"prose answer", &fakeChooser{text: "Probably Dana"}, ErrNoChoice},
		{"unknown tool", &fakeChooser{call: &ai.ToolCall{Name: "handoff_to_leo"}}, ErrUnknownTool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := New(tc.f, nil, Options{}).Dispatch(context.Background(), Request{Message: "hello", Roster: roster})
			require.Equal(t, KindFailed, dec.Kind())
			require.Error(t, dec.Err())
			if tc.want != nil {
				require.ErrorIs(t, dec.Err(), tc.want)
			}
			_, ok := dec.TeammateKey()
			require.False(t, ok)
		})
	}
}

func TestDispatch_ProseIsNeverADecision(t *testing.T) {
	for _, text := range []string{" DECLINE ", "decline", "handoff_to_adam", "Adam"} {
		dec := New(&fakeChooser{text: text}, nil, Options{}).Dispatch(context.Background(), Request{Message: "hi", Roster: roster})
		require.Equal(t, KindFailed, dec.Kind(), text)
		require.ErrorIs(t, dec.Err(), ErrNoChoice)
	}
}

func TestDispatch_TimeoutIsFailure(t *testing.T) {
	d := New(&fakeChooser{wait: true}, nil, Options{Timeout: 10 * time.Millisecond})
	dec := d.Dispatch(context.Background(), Request{Message: "hi", Roster: roster})
	require.Equal(t, KindFailed, dec.Kind())
	require.ErrorIs(t, dec.Err(), context.DeadlineExceeded)
}

func TestDispatch_EmptyRosterDeclines(t *testing.T) {
	f := &fakeChooser{}
	dec := New(f, nil, Options{}).Dispatch(context.Background(), Request{Message: "hi"})
	require.Equal(t, KindDeclined, dec.Kind())
	require.Zero(t, f.calls)
}

func TestExcerpt(t *testing.T) {
	require.Equal(t, noHistoryLine, Excerpt(nil, 8))

	long := strings.Repeat("x", 600)
	var history []chat.Message
	for i := 0; i < 10; i++ {
		history = append(history, chat.Message{Role: chat.RoleUser, Author: "Ada", Content: "m"})
	}
	history = append(history, chat.Message{Role: chat.RoleAssistant, TeammateKey: "adam", Content: long})

	out := Excerpt(history, 8)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 8)
	require.Equal(t, "adam (assistant): "+strings.Repeat("x", 500)+"…", lines[7])
}

func TestPreviousTeammate(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleAssistant, TeammateKey: "adam"},
		{Role: chat.RoleUser},
		{Role: chat.RoleSystem},
	}
	key, ok := PreviousTeammate(history, []string{"adam", "dana"})
	require.True(t, ok)
	require.Equal(t, "adam", key)

	_, ok = PreviousTeammate(history, []string{"dana"})
	require.False(t, ok)
}

func TestMentionedTeammate_WordBoundaries(t *testing.T) {
	_, ok := MentionedTeammate("the madame said", roster[:1])
	require.False(t, ok)

	key, ok := MentionedTeammate("ask the data analyst", roster)
	require.True(t, ok)
	require.Equal(t, "data-analyst", key)
}
