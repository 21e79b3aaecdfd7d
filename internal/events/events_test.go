package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/teamchat/internal/chat"
)

func TestStatusEvent_FlattensData(t *testing.T) {
	ev := Status("T1", StatusCancelled, AgentData("adam", "J1"))
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"chat_status","thread_id":"T1","status":"agent_cancelled","agent":"adam","job_id":"J1"}`, string(b))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, TypeChatStatus, back.Type)
	require.Equal(t, "adam", back.Data["agent"])
}

func TestNewMessageEvent(t *testing.T) {
	m := &chat.Message{ID: 4, ThreadID: "T1", Role: chat.RoleSystem, Content: "hi"}
	b, err := json.Marshal(NewMessage(m))
	require.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, TypeNewMessage, back.Type)
	require.Equal(t, "T1", back.ThreadID)
	require.Equal(t, uint64(4), back.Message.ID)
	require.Equal(t, "hi", back.Message.Content)
}
