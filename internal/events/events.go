// Package events defines what the gateway pushes to connected clients.
package events

import (
	"encoding/json"

	"github.com/suPer8Hu/teamchat/internal/chat"
)

const (
	TypeNewMessage = "new_message"
	TypeChatStatus = "chat_status"
)

// chat_status values
const (
	StatusTyping              = "agent_typing"
	StatusProcessingCompleted = "agent_processing_completed"
	StatusProcessingError     = "agent_processing_error"
	StatusCancelled           = "agent_cancelled"
	StatusHeartbeat           = "agent_heartbeat"
)

// Event is one push to a user's live connections. Data fields are flattened next to
// type and thread_id on the wire.
type Event struct {
	Type     string
	ThreadID string
	Message  *chat.Message
	Status   string
	Data     map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = e.Type
	out["thread_id"] = e.ThreadID
	if e.Message != nil {
		out["message"] = e.Message
	}
	if e.Status != "" {
		out["status"] = e.Status
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event{}
	for k, v := range raw {
		var err error
		switch k {
		case "type":
			err = json.Unmarshal(v, &e.Type)
		case "thread_id":
			err = json.Unmarshal(v, &e.ThreadID)
		case "status":
			err = json.Unmarshal(v, &e.Status)
		case "message":
			e.Message = &chat.Message{}
			err = json.Unmarshal(v, e.Message)
		default:
			var val any
			err = json.Unmarshal(v, &val)
			if e.Data == nil {
				e.Data = make(map[string]any)
			}
			e.Data[k] = val
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func NewMessage(m *chat.Message) Event {
	return Event{Type: TypeNewMessage, ThreadID: m.ThreadID, Message: m}
}

// Status builds a chat_status event. data may be nil.
func Status(threadID, status string, data map[string]any) Event {
	return Event{Type: TypeChatStatus, ThreadID: threadID, Status: status, Data: data}
}

// AgentData is the usual payload of a teammate status.
func AgentData(teammateKey, jobID string) map[string]any {
	d := map[string]any{"agent": teammateKey}
	if jobID != "" {
		d["job_id"] = jobID
	}
	return d
}
