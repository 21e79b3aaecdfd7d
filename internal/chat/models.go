package chat

import (
	"time"

	"gorm.io/datatypes"
)

type ThreadKind string

const (
	ThreadIndividual ThreadKind = "individual"
	ThreadGroup      ThreadKind = "group"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Thread struct {
	ID              string                      `gorm:"primaryKey;size:26" json:"id"`
	UserID          uint64                      `gorm:"index;not null" json:"-"`
	Title           string                      `gorm:"type:varchar(128);not null" json:"title"`
	Kind            ThreadKind                  `gorm:"type:varchar(16);not null" json:"kind"`
	Roster          datatypes.JSONSlice[string] `json:"teammate_keys"`
	ActiveSessionID *string                     `gorm:"type:varchar(64)" json:"active_session_id,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

func (Thread) TableName() string { return "chat_threads" }

func (t *Thread) IsGroup() bool { return t.Kind == ThreadGroup }

// ActiveSession returns the thread's active session id, or "".
func (t *Thread) ActiveSession() string {
	if t.ActiveSessionID == nil {
		return ""
	}
	return *t.ActiveSessionID
}

type Attachment struct {
	Name         string `json:"name,omitempty"`
	URI          string `json:"uri"`
	DownloadURL  string `json:"download_url,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

type Message struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ThreadID string `gorm:"size:26;not null;index:idx_chat_msg_thread_created,priority:1" json:"thread_id"`
	UserID   uint64 `gorm:"index;not null" json:"-"`
	Role     Role   `gorm:"type:varchar(16);not null" json:"role"`
	Author   string `gorm:"type:varchar(128)" json:"author,omitempty"`
	// set on assistant messages; the dispatcher reads it to find the previous responder
	TeammateKey string                          `gorm:"type:varchar(64);index" json:"teammate_key,omitempty"`
	Content     string                          `gorm:"type:text;not null" json:"content"`
	Attachments datatypes.JSONSlice[Attachment] `json:"attachments"`
	SessionID   string                          `gorm:"type:varchar(64);index" json:"session_id,omitempty"`
	Event       string                          `gorm:"type:varchar(32)" json:"event,omitempty"`
	CreatedAt   time.Time                       `gorm:"index:idx_chat_msg_thread_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
