package teammate

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/teamchat/internal/ai"
	"github.com/suPer8Hu/teamchat/internal/chat"
)

// Turn is everything a teammate needs to answer one user message.
type Turn struct {
	UserID      uint64
	ThreadID    string
	SessionID   string
	Teammate    Teammate
	Message     string
	Author      string
	Attachments []chat.Attachment
}

type Output struct {
	Text        string
	Attachments []chat.Attachment
}

// Runner executes one teammate turn. progress receives coarse stage names and may
// be nil.
type Runner interface {
	Run(ctx context.Context, turn Turn, progress func(stage string)) (Output, error)
}

type HistorySource interface {
	ListSessionMessages(ctx context.Context, threadID, sessionID string, limit int) ([]chat.Message, error)
}

// LLMRunner answers a turn with the teammate's configured provider, using the
// session's recent messages as memory.
type LLMRunner struct {
	registry        *ai.Registry
	history         HistorySource
	window          int
	defaultProvider string
}

func NewLLMRunner(registry *ai.Registry, history HistorySource, window int, defaultProvider string) *LLMRunner {
	if window <= 0 || window > 100 {
		window = 20
	}
	return &LLMRunner{registry: registry, history: history, window: window, defaultProvider: defaultProvider}
}

const StageDrafting = "drafting"

func (r *LLMRunner) Run(ctx context.Context, turn Turn, progress func(stage string)) (Output, error) {
	providerName := turn.Teammate.Provider
	if providerName == "" {
		providerName = r.defaultProvider
	}
	provider, err := r.registry.Get(ctx, providerName, turn.Teammate.Model)
	if err != nil {
		return Output{}, err
	}

	recent, err := r.history.ListSessionMessages(ctx, turn.ThreadID, turn.SessionID, r.window)
	if err != nil {
		return Output{}, fmt.Errorf("load session history: %w", err)
	}
	msgs := BuildPrompt(turn, recent)

	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		text, err := provider.Chat(ctx, msgs)
		if err != nil {
			return Output{}, err
		}
		return Output{Text: text}, nil
	}

	chunks, errs := sp.StreamChat(ctx, msgs)
	first := true
	text, err := ai.Collect(chunks, errs, func(string) {
		if first && progress != nil {
			progress(StageDrafting)
		}
		first = false
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text}, nil
}

// BuildPrompt renders the system prompt plus session history (oldest first) for
// the provider. Other teammates' replies are attributed inline so the model does
// not mistake them for its own.
func BuildPrompt(turn Turn, history []chat.Message) []ai.Message {
	out := make([]ai.Message, 0, len(history)+2)
	if sp := strings.TrimSpace(turn.Teammate.SystemPrompt); sp != "" {
		out = append(out, ai.Message{Role: string(chat.RoleSystem), Content: sp})
	}

	for _, m := range history {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, ai.Message{Role: string(chat.RoleUser), Content: m.Content})
		case chat.RoleAssistant:
			if m.TeammateKey == "" || m.TeammateKey == turn.Teammate.Key {
				out = append(out, ai.Message{Role: string(chat.RoleAssistant), Content: m.Content})
				continue
			}
			out = append(out, ai.Message{Role: string(chat.RoleUser), Content: fmt.Sprintf("%s said: %s", m.Author, m.Content)})
		}
		// system notices are not part of the conversation
	}

	last := len(out) - 1
	if last < 0 || out[last].Role != string(chat.RoleUser) || out[last].Content != turn.Message {
		out = append(out, ai.Message{Role: string(chat.RoleUser), Content: turn.Message})
	}
	return out
}
