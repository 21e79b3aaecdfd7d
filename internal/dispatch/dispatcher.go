// Package dispatch picks at most one teammate to answer a group-thread message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/suPer8Hu/teamchat/internal/ai"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"go.uber.org/zap"
)

var (
	// ErrNoChoice is returned when the model answered in prose instead of calling a tool.
	ErrNoChoice = errors.New("dispatch: model made no choice")
	// ErrUnknownTool is returned when the model called a tool that was not offered.
	ErrUnknownTool = errors.New("dispatch: unknown tool")
)

const (
	declineTool   = "decline"
	handoffPrefix = "handoff_to_"

	excerptRunes  = 500
	noHistoryLine = "The conversation has no earlier messages."
)

// RosterEntry is one teammate the dispatcher may choose.
type RosterEntry struct {
	Key         string
	Name        string
	Description string
}

type Request struct {
	Message     string
	ThreadTitle string
	// History holds earlier messages, oldest first. The new message is not included.
	History []chat.Message
	Roster  []RosterEntry
}

type Options struct {
	// HistoryLimit caps how many earlier messages go into the prompt.
	HistoryLimit int
	// Timeout bounds the single routing call.
	Timeout time.Duration
}

type Dispatcher struct {
	chooser ai.ToolProvider
	log     *zap.Logger
	opts    Options
}

func New(chooser ai.ToolProvider, log *zap.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Dispatcher{chooser: chooser, log: log.With(zap.String("component", "dispatcher")), opts: opts}
}

// Dispatch returns exactly one decision for the request. A single named teammate is
// selected directly; everything else is decided by one tool-constrained model call
// whose only exits are one handoff per teammate plus decline.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Decision {
	if len(req.Roster) == 0 {
		return Declined()
	}
	if key, ok := MentionedTeammate(req.Message, req.Roster); ok {
		return Selected(key)
	}
	if d.chooser == nil {
		return Failed(ai.ErrToolsUnsupported)
	}

	tools, byTool := buildTools(req.Roster)
	msgs := []ai.Message{
		{Role: "system", Content: instructions(req)},
		{Role: "user", Content: userPrompt(req, d.opts.HistoryLimit)},
	}

	cctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	call, text, err := d.chooser.ChatWithTools(cctx, msgs, tools)
	if err != nil {
		d.log.Warn("dispatch call failed", zap.Error(err), zap.Duration("cost", time.Since(start)))
		return Failed(err)
	}

	if call == nil {
		d.log.Warn("dispatcher answered without a tool", zap.String("text", truncate(text, 120)))
		return Failed(ErrNoChoice)
	}
	if call.Name == declineTool {
		return Declined()
	}
	key, ok := byTool[call.Name]
	if !ok {
		return Failed(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}
	d.log.Debug("dispatched", zap.String("teammate", key), zap.Duration("cost", time.Since(start)))
	return Selected(key)
}

func buildTools(roster []RosterEntry) ([]ai.Tool, map[string]string) {
	tools := make([]ai.Tool, 0, len(roster)+1)
	byTool := make(map[string]string, len(roster))
	for _, r := range roster {
		name := handoffPrefix + r.Key
		byTool[name] = r.Key
		desc := fmt.Sprintf("Hand the conversation to %s.", r.Name)
		if r.Description != "" {
			desc += " " + r.Description
		}
		tools = append(tools, ai.Tool{Name: name, Description: desc})
	}
	tools = append(tools, ai.Tool{Name: declineTool, Description: "Choose when no teammate should respond."})
	return tools, byTool
}

func instructions(req Request) string {
	var roster strings.Builder
	for _, r := range req.Roster {
		line := fmt.Sprintf("  - %s (`%s`)", r.Name, r.Key)
		if r.Description != "" {
			line += ": " + r.Description
		}
		roster.WriteString(line + "\n")
	}

	paras := []string{
		"You moderate an AI team group chat and decide which teammate should respond next, based on the latest user message and recent context.",
		"The members of the group chat are:\n" + strings.TrimRight(roster.String(), "\n"),
	}
	if label := previousResponder(req.History, req.Roster); label != "" {
		paras = append(paras, "The previous reply came from "+label+".")
	}
	paras = append(paras, strings.Join([]string{
		"INSTRUCTIONS:",
		"1. Read the recent messages and the latest user message carefully.",
		"2. If the user calls for a specific teammate, hand off to that teammate.",
		"3. If the message is a follow-up to a previous teammate's reply, hand off to that teammate.",
		"4. If the message introduces a new topic, hand off to the teammate whose expertise fits best.",
		"5. If none of the teammates fit, call the decline tool.",
		"Always answer by calling exactly one tool.",
	}, "\n"))
	return strings.Join(paras, "\n\n")
}

func userPrompt(req Request, limit int) string {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		msg = "[empty]"
	}
	var b strings.Builder
	if req.ThreadTitle != "" {
		b.WriteString("Thread: " + req.ThreadTitle + "\n\n")
	}
	b.WriteString("Recent messages:\n")
	b.WriteString(indent(Excerpt(req.History, limit)))
	b.WriteString("\n\nUser message:\n")
	b.WriteString(indent(msg))
	return b.String()
}

// Excerpt renders the last limit messages as "author (role): text", each cut to
// 500 characters.
func Excerpt(history []chat.Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		author := m.Author
		if author == "" {
			author = m.TeammateKey
		}
		if author == "" {
			author = string(m.Role)
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s", author, m.Role, truncate(content, excerptRunes)))
	}
	if len(lines) == 0 {
		return noHistoryLine
	}
	return strings.Join(lines, "\n")
}

// previousResponder names the teammate behind the latest assistant message.
func previousResponder(history []chat.Message, roster []RosterEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != chat.RoleAssistant {
			continue
		}
		for _, r := range roster {
			if r.Key == m.TeammateKey {
				return r.Name
			}
		}
		if m.Author != "" {
			return m.Author
		}
		return m.TeammateKey
	}
	return ""
}

// PreviousTeammate returns the key of the latest assistant message that came from a
// roster teammate.
func PreviousTeammate(history []chat.Message, roster []string) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != chat.RoleAssistant || m.TeammateKey == "" {
			continue
		}
		for _, k := range roster {
			if k == m.TeammateKey {
				return k, true
			}
		}
		return "", false
	}
	return "", false
}

// MentionedTeammate reports the one roster teammate the message names by key or
// display name. Messages naming several teammates, or none, report false.
func MentionedTeammate(message string, roster []RosterEntry) (string, bool) {
	found := ""
	for _, r := range roster {
		if !mentions(message, r.Key) && !mentions(message, r.Name) {
			continue
		}
		if found != "" && found != r.Key {
			return "", false
		}
		found = r.Key
	}
	return found, found != ""
}

func mentions(message, term string) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)(^|[^\pL\pN_-])@?` + regexp.QuoteMeta(term) + `($|[^\pL\pN_-])`)
	if err != nil {
		return false
	}
	return re.MatchString(message)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
