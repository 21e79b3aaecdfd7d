// Package session derives and rotates the ids that scope a teammate's memory.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/teamchat/internal/chat"
	"github.com/suPer8Hu/teamchat/internal/events"
	"go.uber.org/zap"
)

// EventReset marks the system message appended by a session reset.
const EventReset = "session_reset"

// Derive returns the stable session id for (user, thread, teammate): a name-based
// SHA-1 UUID in the URL namespace, hex encoded without dashes.
func Derive(userID uint64, threadID, teammateKey string) string {
	name := fmt.Sprintf("%d:%s:%s", userID, threadID, teammateKey)
	return hexID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)))
}

// Resolve returns provided unchanged when set, the derived id otherwise.
func Resolve(userID uint64, threadID, teammateKey, provided string) string {
	if provided = strings.TrimSpace(provided); provided != "" {
		return provided
	}
	return Derive(userID, threadID, teammateKey)
}

func hexID(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")
}

type Store interface {
	GetThread(ctx context.Context, id string) (*chat.Thread, error)
	SetActiveSession(ctx context.Context, threadID, sessionID string) error
	InsertMessage(ctx context.Context, m *chat.Message) error
}

type Resolver struct {
	store    Store
	notifier events.Notifier
	log      *zap.Logger
	now      func() time.Time
	newID    func() uuid.UUID
}

func NewResolver(store Store, notifier events.Notifier, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		notifier: notifier,
		log:      log.With(zap.String("component", "session")),
		now:      time.Now,
		newID:    uuid.New,
	}
}

func (r *Resolver) Resolve(userID uint64, threadID, teammateKey, provided string) string {
	return Resolve(userID, threadID, teammateKey, provided)
}

// Reset starts a new session for the thread: a fresh random id becomes the active
// session and one system message records the reset. Earlier messages keep their
// session ids.
func (r *Resolver) Reset(ctx context.Context, thread *chat.Thread) (string, *chat.Message, error) {
	prior := thread.ActiveSession()
	sid := hexID(r.newID())
	for sid == prior {
		sid = hexID(r.newID())
	}

	if err := r.store.SetActiveSession(ctx, thread.ID, sid); err != nil {
		return "", nil, fmt.Errorf("set active session: %w", err)
	}
	thread.ActiveSessionID = &sid

	now := r.now().UTC()
	msg := &chat.Message{
		ThreadID:  thread.ID,
		UserID:    thread.UserID,
		Role:      chat.RoleSystem,
		Content:   "New session started · " + now.Format("Jan 02, 2006 15:04 UTC"),
		SessionID: sid,
		Event:     EventReset,
		CreatedAt: now,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		return "", nil, fmt.Errorf("record session reset: %w", err)
	}

	r.log.Info("session reset",
		zap.String("thread_id", thread.ID),
		zap.String("session_id", sid),
	)
	if r.notifier != nil {
		r.notifier.SendToUser(ctx, thread.UserID, events.NewMessage(msg))
	}
	return sid, msg, nil
}
