package events

import (
	"context"
	"sync"
)

// Notifier delivers an event to every live connection of a user. Delivery is best
// effort: a user without connections silently drops the event.
type Notifier interface {
	SendToUser(ctx context.Context, userID uint64, ev Event)
}

// Recorder is an in-memory Notifier that keeps every event in order.
type Recorder struct {
	mu     sync.Mutex
	events []Sent
}

type Sent struct {
	UserID uint64
	Event  Event
}

func (r *Recorder) SendToUser(ctx context.Context, userID uint64, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Sent{UserID: userID, Event: ev})
}

func (r *Recorder) Events() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.events...)
}

// Statuses lists chat_status values in delivery order.
func (r *Recorder) Statuses() []string {
	var out []string
	for _, s := range r.Events() {
		if s.Event.Type == TypeChatStatus {
			out = append(out, s.Event.Status)
		}
	}
	return out
}

// Kinds lists "new_message" or the status value for each event, in order.
func (r *Recorder) Kinds() []string {
	var out []string
	for _, s := range r.Events() {
		if s.Event.Type == TypeChatStatus {
			out = append(out, s.Event.Status)
			continue
		}
		out = append(out, s.Event.Type)
	}
	return out
}
