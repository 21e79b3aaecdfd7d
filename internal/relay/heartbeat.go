package relay

import (
	"context"
	"sync"
	"time"

	"github.com/suPer8Hu/teamchat/internal/events"
)

// StatusSender is what a heartbeat needs from the relay.
type StatusSender interface {
	Notify(ctx context.Context, req StatusRequest)
}

// Heartbeat re-sends a job's typing status on a fixed interval until stopped, so
// client indicators stay alive through long turns.
type Heartbeat struct {
	sender   StatusSender
	base     StatusRequest
	interval time.Duration

	mu    sync.Mutex
	stage string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartHeartbeat sends one status right away and then one per interval.
func StartHeartbeat(ctx context.Context, sender StatusSender, base StatusRequest, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if base.Status == "" {
		base.Status = events.StatusTyping
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		sender:   sender,
		base:     base,
		interval: interval,
		stage:    base.Stage,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	h.send(hctx)
	go h.loop(hctx)
	return h
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

func (h *Heartbeat) send(ctx context.Context) {
	req := h.base
	h.mu.Lock()
	req.Stage = h.stage
	h.mu.Unlock()
	h.sender.Notify(ctx, req)
}

// SetStage changes the stage reported by later beats.
func (h *Heartbeat) SetStage(stage string) {
	h.mu.Lock()
	h.stage = stage
	h.mu.Unlock()
}

// Stop ends the beats and waits for an in-flight one, so no heartbeat follows a
// result delivered after Stop returns. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}
