package gateway

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/teamchat/internal/events"
	"go.uber.org/zap"
)

const fanoutChannel = "teamchat:events"

type envelope struct {
	UserID uint64          `json:"user_id"`
	Event  json.RawMessage `json:"event"`
}

// Fanout publishes events on a redis channel that every API replica subscribes to,
// so an event reaches the user whichever replica holds the socket.
type Fanout struct {
	rdb *redis.Client
	hub *Hub
	log *zap.Logger
}

func NewFanout(rdb *redis.Client, hub *Hub, log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{rdb: rdb, hub: hub, log: log.With(zap.String("component", "fanout"))}
}

// SendToUser publishes ev. If redis is unreachable the event still reaches this
// replica's connections.
func (f *Fanout) SendToUser(ctx context.Context, userID uint64, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn("encode event failed", zap.Error(err))
		return
	}
	body, err := json.Marshal(envelope{UserID: userID, Event: payload})
	if err != nil {
		f.log.Warn("encode envelope failed", zap.Error(err))
		return
	}
	if err := f.rdb.Publish(ctx, fanoutChannel, body).Err(); err != nil {
		f.log.Warn("publish event failed, delivering locally", zap.Error(err), zap.Uint64("user_id", userID))
		f.hub.deliver(userID, payload)
	}
}

// Run delivers published events to local connections until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	sub := f.rdb.Subscribe(ctx, fanoutChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.Warn("bad event envelope", zap.Error(err))
				continue
			}
			f.hub.deliver(env.UserID, env.Event)
		}
	}
}
