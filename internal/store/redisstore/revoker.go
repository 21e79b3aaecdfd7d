package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	revokeChannel = "teamchat:revoke"
	revokedTTL    = 24 * time.Hour
)

func revokedKey(jobID string) string { return "teamchat:revoked:" + jobID }

// Revoker is the control channel between the API and the worker pool. A revoke is
// remembered under a key, for workers that pick the job up later, and published,
// for workers already running it.
type Revoker struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRevoker(rdb *redis.Client, log *zap.Logger) *Revoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Revoker{rdb: rdb, log: log.With(zap.String("component", "revoker"))}
}

// Revoke is idempotent and best effort.
func (r *Revoker) Revoke(ctx context.Context, jobID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, revokedKey(jobID), 1, revokedTTL)
	pipe.Publish(ctx, revokeChannel, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Revoker) IsRevoked(ctx context.Context, jobID string) (bool, error) {
	err := r.rdb.Get(ctx, revokedKey(jobID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Watch calls fn for every revoked job id until ctx is done.
func (r *Revoker) Watch(ctx context.Context, fn func(jobID string)) error {
	sub := r.rdb.Subscribe(ctx, revokeChannel)
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
			r.log.Debug("revoke received", zap.String("job_id", msg.Payload))
			fn(msg.Payload)
		}
	}
}
