package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/teamchat/internal/store/rabbitmq"
	"go.uber.org/zap"
)

// ErrDeliveriesClosed is returned by Pool.Run when the broker closes the channel.
var ErrDeliveriesClosed = errors.New("worker: delivery channel closed")

type JobHandler interface {
	HandleJob(ctx context.Context, msg rabbitmq.JobMessage) error
}

// Pool fans deliveries out to a fixed number of goroutines. The consumer's prefetch
// should equal the concurrency so the broker never hands out more than the pool
// can run.
type Pool struct {
	handler     JobHandler
	concurrency int
	log         *zap.Logger
}

func NewPool(handler JobHandler, concurrency int, log *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{handler: handler, concurrency: concurrency, log: log.With(zap.String("component", "pool"))}
}

// Run consumes deliveries until ctx is done, then waits for running jobs.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	jobs := make(chan amqp.Delivery, p.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				p.handle(ctx, workerID, d)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("worker shutting down")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			jobs <- d
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := p.log.With(zap.Int("worker", workerID))
	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	// a job in progress finishes even if shutdown starts; the turn is not preempted
	if err := p.handler.HandleJob(context.WithoutCancel(ctx), m); err != nil {
		log.Error("job failed", zap.String("job_id", m.JobID), zap.Duration("cost", time.Since(start)), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Warn("ack failed", zap.String("job_id", m.JobID), zap.Error(err))
	}
}
