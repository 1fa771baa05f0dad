package worker

import (
	"context"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/rs/zerolog/log"
)

// Worker ties together everything one worker process runs: the dispatch
// consumer with prefetch 1, the package-installation listener and the slot
// heartbeat.
type Worker struct {
	workerID string
	runner   *Runner
	consumer *broker.Consumer
	installs *broker.Consumer
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(workerID string, cfg *config.Config, b *broker.Broker, pub *broker.Publisher, deps Deps) *Worker {
	runner := NewRunner(workerID, cfg.Worker, deps)

	consumer := broker.NewConsumer(b, pub, broker.ConsumerOptions{
		Queue:           broker.ExecutionQueue,
		Tag:             workerID,
		RedeliveryLimit: cfg.Broker.RedeliveryLimit,
	}, runner.Handle, runner.Exhausted)

	installs := broker.NewConsumer(b, pub, broker.ConsumerOptions{
		BindExchange: broker.InstallExchange,
		Tag:          workerID + "-installs",
	}, runner.HandleInstall, nil)

	return &Worker{
		workerID: workerID,
		runner:   runner,
		consumer: consumer,
		installs: installs,
		interval: cfg.Pool.HeartbeatInterval,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runner.RunHeartbeat(ctx, w.interval)
	}()

	w.consumer.Start(ctx)
	w.installs.Start(ctx)
	log.Info().Str("worker_id", w.workerID).Msg("Worker started")
}

// Stop drains the in-flight execution, then halts the heartbeat, freeing
// the slot on the way out.
func (w *Worker) Stop() {
	w.consumer.Stop()
	w.installs.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.workerID).Msg("Worker stopped")
}

// Completions exposes the runner's completion counter.
func (w *Worker) Completions() int64 {
	return w.runner.Completions()
}
