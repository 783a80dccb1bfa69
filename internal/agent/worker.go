// Package agent implements the execution-agent side of the coordinator
// protocol: a worker registers on the bus, heartbeats periodically, runs
// dispatched tasks through an Executor and reports the outcome back. Any
// process able to do this qualifies as an agent; this in-process worker is
// what the demo bootstrap and the integration tests use.
package agent

import (
	"context"
	"log"
	"time"

	"github.com/BRafols/tribal-wars/internal/clock"
	"github.com/BRafols/tribal-wars/internal/domain"
)

type MessageQueue interface {
	Register(id string) <-chan domain.Envelope
	Unregister(id string)
}

type Sender interface {
	Publish(env domain.Envelope) error
}

// Executor runs one task and produces its result. An error return is
// reported to the coordinator as a task failure.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (domain.TaskResult, error)
}

type Worker struct {
	id        string
	info      domain.AgentInfo
	queue     MessageQueue
	sender    Sender
	exec      Executor
	heartbeat time.Duration
	clock     clock.Clock
	logger    *log.Logger
}

func NewWorker(
	id string,
	info domain.AgentInfo,
	queue MessageQueue,
	sender Sender,
	exec Executor,
	heartbeat time.Duration,
	clk clock.Clock,
	logger *log.Logger,
) *Worker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		id:        id,
		info:      info,
		queue:     queue,
		sender:    sender,
		exec:      exec,
		heartbeat: heartbeat,
		clock:     clk,
		logger:    logger,
	}
}

func (w *Worker) ID() string { return w.id }

// Start registers the worker and serves its inbox until the context ends,
// then unregisters.
func (w *Worker) Start(ctx context.Context) {
	ch := w.queue.Register(w.id)
	w.send(domain.Envelope{
		Type:    domain.EnvelopeRegister,
		To:      domain.CoordinatorID,
		AgentID: w.id,
		Info:    &w.info,
	})

	go func() {
		defer w.queue.Unregister(w.id)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				w.send(domain.Envelope{
					Type:    domain.EnvelopeUnregister,
					To:      domain.CoordinatorID,
					AgentID: w.id,
				})
				return
			case <-ticker.C:
				w.send(domain.Envelope{
					Type:    domain.EnvelopeHeartbeat,
					To:      domain.CoordinatorID,
					AgentID: w.id,
					Info:    &w.info,
				})
			case env, ok := <-ch:
				if !ok {
					return
				}
				w.handleEnvelope(ctx, env)
			}
		}
	}()
}

func (w *Worker) handleEnvelope(ctx context.Context, env domain.Envelope) {
	if env.Type != domain.EnvelopeTaskExecute || env.Task == nil {
		return
	}
	task := *env.Task

	result, err := w.exec.Execute(ctx, task)
	if err != nil {
		w.logger.Printf("agent %s task %s failed: %v", w.id, task.ID, err)
		w.send(domain.Envelope{
			Type:    domain.EnvelopeTaskFailed,
			To:      domain.CoordinatorID,
			AgentID: w.id,
			Result:  &domain.TaskResult{TaskID: task.ID, Error: err.Error()},
		})
		return
	}
	result.TaskID = task.ID
	result.Success = true
	w.send(domain.Envelope{
		Type:    domain.EnvelopeTaskComplete,
		To:      domain.CoordinatorID,
		AgentID: w.id,
		Result:  &result,
	})
}

func (w *Worker) send(env domain.Envelope) {
	env.SentAt = w.clock.Now()
	if err := w.sender.Publish(env); err != nil {
		w.logger.Printf("agent %s publish %s failed: %v", w.id, env.Type, err)
	}
}
