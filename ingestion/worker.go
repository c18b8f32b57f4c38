// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/poiesic/docmem/core"
	"github.com/poiesic/docmem/queue"
	"github.com/poiesic/docmem/storage"
)

// ProcessNext dequeues and executes one message of the given step's queue.
// It returns false when the queue had no visible message.
//
// The delivery is acknowledged only after the resulting pipeline state has
// been persisted and the follow-up step enqueued. Any error before that point
// leaves the message leased, so it is redelivered once the lease expires.
func (o *Orchestrator) ProcessNext(ctx context.Context, step string) (bool, error) {
	handler, ok := o.handler(step)
	if !ok {
		return false, goerr.Wrap(ErrNoHandler, "cannot process queue", goerr.V("step", step))
	}

	delivery, err := o.transport.Dequeue(ctx, step, o.lease)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "failed to dequeue", goerr.V("step", step))
	}

	if err := o.process(ctx, handler, delivery); err != nil {
		return true, err
	}
	if err := o.transport.Ack(ctx, delivery); err != nil {
		return true, goerr.Wrap(err, "failed to acknowledge message", goerr.V("step", step),
			goerr.V("document_id", delivery.Message.DocumentID))
	}
	return true, nil
}

func (o *Orchestrator) process(ctx context.Context, handler StepHandler, delivery *queue.Delivery) error {
	msg := delivery.Message
	logger := o.logger.With("index", msg.Index, "document_id", msg.DocumentID,
		"execution_id", msg.ExecutionID, "step", msg.Step)

	pipeline, err := o.pipelines.GetPipeline(ctx, msg.Index, msg.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("dropping message for unknown pipeline")
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to load pipeline", goerr.V("document_id", msg.DocumentID))
	}

	if pipeline.ExecutionID != msg.ExecutionID {
		logger.Info("dropping message of superseded execution", "current_execution_id", pipeline.ExecutionID)
		return nil
	}
	if pipeline.State.Terminal() {
		logger.Debug("dropping message for finished pipeline", "state", pipeline.State)
		return nil
	}

	if current := pipeline.CurrentStepName(); msg.Step != current {
		return o.handleOutOfOrder(ctx, pipeline, msg, logger)
	}

	working := pipeline.Clone()
	working.State = core.PipelineStateRunning

	logger.Debug("invoking handler", "attempt", working.Attempts+1, "deliveries", delivery.Deliveries)
	success, updated, invokeErr := handler.Invoke(ctx, working)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Already dispatched side effects stay; the message is redelivered.
		return ctxErr
	}
	if updated == nil {
		updated = working
	}
	if invokeErr == nil && !success {
		invokeErr = goerr.New("handler reported failure")
	}

	if invokeErr != nil {
		return o.handleFailure(ctx, updated, msg, invokeErr, logger)
	}

	updated.MoveToNextStep()
	if updated.Complete() {
		updated.State = core.PipelineStateCompleted
		if err := o.save(ctx, updated); err != nil {
			return err
		}
		logger.Info("pipeline completed")
		return nil
	}

	updated.State = core.PipelineStateRunning
	if err := o.save(ctx, updated); err != nil {
		return err
	}
	next := queue.Message{
		Index:       updated.Index,
		DocumentID:  updated.DocumentID,
		ExecutionID: updated.ExecutionID,
		Step:        updated.CurrentStepName(),
	}
	if err := o.transport.Enqueue(ctx, next.Step, next, 0); err != nil {
		return goerr.Wrap(errors.Join(ErrEnqueue, err), "failed to enqueue next step", goerr.V("step", next.Step))
	}
	logger.Debug("step completed", "next_step", next.Step)
	return nil
}

// handleOutOfOrder deals with a message whose step is not the pipeline's
// current step. A message for the step just before the pointer means the
// previous worker persisted the transition but may have crashed before
// enqueueing the follow-up, so the current step is queued again.
func (o *Orchestrator) handleOutOfOrder(ctx context.Context, pipeline *core.DataPipeline, msg queue.Message, logger *slog.Logger) error {
	pos := slices.Index(pipeline.Steps, msg.Step)
	switch {
	case pos < 0 || pos > pipeline.CurrentStep:
		logger.Warn("dropping message for a step the pipeline has not reached", "current_step", pipeline.CurrentStepName())
		return nil
	case pos == pipeline.CurrentStep-1 && pipeline.State == core.PipelineStateRunning:
		next := queue.Message{
			Index:       pipeline.Index,
			DocumentID:  pipeline.DocumentID,
			ExecutionID: pipeline.ExecutionID,
			Step:        pipeline.CurrentStepName(),
			Attempt:     pipeline.Attempts,
		}
		if err := o.transport.Enqueue(ctx, next.Step, next, 0); err != nil {
			return goerr.Wrap(errors.Join(ErrEnqueue, err), "failed to re-enqueue current step", goerr.V("step", next.Step))
		}
		logger.Debug("duplicate message, current step re-enqueued", "current_step", next.Step)
		return nil
	default:
		logger.Debug("dropping duplicate message", "current_step", pipeline.CurrentStepName())
		return nil
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, pipeline *core.DataPipeline, msg queue.Message, cause error, logger *slog.Logger) error {
	pipeline.Attempts++
	pipeline.LastError = cause.Error()

	if o.retry.Exhausted(pipeline.Attempts) {
		pipeline.State = core.PipelineStateFailed
		if err := o.save(ctx, pipeline); err != nil {
			return err
		}
		logger.Error("pipeline failed, retry budget exhausted", "attempts", pipeline.Attempts, "err", cause)
		return nil
	}

	pipeline.State = core.PipelineStateRunning
	if err := o.save(ctx, pipeline); err != nil {
		return err
	}
	delay := o.retry.Delay(pipeline.Attempts)
	retry := msg
	retry.Attempt = pipeline.Attempts
	if err := o.transport.Enqueue(ctx, retry.Step, retry, delay); err != nil {
		return goerr.Wrap(errors.Join(ErrEnqueue, err), "failed to schedule retry", goerr.V("step", retry.Step))
	}
	logger.Warn("step failed, retry scheduled", "attempts", pipeline.Attempts, "delay", delay, "err", cause)
	return nil
}

// Run starts the worker pool and polls the queue of every registered step
// until ctx is cancelled. It blocks until all workers have stopped. Workers
// already started when an error is returned stop with ctx.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.poolSize; i++ {
		wg.Add(1)
		worker := i
		if err := o.pool.Submit(func() {
			defer wg.Done()
			o.workerLoop(ctx, worker)
		}); err != nil {
			wg.Done()
			return goerr.Wrap(err, "failed to start worker", goerr.V("worker", worker))
		}
	}
	o.logger.Info("workers started", "count", o.poolSize, "steps", o.HandledSteps())
	wg.Wait()
	o.logger.Info("workers stopped")
	return nil
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) {
	logger := o.logger.With("worker", worker)
	for ctx.Err() == nil {
		processed := false
		for _, step := range o.HandledSteps() {
			ok, err := o.ProcessNext(ctx, step)
			if err != nil && ctx.Err() == nil {
				logger.Error("failed to process message", "step", step, "err", err)
			}
			processed = processed || ok
		}
		if processed {
			continue
		}
		timer := time.NewTimer(o.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunUntilIdle processes messages on the calling goroutine until no
// registered queue has a visible message. Delayed retries that are not yet
// visible are left in the queue.
func (o *Orchestrator) RunUntilIdle(ctx context.Context) error {
	for {
		processed := false
		for _, step := range o.HandledSteps() {
			ok, err := o.ProcessNext(ctx, step)
			if err != nil {
				return err
			}
			processed = processed || ok
		}
		if !processed {
			return nil
		}
	}
}
