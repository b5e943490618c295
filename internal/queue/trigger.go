package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Trigger periodically invokes the dispatcher's run cycle on a cron
// schedule. A tick is skipped when the previous run is still going, so a
// slow batch never stacks concurrent cycles from the same process.
type Trigger struct {
	dispatcher *Dispatcher
	cron       *cron.Cron
	logger     *slog.Logger
	running    atomic.Bool
}

// NewTrigger creates a Trigger firing RunOnce on the given cron spec,
// e.g. "@every 15s".
func NewTrigger(dispatcher *Dispatcher, spec string, log *slog.Logger) (*Trigger, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}

	t := &Trigger{
		dispatcher: dispatcher,
		cron:       cron.New(),
		logger:     log,
	}

	if _, err := t.cron.AddFunc(spec, t.tick); err != nil {
		return nil, errors.Join(errors.New("invalid poll interval spec"), err)
	}

	return t, nil
}

// Start begins firing run cycles. It returns immediately; ticks run on the
// cron scheduler's goroutine.
func (t *Trigger) Start() {
	t.cron.Start()
	t.logger.Info("queue trigger started")
}

// Stop halts the schedule and waits for an in-flight tick to finish.
func (t *Trigger) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.logger.Info("queue trigger stopped")
}

func (t *Trigger) tick() {
	if !t.running.CompareAndSwap(false, true) {
		t.logger.Debug("skipping tick, previous run still in progress")
		return
	}
	defer t.running.Store(false)

	if _, err := t.dispatcher.RunOnce(context.Background(), 0); err != nil {
		t.logger.Error("scheduled run cycle failed", "error", err)
	}
}
