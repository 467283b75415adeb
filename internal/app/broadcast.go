package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiz-session-service/internal/domain"
	"go.uber.org/zap"
)

// FanOut sends every event to all broadcasters and joins their errors.
// ErrNotDelivered from one broadcaster is dropped when another accepted the
// event, since a relay delivers to recipients held elsewhere.
type FanOut []Broadcaster

func (f FanOut) SendToConnection(ctx context.Context, connectionID string, event domain.Event) error {
	return f.each(func(b Broadcaster) error { return b.SendToConnection(ctx, connectionID, event) })
}

func (f FanOut) SendToRoom(ctx context.Context, roomCode string, event domain.Event) error {
	return f.each(func(b Broadcaster) error { return b.SendToRoom(ctx, roomCode, event) })
}

func (f FanOut) each(send func(Broadcaster) error) error {
	var (
		errs     []error
		accepted bool
	)
	for _, b := range f {
		if err := send(b); err != nil {
			errs = append(errs, err)
		} else {
			accepted = true
		}
	}
	if !accepted {
		return errors.Join(errs...)
	}
	failed := errs[:0]
	for _, err := range errs {
		if !errors.Is(err, ErrNotDelivered) {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// Dispatcher runs fire-and-forget tasks off the request path. Failures are
// logged and never reach the caller that scheduled the task.
type Dispatcher struct {
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(log *zap.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{log: log, timeout: timeout}
}

// Go schedules fn with its own timeout, detached from any request context.
func (d *Dispatcher) Go(task string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("async task panicked", zap.String("task", task), zap.Error(fmt.Errorf("%v", r)))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Warn("async task failed", zap.String("task", task), zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled task has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
