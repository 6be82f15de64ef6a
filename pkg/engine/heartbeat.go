package engine

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/dukex/taskflow/pkg/mutex"
)

// heartbeatLoop renews the leases of loaded instances, their running
// executions and held mutex keys.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.heartbeat(ctx)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	for _, rt := range e.snapshot() {
		rt.mu.Lock()

		if !rt.closed {
			e.renew(ctx, rt)
		}

		rt.mu.Unlock()
	}
}

// renew is called with rt.mu held.
func (e *Engine) renew(ctx context.Context, rt *instanceRuntime) {
	err := e.commit(ctx, rt, func(s *step) error {
		for _, id := range rt.flightIDs() {
			fl := rt.flights[id]

			leased := *fl.exec
			leased.LeaseOwner = e.cfg.EngineInstanceID
			leased.HeartbeatAt = &s.now
			s.exec(&leased)

			s.then(func() { fl.exec = &leased })
		}

		return nil
	})

	switch {
	case errors.Is(err, errNotOwner):
		e.logger.WarnContext(ctx, "Instance taken over by another engine", "instance_id", rt.id, "error", err)
		e.drop(rt)

		return
	case err != nil:
		e.logger.ErrorContext(ctx, "Failed to renew instance lease", "instance_id", rt.id, "error", err)
	}

	if !rt.holdsMutex || rt.inst.MutexKey == nil {
		return
	}

	key := *rt.inst.MutexKey

	err = e.mutexes.Renew(ctx, key, rt.id, e.cfg.LeaseGracePeriod)
	if errors.Is(err, mutex.ErrNotHolder) {
		e.logger.ErrorContext(ctx, "Mutex lease lost", "instance_id", rt.id, "mutex_key", key)
		rt.holdsMutex = false
		e.enqueue(rt.id)

		return
	}

	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to renew mutex lease", "instance_id", rt.id, "mutex_key", key, "error", err)
	}
}

// mutexPollLoop re-ticks instances waiting for a mutex key, which also keeps
// their place in the queue alive.
func (e *Engine) mutexPollLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.MutexPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, id := range e.waitingForMutex() {
				e.enqueue(id)
			}
		}
	}
}

func (e *Engine) waitingForMutex() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for _, waiters := range e.mutexWaiters {
		ids = append(ids, slices.Collect(maps.Keys(waiters))...)
	}

	slices.Sort(ids)

	return ids
}
