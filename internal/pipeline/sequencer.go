// Package pipeline runs incidents through analysis and fix publication,
// one at a time per application.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull means an app's queue is at capacity. The occurrence is
// already recorded by then; the poll loop requeues the incident later.
var ErrQueueFull = errors.New("app queue full")

// RunFunc executes one remediation run. The context carries the run
// ceiling and is canceled when the incident is deleted mid-run.
type RunFunc func(ctx context.Context, appID, incidentID string)

// Sequencer serializes remediation per application. Each app gets a
// bounded FIFO channel drained by a single worker goroutine, so "at most
// one active run per app" holds by construction instead of by locking.
// Apps are fully independent: one app's slow run never delays another's.
type Sequencer struct {
	run      RunFunc
	capacity int
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]chan string
	queued  map[string]struct{}           // incident ids waiting or running
	active  map[string]string             // app id -> incident id being processed
	cancels map[string]context.CancelFunc // incident id -> cancel for its run
}

// NewSequencer creates a Sequencer. capacity bounds each app's queue and
// timeout caps a single run so a stuck run cannot hold its app's slot
// forever.
func NewSequencer(run RunFunc, capacity int, timeout time.Duration) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		run:      run,
		capacity: capacity,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string]chan string),
		queued:   make(map[string]struct{}),
		active:   make(map[string]string),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Enqueue appends an incident to its app's queue, starting the app's
// worker on first use. An incident already waiting or running is left
// alone, so periodic requeue sweeps cannot double-run anything. A full
// queue returns ErrQueueFull; the incident stays open in the store and
// the poll loop will requeue it.
func (s *Sequencer) Enqueue(appID, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.queued[incidentID]; dup {
		return nil
	}

	ch, ok := s.queues[appID]
	if !ok {
		ch = make(chan string, s.capacity)
		s.queues[appID] = ch
		s.wg.Add(1)
		go s.worker(appID, ch)
	}

	select {
	case ch <- incidentID:
		s.queued[incidentID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w: app %s, incident %s", ErrQueueFull, appID, incidentID)
	}
}

// Cancel aborts the in-flight run for an incident, if any. The app's
// worker then moves on to the next queued incident. Queued but inactive
// incidents are not removed here; the run skips them at dequeue once
// their row is gone.
func (s *Sequencer) Cancel(incidentID string) {
	s.mu.Lock()
	cancel := s.cancels[incidentID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelApp drains an app's queue and aborts its in-flight run. Used on
// disconnect; the worker goroutine stays parked and is harmless.
func (s *Sequencer) CancelApp(appID string) {
	s.mu.Lock()
	ch := s.queues[appID]
	var cancel context.CancelFunc
	if id, ok := s.active[appID]; ok {
		cancel = s.cancels[id]
	}
	s.mu.Unlock()

	if ch != nil {
	drain:
		for {
			select {
			case id := <-ch:
				s.mu.Lock()
				delete(s.queued, id)
				s.mu.Unlock()
				slog.Debug("dropping queued incident for disconnected app",
					"app", appID,
					"incident", id)
			default:
				break drain
			}
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Active returns the incident currently holding an app's slot, if any.
func (s *Sequencer) Active(appID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[appID]
	return id, ok
}

// Pending returns how many incidents are queued (not active) for an app.
func (s *Sequencer) Pending(appID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[appID])
}

// Stop cancels all in-flight runs and waits for workers to exit.
func (s *Sequencer) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sequencer) worker(appID string, ch chan string) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case incidentID := <-ch:
			s.process(appID, incidentID)
		}
	}
}

// process runs one incident inside the app's slot. The slot is released
// on every exit path, including panic-free cancellation and timeout,
// because release is just returning to the worker loop.
func (s *Sequencer) process(appID, incidentID string) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)

	s.mu.Lock()
	s.active[appID] = incidentID
	s.cancels[incidentID] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, appID)
		delete(s.cancels, incidentID)
		delete(s.queued, incidentID)
		s.mu.Unlock()
		cancel()
	}()

	s.run(ctx, appID, incidentID)
}
