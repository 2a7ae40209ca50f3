package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/odalys-dev/comfyrelay/internal/model"
)

// DefaultDeadline is the per-request deadline applied when none is
// configured.
const DefaultDeadline = 300 * time.Second

// notifyTimeout bounds the notification call made from a fired timer.
const notifyTimeout = 30 * time.Second

// timeoutContent is the fixed message shown when a request times out.
const timeoutContent = "⚠️ Generation timed out after 5 minutes"

// TimeoutNotifier is the supervisor's view of the notification collaborator:
// replace the target message's content with the given text.
type TimeoutNotifier interface {
	UpdateContent(ctx context.Context, req *model.PendingRequest, content string) error
}

// Supervisor arms a cancellable deadline timer per request. When a deadline
// elapses before Disarm, the supervisor removes the registry entry and emits
// the timeout notification. The registry's atomic Remove guarantees that at
// most one of {timeout, terminal delivery} performs these side effects.
type Supervisor struct {
	registry *Registry
	notifier TimeoutNotifier
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor bound to the given registry and
// notification collaborator.
func NewSupervisor(reg *Registry, notifier TimeoutNotifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		registry: reg,
		notifier: notifier,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Arm starts the deadline timer for a request. Arming an id that already has
// a timer replaces the old timer.
func (s *Supervisor) Arm(id string, deadline time.Duration) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[id]; ok && old.Stop() {
		s.wg.Done()
	}

	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(deadline, func() {
		s.expire(id, t)
	})
	s.timers[id] = t
}

// Disarm cancels the timer for a request. It is idempotent and safe to call
// after the timer has fired; the registry removal decides the race, not the
// timer state.
func (s *Supervisor) Disarm(id string) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if ok && t.Stop() {
		// Timer never fired; release the wait slot held for its callback.
		s.wg.Done()
	}
}

// expire runs in the timer goroutine when a deadline elapses.
func (s *Supervisor) expire(id string, t *time.Timer) {
	defer s.wg.Done()

	s.mu.Lock()
	if cur, ok := s.timers[id]; ok && cur == t {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	req, ok := s.registry.Remove(id)
	if !ok {
		// Terminal delivery won the race; nothing to do.
		return
	}

	timeoutsTotal.Inc()
	s.logger.Warn("request timed out", "request_id", id, "user_id", req.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.UpdateContent(ctx, req, timeoutContent); err != nil {
		s.logger.Error("timeout notification failed", "request_id", id, "error", err)
	}
}

// Wait blocks until every armed timer has been released and all fired
// callbacks have finished. With timers still armed it blocks until their
// deadlines; use Shutdown for teardown.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels all outstanding timers and waits for any callbacks that
// already fired to finish. Cancelled entries stay in the registry; shutdown
// is not a timeout.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for id, t := range s.timers {
		delete(s.timers, id)
		if t.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}
