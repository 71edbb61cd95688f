// Package phases implements ordered phase execution with an enforced
// barrier between phases: a phase-start event is only published once no
// load stream from the previous phase is left in flight.
package phases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/eventbus"
	"github.com/m-lab/bloat/pkg/bloat1/model"
)

// ErrInvalidTransition is returned when a phase is started out of order. It
// is fatal for the session.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Controller owns the current phase identity and the phase history.
type Controller struct {
	bus     *eventbus.Bus
	barrier *Barrier

	mu           sync.Mutex
	sessionStart time.Time
	current      model.Phase
	ended        bool
	history      []model.PhaseRecord
}

// NewController returns a Controller publishing transitions on bus and
// draining registry at every phase boundary.
func NewController(bus *eventbus.Bus, registry Registry) *Controller {
	return &Controller{
		bus:     bus,
		barrier: NewBarrier(registry),
	}
}

// StartPhase ends the current phase (if any), awaits the barrier, then
// records and announces the new phase. It fails with ErrInvalidTransition
// if kind is not the next expected phase.
func (c *Controller) StartPhase(ctx context.Context, kind model.Phase) error {
	c.mu.Lock()
	expected := c.nextLocked()
	c.mu.Unlock()
	if kind != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrInvalidTransition, kind, expected)
	}

	c.EndPhase(ctx)

	c.mu.Lock()
	now := time.Now()
	if c.sessionStart.IsZero() {
		c.sessionStart = now
	}
	c.current = kind
	c.ended = false
	c.history = append(c.history, model.PhaseRecord{
		Phase:     kind,
		StartTime: now,
	})
	elapsed := now.Sub(c.sessionStart)
	c.mu.Unlock()

	log.Info("phase started", "phase", kind, "elapsed", elapsed)
	c.bus.Publish(eventbus.TopicPhase, model.PhaseEvent{
		Type:        model.PhaseStart,
		Phase:       kind,
		Timestamp:   now,
		ElapsedTime: elapsed,
	})
	return nil
}

// EndPhase records the current phase's end instant, announces it and
// invokes the barrier. Ending an already-ended phase is a no-op, which
// makes StartPhase(X); StartPhase(Y) equivalent to
// StartPhase(X); EndPhase(); StartPhase(Y).
func (c *Controller) EndPhase(ctx context.Context) {
	c.mu.Lock()
	if c.current == "" || c.ended {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.ended = true
	c.history[len(c.history)-1].EndTime = now
	phase := c.current
	elapsed := now.Sub(c.sessionStart)
	c.mu.Unlock()

	log.Info("phase ended", "phase", phase, "elapsed", elapsed)
	c.bus.Publish(eventbus.TopicPhase, model.PhaseEvent{
		Type:        model.PhaseEnd,
		Phase:       phase,
		Timestamp:   now,
		ElapsedTime: elapsed,
	})
	if err := c.barrier.Wait(ctx); err != nil {
		log.Warn("phase barrier reported an error", "phase", phase, "error", err)
	}
}

// nextLocked returns the only phase that may legally start next.
func (c *Controller) nextLocked() model.Phase {
	if c.current == "" {
		return model.Order[0]
	}
	for i, p := range model.Order {
		if p == c.current && i+1 < len(model.Order) {
			return model.Order[i+1]
		}
	}
	// The session is complete: no further phase is legal.
	return ""
}

// Current returns the current phase, or the empty Phase before the session
// starts.
func (c *Controller) Current() model.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// PhaseElapsed returns the time elapsed since the current phase started.
func (c *Controller) PhaseElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return 0
	}
	return time.Since(c.history[len(c.history)-1].StartTime)
}

// TotalElapsed returns the time elapsed since the session started.
func (c *Controller) TotalElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionStart.IsZero() {
		return 0
	}
	return time.Since(c.sessionStart)
}

// History returns a copy of the phase transition history.
func (c *Controller) History() []model.PhaseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]model.PhaseRecord, len(c.history))
	copy(history, c.history)
	return history
}
