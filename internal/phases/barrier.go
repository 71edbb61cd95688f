package phases

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/bloat/internal/streams"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
)

// errBarrierVerification is returned when streams survived every
// verification round and the registry had to be forcibly reset.
var errBarrierVerification = errors.New("active streams survived barrier verification")

// Registry is the stream manager surface the barrier needs.
type Registry interface {
	TerminateAll()
	ActiveCounts() streams.Counts
	Reset()
}

// Barrier is the synchronous checkpoint run at every phase boundary. It
// guarantees that no load stream is in flight when the next phase starts.
type Barrier struct {
	registry Registry
}

// NewBarrier returns a Barrier draining the given registry.
func NewBarrier(registry Registry) *Barrier {
	return &Barrier{registry: registry}
}

// Wait terminates every active stream, waits a fixed quiescence interval,
// then polls the registry with exponentially spaced delays until it is
// empty. If streams survive every round the registry is forcibly reset and
// an error is returned; callers log it and continue, a barrier never aborts
// a transition.
func (b *Barrier) Wait(ctx context.Context) error {
	b.registry.TerminateAll()
	barrierSleep(ctx, spec.QuiescenceWait)

	delay := spec.VerifyInitialDelay
	for round := 0; round < spec.MaxVerifyRounds; round++ {
		counts := b.registry.ActiveCounts()
		if counts.Total == 0 {
			return nil
		}
		log.Debug("barrier verification round", "round", round,
			"active", counts.Total)
		barrierSleep(ctx, delay)
		delay *= 2
		if delay > spec.VerifyMaxDelay {
			delay = spec.VerifyMaxDelay
		}
	}
	log.Warn("barrier verification failed, forcing registry reset",
		"active", b.registry.ActiveCounts().Total)
	b.registry.Reset()
	return errBarrierVerification
}

func barrierSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
