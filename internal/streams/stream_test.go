package streams

import (
	"math/rand"
	"testing"

	"github.com/m-lab/bloat/pkg/bloat1/model"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestStream_CounterFrozenAfterTermination(t *testing.T) {
	s := &stream{direction: model.DirectionDownload}
	s.active.Store(true)
	s.credit(100)
	s.active.Store(false)
	s.credit(100)
	if got := s.bytes.Load(); got != 100 {
		t.Errorf("counter is %d after termination, want 100", got)
	}
}
