package measurer

import (
	"context"
	"testing"
	"time"

	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/tcp"
)

// fakeConn implements the subset of netx.ConnInfo the measurer uses.
type fakeConn struct {
	supported bool
}

func (f *fakeConn) ByteCounters() (uint64, uint64) { return 0, 0 }
func (f *fakeConn) AcceptTime() time.Time          { return time.Now() }
func (f *fakeConn) UUID() (string, error)          { return "fake-uuid", nil }
func (f *fakeConn) SetCC(string) error             { return nil }
func (f *fakeConn) GetCC() (string, error)         { return "cubic", nil }

func (f *fakeConn) TCPInfo() (*tcp.LinuxTCPInfo, error) {
	if !f.supported {
		return nil, tcpinfox.ErrNoSupport
	}
	return &tcp.LinuxTCPInfo{RTT: 1000}, nil
}

func TestMeasurer_Snapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	snapshots := Start(ctx, &fakeConn{supported: true})

	select {
	case m, ok := <-snapshots:
		if !ok {
			t.Fatal("snapshot channel closed early")
		}
		if m.TCPInfo == nil || m.TCPInfo.RTT != 1000 {
			t.Errorf("unexpected snapshot: %+v", m)
		}
		if m.ElapsedTime < 0 {
			t.Errorf("negative elapsed time %d", m.ElapsedTime)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot produced")
	}

	// The channel must be closed once the context is canceled.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-snapshots:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("snapshot channel not closed after cancellation")
		}
	}
}

func TestMeasurer_NoSupport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots := Start(ctx, &fakeConn{supported: false})

	// No snapshots are produced on unsupported platforms, but the channel
	// stays open until cancellation.
	select {
	case m, ok := <-snapshots:
		if ok {
			t.Errorf("unexpected snapshot %+v", m)
		}
	case <-time.After(500 * time.Millisecond):
	}
}
