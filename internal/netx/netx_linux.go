package netx

import (
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoSupport is returned on platforms where the underlying file
// descriptor is not available.
var ErrNoSupport = errors.New("operation not supported on this platform")

func fromTCPConn(tc *net.TCPConn) (*Conn, error) {
	// Note: File() duplicates the underlying file descriptor. The
	// duplicate is independently closed by Conn.Close.
	fp, err := tc.File()
	if err != nil {
		return nil, err
	}
	return &Conn{
		Conn:       tc,
		fp:         fp,
		acceptTime: time.Now(),
	}, nil
}

func setCC(fp *os.File, cc string) error {
	return unix.SetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP,
		unix.TCP_CONGESTION, cc)
}

func getCC(fp *os.File) (string, error) {
	return unix.GetsockoptString(int(fp.Fd()), unix.IPPROTO_TCP,
		unix.TCP_CONGESTION)
}
