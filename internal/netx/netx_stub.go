//go:build !linux
// +build !linux

package netx

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrNoSupport is returned on platforms where the underlying file
// descriptor is not available.
var ErrNoSupport = errors.New("operation not supported on this platform")

func fromTCPConn(tc *net.TCPConn) (*Conn, error) {
	// On non-Linux systems TCP_INFO and TCP_CONGESTION are not supported:
	// the file pointer is not needed.
	return &Conn{
		Conn:       tc,
		acceptTime: time.Now(),
	}, nil
}

func setCC(*os.File, string) error {
	return ErrNoSupport
}

func getCC(*os.File) (string, error) {
	return "", ErrNoSupport
}
