// Package netx provides network connections that track network-level byte
// counters and expose operations on the connection's underlying file
// descriptor: congestion control selection and TCP_INFO snapshots. The
// origin uses it to record kernel-level metrics next to the
// application-level counters reported by clients.
package netx

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"
)

// ConnInfo provides operations on a net.Conn's underlying file descriptor.
type ConnInfo interface {
	ByteCounters() (read, written uint64)
	TCPInfo() (*tcp.LinuxTCPInfo, error)
	AcceptTime() time.Time
	UUID() (string, error)
	SetCC(cc string) error
	GetCC() (string, error)
}

// ToConnInfo converts a net.Conn into a ConnInfo. It panics if netConn does
// not contain a type supporting ConnInfo.
func ToConnInfo(netConn net.Conn) ConnInfo {
	switch t := netConn.(type) {
	case *Conn:
		return t
	case *tls.Conn:
		return t.NetConn().(*Conn)
	default:
		panic(fmt.Sprintf("unsupported connection type: %T", t))
	}
}

// Conn is an extended net.Conn that stores its accept time, a duplicate of
// the underlying socket's file descriptor, and counters for read/written
// bytes.
type Conn struct {
	net.Conn

	fp         *os.File
	acceptTime time.Time

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Read reads from the underlying net.Conn and updates the read bytes
// counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes
// counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicate file descriptor.
func (c *Conn) Close() error {
	if c.fp != nil {
		c.fp.Close()
	}
	return c.Conn.Close()
}

// AcceptTime returns this connection's accept time.
func (c *Conn) AcceptTime() time.Time {
	return c.acceptTime
}

// TCPInfo returns the TCP_INFO struct associated with the underlying
// socket. It returns tcpinfox.ErrNoSupport on platforms that do not expose
// TCP_INFO.
func (c *Conn) TCPInfo() (*tcp.LinuxTCPInfo, error) {
	if c.fp == nil {
		return nil, tcpinfox.ErrNoSupport
	}
	return tcpinfox.GetTCPInfo(c.fp)
}

// SetCC sets the congestion control algorithm on the underlying file
// descriptor.
func (c *Conn) SetCC(cc string) error {
	if c.fp == nil {
		return ErrNoSupport
	}
	return setCC(c.fp, cc)
}

// GetCC returns the congestion control algorithm currently used by the
// underlying file descriptor.
func (c *Conn) GetCC() (string, error) {
	if c.fp == nil {
		return "", ErrNoSupport
	}
	return getCC(c.fp)
}

// UUID returns an M-Lab UUID for this flow. On platforms not supporting
// SO_COOKIE, it returns a google/uuid as a fallback. If the fallback fails,
// the process exits through rtx.Must.
func (c *Conn) UUID() (string, error) {
	if c.fp == nil {
		return fallbackUUID(), nil
	}
	id, err := uuid.FromFile(c.fp)
	if err != nil {
		id = fallbackUUID()
	}
	return id, nil
}

func fallbackUUID() string {
	gid, err := guuid.NewUUID()
	// NOTE: this could only fail when guuid.GetTime() fails.
	rtx.Must(err, "unable to fall back to uuid")
	return gid.String()
}

// Listener is a TCPListener whose accepted connections are netx.Conns.
type Listener struct {
	*net.TCPListener
}

// NewListener returns a netx.Listener.
func NewListener(l *net.TCPListener) *Listener {
	return &Listener{TCPListener: l}
}

// Accept accepts a connection and returns a netx.Conn recording the accept
// time and providing operations on the underlying file descriptor.
func (ln *Listener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	// The accept time is recorded immediately after AcceptTCP: it is the
	// closest thing to a reference start time for TCP_INFO metrics.
	c, err := FromTCPConn(tc)
	if err != nil {
		tc.Close()
		return nil, err
	}
	return c, nil
}

// FromTCPConn wraps a *net.TCPConn into a netx.Conn.
func FromTCPConn(tc *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tc)
}

type ctxKey struct{}

// SaveToContext stores a connection's ConnInfo in ctx. It is meant to be
// used from an http.Server's ConnContext, so handlers can reach the
// underlying connection.
func SaveToContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, ctxKey{}, ToConnInfo(c))
}

// FromContext returns the ConnInfo stored by SaveToContext, if any.
func FromContext(ctx context.Context) (ConnInfo, bool) {
	ci, ok := ctx.Value(ctxKey{}).(ConnInfo)
	return ci, ok
}
