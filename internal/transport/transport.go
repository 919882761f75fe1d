// Package transport stands in for spec.md §6's "out of scope" device-file
// boundary: the per-process write_read call plus the handful of lifecycle
// operations (open/map/set_max_threads/thread_exit) a real client issues
// around it. internal/engine and internal/codec never import this package;
// it only calls them.
package transport

import (
	"context"
	"errors"

	"github.com/ipcbroker/ipcbroker/internal/codec"
	"github.com/ipcbroker/ipcbroker/internal/engine"
)

// ErrClosed is returned by a Conn method after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one process's channel to the broker: write_read plus the
// lifecycle calls spec §6 lists as the external collaborator's job. A Conn
// is not safe for concurrent use by multiple goroutines issuing WriteRead
// at once — exactly like a real binder fd shared by a process's threads,
// each thread owns its own Conn (and its own Worker underneath).
type Conn interface {
	// WriteRead submits write as a batch of commands and returns whatever
	// return records were produced, without blocking for more work.
	WriteRead(write []byte) (read []byte, err error)

	// BlockingRead behaves like WriteRead(nil) but parks until work
	// arrives for this connection's worker or ctx is done, matching a
	// looper thread's steady-state read call (spec §4.3).
	BlockingRead(ctx context.Context) (read []byte, err error)

	// ThreadExit retires this connection's worker (spec §4.3 EXIT_LOOPER),
	// unwinding any transaction it had in flight.
	ThreadExit()

	// SetMaxThreads updates the process's thread pool ceiling (spec §6
	// set_max_threads).
	SetMaxThreads(n uint32)

	// Poll reports whether this connection's worker has pending work
	// (spec §6 poll).
	Poll() bool

	// Flush forces every worker of this connection's process out of its
	// blocking read with no data (spec §6 flush).
	Flush()

	// Version returns the wire protocol version (spec §6 version).
	Version() uint32

	Close() error
}

// ProtocolVersion is the wire protocol version spec §6's version() call
// reports.
const ProtocolVersion uint32 = 7

// inProcessConn drives the engine directly — no serialization round trip —
// for embedders that link the broker into their own process and for tests.
type inProcessConn struct {
	broker  *engine.Broker
	session *codec.Session
	closed  bool
}

// NewInProcessConn registers a fresh worker against proc (spec §4.3's
// ENTER_LOOPER) and returns a Conn driving it without going over a socket.
func NewInProcessConn(b *engine.Broker, proc *engine.Process) Conn {
	b.Lock()
	w := b.EnterLooper(proc)
	b.Unlock()
	return &inProcessConn{broker: b, session: codec.NewSession(b, proc, w, nil)}
}

func (c *inProcessConn) WriteRead(write []byte) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.session.WriteRead(write)
}

func (c *inProcessConn) BlockingRead(ctx context.Context) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.session.BlockingRead(ctx)
}

func (c *inProcessConn) ThreadExit() {
	c.broker.Lock()
	defer c.broker.Unlock()
	c.broker.ExitLooper(c.session.Worker)
}

func (c *inProcessConn) SetMaxThreads(n uint32) {
	c.broker.Lock()
	defer c.broker.Unlock()
	c.broker.SetMaxThreads(c.session.Process, n)
}

func (c *inProcessConn) Poll() bool {
	c.broker.Lock()
	defer c.broker.Unlock()
	return c.broker.Poll(c.session.Worker)
}

func (c *inProcessConn) Flush() {
	c.broker.Lock()
	defer c.broker.Unlock()
	c.broker.FlushProcess(c.session.Process)
}

func (c *inProcessConn) Version() uint32 { return ProtocolVersion }

// Close implements spec §6's release(): it tears the process down,
// orphaning its nodes, dropping its references, and releasing its arena
// (component C7's release order), matching what the real device file's
// close() triggers via binder_release.
func (c *inProcessConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.broker.Lock()
	defer c.broker.Unlock()
	c.broker.ExitLooper(c.session.Worker)
	return c.broker.TeardownProcess(c.session.Process)
}
