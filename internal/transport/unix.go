package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ipcbroker/ipcbroker/internal/codec"
	"github.com/ipcbroker/ipcbroker/internal/engine"
	"github.com/ipcbroker/ipcbroker/internal/logging"
	"github.com/ipcbroker/ipcbroker/internal/wire"
)

// Frame kinds, sent as the first byte of every message so the peer knows
// whether to treat the call as a plain write_read or a blocking read (spec
// §6's read call has no write-side equivalent of its own framing since the
// device-file boundary passed explicit buffer lengths instead).
const (
	frameWriteRead byte = iota
	frameBlockingRead
	frameSetMaxThreads
	framePoll
	frameFlush
	frameVersion
)

// writeFrame writes [kind byte][u32 LE length][payload] to w.
func writeFrame(w io.Writer, kind byte, payload []byte) error {
	header := getFrame(5)
	defer putFrame(header)
	header[0] = kind
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (kind byte, payload []byte, err error) {
	header := getFrame(5)
	defer putFrame(header)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	kind = header[0]
	n := binary.LittleEndian.Uint32(header[1:5])
	if n == 0 {
		return kind, nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

// unixConn is the client side of the socket transport: one net.Conn per
// worker thread, carrying internal/wire's command stream unmodified.
type unixConn struct {
	nc     net.Conn
	mu     sync.Mutex
	closed bool
}

// Dial connects to a broker listening at path. It sends no handshake: the
// server registers the connection's worker (spec §4.3's ENTER_LOOPER) on
// accept.
func Dial(path string) (Conn, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return &unixConn{nc: nc}, nil
}

func (c *unixConn) WriteRead(write []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := writeFrame(c.nc, frameWriteRead, write); err != nil {
		return nil, err
	}
	_, read, err := readFrame(c.nc)
	return read, err
}

func (c *unixConn) BlockingRead(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := writeFrame(c.nc, frameBlockingRead, nil); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.nc.Close()
			case <-done:
			}
		}()
		defer close(done)
	}
	_, read, err := readFrame(c.nc)
	return read, err
}

func (c *unixConn) ThreadExit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	cmd := wire.PutHeader(nil, uint32(wire.CmdExitLooper))
	if err := writeFrame(c.nc, frameWriteRead, cmd); err != nil {
		return
	}
	_, _, _ = readFrame(c.nc)
}

func (c *unixConn) SetMaxThreads(n uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, n)
	if err := writeFrame(c.nc, frameSetMaxThreads, payload); err != nil {
		return
	}
	_, _, _ = readFrame(c.nc)
}

func (c *unixConn) Poll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if err := writeFrame(c.nc, framePoll, nil); err != nil {
		return false
	}
	_, payload, err := readFrame(c.nc)
	if err != nil || len(payload) < 1 {
		return false
	}
	return payload[0] != 0
}

func (c *unixConn) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := writeFrame(c.nc, frameFlush, nil); err != nil {
		return
	}
	_, _, _ = readFrame(c.nc)
}

func (c *unixConn) Version() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	if err := writeFrame(c.nc, frameVersion, nil); err != nil {
		return 0
	}
	_, payload, err := readFrame(c.nc)
	if err != nil || len(payload) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(payload)
}

// Close implements spec §6's release(): dropping the socket causes the
// server's accept loop to observe EOF and run the same TeardownProcess
// path a graceful release would (see Server.handle's deferred cleanup).
func (c *unixConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.nc.Close()
}

// Server accepts connections on a Unix socket, admitting each one as a
// fresh engine.Process (spec §6's open + mmap) and serving frames on it
// for the lifetime of the connection.
type Server struct {
	Broker     *engine.Broker
	ArenaSize  int
	MaxThreads uint32
	log        *logging.Logger

	listener net.Listener
}

// NewServer constructs a Server; call Serve to start accepting.
func NewServer(b *engine.Broker, arenaSize int, maxThreads uint32, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{Broker: b, ArenaSize: arenaSize, MaxThreads: maxThreads, log: log}
}

// Serve listens on path and blocks handling connections until ctx is
// canceled or Close is called.
func (s *Server) Serve(ctx context.Context, path string) error {
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", path, err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	euid := uint32(0)
	if cred, ok := peerCredEUID(nc); ok {
		euid = cred
	}

	s.Broker.Lock()
	proc, err := s.Broker.NewProcess(s.ArenaSize, euid, s.MaxThreads)
	if err != nil {
		s.Broker.Unlock()
		s.log.Error("admit process failed", "err", err)
		return
	}
	worker := s.Broker.EnterLooper(proc)
	s.Broker.Unlock()

	session := codec.NewSession(s.Broker, proc, worker, s.log)

	defer func() {
		s.Broker.Lock()
		s.Broker.ExitLooper(worker)
		_ = s.Broker.TeardownProcess(proc)
		s.Broker.Unlock()
	}()

	for {
		kind, payload, err := readFrame(nc)
		if err != nil {
			return
		}
		var read []byte
		var rerr error
		replyKind := frameWriteRead
		switch kind {
		case frameBlockingRead:
			read, rerr = session.BlockingRead(ctx)

		case frameSetMaxThreads:
			if len(payload) >= 4 {
				s.Broker.Lock()
				s.Broker.SetMaxThreads(proc, binary.LittleEndian.Uint32(payload))
				s.Broker.Unlock()
			}

		case framePoll:
			s.Broker.Lock()
			ready := s.Broker.Poll(worker)
			s.Broker.Unlock()
			b := byte(0)
			if ready {
				b = 1
			}
			read = []byte{b}
			replyKind = framePoll

		case frameFlush:
			s.Broker.Lock()
			s.Broker.FlushProcess(proc)
			s.Broker.Unlock()

		case frameVersion:
			read = make([]byte, 4)
			binary.LittleEndian.PutUint32(read, ProtocolVersion)
			replyKind = frameVersion

		default:
			read, rerr = session.WriteRead(payload)
		}
		if rerr != nil {
			return
		}
		if err := writeFrame(nc, replyKind, read); err != nil {
			return
		}
	}
}
