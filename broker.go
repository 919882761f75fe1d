package ipcbroker

import (
	"context"

	"github.com/ipcbroker/ipcbroker/internal/config"
	"github.com/ipcbroker/ipcbroker/internal/engine"
	"github.com/ipcbroker/ipcbroker/internal/logging"
	"github.com/ipcbroker/ipcbroker/internal/transport"
)

// ProtocolVersion is the wire protocol version reported by a connection's
// version() call (spec §6).
const ProtocolVersion = transport.ProtocolVersion

// Broker is the embeddable entry point: it owns the object/transaction
// engine plus (optionally) a listening transport, and reports everything
// through Metrics/Observer the way a long-running service needs to.
//
// Example:
//
//	b, err := ipcbroker.New(nil)
//	conn, err := b.Connect()  // in-process client, e.g. for an embedded service
//	defer conn.Close()
type Broker struct {
	engine  *engine.Broker
	config  *config.Config
	logger  *logging.Logger
	metrics *Metrics

	server *transport.Server
}

// Options configures a Broker. A nil Options uses config.Default().
type Options struct {
	Config   *config.Config
	Logger   *logging.Logger
	Observer Observer
}

// New creates a Broker. It does not start listening on any transport until
// Serve is called; callers that only want to embed the engine directly can
// use Connect immediately.
func New(opts *Options) (*Broker, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.Config{
			Level:  logging.ParseLevel(cfg.Logging.Level),
			Format: cfg.Logging.Format,
		})
	}

	metrics := NewMetrics()
	eng := engine.NewBroker(logger, cfg.StopOnUserError)
	eng.SetHooks(&engineHooks{observer: NewMetricsObserver(metrics), extra: opts.Observer})

	return &Broker{
		engine:  eng,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// engineHooks adapts the public Observer interface to engine.Hooks, always
// feeding the broker's own Metrics and additionally fanning out to a
// caller-supplied Observer when one was configured via Options.
type engineHooks struct {
	observer Observer
	extra    Observer
}

func (h *engineHooks) OnTransaction(dataSize int, oneWay bool) {
	h.observer.ObserveTransaction(uint64(dataSize), oneWay)
	if h.extra != nil {
		h.extra.ObserveTransaction(uint64(dataSize), oneWay)
	}
}

func (h *engineHooks) OnReply(dataSize int, latencyNs uint64, failed bool) {
	h.observer.ObserveReply(uint64(dataSize), latencyNs, failed)
	if h.extra != nil {
		h.extra.ObserveReply(uint64(dataSize), latencyNs, failed)
	}
}

func (h *engineHooks) OnBufferAllocFailure(asyncQuota bool) {
	h.observer.ObserveBufferAllocFailure(asyncQuota)
	if h.extra != nil {
		h.extra.ObserveBufferAllocFailure(asyncQuota)
	}
}

func (h *engineHooks) OnDeathNotification() {
	h.observer.ObserveDeathNotification()
	if h.extra != nil {
		h.extra.ObserveDeathNotification()
	}
}

func (h *engineHooks) OnProcessTornDown() {
	h.observer.ObserveProcessTornDown()
	if h.extra != nil {
		h.extra.ObserveProcessTornDown()
	}
}

func (h *engineHooks) OnThreadSpawned() {
	h.observer.ObserveThreadSpawned()
	if h.extra != nil {
		h.extra.ObserveThreadSpawned()
	}
}

var _ engine.Hooks = (*engineHooks)(nil)

// Connect admits a new process and returns an in-process transport.Conn
// for it — the embedding path, with no socket round trip (spec §6's open
// + mmap, served directly).
func (b *Broker) Connect() (transport.Conn, error) {
	b.engine.Lock()
	proc, err := b.engine.NewProcess(b.config.ArenaSize, 0, b.config.MaxThreads)
	b.engine.Unlock()
	if err != nil {
		return nil, WrapError("CONNECT", err)
	}
	return transport.NewInProcessConn(b.engine, proc), nil
}

// Serve starts a Unix-socket listener at b.config.ListenPath and blocks
// until ctx is canceled or the listener fails.
func (b *Broker) Serve(ctx context.Context) error {
	b.server = transport.NewServer(b.engine, b.config.ArenaSize, b.config.MaxThreads, b.logger)
	b.logger.Info("broker listening", "path", b.config.ListenPath)
	return b.server.Serve(ctx, b.config.ListenPath)
}

// Close stops the listening transport, if any.
func (b *Broker) Close() error {
	b.metrics.Stop()
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// Metrics returns the broker's live metrics counters.
func (b *Broker) Metrics() *Metrics { return b.metrics }

// MetricsSnapshot returns a point-in-time snapshot of the broker's metrics.
func (b *Broker) MetricsSnapshot() MetricsSnapshot { return b.metrics.Snapshot() }

// ConnectAsContextManager admits a new process exactly like Connect, and
// additionally installs its (ptr, cookie) node as the broker-wide context
// manager (spec §4.7) — the one node every other process can reach at
// descriptor 0 without having first received a reference to it by other
// means. Only one process may hold this role at a time.
func (b *Broker) ConnectAsContextManager(ptr, cookie uint64) (transport.Conn, error) {
	b.engine.Lock()
	proc, err := b.engine.NewProcess(b.config.ArenaSize, 0, b.config.MaxThreads)
	if err != nil {
		b.engine.Unlock()
		return nil, WrapError("CONNECT", err)
	}
	if err := b.engine.SetContextManager(proc, ptr, cookie, 0); err != nil {
		b.engine.Unlock()
		return nil, WrapError("SET_CONTEXT_MANAGER", err)
	}
	b.engine.Unlock()
	return transport.NewInProcessConn(b.engine, proc), nil
}
