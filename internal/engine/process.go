package engine

import "github.com/google/uuid"

// DeferredFlags accumulates the teardown work a process still owes once
// its last reference to the broker drops, mirroring binder_proc's
// deferred_work bitmask (spec §4.6: "release is deferred until outstanding
// transactions referencing the process have drained").
type DeferredFlags struct {
	Flush   bool
	Release bool
}

func (d DeferredFlags) Any() bool { return d.Flush || d.Release }

// Process is one connected client of the broker (spec §3.1, components C3
// and C7). It owns a buffer arena, the set of Nodes it has published, the
// set of References it holds into other processes' Nodes, and the pool of
// Workers reading on its behalf.
type Process struct {
	ID         ProcessID
	ExternalID uuid.UUID
	EUID       uint32

	Arena *Arena

	Nodes map[NodeID]*Node // nodes this process owns

	RefsByDesc map[uint32]*Reference
	RefsByNode map[NodeID]*Reference

	Workers      map[uint64]*Worker
	nextWorkerID uint64

	// MaxThreads is the ceiling SET_MAX_THREADS established; RequestedSpawns
	// counts SPAWN_LOOPER asks outstanding but not yet satisfied by a
	// REGISTER_LOOPER (spec §4.3's backpressure rule: never ask for a new
	// thread while one is already being spawned).
	MaxThreads      uint32
	RequestedSpawns uint32

	Todo WorkQueue

	DeliveredDeaths []*DeathSubscription

	Deferred DeferredFlags
	Dead     bool // teardown has fully completed; registry entry kept only for lookups already in flight

	// parkedWaiters is incremented/decremented around a worker blocking in
	// Read with an empty queue and is reported by HasIdleWorker. The
	// transaction target-selection pass does not consult it; it checks
	// each worker's Waiting flag instead.
	parkedWaiters int
}

func newProcess(id ProcessID, externalID uuid.UUID, arena *Arena, euid uint32, maxThreads uint32) *Process {
	return &Process{
		ID:         id,
		ExternalID: externalID,
		EUID:       euid,
		Arena:      arena,
		Nodes:      make(map[NodeID]*Node),
		RefsByDesc: make(map[uint32]*Reference),
		RefsByNode: make(map[NodeID]*Reference),
		Workers:    make(map[uint64]*Worker),
		MaxThreads: maxThreads,
	}
}

// registerWorker adds a fresh Worker bound to this process and returns it.
// The caller (Broker.EnterLooper/RegisterLooper) assigns its initial state.
func (p *Process) registerWorker() *Worker {
	p.nextWorkerID++
	w := newWorker(p.nextWorkerID, p)
	p.Workers[w.ID] = w
	return w
}

// HasIdleWorker reports whether some worker is parked in Read with nothing
// to do, making it a valid direct-wake target for a new transaction (spec
// §4.4).
func (p *Process) HasIdleWorker() bool { return p.parkedWaiters > 0 }

// ActiveWorkerCount counts workers that have entered the loop and not yet
// exited — the figure SPAWN_LOOPER backpressure is measured against.
func (p *Process) ActiveWorkerCount() int {
	n := 0
	for _, w := range p.Workers {
		if w.State == WorkerEntered || w.State == WorkerRegistered {
			n++
		}
	}
	return n
}
