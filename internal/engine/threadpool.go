package engine

// EnterLooper marks a process's first, permanent reader thread (spec §4.3).
// A process is expected to call this exactly once, from the thread that
// will loop for its whole lifetime; calling it twice on the same worker is
// a user error (spec §4.6's stop-on-user-error policy decides what happens
// next, outside the engine's concern).
func (b *Broker) EnterLooper(proc *Process) *Worker {
	w := proc.registerWorker()
	w.State = WorkerEntered
	return w
}

// RegisterLooper marks a dynamically spawned thread as joining the pool in
// response to a prior SPAWN_LOOPER ask, clearing the backpressure latch so
// a future burst of work can ask for another thread (spec §4.3).
func (b *Broker) RegisterLooper(proc *Process) *Worker {
	w := proc.registerWorker()
	w.State = WorkerRegistered
	if proc.RequestedSpawns > 0 {
		proc.RequestedSpawns--
	}
	b.hooks.OnThreadSpawned()
	return w
}

// maybeRequestSpawn asks proc for one more thread when work is piling up on
// its process-level Todo with no idle worker to hand it to and no spawn
// already outstanding (spec §4.3's backpressure invariant: at most one
// SPAWN_LOOPER request in flight at a time).
func (b *Broker) maybeRequestSpawn(proc *Process) {
	if proc.RequestedSpawns > 0 {
		return
	}
	if proc.MaxThreads > 0 && uint32(proc.ActiveWorkerCount()) >= proc.MaxThreads {
		return
	}
	proc.RequestedSpawns++

	for _, w := range proc.Workers {
		if w.Waiting {
			w.NeedsReturn = &WorkItem{Kind: WorkSpawnLooperRequest}
			return
		}
	}
	proc.Todo.PushFront(&WorkItem{Kind: WorkSpawnLooperRequest})
}

// ParkWorker marks w as blocked with nothing to do, making it eligible for
// direct delivery by call-stealing or reply targeting (spec §4.4). Callers
// (the codec's Read implementation) call this immediately before actually
// blocking and UnparkWorker immediately after being woken.
func (b *Broker) ParkWorker(w *Worker) {
	w.Waiting = true
	w.Owner.parkedWaiters++
}

func (b *Broker) UnparkWorker(w *Worker) {
	if w.Waiting {
		w.Waiting = false
		w.Owner.parkedWaiters--
	}
}

// ExitLooper retires w. Any transactions still on its stack are treated as
// failed replies to unblock their original callers (spec §4.3's EXIT_LOOPER
// unwind), mirroring the same send_failed_reply path a normal reply
// failure takes.
func (b *Broker) ExitLooper(w *Worker) {
	w.State = WorkerExited
	b.UnparkWorker(w)
	for {
		t := w.pop()
		if t == nil {
			break
		}
		if t.FromWorker != nil && t.FromWorker != w {
			b.sendFailedReply(t)
		}
	}
	delete(w.Owner.Workers, w.ID)
}

// FlushProcess forces every worker of proc out of its blocking read with
// no data, regardless of what is on its own queue (spec §6 FLUSH). Unlike
// RELEASE, this does not tear the process down — a flushed looper is
// expected to immediately read again.
func (b *Broker) FlushProcess(proc *Process) {
	proc.Deferred.Flush = true
	for _, w := range proc.Workers {
		w.NeedsReturn = &WorkItem{Kind: WorkFlush}
	}
	b.cond.Broadcast()
	proc.Deferred.Flush = false
}

// SetMaxThreads updates proc's thread pool ceiling (spec §6
// set_max_threads), the figure maybeRequestSpawn's backpressure check is
// measured against.
func (b *Broker) SetMaxThreads(proc *Process, n uint32) {
	proc.MaxThreads = n
}

// Poll reports whether w has anything waiting for it on its next read
// (spec §6 poll): its own queue, a pending fast-path return, or (for a
// process-ready worker) work sitting on the shared process queue.
func (b *Broker) Poll(w *Worker) bool {
	if w.Todo.Len() > 0 || w.NeedsReturn != nil {
		return true
	}
	return w.Owner.Todo.Len() > 0
}
