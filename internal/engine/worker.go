package engine

// WorkerState tracks a worker's position in the ENTER_LOOPER/
// REGISTER_LOOPER/EXIT_LOOPER state machine (spec §4.3, component C3).
type WorkerState int

const (
	WorkerUnregistered WorkerState = iota
	WorkerRegistered                // REGISTER_LOOPER: a spawned-on-demand worker
	WorkerEntered                    // ENTER_LOOPER: the process's own main loop worker
	WorkerExited
)

func (s WorkerState) String() string {
	switch s {
	case WorkerUnregistered:
		return "UNREGISTERED"
	case WorkerRegistered:
		return "REGISTERED"
	case WorkerEntered:
		return "ENTERED"
	case WorkerExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Worker is one reader thread of a Process (spec §4.3). A Worker's Stack
// holds the synchronous transactions it is waiting on replies for (as
// caller) or serving (as callee), innermost last — the stack spec §4.4's
// "call stealing" inspects to find an already-blocked peer to redirect a
// nested call to.
type Worker struct {
	ID    uint64
	Owner *Process
	State WorkerState

	Todo WorkQueue
	Stack []*Transaction

	// NeedsReturn carries a BR_* command the worker must see on its next
	// read before anything else, independent of Todo — spec §4.3's
	// "pending immediate return" (used for SPAWN_LOOPER requests and for
	// FlushProcess's forced return; failed replies go on Todo instead).
	NeedsReturn *WorkItem

	// Waiting is true while this worker is parked in Read() with an empty
	// Todo, making it eligible to be woken directly by a transaction
	// target-selection pass instead of just polling Todo (spec §4.4).
	Waiting bool
}

func newWorker(id uint64, owner *Process) *Worker {
	return &Worker{ID: id, Owner: owner, State: WorkerUnregistered}
}

// top returns the transaction this worker is currently nested inside reply
// delivery for, or nil if its stack is empty.
func (w *Worker) top() *Transaction {
	if len(w.Stack) == 0 {
		return nil
	}
	return w.Stack[len(w.Stack)-1]
}

func (w *Worker) push(t *Transaction) { w.Stack = append(w.Stack, t) }

func (w *Worker) pop() *Transaction {
	if len(w.Stack) == 0 {
		return nil
	}
	t := w.Stack[len(w.Stack)-1]
	w.Stack = w.Stack[:len(w.Stack)-1]
	return t
}
