package engine

import (
	"testing"

	"github.com/ipcbroker/ipcbroker/internal/wire"
)

// TestHandleTranslationAcrossThreeProcesses covers spec §8 scenario 2: A
// publishes a node that B forwards on to C, and the handle each hop assigns
// is the smallest unused descriptor in that hop's own process.
func TestHandleTranslationAcrossThreeProcesses(t *testing.T) {
	b := newTestBroker(t)
	a, _ := b.NewProcess(64*1024, 0, 4)
	bp, _ := b.NewProcess(64*1024, 0, 4)
	c, _ := b.NewProcess(64*1024, 0, 4)
	wa := b.EnterLooper(a)
	wb := b.EnterLooper(bp)
	wc := b.EnterLooper(c)
	b.ParkWorker(wb)
	b.ParkWorker(wc)

	if err := b.SetContextManager(bp, 1, 1, 0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}

	// A -> B, handing over a fresh local node.
	obj := &wire.FlatObject{Type: wire.ObjTypeBinder, Ptr: 0x1000, Cookie: 0x2000}
	t1, err := b.Transact(wa, &TransactionRequest{
		Handle: wire.ContextManagerDescriptor, Code: 1, DataSize: 8, OffsetsSize: 8,
		Objects: []*wire.FlatObject{obj},
	})
	if err != nil {
		t.Fatalf("A->B Transact: %v", err)
	}
	if obj.Type != wire.ObjTypeHandle {
		t.Fatalf("B's view of the object should be a handle, got %v", obj.Type)
	}
	hB := obj.Handle
	if hB != 1 {
		t.Errorf("first descriptor B sees = %d, want 1 (smallest free)", hB)
	}
	node := bp.RefsByDesc[hB].Target
	if node.Owner != a {
		t.Fatalf("node owner = %v, want A", node.Owner)
	}

	// B must reply before its worker is free to originate a new call; reply
	// first so wb is idle again.
	if _, err := b.Reply(wb, &ReplyRequest{DataSize: 4}); err != nil {
		t.Fatalf("B replies to A: %v", err)
	}
	_ = t1

	// B -> C, forwarding the handle it was just given, by having B call C
	// directly (B needs a handle on C; use a second context-manager-style
	// direct reference since only one global context manager exists).
	nodeC := b.findOrCreateNode(c, 0x9000, 0x9001)
	refBtoC := bp.newReference(nodeC, bp.allocDesc())

	fwd := &wire.FlatObject{Type: wire.ObjTypeHandle, Handle: hB}
	_, err = b.Transact(wb, &TransactionRequest{
		Handle: refBtoC.Desc, Code: 2, DataSize: 8, OffsetsSize: 8,
		Objects: []*wire.FlatObject{fwd},
	})
	if err != nil {
		t.Fatalf("B->C Transact: %v", err)
	}
	if fwd.Type != wire.ObjTypeHandle {
		t.Fatalf("C's view of the forwarded object should be a handle, got %v", fwd.Type)
	}
	hC := fwd.Handle
	if hC != 1 {
		t.Errorf("first descriptor C sees = %d, want 1 (smallest free in its own process)", hC)
	}
	if c.RefsByDesc[hC].Target != node {
		t.Error("C's reference should resolve to the same underlying node A published")
	}

	// Releasing both intermediate references should bring the node's
	// internal strong count back to zero.
	if err := b.Release(bp, hB); err != nil {
		t.Fatalf("Release on B: %v", err)
	}
	if err := b.Release(c, hC); err != nil {
		t.Fatalf("Release on C: %v", err)
	}
	if node.InternalStrong != 0 {
		t.Errorf("node.InternalStrong = %d, want 0 after both intermediaries release", node.InternalStrong)
	}
}

// TestDeathNotificationRace covers spec §8 scenario 3: a CLEAR_DEATH racing
// an already-queued DEAD_BINDER promotes to a combined delivery instead of
// silently dropping one side.
func TestDeathNotificationRace(t *testing.T) {
	b := newTestBroker(t)
	server, _ := b.NewProcess(64*1024, 0, 4)
	client, _ := b.NewProcess(64*1024, 0, 4)
	b.EnterLooper(server)
	b.EnterLooper(client)
	b.SetContextManager(server, 1, 1, 0)

	node := b.contextManager
	ref := client.newReference(node, client.allocDesc())
	node.InternalWeak++
	ref.Weak++

	if err := b.RequestDeath(client, ref.Desc, 0xc0ffee); err != nil {
		t.Fatalf("RequestDeath: %v", err)
	}
	if err := b.TeardownProcess(server); err != nil {
		t.Fatalf("TeardownProcess: %v", err)
	}

	// DEAD_BINDER is now queued on client.Todo but not yet "read"; clearing
	// now must promote it rather than just acking the clear.
	if err := b.ClearDeath(client, ref.Desc, 0xc0ffee); err != nil {
		t.Fatalf("ClearDeath: %v", err)
	}
	if client.Todo.Len() != 1 {
		t.Fatalf("client todo = %d, want 1 (combined dead+clear item)", client.Todo.Len())
	}
	item := client.Todo.Pop()
	if item.Kind != WorkDeadBinderAndClear {
		t.Fatalf("work kind = %v, want WorkDeadBinderAndClear", item.Kind)
	}

	// The reader acks the dead-binder half; the clear-done half is still
	// owed and must surface once, never a second DEAD_BINDER.
	b.DeadBinderDone(client, 0xc0ffee)
	if client.Todo.Len() != 1 {
		t.Fatalf("client todo after ack = %d, want 1 (clear-done ack)", client.Todo.Len())
	}
	ackItem := client.Todo.Pop()
	if ackItem.Kind != WorkClearDeathAck {
		t.Errorf("ack kind = %v, want WorkClearDeathAck", ackItem.Kind)
	}
	if client.Todo.Len() != 0 {
		t.Error("client must never see a second DEAD_BINDER for the same cookie")
	}
}

// TestCallStealing covers spec §8 scenario 5: a nested synchronous call from
// B back into A is routed directly to A's worker that is already blocked
// waiting on the outer call, instead of through A's process-wide dispatch.
func TestCallStealing(t *testing.T) {
	b := newTestBroker(t)
	a, _ := b.NewProcess(64*1024, 0, 4)
	bp, _ := b.NewProcess(64*1024, 0, 4)
	wa := b.EnterLooper(a)
	wb := b.EnterLooper(bp)
	b.ParkWorker(wb)

	if err := b.SetContextManager(bp, 1, 1, 0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}

	tAB, err := b.Transact(wa, &TransactionRequest{Handle: wire.ContextManagerDescriptor, Code: 10, DataSize: 8})
	if err != nil {
		t.Fatalf("A->B Transact: %v", err)
	}
	if tAB.ToWorker != wb {
		t.Fatalf("A's call should have landed on B's parked worker")
	}

	nodeA := b.findOrCreateNode(a, 0x5000, 0x6000)
	refBtoA := bp.newReference(nodeA, bp.allocDesc())

	tBA, err := b.Transact(wb, &TransactionRequest{Handle: refBtoA.Desc, Code: 20, DataSize: 8})
	if err != nil {
		t.Fatalf("B->A Transact: %v", err)
	}
	if tBA.ToWorker != wa {
		t.Fatalf("call-stealing should have routed B's nested call directly to A's blocked worker wa, got %v", tBA.ToWorker)
	}

	if _, err := b.Reply(wa, &ReplyRequest{DataSize: 4}); err != nil {
		t.Fatalf("A replies to nested call: %v", err)
	}
	if len(wa.Stack) != 1 || wa.top() != tAB {
		t.Fatalf("A should be back to waiting only on the outer call tAB")
	}

	if _, err := b.Reply(wb, &ReplyRequest{DataSize: 4}); err != nil {
		t.Fatalf("B replies to outer call: %v", err)
	}
	if len(wa.Stack) != 0 {
		t.Error("A's stack should be empty once the outer call is answered")
	}
}

// TestReplyBuildFailureUnwindsCaller covers spec §8 scenario 6: a failure
// while building a reply (here, the caller's arena is exhausted) must not
// leave the caller blocked, and must not leave the callee's buffer
// reservation leaked.
func TestReplyBuildFailureUnwindsCaller(t *testing.T) {
	b := newTestBroker(t)
	a, _ := b.NewProcess(4096, 0, 4)
	bp, _ := b.NewProcess(64*1024, 0, 4)
	wa := b.EnterLooper(a)
	wb := b.EnterLooper(bp)
	b.ParkWorker(wb)
	b.SetContextManager(bp, 1, 1, 0)

	if _, err := b.Transact(wa, &TransactionRequest{Handle: wire.ContextManagerDescriptor, Code: 1, DataSize: 8}); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	// Exhaust A's arena out-of-band so the reply build has nowhere to land.
	// 4064 leaves a 32-byte remainder, too small to host another header
	// (headerOverhead+4 == 36), so the whole 4096-byte arena is absorbed.
	if _, err := a.Arena.Alloc(4064, 0, false); err != nil {
		t.Fatalf("priming allocation to exhaust A's arena: %v", err)
	}

	if _, err := b.Reply(wb, &ReplyRequest{DataSize: 100}); err == nil {
		t.Fatal("expected Reply to fail once A's arena is exhausted")
	}

	if len(wa.Stack) != 0 {
		t.Error("A's caller frame should have been popped even though the reply failed")
	}
	if wa.Todo.Len() != 1 {
		t.Fatalf("A todo = %d, want 1 (the synthesized failed reply)", wa.Todo.Len())
	}
	item := wa.Todo.Pop()
	if item.Kind != WorkTransaction || item.Txn == nil || !item.Txn.Failed || !item.Txn.IsReply {
		t.Errorf("expected a failed-reply work item, got %+v", item)
	}
}

// TestTransactOrphanedNodeFailsDeadTarget covers spec §4.4.1's "Fail with
// DEAD_REPLY if the target node has no owning process": a reference that
// outlives its node's owner (spec §3.2 invariant 2's orphan set) must make
// a subsequent call against it fail cleanly, not panic.
func TestTransactOrphanedNodeFailsDeadTarget(t *testing.T) {
	b := newTestBroker(t)
	server, _ := b.NewProcess(64*1024, 0, 4)
	client, _ := b.NewProcess(64*1024, 0, 4)
	b.EnterLooper(server)
	clientWorker := b.EnterLooper(client)
	b.SetContextManager(server, 1, 1, 0)

	node := b.contextManager
	ref := client.newReference(node, client.allocDesc())
	node.InternalStrong++
	ref.Strong++

	if err := b.TeardownProcess(server); err != nil {
		t.Fatalf("TeardownProcess: %v", err)
	}
	if node.Owner != nil {
		t.Fatal("node should be orphaned once its owner tears down")
	}

	if _, err := b.Transact(clientWorker, &TransactionRequest{Handle: ref.Desc, Code: 1, DataSize: 8}); err != ErrDeadTarget {
		t.Fatalf("Transact against an orphaned node's handle = %v, want ErrDeadTarget", err)
	}
}

// TestTransactionPayloadRoundTrip covers spec §8 scenario 1: the receiver
// of a transaction observes the sender's actual payload bytes, and a
// reply's payload is likewise copied into place for the original caller —
// not left as the zero-filled pages Arena.Alloc starts a buffer from.
func TestTransactionPayloadRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	a, _ := b.NewProcess(64*1024, 0, 4)
	bp, _ := b.NewProcess(64*1024, 0, 4)
	wa := b.EnterLooper(a)
	wb := b.EnterLooper(bp)
	b.ParkWorker(wb)
	if err := b.SetContextManager(bp, 1, 1, 0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}

	txn, err := b.Transact(wa, &TransactionRequest{
		Handle: wire.ContextManagerDescriptor, Code: 1,
		Data: []byte{0xAA, 0xBB}, DataSize: 2,
	})
	if err != nil {
		t.Fatalf("A->B Transact: %v", err)
	}
	got, err := bp.Arena.Region().Kernel(txn.Buffer.Offset, 2)
	if err != nil {
		t.Fatalf("reading B's delivered buffer: %v", err)
	}
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("B observed %v, want [0xAA 0xBB]", got)
	}

	reply, err := b.Reply(wb, &ReplyRequest{Data: []byte{0xCC}, DataSize: 1})
	if err != nil {
		t.Fatalf("B replies: %v", err)
	}
	got, err = a.Arena.Region().Kernel(reply.Buffer.Offset, 1)
	if err != nil {
		t.Fatalf("reading A's reply buffer: %v", err)
	}
	if got[0] != 0xCC {
		t.Fatalf("A observed reply %v, want [0xCC]", got)
	}
}

// TestFreeBufferReleasesObjectTable covers spec §4.4.4: freeing a delivered
// buffer releases every reference its object table recorded, not merely the
// buffer's own arena span, and refuses to run at all before the buffer has
// actually been shown to the receiver.
func TestFreeBufferReleasesObjectTable(t *testing.T) {
	b := newTestBroker(t)
	a, _ := b.NewProcess(64*1024, 0, 4)
	bp, _ := b.NewProcess(64*1024, 0, 4)
	wa := b.EnterLooper(a)
	b.EnterLooper(bp)
	if err := b.SetContextManager(bp, 1, 1, 0); err != nil {
		t.Fatalf("SetContextManager: %v", err)
	}

	obj := &wire.FlatObject{Type: wire.ObjTypeBinder, Ptr: 0x1000, Cookie: 0x2000}
	txn, err := b.Transact(wa, &TransactionRequest{
		Handle: wire.ContextManagerDescriptor, Code: 1, OffsetsSize: wire.FlatObjectSize,
		Objects: []*wire.FlatObject{obj},
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if len(txn.Buffer.Objects) != 1 || txn.Buffer.Objects[0].Ref == nil {
		t.Fatalf("expected one handle entry in the delivered buffer's object table, got %+v", txn.Buffer.Objects)
	}
	node := txn.Buffer.Objects[0].Ref.Target
	if node.InternalStrong != 1 {
		t.Fatalf("node.InternalStrong = %d, want 1 after delivery", node.InternalStrong)
	}

	if err := b.FreeBuffer(bp, txn.Buffer.Offset); err != ErrBufferNotDeliverable {
		t.Fatalf("FreeBuffer before delivery = %v, want ErrBufferNotDeliverable", err)
	}

	txn.Buffer.AllowUserFree = true
	if err := b.FreeBuffer(bp, txn.Buffer.Offset); err != nil {
		t.Fatalf("FreeBuffer: %v", err)
	}
	if node.InternalStrong != 0 {
		t.Errorf("node.InternalStrong = %d, want 0 once FreeBuffer released its object table", node.InternalStrong)
	}
	if _, ok := bp.RefsByDesc[obj.Handle]; ok {
		t.Error("B's reference should have been dropped once FreeBuffer released it")
	}
}

// TestDescriptorStability covers spec §8's descriptor-stability property: an
// existing reference's descriptor never changes, and newly issued
// descriptors are always the smallest positive integer not currently in
// use.
func TestDescriptorStability(t *testing.T) {
	b := newTestBroker(t)
	p, _ := b.NewProcess(64*1024, 0, 4)

	n1 := b.findOrCreateNode(p, 1, 1)
	n2 := b.findOrCreateNode(p, 2, 2)
	n3 := b.findOrCreateNode(p, 3, 3)

	r1 := p.newReference(n1, p.allocDesc())
	r2 := p.newReference(n2, p.allocDesc())
	r3 := p.newReference(n3, p.allocDesc())
	if r1.Desc != 1 || r2.Desc != 2 || r3.Desc != 3 {
		t.Fatalf("expected sequential descriptors 1,2,3, got %d,%d,%d", r1.Desc, r2.Desc, r3.Desc)
	}

	r2.drop()
	n4 := b.findOrCreateNode(p, 4, 4)
	r4 := p.newReference(n4, p.allocDesc())
	if r4.Desc != 2 {
		t.Errorf("descriptor after freeing 2 = %d, want 2 (smallest free)", r4.Desc)
	}
	if r1.Desc != 1 || r3.Desc != 3 {
		t.Error("existing references' descriptors must never change")
	}
}
