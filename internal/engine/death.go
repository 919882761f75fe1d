package engine

// RequestDeath registers a death notification for the reference at desc in
// from's process, identified later by cookie (spec §4.5, component C5).
func (b *Broker) RequestDeath(from *Process, desc uint32, cookie uint64) error {
	ref, ok := from.RefsByDesc[desc]
	if !ok {
		return ErrUnknownHandle
	}
	if ref.Death != nil {
		return ErrDeathAlreadyRegistered
	}
	ref.Death = &DeathSubscription{Ref: ref, Cookie: cookie}
	if ref.Target.Owner == nil {
		// The target died before the subscription was even installed;
		// spec §4.5 says this still delivers immediately.
		b.deliverDeath(ref.Death)
	}
	return nil
}

// ClearDeath removes the death notification on desc. If a DEAD_BINDER is
// already in flight to the subscriber, the clear races it: spec §4.5 says
// both a DEAD_BINDER and a CLEAR_DEATH_NOTIFICATION_DONE are owed in that
// case rather than silently dropping one.
func (b *Broker) ClearDeath(from *Process, desc uint32, cookie uint64) error {
	ref, ok := from.RefsByDesc[desc]
	if !ok {
		return ErrUnknownHandle
	}
	d := ref.Death
	if d == nil || d.Cookie != cookie {
		return ErrDeathNotRegistered
	}
	d.Cleared = true
	ref.Death = nil

	if d.Sent {
		// Take the queued DEAD_BINDER work item off its queue, upgrade it
		// to the combined dead+clear kind and put it back at the head of
		// the same queue.
		q := &from.Todo
		item := q.Remove(func(w *WorkItem) bool { return w.Kind == WorkDeadBinder && w.Death == d })
		if item == nil {
			for _, w := range from.Workers {
				q = &w.Todo
				item = q.Remove(func(w *WorkItem) bool { return w.Kind == WorkDeadBinder && w.Death == d })
				if item != nil {
					break
				}
			}
		}
		if item != nil {
			item.Kind = WorkDeadBinderAndClear
			q.PushFront(item)
		} else {
			// Already delivered and presumably being acted on; the
			// DEAD_BINDER_DONE handler below will emit the clear-done ack.
		}
	} else {
		from.Todo.Push(&WorkItem{Kind: WorkClearDeathAck, Death: d})
	}
	return nil
}

// DeadBinderDone acknowledges a delivered DEAD_BINDER, matching spec §4.5's
// requirement that the broker not consider a death subscription fully
// retired until the subscriber confirms it processed the notice.
func (b *Broker) DeadBinderDone(from *Process, cookie uint64) {
	for i, d := range from.DeliveredDeaths {
		if d.Cookie == cookie {
			from.DeliveredDeaths = append(from.DeliveredDeaths[:i], from.DeliveredDeaths[i+1:]...)
			if d.Cleared {
				from.Todo.Push(&WorkItem{Kind: WorkClearDeathAck, Death: d})
			}
			return
		}
	}
}

// notifyDeath is called when a node's owner process goes away (spec §4.6
// orphaning), delivering a DEAD_BINDER to every reference with a live
// subscription.
func (b *Broker) notifyDeath(node *Node) {
	for _, ref := range node.Refs {
		if ref.Death != nil && !ref.Death.Sent {
			b.deliverDeath(ref.Death)
		}
	}
}

func (b *Broker) deliverDeath(d *DeathSubscription) {
	d.Sent = true
	proc := d.Ref.Owner
	proc.Todo.Push(&WorkItem{Kind: WorkDeadBinder, Death: d})
	proc.DeliveredDeaths = append(proc.DeliveredDeaths, d)
	b.hooks.OnDeathNotification()
}
