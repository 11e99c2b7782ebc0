package cake

// flowListKind records which of a tin's two lists a Flow currently belongs
// to, satisfying the invariant that a flow is on exactly one of
// {detached, new-flows, old-flows} (spec §3).
type flowListKind uint8

const (
	flowDetached flowListKind = iota
	flowOnNew
	flowOnOld
)

// Flow is a per-hash-bucket subqueue (spec §3): a FIFO of packets, a signed
// DRR deficit, a drop counter, and an embedded CoDel instance. Flows live in
// a fixed-size array owned by their Tin and are never reallocated; list
// membership is tracked with intrusive prev/next pointers rather than a
// separate container, mirroring the kernel's list_head usage.
type Flow struct {
	idx        uint32 // position within the owning Tin's flows array
	head, tail *Packet
	backlog    uint32 // bytes currently queued in this flow

	deficit int32
	dropped uint32

	cvars codelVars

	on       flowListKind
	listPrev *Flow
	listNext *Flow
}

// empty reports whether the flow's FIFO holds no packets.
func (f *Flow) empty() bool {
	return f.head == nil
}

// pushTail enqueues a packet at the tail of the flow's FIFO.
func (f *Flow) pushTail(p *Packet) {
	p.next = nil
	if f.tail == nil {
		f.head = p
	} else {
		f.tail.next = p
	}
	f.tail = p
	f.backlog += p.Len
}

// popHead dequeues the packet at the head of the flow's FIFO, or returns
// nil if empty.
func (f *Flow) popHead() *Packet {
	p := f.head
	if p == nil {
		return nil
	}
	f.head = p.next
	if f.head == nil {
		f.tail = nil
	}
	p.next = nil
	f.backlog -= p.Len
	return p
}

// flowList is a FIFO of Flows linked intrusively through Flow.listPrev/
// listNext, used for a tin's new-flows and old-flows lists (spec §4.3).
type flowList struct {
	head, tail *Flow
	kind       flowListKind
}

func (l *flowList) empty() bool {
	return l.head == nil
}

func (l *flowList) pushTail(f *Flow) {
	f.on = l.kind
	f.listPrev = l.tail
	f.listNext = nil
	if l.tail != nil {
		l.tail.listNext = f
	} else {
		l.head = f
	}
	l.tail = f
}

func (l *flowList) popFront() *Flow {
	f := l.head
	if f == nil {
		return nil
	}
	l.remove(f)
	return f
}

func (l *flowList) front() *Flow {
	return l.head
}

// remove detaches f from this list; it is the caller's responsibility to
// know f is actually a member of l.
func (l *flowList) remove(f *Flow) {
	if f.listPrev != nil {
		f.listPrev.listNext = f.listNext
	} else {
		l.head = f.listNext
	}
	if f.listNext != nil {
		f.listNext.listPrev = f.listPrev
	} else {
		l.tail = f.listPrev
	}
	f.listPrev = nil
	f.listNext = nil
	f.on = flowDetached
}
