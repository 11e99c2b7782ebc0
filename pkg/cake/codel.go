package cake

import "math"

// codelParams holds the two operator-facing Controlled Delay knobs (spec
// §4.4, §6): target is the sojourn threshold, interval is the control loop
// period. Shared by every flow's CoDel instance in the scheduler.
type codelParams struct {
	target   Time
	interval Time
}

// codelVars is the per-flow CoDel state embedded in every Flow (spec §3,
// §4.4): count/lastCount/dropping/dropNext drive the inverse-sqrt dropping
// schedule; firstAboveTime arms the "sustained for interval" test;
// dropCount/ecnMark are running tallies, cleared when an idle flow is
// readmitted.
type codelVars struct {
	count          uint32
	lastCount      uint32
	dropping       bool
	dropNext       Time
	firstAboveTime Time
	dropCount      uint32
	ecnMark        uint32
}

// controlLaw schedules the next drop at base + interval/sqrt(count), the
// textbook CoDel inverse-square-root backoff.
func controlLaw(base, interval Time, count uint32) Time {
	if count == 0 {
		count = 1
	}
	return base + Time(float64(interval)/math.Sqrt(float64(count)))
}

// codelReentrySmoothing bounds how quickly a flow that just stopped
// dropping can ramp back into a high drop count if it immediately exceeds
// target again (spec §4.4, "re-entry smoothing if last exit was recent").
const codelReentrySmoothing = 16

// shouldDrop implements spec §4.4 step 3: ok_to_drop is true when sojourn
// exceeds target and either the excess has been sustained for a full
// interval, or the caller forces it (memory pressure).
func (f *Flow) shouldDrop(pkt *Packet, now Time, params codelParams, force bool) bool {
	sojourn := now - pkt.EnqueueTime
	if sojourn < params.target {
		f.cvars.firstAboveTime = 0
		return false
	}
	if force {
		return true
	}
	if f.cvars.firstAboveTime == 0 {
		f.cvars.firstAboveTime = now + params.interval
		return false
	}
	return now >= f.cvars.firstAboveTime
}

// markOrDrop attempts an ECN mark (spec §6's ECN-mark collaborator) before
// falling back to a drop. Returns true if the packet was marked and
// survives; false if it was dropped.
func (f *Flow) markOrDrop(pkt *Packet) bool {
	if pkt.Mark != nil && pkt.Mark() {
		pkt.Marked = true
		f.cvars.ecnMark++
		return true
	}
	pkt.Dropped = true
	f.cvars.dropCount++
	f.dropped++
	return false
}

// codelDequeue implements the per-flow CoDel AQM of spec §4.4: pop the
// head, decide whether it (or a run of successors) should be ECN-marked or
// dropped, and return the packet that ultimately gets transmitted, or nil
// if the flow's backlog was exhausted by drops. onPop, if non-nil, is
// invoked once for every packet popped off the flow's FIFO during this
// call — including ones subsequently dropped — so the caller can reconcile
// tin- and scheduler-level backlog accounting for each one.
func (f *Flow) codelDequeue(now Time, params codelParams, force bool, onPop func(*Packet)) *Packet {
	pop := func() *Packet {
		p := f.popHead()
		if p != nil && onPop != nil {
			onPop(p)
		}
		return p
	}

	pkt := pop()
	if pkt == nil {
		f.cvars.dropping = false
		return nil
	}

	drop := f.shouldDrop(pkt, now, params, force)

	if f.cvars.dropping {
		if !drop {
			f.cvars.dropping = false
			return pkt
		}
		for f.cvars.dropping && now >= f.cvars.dropNext {
			f.cvars.count++
			if f.markOrDrop(pkt) {
				f.cvars.dropNext = controlLaw(f.cvars.dropNext, params.interval, f.cvars.count)
				return pkt
			}
			pkt = pop()
			if pkt == nil {
				f.cvars.dropping = false
				return nil
			}
			drop = f.shouldDrop(pkt, now, params, force)
			if !drop {
				f.cvars.dropping = false
				break
			}
			f.cvars.dropNext = controlLaw(f.cvars.dropNext, params.interval, f.cvars.count)
		}
		return pkt
	}

	if drop {
		marked := f.markOrDrop(pkt)
		if !marked {
			pkt = pop()
			if pkt == nil {
				return nil
			}
		}
		f.cvars.dropping = true
		count := f.cvars.count - f.cvars.lastCount
		if count > 1 && now-f.cvars.dropNext < codelReentrySmoothing*params.interval {
			f.cvars.count = count
		} else {
			f.cvars.count = 1
		}
		f.cvars.lastCount = f.cvars.count
		f.cvars.dropNext = controlLaw(now, params.interval, f.cvars.count)
	}

	return pkt
}
