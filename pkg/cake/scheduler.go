package cake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the combined shaper, classifier, fair-queue and AQM engine
// of spec §2. It carries no internal mutex (spec §5): Enqueue, Dequeue,
// Drop, Reset, Reconfigure and DumpStats are single-threaded cooperative
// operations, and a caller driving it from multiple goroutines must
// serialize its own calls.
type Scheduler struct {
	ID    string
	clock Clock
	cfg   Config

	hashSeed uint32

	tins     [maxTins]*Tin
	tinCnt   int
	tinIndex [64]uint8

	globalRate       shaperRate
	globalNextPacket Time
	cparams          codelParams

	bufferUsed  uint32
	bufferLimit uint32

	curTin int
	qlen   int
	seq    uint64

	overlimits uint64
	dropsTotal uint64

	nextWakeup Time
	haveWakeup bool
}

// New builds a Scheduler from cfg, or returns ErrConfigInvalid /
// ErrAllocFailed. A nil clock defaults to a SystemClock.
func New(cfg Config, clk Clock) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = NewSystemClock()
	}

	var seedBuf [4]byte
	if _, err := rand.Read(seedBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: seeding flow hasher: %v", ErrAllocFailed, err)
	}

	s := &Scheduler{
		ID:       uuid.NewString(),
		clock:    clk,
		hashSeed: binary.BigEndian.Uint32(seedBuf[:]),
	}

	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Config returns the scheduler's current configuration, satisfying the
// dump(config)/change(dumped) round-trip law of spec §8.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// tinPerturbation derives a per-tin hash seed from the scheduler's random
// instance seed, so rebuilding the same tin index always rehashes flows
// the same way within a process lifetime but differently across runs.
func (s *Scheduler) tinPerturbation(i int) uint32 {
	return s.hashSeed ^ (uint32(i) * 0x9e3779b1)
}

// Reconfigure applies a new Config (spec §6's "reconfigure" operation),
// resizing the active tin set, rederiving every shaper rate and DRR
// quantum, and recomputing the memory budget. Tins beyond the new count
// are drained, not freed, so a later widening reuses their flow arrays.
func (s *Scheduler) Reconfigure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	specs := tinSpecs(cfg.DiffservMode, cfg.BaseRate)
	newCnt := len(specs)

	for i := newCnt; i < maxTins; i++ {
		if s.tins[i] != nil {
			s.clearTin(s.tins[i])
		}
	}

	for i := 0; i < newCnt; i++ {
		if s.tins[i] == nil {
			s.tins[i] = newTin(s.tinPerturbation(i))
		}
		b := s.tins[i]
		rate, quantum := setRate(specs[i].rate)
		b.rate = rate
		b.quantum = quantum
		b.quantumPrio = specs[i].quantumPrio
		b.quantumBand = specs[i].quantumBand
	}

	s.tinCnt = newCnt
	s.tinIndex = buildTinIndex(cfg.DiffservMode)
	if s.curTin >= s.tinCnt {
		s.curTin = 0
	}

	s.globalRate, _ = setRate(cfg.BaseRate)
	s.cparams = codelParams{target: Time(cfg.Target), interval: Time(cfg.Interval)}
	s.bufferLimit = computeBufferLimit(cfg)
	s.cfg = cfg

	return nil
}

// computeBufferLimit derives the memory-pressure ceiling of spec §4.8: an
// explicit Memory override wins outright; otherwise a rate-proportional
// budget of four intervals' worth of bytes (rate * interval / 250ms),
// floored at 64KiB, and finally
// clamped against the default queue-length-times-MTU ceiling.
func computeBufferLimit(cfg Config) uint32 {
	var limit uint64

	switch {
	case cfg.Memory != 0:
		limit = uint64(cfg.Memory)
	case cfg.BaseRate != 0:
		intervalUs := uint64(cfg.Interval / time.Microsecond)
		limit = cfg.BaseRate * intervalUs / 250000
		if limit < 65536 {
			limit = 65536
		}
	default:
		limit = uint64(defaultQlenLimit) * mtu
	}

	ceiling := uint64(defaultQlenLimit) * mtu
	if uint64(cfg.Memory) > ceiling {
		ceiling = uint64(cfg.Memory)
	}
	if limit > ceiling {
		limit = ceiling
	}
	if limit > math.MaxUint32 {
		limit = math.MaxUint32
	}
	return uint32(limit)
}

// Reset drains every tin back to its empty state (spec §6's "reset"
// operation), discarding all queued packets without counting them as
// drops.
func (s *Scheduler) Reset() {
	for i := 0; i < maxTins; i++ {
		if s.tins[i] != nil {
			s.clearTin(s.tins[i])
		}
	}
	s.bufferUsed = 0
	s.qlen = 0
	s.curTin = 0
	s.globalNextPacket = 0
	s.nextWakeup = 0
	s.haveWakeup = false
}

func (s *Scheduler) clearTin(b *Tin) {
	for i := range b.flows {
		f := &b.flows[i]
		for f.head != nil {
			f.popHead()
		}
		f.deficit = 0
		f.cvars = codelVars{}
		f.on = flowDetached
		f.listPrev = nil
		f.listNext = nil
	}
	b.newFlows = flowList{kind: flowOnNew}
	b.oldFlows = flowList{kind: flowOnOld}
	b.backlog = 0
	b.bulkFlowCount = 0
	b.deficit = 0
	b.timeNextPacket = 0
}

// Enqueue classifies, hashes and admits pkt (spec §6's "enqueue"
// operation), segmenting it first if it is marked GSO. It returns
// ErrReshapeFailed if segmentation fails or is unavailable, and otherwise
// never refuses a packet outright: excess backlog is resolved by dropping
// the fattest flow, not by rejecting the newly arrived one.
func (s *Scheduler) Enqueue(pkt *Packet) error {
	now := s.clock.Now()

	tinIdx := classify(pkt, s.cfg.DiffservMode, s.tinIndex, s.tinCnt, s.cfg.Wash)
	b := s.tins[tinIdx]

	h := newHasher(b.perturbation, b.flowsCnt)
	flowIdx := h.index(pkt, s.cfg.FlowMode)
	f := &b.flows[flowIdx]

	segments := []*Packet{pkt}
	if pkt.GSO {
		if pkt.Segment == nil {
			return ErrReshapeFailed
		}
		segs, ok := pkt.Segment()
		if !ok {
			return ErrReshapeFailed
		}
		segments = segs
	}

	for _, seg := range segments {
		s.admitOne(b, f, seg, now)
	}

	for s.bufferLimit > 0 && s.bufferUsed > s.bufferLimit {
		if !s.dropFattest() {
			break
		}
	}

	return nil
}

func (s *Scheduler) admitOne(b *Tin, f *Flow, pkt *Packet, now Time) {
	pkt.EnqueueTime = now
	pkt.seq = s.seq
	s.seq++

	wasEmpty := f.empty()
	f.pushTail(pkt)

	b.backlog += pkt.Len
	b.packets++
	s.bufferUsed += pkt.Truesize
	s.qlen++

	if wasEmpty {
		// A flow that was idle has no useful CoDel or deficit history.
		f.cvars = codelVars{}
		f.deficit = int32(b.quantum)
		b.newFlows.pushTail(f)
	}
}

// Drop implements spec §6's "drop" operation: force a single head-drop of
// the fattest flow across every tin, for callers driving memory pressure
// externally (e.g. a shared pool running low). Reports whether a packet
// was actually dropped.
func (s *Scheduler) Drop() bool {
	return s.dropFattest()
}

// dropFattest implements spec §4.8: scan every tin's flows for the one
// carrying the most backlog bytes and head-drop a single packet from it.
func (s *Scheduler) dropFattest() bool {
	var victimTin *Tin
	var victim *Flow
	var best uint32

	for i := 0; i < s.tinCnt; i++ {
		b := s.tins[i]
		for _, l := range [2]*flowList{&b.newFlows, &b.oldFlows} {
			for f := l.front(); f != nil; f = f.listNext {
				if f.backlog > best {
					best = f.backlog
					victim = f
					victimTin = b
				}
			}
		}
	}

	if victim == nil {
		return false
	}

	p := victim.popHead()
	if p == nil {
		return false
	}
	p.Dropped = true

	victimTin.backlog -= p.Len
	if s.bufferUsed >= p.Truesize {
		s.bufferUsed -= p.Truesize
	} else {
		s.bufferUsed = 0
	}
	s.qlen--

	victim.dropped++
	victimTin.dropped++
	victimTin.dropOverlimit++
	s.dropsTotal++

	if victim.empty() {
		switch victim.on {
		case flowOnNew:
			victimTin.newFlows.remove(victim)
		case flowOnOld:
			victimTin.oldFlows.remove(victim)
			if victimTin.bulkFlowCount > 0 {
				victimTin.bulkFlowCount--
			}
		}
	}

	return true
}

// Dequeue selects and returns the next packet to transmit (spec §6's
// "dequeue" operation), or nil if the scheduler has nothing ready: either
// it is empty, or every backlogged tin is currently shaper-blocked, in
// which case NextWakeup reports when to try again.
func (s *Scheduler) Dequeue() *Packet {
	s.haveWakeup = false

	if s.qlen == 0 {
		return nil
	}

	now := s.clock.Now()

	if s.globalRate.rateNs != 0 && s.globalNextPacket > now {
		s.overlimits++
		s.armWakeup(s.globalNextPacket)
		return nil
	}

	force := s.bufferLimit > 0 && s.bufferUsed > (s.bufferLimit>>2)+(s.bufferLimit>>1)

	for {
		b, tinIdx := s.selectTin(now)
		if b == nil {
			return nil
		}

		f, fromNew := s.selectFlow(b)
		if f == nil {
			// Backlog counter disagrees with list membership; clear it
			// defensively rather than spin.
			b.backlog = 0
			continue
		}

		if f.deficit <= 0 {
			f.deficit += int32(b.quantum)
			s.demoteFlow(b, f, fromNew)
			continue
		}

		droppedBefore := f.dropped
		pkt := f.codelDequeue(now, s.cparams, force, func(p *Packet) {
			s.onPacketLeft(b, p)
		})
		if n := f.dropped - droppedBefore; n > 0 {
			b.dropped += n
			s.dropsTotal += uint64(n)
		}

		if pkt == nil {
			s.retireFlow(b, f, fromNew)
			continue
		}

		elen := effectiveLength(pkt.Len, s.cfg.Overhead, s.cfg.ATM)
		f.deficit -= int32(elen)
		b.deficit -= int32(elen)

		s.chargeShapers(tinIdx, elen, now)

		b.bytes += uint64(pkt.Len)
		if pkt.Marked {
			b.ecnMark++
		}

		return pkt
	}
}

// onPacketLeft reconciles backlog and memory accounting for every packet
// that leaves a flow's FIFO during a dequeue, whether it is ultimately
// transmitted or dropped inside CoDel's run.
func (s *Scheduler) onPacketLeft(b *Tin, p *Packet) {
	b.backlog -= p.Len
	if s.bufferUsed >= p.Truesize {
		s.bufferUsed -= p.Truesize
	} else {
		s.bufferUsed = 0
	}
	s.qlen--
}

// selectTin implements spec §4.5: cycle round-robin through tins from the
// current cursor until one with backlog has positive deficit. A tin with
// non-positive deficit is credited quantumBand if it has its own shaper
// rate, quantumPrio if it is unshaped. A tin whose shaper is currently
// blocking it is skipped without credit; if every backlogged tin is
// shaper-blocked, arm the earliest wakeup and return nil.
func (s *Scheduler) selectTin(now Time) (*Tin, int) {
	var blockedWakeup Time
	haveBlocked := false
	eligible := false

	for pass := 0; ; pass++ {
		if pass > 0 && pass%s.tinCnt == 0 {
			if !eligible {
				break
			}
			eligible = false
		}
		idx := s.curTin
		b := s.tins[idx]

		if b.backlog == 0 {
			s.curTin = (s.curTin + 1) % s.tinCnt
			continue
		}

		if b.rate.rateNs != 0 && b.timeNextPacket > now {
			if !haveBlocked || b.timeNextPacket < blockedWakeup {
				blockedWakeup = b.timeNextPacket
				haveBlocked = true
			}
			s.curTin = (s.curTin + 1) % s.tinCnt
			continue
		}
		eligible = true

		if b.deficit <= 0 {
			credit := b.quantumPrio
			if b.rate.rateNs != 0 {
				credit = b.quantumBand
			}
			b.deficit += int32(credit)
		}

		if b.deficit > 0 {
			return b, idx
		}

		s.curTin = (s.curTin + 1) % s.tinCnt
	}

	if haveBlocked {
		s.armWakeup(blockedWakeup)
	}
	return nil, -1
}

// selectFlow picks the front of a tin's new-flows list, falling back to
// old-flows, matching the new-flow-priority rule of spec §4.3.
func (s *Scheduler) selectFlow(b *Tin) (*Flow, bool) {
	if f := b.newFlows.front(); f != nil {
		return f, true
	}
	if f := b.oldFlows.front(); f != nil {
		return f, false
	}
	return nil, false
}

// demoteFlow moves a flow whose deficit just ran out to the tail of
// old-flows, counting the new-to-old transition as the flow settling into
// bulk (spec §4.3's bulk_flow_count).
func (s *Scheduler) demoteFlow(b *Tin, f *Flow, fromNew bool) {
	if fromNew {
		b.newFlows.remove(f)
		b.oldFlows.pushTail(f)
		b.bulkFlowCount++
		return
	}
	b.oldFlows.remove(f)
	b.oldFlows.pushTail(f)
}

// retireFlow detaches a flow that just ran out of packets entirely,
// clearing its list membership so a later Enqueue can readmit it fresh. A
// flow draining from new-flows that still has old-flows siblings is not
// detached outright: it joins the tail of old-flows instead, the same
// demotion cake_dequeue applies to any new flow that survives to the end
// of its quantum, so it keeps its place in the round-robin rather than
// losing it to a burst-then-drain.
func (s *Scheduler) retireFlow(b *Tin, f *Flow, fromNew bool) {
	if fromNew && !b.oldFlows.empty() {
		b.newFlows.remove(f)
		b.oldFlows.pushTail(f)
		b.bulkFlowCount++
		return
	}
	if fromNew {
		b.newFlows.remove(f)
	} else {
		b.oldFlows.remove(f)
		if b.bulkFlowCount > 0 {
			b.bulkFlowCount--
		}
	}
	f.deficit = 0
}

// chargeShapers debits transmitTime(elen) from the selected tin, every
// tin at a lower index than it, and the global shaper (spec §4.6): a
// packet sent from a tin also consumes the bandwidth budget of every tin
// below it in the array.
func (s *Scheduler) chargeShapers(tinIdx int, elen uint32, now Time) {
	for i := tinIdx; i >= 0; i-- {
		t := s.tins[i]
		if t.rate.rateNs == 0 {
			continue
		}
		next := t.timeNextPacket + Time(t.rate.transmitTime(elen))
		if next < now {
			next = now
		}
		t.timeNextPacket = next
	}

	if s.globalRate.rateNs == 0 {
		return
	}
	next := s.globalNextPacket + Time(s.globalRate.transmitTime(elen))
	if next < now {
		next = now
	}
	s.globalNextPacket = next
}

func (s *Scheduler) armWakeup(t Time) {
	if !s.haveWakeup || t < s.nextWakeup {
		s.nextWakeup = t
		s.haveWakeup = true
	}
}

// NextWakeup reports the earliest time a shaper-blocked Dequeue would
// become ready again, for a caller driving its own Watchdog timer (spec
// §9). The second return value is false when nothing is currently
// blocked (either the scheduler is empty or it was never asked to try).
func (s *Scheduler) NextWakeup() (Time, bool) {
	return s.nextWakeup, s.haveWakeup
}
