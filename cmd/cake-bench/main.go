// Command cake-bench drives a cake.Scheduler directly with synthetic
// traffic, reproducing the runnable scenarios spec.md §8 describes
// (S1-S6), the way heistp-scim drives its AQM/CCA stack end to end
// without a real network. There is no kernel equivalent to replay
// against; this is the harness a Go port gets instead.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/galpt/cake-sched/pkg/cake"
)

// benchClock is a manually stepped cake.Clock: the bench controls time
// exactly rather than racing a real clock against shaper rates.
type benchClock struct {
	now cake.Time
}

func (c *benchClock) Now() cake.Time { return c.now }
func (c *benchClock) advance(d time.Duration) {
	c.now += cake.Time(d)
}

func mkPacket(len uint32, srcPort, dstPort uint16, dscp, ecn uint8) *cake.Packet {
	var key cake.FlowKey
	key.SrcIP[15] = 1
	key.DstIP[15] = 2
	key.Proto = 6
	key.SrcPort = srcPort
	key.DstPort = dstPort
	return &cake.Packet{
		Len:      len,
		Truesize: len,
		L3:       cake.L3IPv4,
		DSCP:     dscp,
		ECN:      ecn,
		Key:      key,
	}
}

// dequeued pairs a packet that left the scheduler with the benchClock
// reading at the moment it was popped, so scenarios can measure latency
// relative to when a packet actually drained rather than when it arrived.
type dequeued struct {
	pkt *cake.Packet
	at  cake.Time
}

// drainAll dequeues every packet currently schedulable, advancing clk to
// each reported wakeup as needed, until the scheduler reports empty
// backlog or attempts exceed a generous bound. It returns every packet
// dequeued, dropped or not, each stamped with the clock reading at pop
// time.
func drainAll(s *cake.Scheduler, clk *benchClock, maxAttempts int) []dequeued {
	var out []dequeued
	for i := 0; i < maxAttempts; i++ {
		pkt := s.Dequeue()
		if pkt == nil {
			wake, ok := s.NextWakeup()
			if !ok {
				break
			}
			if wake <= clk.now {
				break
			}
			clk.advance(wake.Since(clk.now))
			continue
		}
		out = append(out, dequeued{pkt: pkt, at: clk.now})
	}
	return out
}

func main() {
	scenario := flag.String("scenario", "all", "scenario to run: S1-S6 or all")
	flag.Parse()

	runID := uuid.NewString()
	fmt.Printf("cake-bench run %s\n", runID)

	scenarios := map[string]func() error{
		"S1": runS1,
		"S2": runS2,
		"S3": runS3,
		"S4": runS4,
		"S5": runS5,
		"S6": runS6,
	}

	order := []string{"S1", "S2", "S3", "S4", "S5", "S6"}
	failed := false
	for _, name := range order {
		if *scenario != "all" && *scenario != name {
			continue
		}
		fmt.Printf("--- %s ---\n", name)
		if err := scenarios[name](); err != nil {
			fmt.Printf("%s: FAIL: %v\n", name, err)
			failed = true
			continue
		}
		fmt.Printf("%s: PASS\n", name)
	}

	if failed {
		os.Exit(1)
	}
}

// runS1 reproduces "BestEffort, 10 Mbit/s, two flows": 1000 packets each
// from two distinct 5-tuples, expecting near-equal byte-level DRR
// fairness and a nonzero overlimits count from the shaper holding packets
// back.
func runS1() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeBestEffort
	cfg.FlowMode = cake.FlowFlows
	cfg.BaseRate = 10_000_000 / 8 // 10 Mbit/s in bytes/s the shaper expects

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	const n = 1000
	for i := 0; i < n; i++ {
		if err := s.Enqueue(mkPacket(1500, 40000, 80, 0, 0)); err != nil {
			return err
		}
		if err := s.Enqueue(mkPacket(1500, 40001, 80, 0, 0)); err != nil {
			return err
		}
	}

	out := drainAll(s, clk, 4*n+100)

	var bytesA, bytesB uint64
	for _, d := range out {
		if d.pkt.Dropped {
			continue
		}
		switch d.pkt.Key.SrcPort {
		case 40000:
			bytesA += uint64(d.pkt.Len)
		case 40001:
			bytesB += uint64(d.pkt.Len)
		}
	}

	ratio := float64(bytesA) / float64(bytesB)
	if math.Abs(ratio-1) > 0.1 {
		return fmt.Errorf("expected near-equal byte share, got A=%d B=%d (ratio %.3f)", bytesA, bytesB, ratio)
	}

	st := s.DumpStats()
	if st.Overlimits == 0 {
		return fmt.Errorf("expected overlimits > 0 at 10Mbit/s with %d packets in flight", 2*n)
	}
	fmt.Printf("flow A=%d bytes, flow B=%d bytes, overlimits=%d\n", bytesA, bytesB, st.Overlimits)
	return nil
}

// runS2 reproduces "Diffserv4, background vs latency-sensitive": sustained
// CS1 (background) traffic saturating the link, interrupted by short CS5
// (latency-sensitive) bursts, expecting CS5 packets to clear quickly and
// CS1 to still receive its quantum_band-guaranteed share rather than
// starve outright.
func runS2() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeDiffserv4
	cfg.FlowMode = cake.FlowFlows
	cfg.BaseRate = 2_000_000 / 8

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	const bulk = 400
	for i := 0; i < bulk; i++ {
		if err := s.Enqueue(mkPacket(1500, 50000, 80, 0x08, 0)); err != nil { // CS1 -> tin0
			return err
		}
	}
	cs5Enqueued := clk.now
	if err := s.Enqueue(mkPacket(200, 50001, 80, 0x28, 0)); err != nil { // CS5 -> tin3
		return err
	}

	out := drainAll(s, clk, 8*bulk+100)

	var cs5Latency time.Duration
	var cs1Bytes, cs5Bytes uint64
	for _, d := range out {
		if d.pkt.Dropped {
			continue
		}
		if d.pkt.Key.SrcPort == 50001 {
			cs5Bytes += uint64(d.pkt.Len)
			cs5Latency = d.at.Since(cs5Enqueued)
		} else {
			cs1Bytes += uint64(d.pkt.Len)
		}
	}

	if cs5Bytes == 0 {
		return fmt.Errorf("CS5 packet never emitted")
	}
	if cs1Bytes == 0 {
		return fmt.Errorf("CS1 traffic starved outright")
	}

	st := s.DumpStats()
	total := st.Tins[0].Bytes + st.Tins[3].Bytes
	if total > 0 {
		share := float64(st.Tins[0].Bytes) / float64(total)
		if share < 0.2 {
			return fmt.Errorf("CS1 received only %.1f%% of the two tins' bytes, expected roughly >= 1/4 per quantum_band", share*100)
		}
	}
	fmt.Printf("CS1 bytes=%d CS5 bytes=%d CS5 enqueue-relative latency=%v\n", cs1Bytes, cs5Bytes, cs5Latency)
	return nil
}

// runS3 reproduces "Memory pressure": a 64 KiB buffer_limit with 200 1500
// byte packets enqueued on a single flow, expecting memory_used to never
// exceed the ceiling and drop_overlimit to fire.
func runS3() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeBestEffort
	cfg.Memory = 64 * 1024

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	const n = 200
	var peak uint32
	for i := 0; i < n; i++ {
		if err := s.Enqueue(mkPacket(1500, 40000, 80, 0, 0)); err != nil {
			return err
		}
		st := s.DumpStats()
		if st.MemoryUsed > peak {
			peak = st.MemoryUsed
		}
		if st.MemoryUsed > st.MemoryLimit {
			return fmt.Errorf("memory_used %d exceeded memory_limit %d after %d enqueues", st.MemoryUsed, st.MemoryLimit, i+1)
		}
	}

	st := s.DumpStats()
	if st.Drops == 0 {
		return fmt.Errorf("expected drop_overlimit > 0 under memory pressure, got zero drops")
	}
	fmt.Printf("peak memory_used=%d limit=%d drops=%d\n", peak, st.MemoryLimit, st.Drops)
	return nil
}

// runS4 reproduces "ATM overhead": atm=true, 1000 byte packets at a 1
// MB/s rate, expecting the per-packet emission interval to match the
// 53/48 cell-tax formula within 1%.
func runS4() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeBestEffort
	cfg.ATM = true
	cfg.BaseRate = 1_000_000 // 1 MB/s in bytes/s

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	const n = 10
	for i := 0; i < n; i++ {
		if err := s.Enqueue(mkPacket(1000, 40000, 80, 0, 0)); err != nil {
			return err
		}
	}

	var lastWake cake.Time
	var deltas []time.Duration
	for i := 0; i < n; i++ {
		for {
			pkt := s.Dequeue()
			if pkt != nil {
				if i > 0 {
					deltas = append(deltas, clk.now.Since(lastWake))
				}
				lastWake = clk.now
				break
			}
			wake, ok := s.NextWakeup()
			if !ok {
				return fmt.Errorf("scheduler went idle before emitting %d packets", n)
			}
			clk.advance(wake.Since(clk.now))
		}
	}

	cells := (1000 + 0 + 47) / 48
	expected := time.Duration(float64(cells*53) / float64(cfg.BaseRate) * float64(time.Second))

	for _, d := range deltas {
		diff := math.Abs(float64(d-expected)) / float64(expected)
		if diff > 0.01 {
			return fmt.Errorf("emission interval %v differs from expected %v by %.1f%%", d, expected, diff*100)
		}
	}
	fmt.Printf("expected interval=%v, observed deltas=%v\n", expected, deltas)
	return nil
}

// runS5 reproduces "Wash": a DSCP 0x2e (EF) packet with wash=true,
// expecting classification to the latency-sensitive tin (diffserv4 tin 3)
// and, on emission, zeroed DSCP bits with ECN bits preserved.
func runS5() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeDiffserv4
	cfg.Wash = true

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	if err := s.Enqueue(mkPacket(500, 40000, 80, 0x2e, 0x02)); err != nil {
		return err
	}

	out := drainAll(s, clk, 10)
	if len(out) != 1 {
		return fmt.Errorf("expected exactly one packet out, got %d", len(out))
	}
	pkt := out[0].pkt
	if pkt.DSCP != 0 {
		return fmt.Errorf("expected DSCP zeroed by wash, got 0x%02x", pkt.DSCP)
	}
	if pkt.ECN != 0x02 {
		return fmt.Errorf("expected ECN bits preserved across wash, got 0x%02x", pkt.ECN)
	}

	st := s.DumpStats()
	if st.Tins[3].Packets == 0 {
		return fmt.Errorf("expected the EF packet classified into tin 3 (latency-sensitive)")
	}
	fmt.Printf("washed DSCP=0x%02x ECN=0x%02x, tin3 packets=%d\n", pkt.DSCP, pkt.ECN, st.Tins[3].Packets)
	return nil
}

// runS6 reproduces "Idle reset": enqueue, dequeue, idle for 10s, enqueue
// one more packet, expecting it to be schedulable within one quantum
// rather than inheriting a stale shaping deadline from before the idle
// gap.
func runS6() error {
	clk := &benchClock{}
	cfg := cake.DefaultConfig()
	cfg.DiffservMode = cake.ModeBestEffort
	cfg.BaseRate = 1_000_000

	s, err := cake.New(cfg, clk)
	if err != nil {
		return err
	}

	if err := s.Enqueue(mkPacket(1500, 40000, 80, 0, 0)); err != nil {
		return err
	}
	first := drainAll(s, clk, 10)
	if len(first) != 1 {
		return fmt.Errorf("expected the first packet to drain immediately, got %d packets", len(first))
	}

	clk.advance(10 * time.Second)

	if err := s.Enqueue(mkPacket(1500, 40000, 80, 0, 0)); err != nil {
		return err
	}

	before := clk.now
	second := drainAll(s, clk, 10)
	if len(second) != 1 {
		return fmt.Errorf("expected the second packet to drain, got %d packets", len(second))
	}

	elapsed := clk.now.Since(before)
	if elapsed > 50*time.Millisecond {
		return fmt.Errorf("post-idle packet took %v to schedule, expected near-immediate emission", elapsed)
	}
	fmt.Printf("post-idle emission delay=%v\n", elapsed)
	return nil
}
