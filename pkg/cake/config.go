package cake

import (
	"fmt"
	"time"
)

// defaultQlenLimit is the packet-count ceiling behind the buffer_limit
// clamp in spec §4.8 (sch->limit in the kernel source). It is not one of
// the §6 knobs and is never exposed as configuration, per §1's non-goal of
// configurable generality beyond that set.
const defaultQlenLimit = 10240

// Config is the flat set of optional integer knobs named in spec §6. A
// zero Config is valid (BestEffort, no flow hashing, zero CoDel interval
// and target); DefaultConfig returns the documented defaults.
type Config struct {
	// BaseRate is the global shaper rate in bytes/sec; 0 means unlimited.
	BaseRate uint64
	// DiffservMode selects the classifier configuration (spec §4.1).
	DiffservMode DiffservMode
	// ATM applies the 53/48 cell tax to effective packet length (spec §4.7).
	ATM bool
	// FlowMode selects the flow-hash dissection (spec §4.2).
	FlowMode FlowMode
	// Overhead is a signed per-packet framing adjustment in bytes.
	Overhead int32
	// Interval is the CoDel control loop period; default 100ms.
	Interval time.Duration
	// Target is the CoDel sojourn threshold; default 5ms.
	Target time.Duration
	// AutorateIngress is accepted and round-trips through Reconfigure and
	// Scheduler.Config but has no behavioral effect (spec §9 open question).
	AutorateIngress bool
	// Wash zeroes the DSCP field on classified packets, preserving ECN.
	Wash bool
	// Memory overrides the computed buffer budget in bytes; 0 derives it
	// from BaseRate and Interval (spec §4.8).
	Memory uint32
}

// DefaultConfig matches cake_init's defaults: Diffserv4 classification,
// full 5-tuple flow hashing, unlimited rate, and the RFC-recommended 5ms
// target over a 100ms interval.
func DefaultConfig() Config {
	return Config{
		DiffservMode: ModeDiffserv4,
		FlowMode:     FlowFlows,
		Interval:     100 * time.Millisecond,
		Target:       5 * time.Millisecond,
	}
}

// validate implements spec §7's ConfigInvalid error kind: a Config is
// rejected only for values that have no sane interpretation, since the
// engine otherwise clamps (per §4.1's "unrecognized codepoint" rule and
// §4.6's "rate of 0 means unlimited").
func (c Config) validate() error {
	if c.DiffservMode > ModeDiffserv4 {
		return fmt.Errorf("%w: diffserv mode %d is not one of the four defined modes", ErrConfigInvalid, c.DiffservMode)
	}
	if c.FlowMode > FlowDual {
		return fmt.Errorf("%w: flow mode %d is not one of the eight defined modes", ErrConfigInvalid, c.FlowMode)
	}
	if c.Interval < 0 || c.Target < 0 {
		return fmt.Errorf("%w: interval and target must be non-negative", ErrConfigInvalid)
	}
	return nil
}
