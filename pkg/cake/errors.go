package cake

import "errors"

// Error kinds from spec §7. PacketDropped and Overlimit are not errors —
// they are soft, counter-only signals and never surface as a Go error.
var (
	// ErrConfigInvalid is returned by Reconfigure when the supplied Config
	// is rejected.
	ErrConfigInvalid = errors.New("cake: invalid configuration")

	// ErrAllocFailed is returned by New when the random seed for the flow
	// hasher could not be read.
	ErrAllocFailed = errors.New("cake: flow table allocation failed")

	// ErrReshapeFailed is returned by Enqueue when GSO segmentation fails;
	// the caller owns returning the packet to its own reshape handling.
	ErrReshapeFailed = errors.New("cake: gso segmentation failed")
)
