// Package linkrate resolves interface identity for the network link a
// Scheduler shapes, by talking to the kernel over rtnetlink instead of
// shelling out to a CLI tool.
//
// rtnetlink exposes link MTU and operational state but not NIC link
// speed (that lives in the separate ethtool genetlink family, which this
// module does not depend on); BaseRate still has to come from operator
// configuration or an external autorate loop, per spec §9's open question
// on AUTORATE_INGRESS.
package linkrate

import (
	"context"
	"fmt"

	"github.com/jsimonetti/rtnetlink"
)

// Info is what this package can actually answer about a link: its MTU
// (useful as a default for Config.Overhead/ATM framing decisions) and
// whether it is currently up.
type Info struct {
	Name string
	MTU  uint32
	Up   bool
}

// Lookup resolves Info for the named interface by listing links over
// rtnetlink and matching on name, since the kernel does not support an
// indexed-by-name link query directly.
func Lookup(ctx context.Context, name string) (Info, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return Info{}, fmt.Errorf("linkrate: dial rtnetlink: %w", err)
	}
	defer conn.Close()

	msgs, err := conn.Link.List()
	if err != nil {
		return Info{}, fmt.Errorf("linkrate: list links: %w", err)
	}

	const ifFlagUp = 0x1 // IFF_UP, mirrored here to avoid an x/sys/unix import for one flag

	for _, msg := range msgs {
		if msg.Attributes == nil || msg.Attributes.Name != name {
			continue
		}
		return Info{
			Name: msg.Attributes.Name,
			MTU:  msg.Attributes.MTU,
			Up:   msg.Flags&ifFlagUp != 0,
		}, nil
	}

	return Info{}, fmt.Errorf("linkrate: no such link %q", name)
}
