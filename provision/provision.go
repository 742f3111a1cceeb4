// Package provision runs the ordered workflow that turns a subnet
// configuration into a populated network namespace: load and lock config,
// resolve gateways, scan every namespace for addresses already in use,
// create the namespace, create and move one ipvlan device per gateway
// interface, address and activate everything, shed capabilities in stages,
// and finally exec the target program.
package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/coder/nsvlan/network"
	"github.com/coder/nsvlan/privilege"
	"github.com/coder/nsvlan/subnet"
)

// Capabilities is the slice of the privilege context the provisioner
// needs: scoped raises, permanent drops, and the final emptiness check.
type Capabilities interface {
	With(cap privilege.Capability, fn func() error) error
	Drop(cap privilege.Capability) error
	Remaining() ([]privilege.Capability, error)
}

// Config carries everything a provisioning run needs.
type Config struct {
	Logger *slog.Logger
	Caps   Capabilities

	// ConfigPath is the subnet configuration file.
	ConfigPath string

	// Mode is the ipvlan operating mode for every created device.
	Mode network.IPVlanMode

	// Argv is the target program and its arguments, executed inside the
	// new namespace. Empty means /bin/sh.
	Argv []string
}

// gateway anchors one configured subnet: the host-side address the new
// device routes through, plus the subnet itself.
type gateway struct {
	addr netip.Addr
	sub  subnet.Subnet
}

// group collects the gateways served by one host interface. One ipvlan
// device is created per group.
type group struct {
	linkIndex int
	gateways  []gateway
}

// hostAddr is a flattened view of one address observed on a host
// interface.
type hostAddr struct {
	addr      netip.Addr
	sub       subnet.Subnet
	linkIndex int
}

// deviceName returns the deterministic name of the i-th created device.
func deviceName(i int) string {
	return fmt.Sprintf("ipvl%d", i)
}

// groupGateways finds the host address anchoring each configured subnet
// and groups the results by owning interface, preserving configuration
// order so device naming is deterministic. A subnet with no local gateway
// address is a fatal misconfiguration.
func groupGateways(addrs []hostAddr, subnets []subnet.Subnet) ([]group, error) {
	var (
		groups  []group
		byIndex = make(map[int]int)
	)
	for _, sn := range subnets {
		found := false
		for _, a := range addrs {
			if a.sub != sn {
				continue
			}
			gi, ok := byIndex[a.linkIndex]
			if !ok {
				gi = len(groups)
				byIndex[a.linkIndex] = gi
				groups = append(groups, group{linkIndex: a.linkIndex})
			}
			groups[gi].gateways = append(groups[gi].gateways, gateway{addr: a.addr, sub: sn})
			found = true
			break
		}
		if !found {
			return nil, &network.NotFoundError{What: fmt.Sprintf("gateway interface for subnet %s", sn)}
		}
	}
	return groups, nil
}

// mover is the slice of a created device the rollback guard needs.
type mover interface {
	MoveToNamespace(nsfd int) error
	Delete() error
}

// moveOrRollback moves a freshly created device into the namespace behind
// nsfd, deleting it again if the move fails. The move error takes
// priority; a delete failure on top is reported alongside, never instead.
func moveOrRollback(dev mover, nsfd int) error {
	if err := dev.MoveToNamespace(nsfd); err != nil {
		if derr := dev.Delete(); derr != nil {
			return errors.Join(err, fmt.Errorf("rollback delete also failed: %w", derr))
		}
		return err
	}
	return nil
}
