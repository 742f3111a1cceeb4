package provision

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/coder/nsvlan/config"
	"github.com/coder/nsvlan/namespace"
	"github.com/coder/nsvlan/network"
	"github.com/coder/nsvlan/privilege"
)

const defaultShell = "/bin/sh"

// Run executes the full provisioning workflow and, on success, replaces
// the process image with the target program inside the new namespace, so
// it only returns on failure. Every stage is a hard barrier; the single
// rollback case is a created device that could not be moved. Capability
// sets and namespace membership are per-thread, so the whole run stays on
// one locked OS thread.
func Run(cfg Config) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := cfg.Logger
	caps := cfg.Caps

	// Stages 1-2: open, lock, validate and parse the configuration. The
	// lock is held until just before the exec handoff.
	conf, err := config.Load(cfg.ConfigPath, caps, logger)
	if err != nil {
		return err
	}
	defer conf.Close()

	// Stages 3-4: every configured subnet must be anchored by an address
	// on some host interface; group subnets by that interface.
	hostConn, err := network.Dial()
	if err != nil {
		return err
	}
	defer hostConn.Close()

	hostAddrs, err := collectHostAddrs(hostConn)
	if err != nil {
		return err
	}
	groups, err := groupGateways(hostAddrs, conf.Subnets)
	if err != nil {
		return err
	}
	logger.Info("resolved gateways", "subnets", len(conf.Subnets), "devices", len(groups))

	// Stage 5: which addresses inside the configured subnets are already
	// taken, in any namespace on the host.
	scanner := &namespace.Scanner{Logger: logger, Caps: caps}
	used, err := scanner.ScanUsed(conf.Subnets)
	if err != nil {
		return err
	}

	// Drop #1: nothing left needs to read other users' namespace
	// references.
	if err := caps.Drop(privilege.DACOverride); err != nil {
		return err
	}
	logger.Debug("dropped capability", "capability", privilege.DACOverride)

	// Stage 6: create the new namespace, then come straight back;
	// handles to both sides stay open.
	orig, err := namespace.Current()
	if err != nil {
		return err
	}
	defer orig.Close()

	var fresh *namespace.Handle
	if err := caps.With(privilege.SysAdmin, func() error {
		var nerr error
		fresh, nerr = namespace.New()
		return nerr
	}); err != nil {
		return err
	}
	defer fresh.Close()
	if err := caps.With(privilege.SysAdmin, orig.Enter); err != nil {
		return err
	}

	// Stage 7: one ipvlan device per gateway interface, created here and
	// pushed into the new namespace. A device that cannot be moved is
	// deleted and the run aborts.
	for i, g := range groups {
		name := deviceName(i)
		parent, err := hostConn.InterfaceByIndex(g.linkIndex)
		if err != nil {
			return err
		}
		if err := caps.With(privilege.NetAdmin, func() error {
			slave, cerr := parent.AddIPVlan(name, cfg.Mode)
			if cerr != nil {
				return cerr
			}
			return moveOrRollback(slave, fresh.FD())
		}); err != nil {
			return fmt.Errorf("creating %s on %s: %w", name, parent.Name(), err)
		}
		logger.Debug("created device", "name", name, "parent", parent.Name())
	}

	// Stage 8: move ourselves in, release both namespace handles, and
	// give up namespace administration for good.
	if err := caps.With(privilege.SysAdmin, fresh.Enter); err != nil {
		return err
	}
	orig.Close()
	fresh.Close()
	if err := caps.Drop(privilege.SysAdmin); err != nil {
		return err
	}
	logger.Debug("dropped capability", "capability", privilege.SysAdmin)

	// The host-side routing socket still talks to the old namespace;
	// everything from here on goes through a connection dialed inside
	// the new one.
	nsConn, err := network.Dial()
	if err != nil {
		return err
	}
	defer nsConn.Close()

	// Stage 9: collision-free address, activation and default route per
	// gateway.
	for i, g := range groups {
		dev, err := nsConn.InterfaceByName(deviceName(i))
		if err != nil {
			return err
		}
		for _, gw := range g.gateways {
			picked, err := gw.sub.Pick(used)
			if err != nil {
				return err
			}
			used[picked] = struct{}{}
			if err := caps.With(privilege.NetAdmin, func() error {
				if aerr := dev.AddAddress(picked, gw.sub.Bits()); aerr != nil {
					return aerr
				}
				if uerr := dev.Up(); uerr != nil {
					return uerr
				}
				return dev.AddGateway(gw.addr)
			}); err != nil {
				return fmt.Errorf("configuring %s: %w", dev.Name(), err)
			}
			logger.Info("configured device",
				"name", dev.Name(),
				"address", fmt.Sprintf("%s/%d", picked, gw.sub.Bits()),
				"gateway", gw.addr.String())
		}
	}

	// Stage 10: loopback.
	lo, err := nsConn.InterfaceByName("lo")
	if err != nil {
		return err
	}
	if err := caps.With(privilege.NetAdmin, func() error {
		if aerr := lo.AddAddress(netip.IPv6Loopback(), 128); aerr != nil {
			return aerr
		}
		if aerr := lo.AddAddress(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 8); aerr != nil {
			return aerr
		}
		return lo.Up()
	}); err != nil {
		return fmt.Errorf("configuring loopback: %w", err)
	}

	// Drop #3: no more device, address or route mutation.
	if err := caps.Drop(privilege.NetAdmin); err != nil {
		return err
	}
	logger.Debug("dropped capability", "capability", privilege.NetAdmin)

	if held, err := caps.Remaining(); err != nil {
		return err
	} else if len(held) != 0 {
		return fmt.Errorf("capabilities still held after final drop: %v", held)
	}

	// Stage 12: release the lock, then hand the process over.
	if err := conf.Close(); err != nil {
		return fmt.Errorf("releasing config lock: %w", err)
	}
	return execTarget(cfg.Argv)
}

// collectHostAddrs flattens the current namespace's address list into the
// form the gateway grouping works on.
func collectHostAddrs(conn *network.Conn) ([]hostAddr, error) {
	addrs, err := conn.Addresses()
	if err != nil {
		return nil, err
	}
	out := make([]hostAddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, hostAddr{addr: a.Addr(), sub: a.Subnet(), linkIndex: a.LinkIndex()})
	}
	return out, nil
}

// execTarget replaces the process image with the target program. Does not
// return on success.
func execTarget(argv []string) error {
	if len(argv) == 0 {
		argv = []string{defaultShell}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("target program: %w", err)
	}
	return unix.Exec(path, argv, os.Environ())
}
