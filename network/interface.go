package network

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// IPVlanMode selects how an ipvlan slave forwards traffic relative to its
// parent device.
type IPVlanMode netlink.IPVlanMode

const (
	ModeL2  = IPVlanMode(netlink.IPVLAN_MODE_L2)
	ModeL3  = IPVlanMode(netlink.IPVLAN_MODE_L3)
	ModeL3S = IPVlanMode(netlink.IPVLAN_MODE_L3S)
)

// ParseIPVlanMode maps the user-facing mode names onto kernel modes.
func ParseIPVlanMode(s string) (IPVlanMode, error) {
	switch s {
	case "", "l2":
		return ModeL2, nil
	case "l3":
		return ModeL3, nil
	case "l3s":
		return ModeL3S, nil
	default:
		return ModeL2, fmt.Errorf("invalid ipvlan mode %q (want l2, l3 or l3s)", s)
	}
}

// Interface is a handle on one network device within the namespace its
// connection is bound to. Identity is the kernel link index; the name is
// only unique within that namespace.
type Interface struct {
	conn *Conn
	link netlink.Link
}

// InterfaceByName looks a device up by name in the connection's namespace.
func (c *Conn) InterfaceByName(name string) (*Interface, error) {
	link, err := c.handle.LinkByName(name)
	if err != nil {
		return nil, classify("link get", fmt.Sprintf("interface %q", name), err)
	}
	return &Interface{conn: c, link: link}, nil
}

// InterfaceByIndex looks a device up by kernel index in the connection's
// namespace.
func (c *Conn) InterfaceByIndex(index int) (*Interface, error) {
	link, err := c.handle.LinkByIndex(index)
	if err != nil {
		return nil, classify("link get", fmt.Sprintf("link index %d", index), err)
	}
	return &Interface{conn: c, link: link}, nil
}

// Name returns the device name.
func (i *Interface) Name() string { return i.link.Attrs().Name }

// Index returns the kernel link index.
func (i *Interface) Index() int { return i.link.Attrs().Index }

// AddIPVlan creates an ipvlan slave of this device. The new device exists
// in the connection's namespace until moved elsewhere, and shares the
// parent's physical link while carrying its own addresses.
func (i *Interface) AddIPVlan(name string, mode IPVlanMode) (*Interface, error) {
	slave := &netlink.IPVlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: i.Index(),
		},
		Mode: netlink.IPVlanMode(mode),
	}
	if err := i.conn.handle.LinkAdd(slave); err != nil {
		return nil, classify("link add", fmt.Sprintf("ipvlan %q", name), err)
	}
	return &Interface{conn: i.conn, link: slave}, nil
}

// MoveToNamespace reassigns the device to the namespace referenced by the
// open file descriptor nsfd. On success this handle must no longer be used
// for device operations: the device has to be re-located by name through a
// connection dialed inside the destination namespace. On failure the
// handle stays valid so the caller can delete the device.
func (i *Interface) MoveToNamespace(nsfd int) error {
	if err := i.conn.handle.LinkSetNsFd(i.link, nsfd); err != nil {
		return classify("link set namespace", fmt.Sprintf("interface %q", i.Name()), err)
	}
	return nil
}

// Delete removes the device. Used for rollback of a created-but-unmoved
// slave.
func (i *Interface) Delete() error {
	if err := i.conn.handle.LinkDel(i.link); err != nil {
		return classify("link delete", fmt.Sprintf("interface %q", i.Name()), err)
	}
	return nil
}

// AddAddress attaches addr/prefix to the device.
func (i *Interface) AddAddress(addr netip.Addr, prefix uint8) error {
	nladdr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   addr.AsSlice(),
			Mask: net.CIDRMask(int(prefix), addr.BitLen()),
		},
	}
	if err := i.conn.handle.AddrAdd(i.link, nladdr); err != nil {
		return classify("address add", fmt.Sprintf("interface %q", i.Name()), err)
	}
	return nil
}

// Up administratively activates the device.
func (i *Interface) Up() error {
	if err := i.conn.handle.LinkSetUp(i.link); err != nil {
		return classify("link up", fmt.Sprintf("interface %q", i.Name()), err)
	}
	return nil
}

// AddGateway installs a default route through gw on this device.
func (i *Interface) AddGateway(gw netip.Addr) error {
	route := &netlink.Route{
		LinkIndex: i.Index(),
		Gw:        gw.AsSlice(),
		Scope:     netlink.SCOPE_UNIVERSE,
	}
	if err := i.conn.handle.RouteAdd(route); err != nil {
		return classify("route add", fmt.Sprintf("gateway %s", gw), err)
	}
	return nil
}
