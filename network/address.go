package network

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/coder/nsvlan/subnet"
)

// Address is one IP address observed on an interface in the namespace the
// connection is bound to. It is a snapshot: the address may be removed, or
// its device torn down, at any moment after the listing.
type Address struct {
	conn      *Conn
	addr      netip.Addr
	sub       subnet.Subnet
	linkIndex int
}

// Addresses lists every IP address bound to any interface in the
// connection's namespace.
func (c *Conn) Addresses() ([]Address, error) {
	raw, err := c.handle.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, classify("address list", "addresses", err)
	}

	out := make([]Address, 0, len(raw))
	for _, a := range raw {
		if a.IPNet == nil {
			continue
		}
		sub, err := subnet.FromIPNet(a.IPNet)
		if err != nil {
			return nil, &ProtocolError{
				Op:   "address list",
				Kind: Decode,
				Err:  fmt.Errorf("unparseable address %v on link %d: %w", a.IPNet.IP, a.LinkIndex, err),
			}
		}
		ip, _ := netip.AddrFromSlice(a.IPNet.IP)
		out = append(out, Address{
			conn:      c,
			addr:      ip.Unmap(),
			sub:       sub,
			linkIndex: a.LinkIndex,
		})
	}
	return out, nil
}

// Addr returns the bare IP address.
func (a Address) Addr() netip.Addr { return a.addr }

// Prefix returns the address's on-link prefix length.
func (a Address) Prefix() uint8 { return a.sub.Bits() }

// LinkIndex returns the kernel index of the owning device.
func (a Address) LinkIndex() int { return a.linkIndex }

// Subnet returns the subnet the address lives in.
func (a Address) Subnet() subnet.Subnet { return a.sub }

// Interface resolves the device holding the address. Returns NotFoundError
// if the device vanished between the listing and the lookup.
func (a Address) Interface() (*Interface, error) {
	link, err := a.conn.handle.LinkByIndex(a.linkIndex)
	if err != nil {
		return nil, classify("link get", fmt.Sprintf("link index %d", a.linkIndex), err)
	}
	return &Interface{conn: a.conn, link: link}, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.addr, a.sub.Bits())
}
