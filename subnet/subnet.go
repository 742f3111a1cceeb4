// Package subnet provides the CIDR value type used throughout nsvlan:
// parsing, normalization, membership tests, and collision-avoiding random
// host selection inside a subnet.
package subnet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
)

// ErrExhausted is returned by Pick when a subnet has no unused host
// addresses left, or the draw budget runs out without finding one.
var ErrExhausted = errors.New("subnet has no free host addresses")

// maxDraws caps the random draw budget regardless of subnet size, so a
// large-but-saturated subnet cannot stall the provisioner. maxSweep bounds
// the deterministic fallback sweep the same way.
const (
	maxDraws = 1024
	maxSweep = 65536
)

// Subnet is a network address plus prefix length. The address always has
// its host bits cleared; construction normalizes. Subnet is comparable and
// safe to use as a map key, and two subnets differing only in host bits
// before normalization compare equal.
type Subnet struct {
	addr netip.Addr
	bits uint8
}

// New builds a normalized Subnet from an address and prefix length.
func New(addr netip.Addr, bits uint8) (Subnet, error) {
	if !addr.IsValid() {
		return Subnet{}, errors.New("invalid address")
	}
	addr = addr.Unmap()
	if int(bits) > addr.BitLen() {
		return Subnet{}, fmt.Errorf("prefix length %d exceeds address width %d", bits, addr.BitLen())
	}
	return Subnet{addr: mask(addr, bits), bits: bits}, nil
}

// Parse parses "address/prefix" notation, e.g. "10.0.0.0/24" or "fd00::/64".
func Parse(s string) (Subnet, error) {
	addrPart, bitsPart, ok := strings.Cut(s, "/")
	if !ok {
		return Subnet{}, fmt.Errorf("not in address/prefix form: %q", s)
	}
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return Subnet{}, fmt.Errorf("bad subnet address in %q: %w", s, err)
	}
	bits, err := strconv.ParseUint(bitsPart, 10, 8)
	if err != nil {
		return Subnet{}, fmt.Errorf("bad prefix length in %q: %w", s, err)
	}
	return New(addr, uint8(bits))
}

// FromIPNet converts a stdlib IPNet, as handed out by netlink, into a
// normalized Subnet.
func FromIPNet(n *net.IPNet) (Subnet, error) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return Subnet{}, fmt.Errorf("bad address %v", n.IP)
	}
	ones, _ := n.Mask.Size()
	return New(addr, uint8(ones))
}

// Addr returns the subnet's network address (host bits clear).
func (s Subnet) Addr() netip.Addr { return s.addr }

// Bits returns the prefix length.
func (s Subnet) Bits() uint8 { return s.bits }

func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.addr, s.bits)
}

// IPNet converts to the stdlib form expected by netlink.
func (s Subnet) IPNet() *net.IPNet {
	return &net.IPNet{
		IP:   s.addr.AsSlice(),
		Mask: net.CIDRMask(int(s.bits), s.addr.BitLen()),
	}
}

// Contains reports whether addr falls inside the subnet. Addresses of a
// different family never match.
func (s Subnet) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.BitLen() != s.addr.BitLen() {
		return false
	}
	return mask(addr, s.bits) == s.addr
}

// Random returns a candidate host address: the network address with its
// host bits replaced by pseudo-random ones. Draws are not cryptographically
// strong and may collide; callers filter against the set of addresses
// already in use.
func (s Subnet) Random() netip.Addr {
	if s.addr.Is4() {
		a := s.addr.As4()
		r := rand.Uint32()
		for i := range a {
			a[i] |= byte(r>>((3-i)*8)) & hostMaskByte(int(s.bits), i)
		}
		return netip.AddrFrom4(a)
	}
	a := s.addr.As16()
	hi, lo := rand.Uint64(), rand.Uint64()
	for i := range a {
		var r byte
		if i < 8 {
			r = byte(hi >> ((7 - i) * 8))
		} else {
			r = byte(lo >> ((15 - i) * 8))
		}
		a[i] |= r & hostMaskByte(int(s.bits), i)
	}
	return netip.AddrFrom16(a)
}

// Hosts returns the number of assignable host addresses. For IPv4 the
// network and broadcast addresses are excluded (prefixes /31 and /32 have
// no assignable hosts here); for IPv6 only the network identity is
// excluded.
func (s Subnet) Hosts() uint64 {
	if s.addr.Is4() {
		if s.bits >= 31 {
			return 0
		}
		return cidr.AddressCount(s.IPNet()) - 2
	}
	width := 128 - int(s.bits)
	if width >= 64 {
		return ^uint64(0) // effectively unbounded
	}
	return cidr.AddressCount(s.IPNet()) - 1
}

// Pick draws random candidates until one is found that is neither the
// network address, the IPv4 broadcast address, nor present in used. The
// used set may span many subnets; only entries inside this subnet count
// against its capacity. If the random budget runs out (nearly full
// subnet), a deterministic sweep over host numbers finds any remaining
// free address; only a truly saturated subnet returns ErrExhausted.
func (s Subnet) Pick(used map[netip.Addr]struct{}) (netip.Addr, error) {
	hosts := s.Hosts()
	bcast := s.broadcast()
	var taken uint64
	for a := range used {
		if s.Contains(a) && a != s.addr && a != bcast {
			taken++
		}
	}
	if hosts == 0 || taken >= hosts {
		return netip.Addr{}, fmt.Errorf("%s: %w", s, ErrExhausted)
	}

	budget := uint64(maxDraws)
	if hosts < maxDraws/4 {
		budget = hosts * 4
	}
	for i := uint64(0); i < budget; i++ {
		c := s.Random()
		if c == s.addr || c == bcast {
			continue
		}
		if _, taken := used[c]; taken {
			continue
		}
		return c, nil
	}

	limit := hosts
	if limit > maxSweep {
		limit = maxSweep
	}
	ipnet := s.IPNet()
	for i := uint64(1); i <= limit; i++ {
		ip, err := cidr.Host(ipnet, int(i))
		if err != nil {
			break
		}
		c, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		c = c.Unmap()
		if c == s.addr || c == bcast {
			continue
		}
		if _, taken := used[c]; !taken {
			return c, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%s: %w", s, ErrExhausted)
}

// broadcast returns the all-ones host address for IPv4 subnets and the
// zero Addr otherwise.
func (s Subnet) broadcast() netip.Addr {
	if !s.addr.Is4() {
		return netip.Addr{}
	}
	a := s.addr.As4()
	for i := range a {
		a[i] |= hostMaskByte(int(s.bits), i)
	}
	return netip.AddrFrom4(a)
}

// mask clears every bit of addr below the prefix. The arithmetic is done
// bytewise so prefix 0 and prefix == width need no special shift handling:
// per-byte shifts stay in the 1..7 range.
func mask(addr netip.Addr, bits uint8) netip.Addr {
	if addr.Is4() {
		a := addr.As4()
		maskBytes(a[:], int(bits))
		return netip.AddrFrom4(a)
	}
	a := addr.As16()
	maskBytes(a[:], int(bits))
	return netip.AddrFrom16(a)
}

func maskBytes(b []byte, bits int) {
	for i := range b {
		rem := bits - i*8
		switch {
		case rem >= 8:
			// whole byte is network identity
		case rem <= 0:
			b[i] = 0
		default:
			b[i] &= byte(0xff) << (8 - rem)
		}
	}
}

// hostMaskByte returns the host-bit mask for byte i of an address under
// the given prefix length.
func hostMaskByte(bits, i int) byte {
	rem := bits - i*8
	switch {
	case rem >= 8:
		return 0
	case rem <= 0:
		return 0xff
	default:
		return ^(byte(0xff) << (8 - rem))
	}
}
