package address

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/bcnelson/addrsync/internal/domain"
)

// Build turns a literal into an address record named name. It returns false
// for literals the firewall cannot represent; that is not an error.
// When hashed is set the record carries a comment naming the source literal.
func Build(literal, name string, hashed bool) (domain.AddressRecord, bool) {
	literal = Normalize(literal)
	var (
		rec domain.AddressRecord
		ok  bool
	)
	if VersionOf(literal) == domain.V6 {
		rec, ok = buildV6(literal)
	} else {
		rec, ok = buildV4(literal)
	}
	if !ok {
		return domain.AddressRecord{}, false
	}
	rec.Name = name
	if hashed {
		rec.Comment = fmt.Sprintf("hashed name for %s", literal)
	}
	return rec, true
}

func buildV4(literal string) (domain.AddressRecord, bool) {
	rec := domain.AddressRecord{Version: domain.V4, Kind: domain.KindSingle}
	if addr, err := netip.ParseAddr(literal); err == nil {
		if !addr.Is4() {
			return rec, false
		}
		rec.Subnet = addr.String() + " " + maskString(32)
		return rec, true
	}
	if prefix, err := netip.ParsePrefix(literal); err == nil {
		if !prefix.Addr().Is4() {
			return rec, false
		}
		rec.Subnet = prefix.Masked().Addr().String() + " " + maskString(prefix.Bits())
		return rec, true
	}
	return buildRange(literal, domain.V4)
}

func buildV6(literal string) (domain.AddressRecord, bool) {
	rec := domain.AddressRecord{Version: domain.V6, Kind: domain.KindSingle}
	if addr, err := netip.ParseAddr(literal); err == nil {
		if !addr.Is6() || addr.Is4In6() {
			return rec, false
		}
		rec.Prefix = netip.PrefixFrom(addr, 128).String()
		return rec, true
	}
	if prefix, err := netip.ParsePrefix(literal); err == nil {
		if !prefix.Addr().Is6() {
			return rec, false
		}
		rec.Prefix = prefix.Masked().String()
		return rec, true
	}
	return buildRange(literal, domain.V6)
}

func buildRange(literal string, v domain.Version) (domain.AddressRecord, bool) {
	rec := domain.AddressRecord{Version: v, Kind: domain.KindRange}
	lo, hi, found := strings.Cut(literal, "-")
	if !found {
		return rec, false
	}
	start, err := netip.ParseAddr(strings.TrimSpace(lo))
	if err != nil {
		return rec, false
	}
	end, err := netip.ParseAddr(strings.TrimSpace(hi))
	if err != nil {
		return rec, false
	}
	if start.Is4() != end.Is4() || start.Is4() != (v == domain.V4) || end.Less(start) {
		return rec, false
	}
	rec.StartIP = start.String()
	rec.EndIP = end.String()
	return rec, true
}

// maskString renders a prefix length as a dotted IPv4 netmask.
func maskString(bits int) string {
	return net.IP(net.CIDRMask(bits, 32)).String()
}
