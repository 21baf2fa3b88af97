package blocklist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net/netip"
	"strconv"
	"strings"
)

// network is a validated CIDR entry stored as masked integers.
// IPv4 uses lo only; IPv6 splits the 128-bit address into hi and lo.
type network struct {
	v6     bool
	hi, lo uint64
	bits   int
	source string
	text   string
}

func (n network) contains(addr netip.Addr) bool {
	if addr.Is4() {
		if n.v6 {
			return false
		}
		mask := mask32(n.bits)
		return uint64(addrToUint32(addr)&mask) == n.lo
	}
	if !n.v6 {
		return false
	}
	hi, lo := addrToUint128(addr)
	mhi, mlo := mask128(n.bits)
	return hi&mhi == n.hi && lo&mlo == n.lo
}

func mask32(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

func mask128(bits int) (hi, lo uint64) {
	switch {
	case bits <= 0:
		return 0, 0
	case bits <= 64:
		return ^uint64(0) << (64 - bits), 0
	case bits >= 128:
		return ^uint64(0), ^uint64(0)
	default:
		return ^uint64(0), ^uint64(0) << (128 - bits)
	}
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func addrToUint128(addr netip.Addr) (hi, lo uint64) {
	b := addr.As16()
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:])
}

// normalizeAddr parses s and unmaps IPv4-mapped IPv6 addresses. Zones are dropped.
func normalizeAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// parseNetwork validates "address/prefix". The prefix must fit the address
// family (0-32 for IPv4, 0-128 for IPv6). Host bits are masked off.
func parseNetwork(s, source string) (network, bool) {
	addrText, prefixText, ok := strings.Cut(s, "/")
	if !ok {
		return network{}, false
	}
	addr, ok := normalizeAddr(addrText)
	if !ok {
		return network{}, false
	}
	bits, err := strconv.Atoi(prefixText)
	if err != nil || bits < 0 {
		return network{}, false
	}
	if addr.Is4() {
		if bits > 32 {
			return network{}, false
		}
		masked := addrToUint32(addr) & mask32(bits)
		return network{lo: uint64(masked), bits: bits, source: source, text: s}, true
	}
	if bits > 128 {
		return network{}, false
	}
	hi, lo := addrToUint128(addr)
	mhi, mlo := mask128(bits)
	return network{v6: true, hi: hi & mhi, lo: lo & mlo, bits: bits, source: source, text: s}, true
}

// parsed is the result of reading one source body.
type parsed struct {
	exact    []string
	networks []network
}

// parseList reads one entry per line. Blank lines and "#" comments are
// skipped; anything that is not an address or address/prefix is dropped.
// Gopher menu lines are accepted by taking the display text of "i" lines,
// and the ".\r\n" terminator is ignored.
func parseList(body []byte, source string) parsed {
	var out parsed
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "." || strings.HasPrefix(line, "#") {
			continue
		}
		if tab := strings.IndexByte(line, '\t'); tab >= 0 {
			if line[0] != 'i' {
				continue
			}
			line = strings.TrimSpace(line[1:tab])
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
		}
		if strings.Contains(line, "/") {
			if n, ok := parseNetwork(line, source); ok {
				out.networks = append(out.networks, n)
			}
			continue
		}
		if addr, ok := normalizeAddr(line); ok {
			out.exact = append(out.exact, addr.String())
		}
	}
	return out
}
