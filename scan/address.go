package scan

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// DefaultPort is the standard Minecraft Java Edition server port.
const DefaultPort = 25565

// Address is a single probe target: an IPv4 value plus port.
// Immutable once generated; ordered by the integer value of IP.
type Address struct {
	IP   uint32
	Port uint16
}

func (a Address) NetIP() net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, a.IP)
	return ip
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.NetIP().String(), a.Port)
}

// IPToUint32 converts an IPv4 address to its integer value.
func IPToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// ParseRange accepts a CIDR block ("10.0.0.0/24"), an explicit range
// ("10.0.0.0-10.0.0.15") or a single IPv4 address, and returns the inclusive
// [start,end] integer bounds.
func ParseRange(target string) (start, end uint32, err error) {
	if _, ipnet, cerr := net.ParseCIDR(target); cerr == nil {
		if ipnet.IP.To4() == nil {
			return 0, 0, fmt.Errorf("only IPv4 ranges are supported: %s", target)
		}
		start = IPToUint32(ipnet.IP)
		ones, bits := ipnet.Mask.Size()
		end = start | (1<<(uint(bits-ones)) - 1)
		return start, end, nil
	}

	if strings.Contains(target, "-") {
		parts := strings.SplitN(target, "-", 2)
		from := net.ParseIP(strings.TrimSpace(parts[0]))
		to := net.ParseIP(strings.TrimSpace(parts[1]))
		if from == nil || from.To4() == nil || to == nil || to.To4() == nil {
			return 0, 0, fmt.Errorf("invalid address range: %s", target)
		}
		start, end = IPToUint32(from), IPToUint32(to)
		if start > end {
			return 0, 0, fmt.Errorf("range start is above range end: %s", target)
		}
		return start, end, nil
	}

	ip := net.ParseIP(target)
	if ip == nil || ip.To4() == nil {
		return 0, 0, fmt.Errorf("invalid target: %s", target)
	}
	start = IPToUint32(ip)
	return start, start, nil
}
