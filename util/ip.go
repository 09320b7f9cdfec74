package util

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// ipv*Flags is the set of socket option flags for configuring IPv* UDP
	// connection to receive an appropriate OOB data.  For both versions the flags
	// are:
	//   FlagDst
	//   FlagInterface
	ipv4Flags = ipv4.FlagDst | ipv4.FlagInterface
	ipv6Flags = ipv6.FlagDst | ipv6.FlagInterface
)

var (
	oobSize int
)

func init() {
	oobSize = getOOBSize()
}

// OOBSize returns the buffer size able to hold the OOB data of any received
// datagram.
func OOBSize() int {
	return oobSize
}

// Read receives one datagram together with its OOB data.
func Read(c *net.UDPConn, buf, oob []byte) (n, oobn int, remoteAddr *net.UDPAddr, err error) {
	n, oobn, _, remoteAddr, err = c.ReadMsgUDP(buf, oob)
	if err != nil {
		return -1, 0, nil, err
	}

	return n, oobn, remoteAddr, nil
}

// SetControlMessage asks the kernel to deliver the destination address and
// arrival interface with every datagram. The listener works without it,
// replies from a wildcard bind just lose their source pinning, so callers
// may treat an error as cosmetic.
func SetControlMessage(conn *net.UDPConn) error {
	err := ipv4.NewPacketConn(conn).SetControlMessage(ipv4Flags, true)
	if err == nil {
		return nil
	}

	return ipv6.NewPacketConn(conn).SetControlMessage(ipv6Flags, true)
}

// ParseDst extracts the destination IP of a received datagram from its OOB
// data, nil when absent.
func ParseDst(oob []byte) net.IP {
	if len(oob) == 0 {
		return nil
	}

	var cm4 ipv4.ControlMessage
	if err := cm4.Parse(oob); err == nil && cm4.Dst != nil {
		return cm4.Dst
	}

	var cm6 ipv6.ControlMessage
	if err := cm6.Parse(oob); err == nil && cm6.Dst != nil {
		return cm6.Dst
	}

	return nil
}

// getOOBSize returns maximum size of the received OOB data.
func getOOBSize() (oobSize int) {
	l4, l6 := len(ipv4.NewControlMessage(ipv4Flags)), len(ipv6.NewControlMessage(ipv6Flags))

	if l4 >= l6 {
		return l4
	}

	return l6
}

// GetOOBWithSrc makes the OOB data with a specified source IP.
func GetOOBWithSrc(ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		return (&ipv4.ControlMessage{Src: ip}).Marshal()
	}

	return (&ipv6.ControlMessage{Src: ip}).Marshal()
}
