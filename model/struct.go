package model

import (
	"net"
	"time"
)

type Query struct {
	// SN serial number
	// stamped by the server read loop and carried through every log line
	// of the transaction
	SN uint64

	// RemoteAddr the requester udp address
	RemoteAddr *net.UDPAddr

	// LocalIP the destination address of the incoming datagram, set only
	// when the listener receives control messages; replies are pinned to
	// it so a wildcard bind answers from the address it was asked on
	LocalIP net.IP

	// Packet the raw DNS message without any framing
	Packet []byte

	// Received when the datagram left the socket
	Received time.Time
}

type Reply struct {
	SN         uint64
	RemoteAddr *net.UDPAddr
	LocalIP    net.IP

	// Payload the raw DNS answer exactly as the resolver produced it
	Payload []byte

	// RTT time from datagram arrival to the completed upstream answer
	RTT time.Duration
}
