package util

import (
	"net"
	"testing"
	"time"
)

func TestOOBSize(t *testing.T) {
	if OOBSize() <= 0 {
		t.Errorf("OOBSize() = %d, want > 0", OOBSize())
	}
}

func TestGetOOBWithSrc(t *testing.T) {
	tests := []struct {
		name string
		ip   net.IP
	}{
		{
			name: "v4",
			ip:   net.IPv4(192, 0, 2, 1),
		},
		{
			name: "v6",
			ip:   net.ParseIP("2001:db8::1"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if oob := GetOOBWithSrc(tt.ip); len(oob) == 0 {
				t.Error("GetOOBWithSrc() = empty")
			}
		})
	}
}

func TestParseDstGarbage(t *testing.T) {
	if dst := ParseDst(nil); dst != nil {
		t.Errorf("ParseDst(nil) = %v, want nil", dst)
	}
	if dst := ParseDst([]byte{1, 2, 3}); dst != nil {
		t.Errorf("ParseDst(short) = %v, want nil", dst)
	}
}

// TestControlMessageRoundTrip sends a real datagram through the loopback and
// checks the destination address comes back in the OOB data.
func TestControlMessageRoundTrip(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err = SetControlMessage(conn); err != nil {
		t.Skipf("control messages unavailable: %v", err)
	}

	client, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer func() { _ = client.Close() }()

	if _, err = client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, 64)
	oob := make([]byte, OOBSize())
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	n, oobn, remote, err := Read(conn, buf, oob)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != len("hello") {
		t.Errorf("Read() n = %d, want %d", n, len("hello"))
	}
	if remote == nil {
		t.Fatal("Read() remote = nil")
	}

	dst := ParseDst(oob[:oobn])
	if dst == nil || !dst.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("ParseDst() = %v, want 127.0.0.1", dst)
	}
}
