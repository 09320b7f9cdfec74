package dispatch

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/caffix/queue"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/treemana/godut/frame"
	"github.com/treemana/godut/log"
	"github.com/treemana/godut/model"
	"github.com/treemana/godut/table"
)

func TestMain(m *testing.M) {
	if err := log.Init(log.Config{STDOUT: true, Level: -1}); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var client = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 35353}

func typeAHandler(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET},
		A:   net.ParseIP("192.0.2.10"),
	})
	_ = w.WriteMsg(m)
}

// runLocalTCPServer serves handler on a loopback TCP listener and returns
// its address once the server is accepting.
func runLocalTCPServer(t *testing.T, handler dns.Handler) string {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{Listener: ln, Handler: handler}

	var waitLock sync.Mutex
	waitLock.Lock()
	server.NotifyStartedFunc = waitLock.Unlock

	go func() { _ = server.ActivateAndServe() }()
	waitLock.Lock()

	t.Cleanup(func() { _ = server.Shutdown() })
	return ln.Addr().String()
}

// runStallServer accepts connections and never answers, closing each conn
// only after the peer goes away.
func runStallServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(io.Discard, c)
				_ = c.Close()
			}(c)
		}
	}()

	return ln.Addr().String()
}

// runDelayEchoServer echoes the query back as the answer after delay.
func runDelayEchoServer(t *testing.T, delay time.Duration) string {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()

				hdr := make([]byte, frame.HeaderLen)
				if _, err := io.ReadFull(c, hdr); err != nil {
					return
				}
				body := make([]byte, binary.BigEndian.Uint16(hdr))
				if _, err := io.ReadFull(c, body); err != nil {
					return
				}

				time.Sleep(delay)

				buf, err := frame.Encode(body)
				if err != nil {
					return
				}
				_, _ = c.Write(buf)
			}(c)
		}
	}()

	return ln.Addr().String()
}

func packQuery(t *testing.T, name string) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	packet, err := m.Pack()
	require.NoError(t, err)
	return packet
}

func nextReply(t *testing.T, replies queue.Queue, wait time.Duration) *model.Reply {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case <-replies.Signal():
		case <-deadline:
			t.Fatal("no reply before the deadline")
		}

		if e, ok := replies.Next(); ok {
			return e.(*model.Reply)
		}
	}
}

func TestExchange(t *testing.T) {
	addr := runLocalTCPServer(t, dns.HandlerFunc(typeAHandler))

	tbl := table.New(4, 2*time.Second)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.Start()

	queries <- &model.Query{
		SN:         1,
		RemoteAddr: client,
		Packet:     packQuery(t, "exchange.test"),
		Received:   time.Now(),
	}

	r := nextReply(t, replies, 2*time.Second)
	require.EqualValues(t, 1, r.SN)
	require.Equal(t, client, r.RemoteAddr)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(r.Payload))
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "192.0.2.10", resp.Answer[0].(*dns.A).A.String())

	require.Eventually(t, func() bool { return tbl.Active() == 0 }, time.Second, 10*time.Millisecond)

	close(queries)
	d.Stop()
}

func TestExchangeConcurrent(t *testing.T) {
	addr := runLocalTCPServer(t, dns.HandlerFunc(typeAHandler))

	tbl := table.New(8, 2*time.Second)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.Start()

	const total = 8
	go func() {
		for sn := uint64(1); sn <= total; sn++ {
			queries <- &model.Query{
				SN:         sn,
				RemoteAddr: client,
				Packet:     packQuery(t, "concurrent.test"),
				Received:   time.Now(),
			}
		}
	}()

	seen := make(map[uint64]bool, total)
	for i := 0; i < total; i++ {
		r := nextReply(t, replies, 3*time.Second)
		require.False(t, seen[r.SN], "duplicate reply for sn=%d", r.SN)
		seen[r.SN] = true
	}
	require.Len(t, seen, total)

	require.Eventually(t, func() bool { return tbl.Active() == 0 }, time.Second, 10*time.Millisecond)

	close(queries)
	d.Stop()
}

// TestTimeoutSweep points the dispatcher at a resolver that never answers
// and checks the sweeper reclaims the slot without producing a reply.
func TestTimeoutSweep(t *testing.T) {
	addr := runStallServer(t)

	tbl := table.New(2, 200*time.Millisecond)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.sweepEvery = 50 * time.Millisecond
	d.Start()

	queries <- &model.Query{
		SN:         1,
		RemoteAddr: client,
		Packet:     packQuery(t, "timeout.test"),
		Received:   time.Now(),
	}

	require.Eventually(t, func() bool { return tbl.Active() == 0 }, 2*time.Second, 20*time.Millisecond)
	require.Zero(t, replies.Len())

	close(queries)
	d.Stop()
}

// TestCapacityShedding fills a one slot table with a stalled transaction and
// checks the next query is dropped instead of queued.
func TestCapacityShedding(t *testing.T) {
	addr := runStallServer(t)

	tbl := table.New(1, 300*time.Millisecond)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.sweepEvery = 50 * time.Millisecond
	d.Start()

	for sn := uint64(1); sn <= 2; sn++ {
		queries <- &model.Query{
			SN:         sn,
			RemoteAddr: client,
			Packet:     packQuery(t, "capacity.test"),
			Received:   time.Now(),
		}
	}

	// the second query found the table full and was shed on arrival
	require.Equal(t, 1, tbl.Active())

	require.Eventually(t, func() bool { return tbl.Active() == 0 }, 2*time.Second, 20*time.Millisecond)
	require.Zero(t, replies.Len())

	close(queries)
	d.Stop()
}

// TestCapacityShedFirstCompletes fills the one slot table with a transaction
// whose resolver answers late but in time; shedding the second query must not
// disturb the first, its reply still arrives.
func TestCapacityShedFirstCompletes(t *testing.T) {
	addr := runDelayEchoServer(t, 300*time.Millisecond)

	tbl := table.New(1, 2*time.Second)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.Start()

	packet := packQuery(t, "shed.test")
	for sn := uint64(1); sn <= 2; sn++ {
		queries <- &model.Query{
			SN:         sn,
			RemoteAddr: client,
			Packet:     packet,
			Received:   time.Now(),
		}
	}

	// the second query found the only slot busy and was shed on arrival
	require.Equal(t, 1, tbl.Active())

	r := nextReply(t, replies, 2*time.Second)
	require.EqualValues(t, 1, r.SN)
	require.Equal(t, packet, r.Payload)

	require.Zero(t, tbl.Active())
	require.Zero(t, replies.Len())

	close(queries)
	d.Stop()
}

// TestLateAnswerDiscarded makes the resolver answer only after the sweeper
// already gave up on the transaction; the late answer must not reach the
// reply queue.
func TestLateAnswerDiscarded(t *testing.T) {
	addr := runDelayEchoServer(t, 600*time.Millisecond)

	tbl := table.New(2, 150*time.Millisecond)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 0)
	require.NoError(t, err)
	d.sweepEvery = 50 * time.Millisecond
	d.Start()

	queries <- &model.Query{
		SN:         1,
		RemoteAddr: client,
		Packet:     packQuery(t, "late.test"),
		Received:   time.Now(),
	}

	require.Eventually(t, func() bool { return tbl.Active() == 0 }, 2*time.Second, 20*time.Millisecond)

	time.Sleep(700 * time.Millisecond)
	require.Zero(t, replies.Len())

	close(queries)
	d.Stop()
}

// TestConnectPacing runs two queries through a one per second limiter and
// checks the second connect had to wait for a token.
func TestConnectPacing(t *testing.T) {
	addr := runLocalTCPServer(t, dns.HandlerFunc(typeAHandler))

	tbl := table.New(4, 3*time.Second)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	d, err := New(addr, tbl, queries, replies, 1)
	require.NoError(t, err)
	d.Start()

	start := time.Now()
	for sn := uint64(1); sn <= 2; sn++ {
		queries <- &model.Query{
			SN:         sn,
			RemoteAddr: client,
			Packet:     packQuery(t, "pacing.test"),
			Received:   time.Now(),
		}
	}

	for i := 0; i < 2; i++ {
		nextReply(t, replies, 3*time.Second)
	}
	require.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	close(queries)
	d.Stop()
}

func TestNewValidation(t *testing.T) {
	tbl := table.New(1, time.Second)
	queries := make(chan *model.Query)
	replies := queue.NewQueue()

	if _, err := New("", tbl, queries, replies, 0); err == nil {
		t.Error("New() error = nil for an empty resolver")
	}

	d, err := New("192.0.2.1", tbl, queries, replies, 0)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1:53", d.resolver)

	d, err = New("192.0.2.1:5353", tbl, queries, replies, 0)
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1:5353", d.resolver)
}
