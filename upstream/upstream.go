package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/treemana/godut/frame"
	"github.com/treemana/godut/log"
)

var errNoAnswer = errors.New("connection closed without an answer")

// bufPool recycles the reassembly buffers of Receive, one frame sized slice
// per concurrent transaction instead of a fresh 64 KB allocation each time.
// Pointers keep the slice header off the heap on the way back in.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, frame.HeaderLen+frame.MaxPayload)
		return &b
	},
}

// Dial opens a fresh connection to the resolver. One connection carries
// exactly one query and answer; the transaction owning it closes it on every
// path.
// return conn, elapse, error
func Dial(ctx context.Context, address string) (net.Conn, time.Duration, error) {
	var dialer net.Dialer

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp4", address)
	elapse := time.Since(start)
	if err != nil {
		return nil, elapse, err
	}

	return conn, elapse, nil
}

// Send frames the query and writes it out. net.Conn resumes short writes
// internally, so a partial write only ever surfaces together with an error.
func Send(conn net.Conn, payload []byte, deadline time.Time) error {
	buf, err := frame.Encode(payload)
	if err != nil {
		return err
	}

	if err = conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	_, err = conn.Write(buf)
	return err
}

// Receive reads one framed answer, taking however many reads the resolver
// spreads it across, and returns the payload in a fresh buffer. The deadline
// caps the whole reassembly.
func Receive(conn net.Conn, deadline time.Time, sn uint64) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)

	buf := *bp
	var cursor int
	for {
		n, err := conn.Read(buf[cursor:])
		if n > 0 {
			cursor += n

			done, ferr := frame.Complete(buf[:cursor])
			if ferr != nil {
				return nil, ferr
			}

			if done {
				payload, derr := frame.Decode(buf[:cursor])
				if derr != nil {
					return nil, derr
				}

				out := make([]byte, len(payload))
				copy(out, payload)
				return out, nil
			}

			if want, ok := frame.Declared(buf[:cursor]); ok {
				log.Sugar.Debugf("sn=%d, partial answer from %s, got %d of %d bytes, waiting", sn, conn.RemoteAddr(), cursor-frame.HeaderLen, want)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if cursor == 0 {
					return nil, errNoAnswer
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
