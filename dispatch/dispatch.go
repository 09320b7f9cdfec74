package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/caffix/queue"
	"golang.org/x/time/rate"

	"github.com/treemana/godut/log"
	"github.com/treemana/godut/model"
	"github.com/treemana/godut/table"
	"github.com/treemana/godut/upstream"
)

const sweepInterval = time.Second

// Dispatcher drives every accepted query through its own upstream TCP
// transaction: acquire a table slot, connect, send the framed query, collect
// the framed answer, free the slot, enqueue the reply. Queries arriving
// while every slot is busy are shed at the door.
type Dispatcher struct {
	resolver string
	tbl      *table.Table
	limiter  *rate.Limiter

	queries chan *model.Query // from the server read loop
	replies queue.Queue       // to the server write loop

	sweepEvery time.Duration

	wg       sync.WaitGroup // acceptor and sweeper
	trxWG    sync.WaitGroup // in-flight transactions
	cancelFn context.CancelFunc
}

// New wires a dispatcher to the resolver at address, "ip" or "ip:port" with
// 53 as the default port. connectQPS caps the upstream connect rate, zero
// or negative leaves it unlimited.
func New(resolver string, tbl *table.Table, queries chan *model.Query, replies queue.Queue, connectQPS int) (*Dispatcher, error) {
	if len(resolver) == 0 {
		return nil, errors.New("empty resolver address")
	}

	if _, _, err := net.SplitHostPort(resolver); err != nil {
		resolver = net.JoinHostPort(resolver, "53")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if connectQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(connectQPS), 1)
	}

	return &Dispatcher{
		resolver:   resolver,
		tbl:        tbl,
		limiter:    limiter,
		queries:    queries,
		replies:    replies,
		sweepEvery: sweepInterval,
	}, nil
}

func (d *Dispatcher) Start() {
	var ctx context.Context
	ctx, d.cancelFn = context.WithCancel(context.Background())

	d.wg.Add(2)
	go func() {
		d.accept(ctx)
		d.wg.Done()
	}()
	go func() {
		d.sweep(ctx)
		d.wg.Done()
	}()

	log.Sugar.Infof("dispatcher running against %s, %d transaction slots, %s timeout", d.resolver, d.tbl.Capacity(), d.tbl.Timeout())
}

// Stop drains the dispatcher. The query channel must be closed first; Stop
// then waits out the acceptor, releases whatever is still in flight and
// waits for the transaction goroutines to notice their closed conns.
func (d *Dispatcher) Stop() {
	log.Sugar.Info("dispatcher stopping")

	d.cancelFn()
	d.wg.Wait()

	if n := d.tbl.ReleaseAll(); n > 0 {
		log.Sugar.Infof("dispatcher released %d in-flight transactions", n)
	}
	d.trxWG.Wait()

	log.Sugar.Info("dispatcher stopped")
}

// accept admits queries until the channel closes. Admission is where the
// table bounds the daemon: no slot, no transaction, the datagram is logged
// and gone.
func (d *Dispatcher) accept(ctx context.Context) {
	for q := range d.queries {
		h, ok := d.tbl.Acquire(q.SN, q.RemoteAddr, q.Received)
		if !ok {
			log.Sugar.Warnf("sn=%d, no free transaction slot of %d, dropping query from %s", q.SN, d.tbl.Capacity(), q.RemoteAddr)
			continue
		}

		if err := d.limiter.Wait(ctx); err != nil {
			d.tbl.Release(h)
			log.Sugar.Warnf("sn=%d, connect pacing interrupted, dropping query from %s", q.SN, q.RemoteAddr)
			continue
		}

		d.trxWG.Add(1)
		go func(q *model.Query, h table.Handle) {
			d.transact(ctx, q, h)
			d.trxWG.Done()
		}(q, h)
	}
}

// transact walks one query through connecting and receiving. Every exit path
// releases the slot exactly once; when the sweeper got there first the
// release reports false and the transaction ends quietly, the sweeper
// already logged it.
func (d *Dispatcher) transact(ctx context.Context, q *model.Query, h table.Handle) {
	deadline := q.Received.Add(d.tbl.Timeout())
	tctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, elapse, err := upstream.Dial(tctx, d.resolver)
	if err != nil {
		if d.tbl.Release(h) {
			log.Sugar.Errorf("sn=%d, slot=%d, connect to %s error=[%+v], query dropped", h.SN(), h.Slot(), d.resolver, err)
		}
		return
	}
	log.Sugar.Debugf("sn=%d, slot=%d, connected to %s in %s", h.SN(), h.Slot(), conn.RemoteAddr(), elapse)

	if !d.tbl.Attach(h, conn) {
		_ = conn.Close()
		return
	}

	if err = upstream.Send(conn, q.Packet, deadline); err != nil {
		if d.tbl.Release(h) {
			log.Sugar.Errorf("sn=%d, slot=%d, sending query error=[%+v], query dropped", h.SN(), h.Slot(), err)
		}
		return
	}

	if !d.tbl.MarkReceiving(h) {
		return
	}
	log.Sugar.Debugf("sn=%d, slot=%d, query sent, awaiting answer", h.SN(), h.Slot())

	payload, err := upstream.Receive(conn, deadline, h.SN())
	if err != nil {
		if d.tbl.Release(h) {
			log.Sugar.Errorf("sn=%d, slot=%d, receiving answer error=[%+v], query dropped", h.SN(), h.Slot(), err)
		}
		return
	}

	// the release decides the race against the sweeper; only the winner
	// may forward the answer, an answer completed after the sweep is
	// discarded
	if !d.tbl.Release(h) {
		return
	}

	d.replies.Append(&model.Reply{
		SN:         q.SN,
		RemoteAddr: q.RemoteAddr,
		LocalIP:    q.LocalIP,
		Payload:    payload,
		RTT:        time.Since(q.Received),
	})
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := d.tbl.Sweep(now); n > 0 {
				log.Sugar.Debugf("sweep reclaimed %d stale transactions, %d active", n, d.tbl.Active())
			}
		}
	}
}
