package udp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffix/queue"

	"github.com/treemana/godut/log"
	"github.com/treemana/godut/model"
	"github.com/treemana/godut/util"
)

const (
	defaultTimeout = 10 * time.Second
)

type Configure struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	IPV4Only bool   `json:"ipv4_only"`
}

type Server struct {
	address *net.UDPAddr
	network string // "udp", or "udp4" in IPv4 only mode
	conn    *net.UDPConn
	status  atomic.Bool // running status
	oob     bool        // control messages enabled on conn

	reqWG   sync.WaitGroup
	reqChan chan *model.Query // queries toward the dispatcher

	respWG  sync.WaitGroup
	replies queue.Queue // answers back from the dispatcher
	done    chan struct{}

	serial atomic.Uint64
}

// New binds the service socket. Port zero asks the kernel for an ephemeral
// port, which the tests lean on; Addr tells what was bound.
func New(ip net.IP, port int, ipv4Only bool) (*Server, error) {

	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port=%d", port)
	}

	network := "udp"
	if ipv4Only {
		network = "udp4"
	}

	s := Server{
		address: &net.UDPAddr{Port: port, IP: ip},
		network: network,
		reqChan: make(chan *model.Query),
		replies: queue.NewQueue(),
		done:    make(chan struct{}),
	}

	if err := s.setConn(); err != nil {
		return nil, fmt.Errorf("set conn error=[%+v]", err)
	}

	return &s, nil
}

// Pipeline returns the query channel and the reply queue shared with the
// dispatcher.
func (s *Server) Pipeline() (chan *model.Query, queue.Queue) {
	return s.reqChan, s.replies
}

// Addr returns the bound address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Server) Start() {

	s.status.Store(true)

	s.reqWG.Add(1)
	go s.read()

	s.respWG.Add(1)
	go s.write()

	log.Sugar.Infof("server listening on %s/%s", s.Addr(), s.network)
}

// StopRead stops admitting queries and closes the query channel. The
// dispatcher keeps the channel's already accepted queries; stop it next.
func (s *Server) StopRead() {
	log.Sugar.Info("server read stopping")
	s.status.Store(false)

	// unblock the pending ReadMsgUDP
	_ = s.conn.SetReadDeadline(time.Now())

	s.reqWG.Wait()
	log.Sugar.Info("server read stopped")

	close(s.reqChan)
	log.Sugar.Infof("server request chan closed, serial=%d", s.serial.Load())
}

// StopWrite flushes the reply queue and closes the socket. Call it last,
// after the dispatcher has stopped appending.
func (s *Server) StopWrite() {

	log.Sugar.Info("server write stopping")

	close(s.done)
	s.respWG.Wait()
	log.Sugar.Info("server write stopped")

	if err := s.conn.Close(); err != nil {
		log.Sugar.Errorf("server udp connection close error=[%+v]", err)
	}
}

func (s *Server) setConn() error {
	var err error
	if s.conn, err = net.ListenUDP(s.network, s.address); err != nil {
		log.Sugar.Errorf("server udp [%s] listen error=[%+v]", s.address, err)
		return err
	}

	if err = util.SetControlMessage(s.conn); err != nil {
		log.Sugar.Warnf("server udp [%s] control messages unavailable, replies lose source pinning, error=[%+v]", s.address, err)
		return nil
	}
	s.oob = true

	return nil
}
