package tcp

import (
	"errors"
	"net"
	"sync"

	"github.com/treemana/godut/log"
)

// Listener is the TCP side of the service port. Queries over TCP are not
// served yet; the listener accepts each session, logs it and closes it, so
// requesters fail fast instead of hanging on an unanswered SYN.
type Listener struct {
	ln *net.TCPListener
	wg sync.WaitGroup
}

func New(ip net.IP, port int, ipv4Only bool) (*Listener, error) {
	network := "tcp"
	if ipv4Only {
		network = "tcp4"
	}

	ln, err := net.ListenTCP(network, &net.TCPAddr{Port: port, IP: ip})
	if err != nil {
		log.Sugar.Errorf("tcp [%s] listen error=[%+v]", &net.TCPAddr{Port: port, IP: ip}, err)
		return nil, err
	}

	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

func (l *Listener) Start() {
	l.wg.Add(1)
	go l.accept()

	log.Sugar.Infof("tcp listening on %s, sessions are logged and closed", l.Addr())
}

func (l *Listener) Stop() {
	_ = l.ln.Close()
	l.wg.Wait()
	log.Sugar.Info("tcp listener stopped")
}

func (l *Listener) accept() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Sugar.Error("tcp accept error : ", err)
			continue
		}

		log.Sugar.Infof("tcp session from %s closed, queries over tcp are not supported", conn.RemoteAddr())
		_ = conn.Close()
	}
}
