package udp

import (
	"errors"
	"net"
	"time"

	"github.com/treemana/godut/frame"
	"github.com/treemana/godut/log"
	"github.com/treemana/godut/model"
	"github.com/treemana/godut/util"
)

func (s *Server) read() {
	defer s.reqWG.Done()

	buf := make([]byte, frame.MaxPayload)
	oob := make([]byte, util.OOBSize())
	for {
		n, oobn, remoteAddr, err := util.Read(s.conn, buf, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Sugar.Warn("server read connection closed")
				break
			}
			if !s.status.Load() {
				break
			}
			log.Sugar.Error("server read error : ", err)
			continue
		}

		if !s.status.Load() {
			log.Sugar.Info("server read after stopped")
			break
		}

		// anything shorter than a DNS header cannot be a query and is
		// dropped before it can occupy a transaction slot
		if n < util.HeaderSize {
			log.Sugar.Warnf("ignoring short datagram from %s, %d bytes", remoteAddr, n)
			continue
		}

		// make a copy of the datagram bytes, the next ReadMsgUDP will
		// overwrite buf while the query travels the pipeline
		packet := make([]byte, n)
		copy(packet, buf)

		q := &model.Query{
			SN:         s.serial.Add(1),
			RemoteAddr: remoteAddr,
			Packet:     packet,
			Received:   time.Now(),
		}
		if s.oob && oobn > 0 {
			q.LocalIP = util.ParseDst(oob[:oobn])
		}

		log.Sugar.Infof("sn=%d, %d bytes incoming from %s, %s", q.SN, n, remoteAddr, util.DNSQuestionString(packet))

		s.reqChan <- q
	}
}
