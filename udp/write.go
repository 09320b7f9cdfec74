package udp

import (
	"time"

	"github.com/treemana/godut/log"
	"github.com/treemana/godut/model"
	"github.com/treemana/godut/util"
)

func (s *Server) write() {
	defer s.respWG.Done()

	for {
		select {
		case <-s.done:
			// flush answers that completed before the stop
			s.drain()
			return
		case <-s.replies.Signal():
			s.drain()
		}
	}
}

func (s *Server) drain() {
	for {
		element, ok := s.replies.Next()
		if !ok {
			return
		}
		s.send(element.(*model.Reply))
	}
}

func (s *Server) send(r *model.Reply) {

	if r.RemoteAddr == nil {
		log.Sugar.Warnf("sn=%d, answer without a requester address", r.SN)
		return
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultTimeout)); err != nil {
		log.Sugar.Errorf("sn=%d, server udp connection set deadline error=[%+v]", r.SN, err)
		return
	}

	var err error
	if r.LocalIP != nil {
		// answer from the address the query was sent to, matters on a
		// wildcard bind of a multihomed host
		if _, _, err = s.conn.WriteMsgUDP(r.Payload, util.GetOOBWithSrc(r.LocalIP), r.RemoteAddr); err != nil {
			log.Sugar.Debugf("sn=%d, source pinned write error=[%+v], sending unpinned", r.SN, err)
			_, err = s.conn.WriteToUDP(r.Payload, r.RemoteAddr)
		}
	} else {
		_, err = s.conn.WriteToUDP(r.Payload, r.RemoteAddr)
	}
	if err != nil {
		// the answer is dropped, the requester can retry over udp
		log.Sugar.Errorf("sn=%d, udp connection write error=[%+v]", r.SN, err)
		return
	}

	log.Sugar.Infof("sn=%d, replied %d bytes to %s, id=%#04x, %s, rtt=%s",
		r.SN, len(r.Payload), r.RemoteAddr, util.DNSMessageID(r.Payload), util.DNSRcodeString(r.Payload), r.RTT.Round(time.Millisecond))
}
