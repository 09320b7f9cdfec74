package util

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// HeaderSize is the fixed DNS message header size and therefore the smallest
// length a real message can have. Anything shorter on the wire is noise.
const HeaderSize = 12

// DNSQuestionString renders the first question of a raw DNS message for log
// lines, "'name' TYPE, id=0x1234". The decode is best effort: the packet is
// relayed either way, so a message the dns library cannot parse degrades to
// a placeholder instead of an error.
func DNSQuestionString(packet []byte) string {
	var message = new(dns.Msg)
	if err := message.Unpack(packet); err != nil || len(message.Question) == 0 {
		return "(unparsed)"
	}

	q := message.Question[0]
	return fmt.Sprintf("'%s' %s, id=%#04x", q.Name, DNSTypeString(q.Qtype), message.Id)
}

// DNSTypeString returns the textual record type, TYPEn for types the dns
// library has no name for.
func DNSTypeString(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}

	return fmt.Sprintf("TYPE%d", qtype)
}

// DNSRcodeString returns the textual response code of a raw DNS message
// without a full unpack, reading the low nibble of header byte 3.
func DNSRcodeString(payload []byte) string {
	if len(payload) < HeaderSize {
		return "(short)"
	}

	rcode := int(payload[3] & 0x0F)
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}

	return fmt.Sprintf("RCODE%d", rcode)
}

// DNSMessageID returns the query identifier of a raw DNS message, zero when
// the message is shorter than a header.
func DNSMessageID(payload []byte) uint16 {
	if len(payload) < HeaderSize {
		return 0
	}

	return binary.BigEndian.Uint16(payload)
}
