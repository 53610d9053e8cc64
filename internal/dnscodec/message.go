// Package dnscodec is the thin boundary between this gateway and the DNS
// wire format. It wraps github.com/miekg/dns so that the rest of the
// codebase never unpacks attacker-controlled bytes directly.
package dnscodec

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// ErrMalformed is returned when wire bytes cannot be parsed as a DNS message.
var ErrMalformed = errors.New("malformed dns message")

// Message is a parsed DNS message. The zero value is not usable; build one
// with Parse, NewQuery, or NewResponse.
type Message struct {
	msg *dns.Msg
}

// Parse decodes wire into a Message. It never panics: a panic from the
// underlying decoder (which can happen on certain malformed compression
// pointers) is recovered and reported as ErrMalformed.
func Parse(wire []byte) (m *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()
	msg := new(dns.Msg)
	if uerr := msg.Unpack(wire); uerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, uerr)
	}
	return &Message{msg: msg}, nil
}

// NewQuery builds a fresh query message for name/qtype with a random id.
// When dnssecOK is set, the query carries an OPT record with the DO bit.
func NewQuery(name string, qtype uint16, dnssecOK bool) *Message {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	if dnssecOK {
		msg.SetEdns0(dns.DefaultMsgSize, true)
	}
	return &Message{msg: msg}
}

// NewResponse builds an empty response preloaded with query's id and question,
// as the first step of synthesizing a reply (e.g. SERVFAIL on upstream timeout).
func NewResponse(query *Message) *Message {
	resp := new(dns.Msg)
	resp.SetReply(query.msg)
	return &Message{msg: resp}
}

// FromMsg wraps an already-parsed *dns.Msg, e.g. one produced by a test helper.
func FromMsg(msg *dns.Msg) *Message {
	return &Message{msg: msg}
}

// Msg returns the underlying *dns.Msg for callers that need full field access.
func (m *Message) Msg() *dns.Msg {
	return m.msg
}

// Serialize packs the message back to wire bytes.
func (m *Message) Serialize() ([]byte, error) {
	wire, err := m.msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return wire, nil
}

// ID returns the 16-bit transaction id.
func (m *Message) ID() uint16 {
	return m.msg.Id
}

// SetID overwrites the transaction id, as the id-rewriting invariant does
// at each protocol boundary.
func (m *Message) SetID(id uint16) {
	m.msg.Id = id
}

// Truncated reports the TC bit.
func (m *Message) Truncated() bool {
	return m.msg.Truncated
}

// Question returns the first question, or the zero value if there is none.
func (m *Message) Question() dns.Question {
	if len(m.msg.Question) == 0 {
		return dns.Question{}
	}
	return m.msg.Question[0]
}

// HasQuestion reports whether the message carries at least one question.
func (m *Message) HasQuestion() bool {
	return len(m.msg.Question) > 0
}

// SetRcode overwrites the response code, leaving id/question untouched.
func (m *Message) SetRcode(code int) {
	m.msg.Rcode = code
}

// MinAnswerTTL returns the smallest TTL among answer-section RRs and whether
// the answer section is non-empty. Callers use the bool to decide whether a
// cache-control header should be emitted at all (spec: omitted when there is
// no answer RR, not merely zero).
func (m *Message) MinAnswerTTL() (ttl uint32, ok bool) {
	for i, rr := range m.msg.Answer {
		t := rr.Header().Ttl
		if i == 0 || t < ttl {
			ttl = t
		}
		ok = true
	}
	return ttl, ok
}

// AnswerCount, AuthorityCount, AdditionalCount report section sizes for logging.
func (m *Message) AnswerCount() int     { return len(m.msg.Answer) }
func (m *Message) AuthorityCount() int  { return len(m.msg.Ns) }
func (m *Message) AdditionalCount() int { return len(m.msg.Extra) }

// String renders a short one-line summary suitable for log lines.
func (m *Message) String() string {
	q := m.Question()
	return fmt.Sprintf("id=%d qname=%s qtype=%s rcode=%s ancount=%d",
		m.msg.Id, q.Name, dns.TypeToString[q.Qtype], dns.RcodeToString[m.msg.Rcode], len(m.msg.Answer))
}
