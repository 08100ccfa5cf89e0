package tunnel

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// maxUDPReply is the wire-size threshold above which a UDP answer is
// replaced by an empty, truncated (tc=1) reply so the implant retries over
// TCP, per spec.md §6.
const maxUDPReply = 575

// domainConfig is one authoritative domain's static records plus its two
// tunnel dispatchers (one per dynamic RR type).
type domainConfig struct {
	suffix string // lowercase, trailing dot, e.g. "example.com."
	ipv4   string

	aaaa   *Dispatcher
	dnskey *Dispatcher
}

// Handler is the miekg/dns HandlerFunc target: it classifies inbound
// queries by authoritative domain and QTYPE, serving static A/NS records
// itself and delegating AAAA/DNSKEY queries to that domain's Dispatcher.
type Handler struct {
	reg     *Registry
	domains []*domainConfig
}

// NewHandler builds a Handler serving ipv4 as the static A record and
// ns1./ns2.<domain> as NS records for every domain in domains, each driving
// its own AAAA/DNSKEY tunnel dispatcher against the shared registry reg.
func NewHandler(reg *Registry, domains []string, ipv4 string) *Handler {
	h := &Handler{reg: reg}
	for _, d := range domains {
		suffix := strings.ToLower(strings.TrimSuffix(d, ".")) + "."
		h.domains = append(h.domains, &domainConfig{
			suffix: suffix,
			ipv4:   ipv4,
			aaaa:   NewDispatcher(reg, IPv6Encoder{}, suffix),
			dnskey: NewDispatcher(reg, DNSKeyEncoder{}, suffix),
		})
	}
	return h
}

// ServeDNS implements dns.Handler via dns.HandlerFunc in cmd/server.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) != 1 {
		return
	}
	q := r.Question[0]
	qname := strings.ToLower(q.Name)

	domain := h.matchDomain(qname)
	if domain == nil {
		log.Debug().Str("qname", qname).Msg("tunnel: query for unconfigured domain, dropping")
		return
	}

	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.Authoritative = true
	reply.RecursionAvailable = true

	subDomain := strings.TrimSuffix(qname, domain.suffix)
	subDomain = strings.TrimSuffix(subDomain, ".")

	switch q.Qtype {
	case dns.TypeA:
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
			A:   mustParseIPv4(domain.ipv4),
		})
	case dns.TypeNS:
		for _, ns := range []string{"ns1." + domain.suffix, "ns2." + domain.suffix} {
			reply.Answer = append(reply.Answer, &dns.NS{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 1},
				Ns:  ns,
			})
		}
	case dns.TypeAAAA:
		h.answerTunnel(reply, q, domain.aaaa.Dispatch(subDomain))
	case dns.TypeDNSKEY:
		h.answerTunnel(reply, q, domain.dnskey.Dispatch(subDomain))
	default:
		log.Debug().Str("qname", qname).Str("qtype", dns.TypeToString[q.Qtype]).Msg("tunnel: unsupported qtype")
	}

	h.send(w, r, reply)
}

func (h *Handler) answerTunnel(reply *dns.Msg, q dns.Question, rrs []dns.RR) {
	for _, rr := range rrs {
		switch typed := rr.(type) {
		case *dns.AAAA:
			typed.Hdr.Name = q.Name
		case *dns.DNSKEY:
			typed.Hdr.Name = q.Name
		case *dns.NULL:
			typed.Hdr.Name = q.Name
		}
		reply.Answer = append(reply.Answer, rr)
	}
}

func (h *Handler) matchDomain(qname string) *domainConfig {
	for _, d := range h.domains {
		if strings.HasSuffix(qname, d.suffix) {
			return d
		}
	}
	return nil
}

func (h *Handler) send(w dns.ResponseWriter, r *dns.Msg, reply *dns.Msg) {
	_, isUDP := w.RemoteAddr().(*net.UDPAddr)
	if isUDP {
		if packed, err := reply.Pack(); err == nil && len(packed) > maxUDPReply {
			truncated := new(dns.Msg)
			truncated.SetReply(r)
			truncated.Authoritative = true
			truncated.RecursionAvailable = true
			truncated.Truncated = true
			reply = truncated
		}
	}
	if err := w.WriteMsg(reply); err != nil {
		log.Warn().Err(err).Msg("tunnel: failed to write DNS reply")
	}
}

func mustParseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		log.Fatal().Str("addr", s).Msg("tunnel: invalid static IPv4 address")
	}
	return ip.To4()
}
