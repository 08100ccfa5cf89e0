package tunnel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// Dispatcher classifies a DNS query's leftmost labels into one of the
// seven tunnel actions, resolves the session or stage client it names, and
// invokes the matching session/stage operation.
type Dispatcher struct {
	reg     *Registry
	enc     Encoder
	domain  string
	handlers []patternHandler
}

type patternHandler struct {
	name string
	expr *regexp.Regexp
	run  func(d *Dispatcher, m []string) []dns.RR
}

// NewDispatcher builds a dispatcher that resolves sessions/stages against
// reg, encodes answers with enc, and accepts only subdomains of domain.
// The handler chain is evaluated in the order it's built here; the first
// pattern that matches the subdomain wins, mirroring the teacher's
// table-driven ordered-chain style.
func NewDispatcher(reg *Registry, enc Encoder, domain string) *Dispatcher {
	d := &Dispatcher{reg: reg, enc: enc, domain: domain}
	d.handlers = []patternHandler{
		{"stage-header", regexp.MustCompile(`^7812\.000g\.\d+\.0\.(\w+)$`), (*Dispatcher).handleStageHeader},
		{"stage-chunk", regexp.MustCompile(`^7812\.(\d+)\.\d+\.0\.(\w+)$`), (*Dispatcher).handleStageChunk},
		{"uplink-header", regexp.MustCompile(`^(\d+)\.(\d+)\.tx\.\d+\.(\w)$`), (*Dispatcher).handleUplinkHeader},
		{"uplink-chunk", regexp.MustCompile(`^t\.(.*)\.(\d+)\.(\d+)\.(\w)$`), (*Dispatcher).handleUplinkChunk},
		{"downlink-chunk", regexp.MustCompile(`^(\w{4})\.(\d+)\.\d+\.(\w)$`), (*Dispatcher).handleDownlinkChunk},
		{"downlink-header", regexp.MustCompile(`^(\w{4})\.g\.\d+\.(\w)$`), (*Dispatcher).handleDownlinkHeader},
		{"registration", regexp.MustCompile(`^7812\.reg0\.\d+\.(\w+)$`), (*Dispatcher).handleRegistration},
	}
	return d
}

// Dispatch matches subDomain (the qname with this dispatcher's domain
// suffix already stripped) against the pattern chain and runs the handler
// of the first pattern that matches; later patterns are not tried, even if
// that handler cannot resolve a live session. It returns nil if nothing
// matched or the request should be silently dropped.
func (d *Dispatcher) Dispatch(subDomain string) []dns.RR {
	if subDomain == "" {
		log.Warn().Msg("tunnel: empty subdomain in query")
		return nil
	}
	for _, h := range d.handlers {
		m := h.expr.FindStringSubmatch(subDomain)
		if m == nil {
			continue
		}
		log.Debug().Str("pattern", h.name).Str("subdomain", subDomain).Msg("tunnel: request matched pattern")
		return h.run(d, m[1:])
	}
	log.Warn().Str("subdomain", subDomain).Msg("tunnel: no pattern matched request")
	return nil
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func (d *Dispatcher) handleStageHeader(groups []string) []dns.RR {
	serverID := groups[0]
	stage := d.reg.GetStageClientForServer(serverID)
	return stage.RequestDataHeader(d.enc)
}

func (d *Dispatcher) handleStageChunk(groups []string) []dns.RR {
	index := atoiOr(groups[0], -1)
	serverID := groups[1]
	stage := d.reg.GetStageClientForServer(serverID)
	return stage.RequestData(index, d.enc)
}

func (d *Dispatcher) handleUplinkHeader(groups []string) []dns.RR {
	size := atoiOr(groups[0], 0)
	padding := atoiOr(groups[1], 0)
	clientID := groups[2]
	s := d.resolveClient(clientID)
	if s == nil {
		return nil
	}
	return s.IncomingDataHeader(size, padding, d.enc)
}

func (d *Dispatcher) handleUplinkChunk(groups []string) []dns.RR {
	payload := strings.ReplaceAll(groups[0], ".", "")
	index := atoiOr(groups[1], -1)
	clientID := groups[3]
	s := d.resolveClient(clientID)
	if s == nil {
		return nil
	}
	return s.IncomingData([]byte(payload), index, d.enc)
}

func (d *Dispatcher) handleDownlinkChunk(groups []string) []dns.RR {
	subDom := groups[0]
	index := atoiOr(groups[1], -1)
	clientID := groups[2]
	s := d.resolveClient(clientID)
	if s == nil {
		return nil
	}
	return s.RequestData(subDom, index, d.enc)
}

func (d *Dispatcher) handleDownlinkHeader(groups []string) []dns.RR {
	subDom := groups[0]
	clientID := groups[1]
	s := d.resolveClient(clientID)
	if s == nil {
		return nil
	}
	return s.RequestDataHeader(d.reg, subDom, d.enc)
}

func (d *Dispatcher) handleRegistration(groups []string) []dns.RR {
	serverID := groups[0]
	s := NewSession(d.domain)
	s.Touch()
	return s.RegisterClient(d.reg, serverID, d.enc)
}

// resolveClient resolves a trailing client_id label to its session,
// dropping the request silently if the session belongs to another
// authoritative domain (spec.md §4.2's cross-domain guard).
func (d *Dispatcher) resolveClient(clientID string) *Session {
	if len(clientID) != 1 {
		return nil
	}
	s, ok := d.reg.GetClientByID(clientID[0])
	if !ok {
		log.Warn().Str("client_id", clientID).Msg("tunnel: unknown client_id in request")
		return nil
	}
	if s.Domain != d.domain {
		log.Warn().Str("client_id", clientID).Str("session_domain", s.Domain).Str("request_domain", d.domain).
			Msg("tunnel: session registered under a different domain, dropping")
		return nil
	}
	s.Touch()
	return s
}
