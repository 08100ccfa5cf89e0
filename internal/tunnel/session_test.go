package tunnel

import (
	"encoding/base32"
	"testing"
)

type fakePeer struct {
	polled  int
	timeout int
}

func (f *fakePeer) Polling()         { f.polled++ }
func (f *fakePeer) OnClientTimeout() { f.timeout++ }

func TestSessionIncomingDataHeaderIdempotent(t *testing.T) {
	s := NewSession("example.com")
	enc := IPv6Encoder{}

	first := s.IncomingDataHeader(16, 0, enc)
	if first == nil {
		t.Fatal("expected a ready_receive reply for a fresh header")
	}
	second := s.IncomingDataHeader(16, 0, enc)
	if second == nil {
		t.Fatal("expected a duplicate header with the same size to be acked, not dropped")
	}

	mismatch := s.IncomingDataHeader(32, 0, enc)
	if mismatch != nil {
		t.Fatal("expected a header with a different size mid-transfer to be dropped")
	}
}

func TestSessionIncomingDataAssemblesAndDecodes(t *testing.T) {
	s := NewSession("example.com")
	enc := IPv6Encoder{}

	payload := []byte("hello world")
	encoded := base32.StdEncoding.EncodeToString(payload)
	trimmed := encoded
	padding := 0
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '=' {
		trimmed = trimmed[:len(trimmed)-1]
		padding++
	}

	if s.IncomingDataHeader(len(trimmed), padding, enc) == nil {
		t.Fatal("expected ready_receive")
	}
	if s.IncomingData([]byte(trimmed), 0, enc) == nil {
		t.Fatal("expected send_more_data/finish reply")
	}

	select {
	case got := <-s.serverQueue:
		if string(got) != string(payload) {
			t.Fatalf("decoded payload = %q, want %q", got, payload)
		}
	default:
		t.Fatal("expected a completed frame on server_queue")
	}
}

func TestSessionIncomingDataDuplicateIndexIgnored(t *testing.T) {
	s := NewSession("example.com")
	enc := IPv6Encoder{}
	s.IncomingDataHeader(8, 0, enc)
	s.IncomingData([]byte("aaaaaaaa"[:4]), 0, enc)
	if s.lastReceivedIndex != 0 {
		t.Fatalf("expected lastReceivedIndex 0, got %d", s.lastReceivedIndex)
	}
	before := s.received.currentSize
	s.IncomingData([]byte("bbbb"), 0, enc)
	if s.received.currentSize != before {
		t.Fatal("expected a duplicate/stale index to be rejected, not appended")
	}
}

func TestSessionRequestDataHeaderMigration(t *testing.T) {
	s := NewSession("example.com")
	reg := NewRegistry()
	enc := IPv6Encoder{}

	s.subDomain = "bbbb"
	rrs := s.RequestDataHeader(reg, "aaaa", enc)
	if rrs != nil {
		t.Fatal("expected nil reply while the cursor is being re-synced")
	}
	if s.subDomain != "aaaa" {
		t.Fatalf("expected cursor adopted as aaaa, got %q", s.subDomain)
	}
}

func TestSessionRequestDataHeaderAdvancesCursorWhenDataStaged(t *testing.T) {
	s := NewSession("example.com")
	reg := NewRegistry()
	enc := IPv6Encoder{}

	s.clientQueue <- []byte("downlink frame")
	rrs := s.RequestDataHeader(reg, "aaaa", enc)
	if rrs == nil {
		t.Fatal("expected a data header reply")
	}
	if s.subDomain == "aaaa" {
		t.Fatal("expected cursor to advance once data was staged")
	}
}

func TestSessionIsIdle(t *testing.T) {
	s := NewSession("example.com")
	if !s.IsIdle() {
		t.Fatal("expected a fresh session with no peer to be idle")
	}
	peer := &fakePeer{}
	s.SetPeer(peer)
	if s.IsIdle() {
		t.Fatal("expected a paired session to not be idle")
	}
	s.SetPeer(nil)
	if !s.IsIdle() {
		t.Fatal("expected session to be idle again once unpaired")
	}
}

func TestSessionOnTimeoutNotifiesPeer(t *testing.T) {
	s := NewSession("example.com")
	peer := &fakePeer{}
	s.SetPeer(peer)
	s.OnTimeout()
	if peer.timeout != 1 {
		t.Fatalf("expected OnClientTimeout to be called once, got %d", peer.timeout)
	}
	if s.peer != nil {
		t.Fatal("expected peer to be cleared after timeout")
	}
}

func TestSessionRegisterClientExhaustsPool(t *testing.T) {
	reg := NewRegistry()
	reg.idPool = reg.idPool[:1] // leave a single free id
	enc := IPv6Encoder{}

	s1 := NewSession("example.com")
	if rrs := s1.RegisterClient(reg, "srv", enc); rrs == nil {
		t.Fatal("expected a registration reply for the first session")
	}

	s2 := NewSession("example.com")
	rrs := s2.RegisterClient(reg, "srv", enc)
	if rrs == nil {
		t.Fatal("expected a finish_send reply (not nil) on pool exhaustion")
	}
	if s2.clientID != 0 {
		t.Fatal("expected no client id to be assigned on exhaustion")
	}
}
