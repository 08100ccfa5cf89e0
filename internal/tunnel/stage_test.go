package tunnel

import (
	"testing"

	"github.com/miekg/dns"
)

func TestStageClientEmptyReturnsFinishSend(t *testing.T) {
	c := NewStageClient(nil)
	enc := IPv6Encoder{}
	rrs := c.RequestData(0, enc)
	want := enc.EncodeFinishSend()
	if len(rrs) != len(want) {
		t.Fatalf("expected finish_send for an empty stage, got %d records", len(rrs))
	}
}

func TestStageClientHeaderReportsSize(t *testing.T) {
	c := NewStageClient([]byte("0123456789abcdef"))
	enc := IPv6Encoder{}
	rrs := c.RequestDataHeader(enc)
	if len(rrs) != 1 {
		t.Fatalf("expected one header record, got %d", len(rrs))
	}
	aaaa, ok := rrs[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("expected *dns.AAAA, got %T", rrs[0])
	}
	// The low byte of the data size sits in byte 11 of the header record.
	if aaaa.AAAA[11] != 16 {
		t.Fatalf("expected the header to report 16 bytes, got low size byte %d", aaaa.AAAA[11])
	}
}

func TestStageClientChunking(t *testing.T) {
	c := NewStageClient(make([]byte, 20))
	enc := IPv6Encoder{}
	if rrs := c.RequestData(0, enc); rrs == nil {
		t.Fatal("expected a chunk for index 0")
	}
	if rrs := c.RequestData(99, enc); rrs != nil {
		t.Fatal("expected nil for an out-of-range index")
	}
}
