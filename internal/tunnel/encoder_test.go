package tunnel

import (
	"bytes"
	"testing"

	"github.com/miekg/dns"
)

func TestNextSubdomainIncrement(t *testing.T) {
	cases := map[string]string{
		"aaaa": "aaab",
		"aaaz": "aaba",
		"aazz": "abaa",
		"azzz": "baaa",
	}
	for in, want := range cases {
		if got := nextSubdomain(in); got != want {
			t.Errorf("nextSubdomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNextSubdomainWraps(t *testing.T) {
	if got := nextSubdomain("zzzz"); got != "aaaa" {
		t.Errorf("nextSubdomain(zzzz) = %q, want aaaa", got)
	}
}

func TestNextSubdomainMonotonicSequence(t *testing.T) {
	seen := map[string]bool{"aaaa": true}
	cur := "aaaa"
	for i := 0; i < 26*26*26*26-1; i++ {
		cur = nextSubdomain(cur)
		if seen[cur] {
			t.Fatalf("cursor repeated %q after %d steps, expected full cycle before wraparound", cur, i+1)
		}
		seen[cur] = true
	}
	if got := nextSubdomain(cur); got != "aaaa" {
		t.Fatalf("expected full cycle to return to aaaa, got %q", got)
	}
}

func TestIPv6EncodeDataHeaderFields(t *testing.T) {
	rrs := IPv6Encoder{}.EncodeDataHeader("abcd", 1000)
	if len(rrs) != 1 {
		t.Fatalf("expected a single AAAA record, got %d", len(rrs))
	}
	aaaa, ok := rrs[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("expected *dns.AAAA, got %T", rrs[0])
	}
	if aaaa.AAAA[0] != 0xfe || aaaa.AAAA[1] != 0x81 {
		t.Fatalf("expected header marker 0xfe81 in first hextet, got % x", aaaa.AAAA[:2])
	}
	if aaaa.AAAA[2] != 'a' {
		t.Fatalf("expected first subdomain char packed into second hextet high byte, got %x", aaaa.AAAA[2])
	}
}

func TestIPv6EncodePacketRoundTrip(t *testing.T) {
	enc := IPv6Encoder{}
	data := make([]byte, enc.MaxPacketSize())
	for i := range data {
		data[i] = byte(i)
	}
	rrs, err := enc.EncodePacket(data)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	if len(rrs) != ipv6MaxRRNum {
		t.Fatalf("expected %d records for a full packet, got %d", ipv6MaxRRNum, len(rrs))
	}
	// Each record carries its chunk length in the low nibble of byte 1 and
	// the chunk itself from byte 2 on.
	var got []byte
	for _, rr := range rrs {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			t.Fatalf("expected *dns.AAAA, got %T", rr)
		}
		n := int(aaaa.AAAA[1] & 0x0f)
		got = append(got, aaaa.AAAA[2:2+n]...)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("payload recovered from the records does not match the input")
	}
}

func TestIPv6EncodePacketTooLarge(t *testing.T) {
	enc := IPv6Encoder{}
	data := make([]byte, enc.MaxPacketSize()+1)
	if _, err := enc.EncodePacket(data); err == nil {
		t.Fatal("expected an error for an oversized packet")
	}
}

func TestDNSKeyEncodePacketRoundTrip(t *testing.T) {
	enc := DNSKeyEncoder{}
	rrs, err := enc.EncodePacket([]byte("hello"))
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	if len(rrs) != 1 {
		t.Fatalf("expected a single DNSKEY record, got %d", len(rrs))
	}
	key, ok := rrs[0].(*dns.DNSKEY)
	if !ok {
		t.Fatalf("expected *dns.DNSKEY, got %T", rrs[0])
	}
	// key layout: status:u8 | len:u16 | payload
	if key.PublicKey[3:] != "hello" {
		t.Fatalf("payload recovered from the record = %q, want %q", key.PublicKey[3:], "hello")
	}
}
