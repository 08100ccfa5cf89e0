// Package tunnel implements the DNS-tunnel request dispatcher, the
// per-implant session state machine, and the three RDATA encoders that
// pack tunnel frames into DNS answers.
package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
)

// Encoder serializes tunnel protocol frames into the RDATA of a single DNS
// record type. Implementations are stateless; all state lives in Session.
type Encoder interface {
	// MaxPacketSize returns the largest payload EncodePacket accepts.
	MaxPacketSize() int
	// EncodeDataHeader advertises the next subdomain cursor and the size of
	// the outbound frame waiting behind it.
	EncodeDataHeader(subDomain string, dataSize int) []dns.RR
	// EncodePacket packs a single chunk of an outbound frame.
	EncodePacket(data []byte) ([]dns.RR, error)
	EncodeReadyReceive() []dns.RR
	EncodeFinishSend() []dns.RR
	EncodeSendMoreData() []dns.RR
	EncodeRegistration(clientID byte, status byte) []dns.RR
}

// nextSubdomain advances the 4-character ASCII-lowercase cursor by one, as a
// base-26 little-endian counter (rightmost character increments first, carry
// propagates leftward). "zzzz" wraps to "aaaa".
func nextSubdomain(current string) string {
	b := []byte(current)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] >= 'z' {
			b[i] = 'a'
			continue
		}
		b[i]++
		break
	}
	return string(b)
}

// ---- IPv6Encoder -----------------------------------------------------

// IPv6Encoder packs frames into AAAA RDATA, 14 payload bytes per record,
// up to 17 records per frame.
type IPv6Encoder struct{}

const (
	ipv6MaxDataInRR = 14
	ipv6MaxRRNum    = 17
)

func (IPv6Encoder) MaxPacketSize() int { return ipv6MaxRRNum * ipv6MaxDataInRR }

func aaaaRR(hextets [8]uint16) dns.RR {
	ip := make([]byte, 16)
	for i, h := range hextets {
		binary.BigEndian.PutUint16(ip[i*2:], h)
	}
	return &dns.AAAA{
		Hdr: dns.RR_Header{Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 1},
		AAAA: ip,
	}
}

func (IPv6Encoder) EncodeDataHeader(subDomain string, dataSize int) []dns.RR {
	var h [8]uint16
	h[0] = 0xfe81
	for i := 0; i < 4 && i < len(subDomain); i++ {
		h[1+i] = uint16(subDomain[i]) << 8
	}
	overflow := uint16(0)
	if dataSize > ipv6MaxRRNum*ipv6MaxDataInRR {
		overflow = 1
	}
	h[5] = (overflow << 8) | uint16(dataSize&0xff)
	h[6] = uint16((dataSize>>8)&0xff)<<8 | uint16((dataSize>>16)&0xff)
	h[7] = uint16((dataSize>>24)&0xff) << 8
	return []dns.RR{aaaaRR(h)}
}

func (e IPv6Encoder) EncodePacket(data []byte) ([]dns.RR, error) {
	if len(data) > e.MaxPacketSize() {
		return nil, fmt.Errorf("tunnel: packet of %d bytes exceeds IPv6Encoder max %d", len(data), e.MaxPacketSize())
	}
	var out []dns.RR
	for i := 0; i < len(data); i += ipv6MaxDataInRR {
		end := i + ipv6MaxDataInRR
		if end > len(data) {
			end = len(data)
		}
		chunk := data[i:end]
		index := i / ipv6MaxDataInRR
		isLast := index == ipv6MaxRRNum-1 || end == len(data)
		prefix := uint16(0xff00)
		if isLast {
			prefix = 0xfe00
		}
		var h [8]uint16
		idxField := uint16(0)
		if index < 16 {
			idxField = uint16(index) << 4
		}
		h[0] = prefix | idxField | uint16(len(chunk))
		for j := 0; j < len(chunk); j += 2 {
			if j+1 < len(chunk) {
				h[1+j/2] = uint16(chunk[j])<<8 | uint16(chunk[j+1])
			} else {
				h[1+j/2] = uint16(chunk[j]) << 8
			}
		}
		out = append(out, aaaaRR(h))
	}
	return out, nil
}

func (IPv6Encoder) EncodeReadyReceive() []dns.RR {
	return []dns.RR{aaaaRR([8]uint16{0xffff, 0, 0, 0, 0, 0, 0, 0})}
}

func (IPv6Encoder) EncodeFinishSend() []dns.RR {
	return []dns.RR{aaaaRR([8]uint16{0xffff, 0, 0, 0, 0, 0xff00, 0, 0})}
}

func (IPv6Encoder) EncodeSendMoreData() []dns.RR {
	return []dns.RR{aaaaRR([8]uint16{0xffff, 0, 0, 0, 0, 0xf000, 0, 0})}
}

func (IPv6Encoder) EncodeRegistration(clientID byte, status byte) []dns.RR {
	_ = status
	return []dns.RR{aaaaRR([8]uint16{0xffff, uint16(clientID)<<8 | 0x00, 0, 0, 0, 0, 0, 0})}
}

// ---- DNSKEYEncoder -----------------------------------------------------

// DNSKeyEncoder packs frames into the opaque key blob of a DNSKEY record.
type DNSKeyEncoder struct{}

const (
	dnskeyFlags     = 257
	dnskeyProtocol  = 3
	dnskeyAlgorithm = 253
	dnskeyMaxPacket = 16384
)

func (DNSKeyEncoder) MaxPacketSize() int { return dnskeyMaxPacket }

func dnskeyRR(key string) dns.RR {
	return &dns.DNSKEY{
		Hdr:       dns.RR_Header{Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 1},
		Flags:     dnskeyFlags,
		Protocol:  dnskeyProtocol,
		Algorithm: dnskeyAlgorithm,
		PublicKey: key,
	}
}

// encodeStatusData packs the 3-byte "status:u8 | len:u16-little-endian"
// header in front of an arbitrary payload.
func encodeStatusData(status byte, data []byte) string {
	buf := make([]byte, 3+len(data))
	buf[0] = status
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	copy(buf[3:], data)
	return string(buf)
}

func (DNSKeyEncoder) EncodeDataHeader(subDomain string, dataSize int) []dns.RR {
	payload := make([]byte, 8)
	copy(payload[0:4], subDomain)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(dataSize))
	return []dns.RR{dnskeyRR(encodeStatusData(0, payload))}
}

func (e DNSKeyEncoder) EncodePacket(data []byte) ([]dns.RR, error) {
	if len(data) > e.MaxPacketSize() {
		return nil, fmt.Errorf("tunnel: packet of %d bytes exceeds DNSKeyEncoder max %d", len(data), e.MaxPacketSize())
	}
	return []dns.RR{dnskeyRR(encodeStatusData(0, data))}, nil
}

func (DNSKeyEncoder) EncodeReadyReceive() []dns.RR {
	return []dns.RR{dnskeyRR(encodeStatusData(0, nil))}
}

func (DNSKeyEncoder) EncodeFinishSend() []dns.RR {
	return []dns.RR{dnskeyRR(encodeStatusData(1, nil))}
}

func (DNSKeyEncoder) EncodeSendMoreData() []dns.RR {
	return []dns.RR{dnskeyRR(encodeStatusData(0, nil))}
}

func (DNSKeyEncoder) EncodeRegistration(clientID byte, status byte) []dns.RR {
	return []dns.RR{dnskeyRR(encodeStatusData(status, []byte{clientID}))}
}

// ---- NULLEncoder -----------------------------------------------------

// NULLEncoder is a placeholder. The original dns_server.py leaves it
// unimplemented; callers that select it must be tolerated but the wire
// format is not independently specified, so every operation returns an
// empty NULL RR rather than panicking.
type NULLEncoder struct{}

func (NULLEncoder) MaxPacketSize() int { return 0 }

func nullRR() dns.RR {
	return &dns.NULL{Hdr: dns.RR_Header{Rrtype: dns.TypeNULL, Class: dns.ClassINET, Ttl: 1}}
}

func (NULLEncoder) EncodeDataHeader(string, int) []dns.RR        { return []dns.RR{nullRR()} }
func (NULLEncoder) EncodePacket([]byte) ([]dns.RR, error)        { return []dns.RR{nullRR()}, nil }
func (NULLEncoder) EncodeReadyReceive() []dns.RR                 { return []dns.RR{nullRR()} }
func (NULLEncoder) EncodeFinishSend() []dns.RR                   { return []dns.RR{nullRR()} }
func (NULLEncoder) EncodeSendMoreData() []dns.RR                 { return []dns.RR{nullRR()} }
func (NULLEncoder) EncodeRegistration(byte, byte) []dns.RR       { return []dns.RR{nullRR()} }
