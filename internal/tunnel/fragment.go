package tunnel

import "fmt"

// PartedData accumulates a payload of known total size across repeated
// appends, as used by the uplink reassembly buffer.
type PartedData struct {
	expectedSize int
	currentSize  int
	data         []byte
}

// NewPartedData returns a buffer that expects expectedSize bytes in total.
func NewPartedData(expectedSize int) *PartedData {
	return &PartedData{expectedSize: expectedSize, data: make([]byte, 0, expectedSize)}
}

// Reset discards any buffered data and rearms the buffer for expectedSize.
func (p *PartedData) Reset(expectedSize int) {
	p.expectedSize = expectedSize
	p.currentSize = 0
	p.data = make([]byte, 0, expectedSize)
}

// AddPart appends data, failing if doing so would exceed ExpectedSize.
func (p *PartedData) AddPart(data []byte) error {
	if p.currentSize+len(data) > p.expectedSize {
		return fmt.Errorf("tunnel: PartedData overflow: %d + %d > %d", p.currentSize, len(data), p.expectedSize)
	}
	p.data = append(p.data, data...)
	p.currentSize += len(data)
	return nil
}

func (p *PartedData) IsComplete() bool     { return p.currentSize == p.expectedSize }
func (p *PartedData) Data() []byte         { return p.data }
func (p *PartedData) ExpectedSize() int    { return p.expectedSize }
func (p *PartedData) RemainSize() int      { return p.expectedSize - p.currentSize }

// BlockSizedData slices a known-size outbound payload into indexed,
// block-sized chunks for the per-poll downlink transfer.
type BlockSizedData struct {
	data      []byte
	blockSize int
}

// NewBlockSizedData wraps data for retrieval in blockSize-byte chunks.
func NewBlockSizedData(data []byte, blockSize int) *BlockSizedData {
	return &BlockSizedData{data: data, blockSize: blockSize}
}

// Get returns the chunk at index and whether it is the final chunk.
func (b *BlockSizedData) Get(index int) (isLast bool, chunk []byte, err error) {
	start := index * b.blockSize
	if start >= len(b.data) {
		return false, nil, fmt.Errorf("tunnel: block index %d out of range (size %d)", index, len(b.data))
	}
	end := start + b.blockSize
	if end > len(b.data) {
		end = len(b.data)
	}
	return end == len(b.data), b.data[start:end], nil
}

func (b *BlockSizedData) Size() int { return len(b.data) }
