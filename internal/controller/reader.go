package controller

import "io"

// frameReader reads length-prefixed frames off a blocking net.Conn. It is
// the Go-native analogue of the original's PartedDataReader: where that
// reactor read whatever bytes a non-blocking socket offered and tracked how
// many more it still needed, io.ReadFull already blocks until exactly n
// bytes arrive (or the connection dies), so the state machine collapses to
// one call per frame. header and body are kept as separate reads because
// several frame kinds (stage upload, TLV) fold their header bytes back into
// the data they hand off to the tunnel layer.
type frameReader struct {
	r io.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// readExact reads exactly n bytes or returns the error io.ReadFull produced
// (io.EOF / io.ErrUnexpectedEOF on a closed or truncated connection).
func (f *frameReader) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readByte reads a single byte.
func (f *frameReader) readByte() (byte, error) {
	b, err := f.readExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}
