package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHandle frames handle with a little-endian u32 length prefix and
// writes it to w, the wire format the bootstrap handshake uses to exchange
// Listen handles between peers.
func WriteHandle(w io.Writer, handle Handle) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(handle)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write handle length: %w", err)
	}
	if _, err := w.Write(handle); err != nil {
		return fmt.Errorf("transport: write handle: %w", err)
	}
	return nil
}

// ReadHandle reads a length-prefixed handle written by WriteHandle.
func ReadHandle(r io.Reader) (Handle, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("transport: read handle length: %w", err)
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	handle := make([]byte, n)
	if _, err := io.ReadFull(r, handle); err != nil {
		return nil, fmt.Errorf("transport: read handle: %w", err)
	}
	return handle, nil
}
