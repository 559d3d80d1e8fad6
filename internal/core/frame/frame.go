// Package frame implements the length-prefixed framing used for every unit
// of data exchanged with a relay client.
//
// A frame is a two byte little-endian body length followed by the body.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length of the size prefix in bytes.
	HeaderSize = 2
	// MaxBodySize is the largest body the size prefix can describe.
	MaxBodySize = 0xFFFF
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Read blocks until one complete frame has been read from r and returns its
// body. io.EOF is returned only if the stream ended cleanly before the first
// header byte; a stream that ends mid-frame yields io.ErrUnexpectedEOF.
func Read(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := int(binary.LittleEndian.Uint16(header[:]))
	if size > maxSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit is %d", ErrFrameTooLarge, size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Write sends body to w as a single frame.
func Write(w io.Writer, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	data := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint16(data, uint16(len(body)))
	copy(data[HeaderSize:], body)

	_, err := w.Write(data)
	return err
}
