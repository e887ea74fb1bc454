package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

// ReadMessage reads exactly one frame from r and decodes it.
func ReadMessage(r io.Reader) (Message, error) {
	header := pool.Get(HeaderSize)
	defer pool.Put(header)

	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint16(header[0:2]))
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: size field %d", ErrMalformed, size)
	}

	body := pool.Get(size - HeaderSize)
	defer pool.Put(body)

	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated body: %v", ErrMalformed, err)
	}

	return decodeBody(Type(binary.BigEndian.Uint16(header[2:4])), body)
}

// WriteMessage encodes m and writes it to w as a single frame.
func WriteMessage(w io.Writer, m Message) error {
	size := HeaderSize + m.bodyLen()
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.Type(), size)
	}

	buf := pool.Get(size)
	defer pool.Put(buf)

	frame, err := appendFrame(buf[:HeaderSize], m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
