package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxDatagramSize caps an encoded message carried in one UDP datagram.
	MaxDatagramSize = 8 * 1024
	// MaxFrameSize caps an encoded message carried in one TCP frame.
	MaxFrameSize = 1 << 20
)

// WriteFrame writes m to w prefixed with its big-endian uint32 length.
func WriteFrame(w io.Writer, m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("failed to write message length: %v", err)
	}
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r. Transport errors are returned
// wrapped; an invalid length or body yields ErrMalformed.
func ReadFrame(r io.Reader) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Message{}, fmt.Errorf("failed to read message length: %w", err)
	}
	if length == 0 || length > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: frame length %d", ErrMalformed, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("failed to read message body: %w", err)
	}
	return Decode(body)
}

// MarshalDatagram encodes m for a single UDP datagram. Messages larger than
// MaxDatagramSize fail with ErrTooLarge instead of being truncated.
func MarshalDatagram(m Message) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d byte datagram", ErrTooLarge, len(body), MaxDatagramSize)
	}
	return body, nil
}

// UnmarshalDatagram decodes the payload of one UDP datagram.
func UnmarshalDatagram(data []byte) (Message, error) {
	return Decode(data)
}
