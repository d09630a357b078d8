package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// WriteMessage writes one length-prefixed message. The prefix is a QUIC
// variable-length integer.
func WriteMessage(w io.Writer, msg []byte) error {
	buf := make([]byte, 0, quicvarint.Len(uint64(len(msg)))+len(msg))
	buf = quicvarint.Append(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return err
}

// MessageReader reads length-prefixed messages written by WriteMessage.
type MessageReader struct {
	r   *bufio.Reader
	max int
}

// NewMessageReader wraps r. Messages longer than max are rejected with
// ErrMessageTooLarge.
func NewMessageReader(r io.Reader, max int) *MessageReader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &MessageReader{r: bufio.NewReader(r), max: max}
}

// Read returns the next message. A clean end of stream between messages
// returns io.EOF; an end of stream inside a message returns
// io.ErrUnexpectedEOF.
func (m *MessageReader) Read() ([]byte, error) {
	n, err := quicvarint.Read(m.r)
	if err != nil {
		return nil, err
	}
	if n > uint64(m.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, m.max)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(m.r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}
