package tunnel

import (
	"encoding/binary"
	"io"
)

// PortMessageSize is the width in bytes of every message that ever crosses
// a control channel. There is no framing header and no length prefix: the
// wire protocol is a bare concatenation of 2-byte big-endian port numbers.
const PortMessageSize = 2

// WritePort writes a single port number to w as a 2-byte big-endian
// message. It either writes all PortMessageSize bytes or returns an error;
// partial writes never leak out to the caller.
func WritePort(w io.Writer, port uint16) error {
	var buf [PortMessageSize]byte
	binary.BigEndian.PutUint16(buf[:], port)
	_, err := w.Write(buf[:])
	return err
}

// ReadPort reads a single 2-byte big-endian port message from r. It reads
// exactly PortMessageSize bytes or returns an error (including io.EOF if
// the stream ends before any bytes are read, or io.ErrUnexpectedEOF if it
// ends partway through the message).
func ReadPort(r io.Reader) (uint16, error) {
	var buf [PortMessageSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
