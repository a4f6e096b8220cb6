package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame methods
const (
	MethodSizeOf      = "size_of"
	MethodCloseSocket = "close_socket"
	MethodPayload     = "payload"
)

// Frame statuses
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusClosing = "closing"
)

// Content kinds
const (
	ContentBytes  = "bytes"
	ContentString = "string"
)

// ack is the fixed acknowledgment a server returns for every size-probe.
// Exactly these two bytes; anything else aborts the exchange.
var ack = []byte("OK")

const closeBody = "Closing connection"

// Header is the envelope header every frame carries
type Header struct {
	Method   string `msgpack:"method"`
	ID       string `msgpack:"id"`
	Receiver string `msgpack:"receiver"`
	Content  string `msgpack:"content"`
	Status   string `msgpack:"status"`
}

// Frame is one control or payload record. Body holds the payload length for
// size-probes, the close message for close-signals, and the message content
// for payload frames.
type Frame struct {
	Header Header `msgpack:"header"`
	Body   any    `msgpack:"body"`
}

func newSizeProbe(id, receiver string, size int) *Frame {
	return &Frame{
		Header: Header{Method: MethodSizeOf, ID: id, Receiver: receiver, Content: ContentBytes, Status: StatusPending},
		Body:   size,
	}
}

func newCloseSignal(id, receiver string) *Frame {
	return &Frame{
		Header: Header{Method: MethodCloseSocket, ID: id, Receiver: receiver, Content: ContentString, Status: StatusClosing},
		Body:   closeBody,
	}
}

// encodeFrame serializes a control frame as length-prefixed MessagePack:
// 4 bytes big-endian length, then the MessagePack document. The prefix makes
// the encoding self-delimiting on a stream.
func encodeFrame(f *Frame) ([]byte, error) {
	doc, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	out := make([]byte, 4+len(doc))
	binary.BigEndian.PutUint32(out, uint32(len(doc)))
	copy(out[4:], doc)
	return out, nil
}

// encodePayload serializes a payload frame without the length prefix; its
// size travels in the preceding size-probe.
func encodePayload(f *Frame) ([]byte, error) {
	doc, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return doc, nil
}

func decodePayload(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, &ProtocolError{Reason: "malformed payload frame", Err: err}
	}
	return &f, nil
}

// maxFrameSize bounds a single control frame; larger prefixes indicate a
// desynchronized stream.
const maxFrameSize = 1 << 20

// frameReader accumulates stream bytes and yields one control frame per
// Next call. Partial reads keep accumulating until the prefixed length is
// satisfied.
type frameReader struct {
	r   io.Reader
	buf []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// Next reads the next control frame from the stream
func (fr *frameReader) Next() (*Frame, error) {
	for {
		if frame, n, err := fr.tryDecode(); err != nil {
			return nil, err
		} else if frame != nil {
			fr.buf = fr.buf[n:]
			return frame, nil
		}
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadPayload reads exactly n payload bytes, consuming buffered bytes first
func (fr *frameReader) ReadPayload(n int) ([]byte, error) {
	out := make([]byte, n)
	copied := copy(out, fr.buf)
	fr.buf = fr.buf[copied:]
	if copied < n {
		if _, err := io.ReadFull(fr.r, out[copied:]); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("truncated payload, wanted %d bytes", n), Err: err}
		}
	}
	return out, nil
}

func (fr *frameReader) tryDecode() (*Frame, int, error) {
	if len(fr.buf) < 4 {
		return nil, 0, nil
	}
	size := int(binary.BigEndian.Uint32(fr.buf))
	if size > maxFrameSize {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("frame size %d exceeds limit", size)}
	}
	if len(fr.buf) < 4+size {
		return nil, 0, nil
	}
	var f Frame
	if err := msgpack.Unmarshal(fr.buf[4:4+size], &f); err != nil {
		return nil, 0, &ProtocolError{Reason: "malformed control frame", Err: err}
	}
	return &f, 4 + size, nil
}

func (fr *frameReader) fill() error {
	chunk := make([]byte, 4096)
	n, err := fr.r.Read(chunk)
	if n > 0 {
		fr.buf = append(fr.buf, chunk[:n]...)
		return nil
	}
	return err
}

// maxPayloadSize bounds the payload length a size-probe may announce. The
// peer controls this number, so it must never reach an allocation unchecked.
const maxPayloadSize = 16 << 20

// bodySize extracts and validates the payload length from a size-probe body.
// MessagePack hands integers back in whichever width fits.
func bodySize(body any) (int, error) {
	var n int64
	switch v := body.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > maxPayloadSize {
			return 0, &ProtocolError{Reason: fmt.Sprintf("size-probe announces %d bytes, limit is %d", v, maxPayloadSize)}
		}
		n = int64(v)
	case float64:
		n = int64(v)
	default:
		return 0, &ProtocolError{Reason: fmt.Sprintf("size-probe body is %T, expected integer", body)}
	}
	if n < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("size-probe announces negative size %d", n)}
	}
	if n > maxPayloadSize {
		return 0, &ProtocolError{Reason: fmt.Sprintf("size-probe announces %d bytes, limit is %d", n, maxPayloadSize)}
	}
	return int(n), nil
}
