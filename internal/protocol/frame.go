// Package protocol implements the framed message codec spoken on the
// control sockets: a 1-byte message type, a 4-byte big-endian payload
// length, then the payload. Control payloads are JSON; STDIN is raw bytes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	// MaxPayloadSize caps a single frame's payload.
	MaxPayloadSize = 16 << 20

	headerSize = 5

	// HeartbeatInterval is how often an idle connection sends HEARTBEAT.
	HeartbeatInterval = 30 * time.Second
	// HeartbeatMissLimit is how many silent intervals mark a peer dead.
	HeartbeatMissLimit = 3
)

// Frame is one decoded message.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode frames a payload. It never mutates payload.
func Encode(t MessageType, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// EncodeJSON marshals v and frames it.
func EncodeJSON(t MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Encode(t, payload), nil
}

// Decoder reads frames off a byte stream. It is not safe for concurrent use.
type Decoder struct {
	r   io.Reader
	max uint32
	hdr [headerSize]byte
}

// NewDecoder returns a Decoder with the default payload cap.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, max: MaxPayloadSize}
}

// SetMaxPayload overrides the payload cap.
func (d *Decoder) SetMaxPayload(n uint32) { d.max = n }

// Next blocks until a complete frame arrives. A payload length above the cap
// returns *Error with CodeProtocolError; the caller must close the
// connection since the stream can no longer be resynchronized.
func (d *Decoder) Next() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Frame{}, err
	}
	t := MessageType(d.hdr[0])
	n := binary.BigEndian.Uint32(d.hdr[1:headerSize])
	if n > d.max {
		return Frame{}, &Error{
			Code:    CodeProtocolError,
			Message: fmt.Sprintf("frame payload of %d bytes exceeds %d byte cap", n, d.max),
		}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, fmt.Errorf("read %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// Error is a protocol-level failure. It is carried on ERROR frames and
// returned by the codec for malformed input.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes carried on ERROR frames.
const (
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeUnknownType     = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)

// EncodeError frames e as an ERROR message.
func EncodeError(e *Error) []byte {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte(`{"code":"INTERNAL_ERROR","message":"unencodable error"}`)
	}
	return Encode(TypeError, payload)
}
