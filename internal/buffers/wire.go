// Package buffers aggregates terminal snapshots onto WebSocket subscribers.
// Binary frames carry encoded snapshots routed by session id; JSON text
// frames carry subscription control and errors.
package buffers

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BinaryMagic is the first byte of every binary buffer frame.
const BinaryMagic = 0xBF

// ErrNoOwner reports a session id no federated remote claims.
var ErrNoOwner = errors.New("no remote owns session")

// ErrRemoteUnavailable reports a remote that cannot be reached right now.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// EncodeFrame wraps an encoded snapshot with its routing header:
// magic, 4-byte big-endian id length, id, snapshot.
func EncodeFrame(sessionID string, snapshot []byte) []byte {
	buf := make([]byte, 1+4+len(sessionID)+len(snapshot))
	buf[0] = BinaryMagic
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(sessionID)))
	copy(buf[5:], sessionID)
	copy(buf[5+len(sessionID):], snapshot)
	return buf
}

// DecodeFrame splits a binary buffer frame into session id and snapshot.
// The snapshot slice aliases frame.
func DecodeFrame(frame []byte) (sessionID string, snapshot []byte, err error) {
	if len(frame) < 5 {
		return "", nil, fmt.Errorf("buffer frame of %d bytes too short", len(frame))
	}
	if frame[0] != BinaryMagic {
		return "", nil, fmt.Errorf("buffer frame magic %#x, want %#x", frame[0], BinaryMagic)
	}
	n := binary.BigEndian.Uint32(frame[1:5])
	if uint64(n) > uint64(len(frame)-5) {
		return "", nil, fmt.Errorf("buffer frame id length %d exceeds frame", n)
	}
	return string(frame[5 : 5+n]), frame[5+n:], nil
}

// ClientMessage is a JSON text frame from a subscriber.
type ClientMessage struct {
	Type       string   `json:"type"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

// ServerMessage is a JSON text frame to a subscriber. Error messages carry
// only error and sessionId.
type ServerMessage struct {
	Type      string `json:"type,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Error values carried on ServerMessage.
const (
	ErrorRemoteUnavailable = "remote-unavailable"
	ErrorUnknownSession    = "unknown-session"
)
