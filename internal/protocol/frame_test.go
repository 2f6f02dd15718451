package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"running":true,"port":4020,"url":"http://localhost:4020"}`)
	frame := Encode(TypeStatusResponse, payload)

	if frame[0] != byte(TypeStatusResponse) {
		t.Errorf("type byte = 0x%02x, want 0x%02x", frame[0], byte(TypeStatusResponse))
	}
	if got, want := len(frame), 5+len(payload); got != want {
		t.Errorf("frame length = %d, want %d", got, want)
	}

	dec := NewDecoder(bytes.NewReader(frame))
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Type != TypeStatusResponse {
		t.Errorf("decoded type = %v, want %v", got.Type, TypeStatusResponse)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("decoded payload = %q, want %q", got.Payload, payload)
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Encode(TypeHeartbeat, nil))
	stream.Write(Encode(TypeStdin, []byte("ls -la\n")))
	stream.Write(Encode(TypeHeartbeat, nil))

	dec := NewDecoder(&stream)
	wants := []struct {
		typ     MessageType
		payload string
	}{
		{TypeHeartbeat, ""},
		{TypeStdin, "ls -la\n"},
		{TypeHeartbeat, ""},
	}
	for i, want := range wants {
		frame, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if frame.Type != want.typ {
			t.Errorf("frame %d type = %v, want %v", i, frame.Type, want.typ)
		}
		if string(frame.Payload) != want.payload {
			t.Errorf("frame %d payload = %q, want %q", i, frame.Payload, want.payload)
		}
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestDecodeOversizeFrame(t *testing.T) {
	// Header claiming 0xFFFFFFFF payload bytes, followed by a single byte.
	stream := append([]byte{byte(TypeStdin), 0xFF, 0xFF, 0xFF, 0xFF}, 0x00)

	dec := NewDecoder(bytes.NewReader(stream))
	_, err := dec.Next()
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if perr.Code != CodeProtocolError {
		t.Errorf("code = %q, want %q", perr.Code, CodeProtocolError)
	}
}

func TestDecodeCustomCap(t *testing.T) {
	frame := Encode(TypeStdin, bytes.Repeat([]byte("x"), 64))

	dec := NewDecoder(bytes.NewReader(frame))
	dec.SetMaxPayload(32)
	_, err := dec.Next()
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	frame := Encode(TypeStdin, []byte("hello"))
	dec := NewDecoder(bytes.NewReader(frame[:7])) // header + 2 of 5 payload bytes

	_, err := dec.Next()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestEncodeJSON(t *testing.T) {
	frame, err := EncodeJSON(TypeGitFollowRequest, GitFollowRequest{
		RepoPath: "/r",
		Branch:   "dev",
		Enable:   true,
	})
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}

	dec := NewDecoder(bytes.NewReader(frame))
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var req GitFollowRequest
	if err := json.Unmarshal(got.Payload, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.RepoPath != "/r" || req.Branch != "dev" || !req.Enable {
		t.Errorf("round trip = %+v", req)
	}
}

func TestEncodeErrorFrame(t *testing.T) {
	frame := EncodeError(&Error{Code: CodeProtocolError, Message: "bad frame"})

	dec := NewDecoder(bytes.NewReader(frame))
	got, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Type != TypeError {
		t.Errorf("type = %v, want %v", got.Type, TypeError)
	}
	var perr Error
	if err := json.Unmarshal(got.Payload, &perr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if perr.Code != CodeProtocolError {
		t.Errorf("code = %q, want %q", perr.Code, CodeProtocolError)
	}
}

func TestMessageTypeString(t *testing.T) {
	cases := []struct {
		t    MessageType
		want string
	}{
		{TypeStatusRequest, "STATUS_REQUEST"},
		{TypeGitFollowResponse, "GIT_FOLLOW_RESPONSE"},
		{TypeHeartbeat, "HEARTBEAT"},
		{TypeError, "ERROR"},
		{MessageType(0xAB), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.t.String(); got != tc.want {
			t.Errorf("MessageType(0x%02x).String() = %q, want %q", byte(tc.t), got, tc.want)
		}
	}
}

func TestMessageTypeKnown(t *testing.T) {
	if MessageType(0x00).Known() {
		t.Error("0x00 reported known")
	}
	if MessageType(0xAB).Known() {
		t.Error("0xAB reported known")
	}
	if !TypeStdin.Known() {
		t.Error("STDIN reported unknown")
	}
}
