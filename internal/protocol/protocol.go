package protocol

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

const (
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max frame size
)

// Packet is one gateway frame.
type Packet struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// outbound is the shape of frames sent by a client; d is always present.
type outbound struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

// Encode marshals an outbound frame.
func Encode(op int, payload any) ([]byte, error) {
	out, err := json.Marshal(outbound{Op: op, Data: payload})
	if err != nil {
		return nil, errors.Wrapf(err, "encode op %d", op)
	}
	if len(out) > maxPayloadSize {
		return nil, errors.Errorf("payload size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

// Decode parses an inbound text frame.
// The packet's Data references the input buffer - do not modify it.
func Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, errors.New("data too short")
	}
	if len(data) > maxPayloadSize {
		return nil, errors.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode packet")
	}
	return &p, nil
}

// Inflate decompresses a zlib compressed binary frame.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open zlib payload")
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxPayloadSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "inflate payload")
	}
	if len(out) > maxPayloadSize {
		return nil, errors.Errorf("inflated payload exceeds maximum %d bytes", maxPayloadSize)
	}
	return out, nil
}

// DecodeFrame decodes a text frame, or a binary frame after inflating it.
func DecodeFrame(binary bool, data []byte) (*Packet, error) {
	if binary {
		inflated, err := Inflate(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}
	return Decode(data)
}
