package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// TestEncode tests outbound frame encoding
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		op      int
		payload any
		want    string
	}{
		{
			name:    "heartbeat with sequence",
			op:      1,
			payload: int64(42),
			want:    `{"op":1,"d":42}`,
		},
		{
			name:    "heartbeat before any dispatch",
			op:      1,
			payload: nil,
			want:    `{"op":1,"d":null}`,
		},
		{
			name:    "resume payload",
			op:      6,
			payload: map[string]any{"seq": 7},
			want:    `{"op":6,"d":{"seq":7}}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(tt.op, tt.payload)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestEncodeErrors tests error conditions during encoding
func TestEncodeErrors(t *testing.T) {
	t.Parallel()

	if _, err := Encode(3, make(chan int)); err == nil {
		t.Error("Encode() of an unsupported type should fail")
	}

	huge := strings.Repeat("x", maxPayloadSize)
	if _, err := Encode(3, huge); err == nil {
		t.Error("Encode() of an oversized payload should fail")
	}
}

// TestSizeErrorsCarryStack tests that size limit errors record where they were raised
func TestSizeErrorsCarryStack(t *testing.T) {
	t.Parallel()

	type stackTracer interface {
		StackTrace() errors.StackTrace
	}

	_, encErr := Encode(3, strings.Repeat("x", maxPayloadSize))
	_, decErr := Decode(make([]byte, maxPayloadSize+1))

	for name, err := range map[string]error{"Encode": encErr, "Decode": decErr} {
		if err == nil {
			t.Errorf("%s() of an oversized payload should fail", name)
			continue
		}
		if _, ok := err.(stackTracer); !ok {
			t.Errorf("%s() error %T has no stack trace", name, err)
		}
		if !strings.Contains(err.Error(), "exceeds maximum") {
			t.Errorf("%s() error = %q, want size limit message", name, err)
		}
	}
}

// TestDecode tests the Decode function with various inputs
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		wantOp    int
		wantSeq   int64
		wantType  string
		wantData  string
		wantError bool
	}{
		{
			name:     "hello",
			data:     `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			wantOp:   10,
			wantData: `{"heartbeat_interval":41250}`,
		},
		{
			name:     "dispatch",
			data:     `{"op":0,"d":{"v":10},"s":5,"t":"READY"}`,
			wantOp:   0,
			wantSeq:  5,
			wantType: "READY",
			wantData: `{"v":10}`,
		},
		{
			name:     "invalid session",
			data:     `{"op":9,"d":false}`,
			wantOp:   9,
			wantData: `false`,
		},
		{
			name:      "empty",
			data:      ``,
			wantError: true,
		},
		{
			name:      "garbage",
			data:      `{"op":`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Decode([]byte(tt.data))
			if (err != nil) != tt.wantError {
				t.Fatalf("Decode() error = %v, wantError %v", err, tt.wantError)
			}
			if tt.wantError {
				return
			}

			if p.Op != tt.wantOp {
				t.Errorf("Op = %d, want %d", p.Op, tt.wantOp)
			}
			if p.Sequence != tt.wantSeq {
				t.Errorf("Sequence = %d, want %d", p.Sequence, tt.wantSeq)
			}
			if p.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", p.Type, tt.wantType)
			}
			if string(p.Data) != tt.wantData {
				t.Errorf("Data = %s, want %s", p.Data, tt.wantData)
			}
		})
	}
}

// TestDecodeFrameCompressed tests that binary frames are inflated before decoding
func TestDecodeFrameCompressed(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"op":11,"d":null}`)
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	p, err := DecodeFrame(true, buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if p.Op != 11 {
		t.Errorf("Op = %d, want 11", p.Op)
	}

	if _, err := DecodeFrame(true, raw); err == nil {
		t.Error("DecodeFrame() of an uncompressed binary frame should fail")
	}
}

// TestEncodeDecodeRoundTrip verifies that decoded frames carry what was encoded
func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := map[string]any{"token": "abc", "shard": []int{0, 2}}
	encoded, err := Encode(2, payload)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	p, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}

	var got struct {
		Token string `json:"token"`
		Shard []int  `json:"shard"`
	}
	if err := json.Unmarshal(p.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if p.Op != 2 || got.Token != "abc" || len(got.Shard) != 2 || got.Shard[1] != 2 {
		t.Errorf("round trip = op %d %+v", p.Op, got)
	}
}

// BenchmarkEncode benchmarks the encoding operation
func BenchmarkEncode(b *testing.B) {
	payload := map[string]any{"since": nil, "status": "online", "afk": false}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(3, payload)
	}
}

// BenchmarkDecode benchmarks the decoding operation
func BenchmarkDecode(b *testing.B) {
	data := []byte(`{"op":0,"d":{"content":"benchmark test payload with some data"},"s":12,"t":"MESSAGE_CREATE"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(data)
	}
}
