package classifier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize rejects corrupt length prefixes before allocating.
const maxMessageSize = 64 << 20

// Message types exchanged with the worker process.
const (
	msgClassify = "classify"
	msgReady    = "ready"
	msgResult   = "result"
	msgError    = "error"
)

// request is sent to the worker for every classification.
type request struct {
	Type        string `msgpack:"type"`
	Seq         uint64 `msgpack:"seq"`
	TraceID     string `msgpack:"trace_id"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Format      string `msgpack:"format"`
	Orientation string `msgpack:"orientation"`
	FrameData   []byte `msgpack:"frame_data"` // raw bytes, no base64
}

// response is any message coming back from the worker.
type response struct {
	Type            string             `msgpack:"type"`
	Seq             uint64             `msgpack:"seq"`
	Model           string             `msgpack:"model,omitempty"`
	Error           string             `msgpack:"error,omitempty"`
	Classifications []rankedLabel      `msgpack:"classifications,omitempty"`
	Timing          map[string]float64 `msgpack:"timing,omitempty"`
}

// rankedLabel is one entry of the worker's ranked output. Workers that only
// know class indices leave Label empty and set Index.
type rankedLabel struct {
	Label      string  `msgpack:"label"`
	Index      int     `msgpack:"index"`
	Confidence float32 `msgpack:"confidence"`
}

// writeMessage writes v with length-prefix framing
// (4 bytes big-endian + msgpack data).
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
// Returns io.EOF if the stream closed cleanly between messages.
func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxMessageSize {
		return fmt.Errorf("message length %d exceeds limit %d", n, maxMessageSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
