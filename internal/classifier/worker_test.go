package classifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

var errKilled = errors.New("killed")

// fakeWorker speaks the worker protocol over io.Pipe pairs.
type fakeWorker struct {
	ready   response
	handler func(req request) response
	spawns  atomic.Int32
}

func (f *fakeWorker) spawn() (*process, error) {
	f.spawns.Add(1)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer outW.Close()
		if f.ready.Type != "" {
			if err := writeMessage(outW, f.ready); err != nil {
				return
			}
		}
		for {
			var req request
			if err := readMessage(inR, &req); err != nil {
				return
			}
			if err := writeMessage(outW, f.handler(req)); err != nil {
				return
			}
		}
	}()

	return &process{
		stdin:  inW,
		stdout: outR,
		kill: func() error {
			inR.CloseWithError(errKilled)
			outW.CloseWithError(errKilled)
			return nil
		},
		done: done,
		pid:  1000 + int(f.spawns.Load()),
	}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrame(seq uint64) *types.Frame {
	const w, h = 8, 6
	return &types.Frame{
		Seq:         seq,
		Width:       w,
		Height:      h,
		Format:      types.FormatBGRA,
		Data:        bytes.Repeat([]byte{10, 20, 30, 255}, w*h),
		Orientation: types.OrientationUp,
		TraceID:     "trace",
	}
}

func resultFor(req request, ranked ...rankedLabel) response {
	return response{Type: msgResult, Seq: req.Seq, Classifications: ranked}
}

func TestWorkerClassifyTopOne(t *testing.T) {
	fw := &fakeWorker{
		ready: response{Type: msgReady, Model: "fonts-v3"},
		handler: func(req request) response {
			if req.Type != msgClassify || req.Format != "rgb" || len(req.FrameData) != 32*32*3 {
				return response{Type: msgError, Seq: req.Seq, Error: "bad request"}
			}
			return resultFor(req,
				rankedLabel{Label: "Helvetica", Confidence: 0.4},
				rankedLabel{Label: "Didot", Confidence: 0.9},
				rankedLabel{Label: "Futura", Confidence: 0.1},
			)
		},
	}
	w := newWorker(Config{InputSize: 32, Logger: quietLogger()}, fw.spawn)

	require.NoError(t, w.Load(context.Background()))
	got, err := w.Classify(context.Background(), testFrame(7))
	require.NoError(t, err)
	assert.Equal(t, types.ClassificationResult{Label: "Didot", Confidence: 0.9}, got)

	st := w.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, "fonts-v3", st.Model)
	assert.Equal(t, uint64(1), st.Requests)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastSeenAt.IsZero())

	require.NoError(t, w.Close())
	assert.False(t, w.Stats().Running)
}

func TestWorkerLabelsByIndex(t *testing.T) {
	fw := &fakeWorker{
		ready: response{Type: msgReady},
		handler: func(req request) response {
			return resultFor(req, rankedLabel{Index: 1, Confidence: 0.7})
		},
	}
	w := newWorker(Config{InputSize: 8, Labels: []string{"Arial", "Garamond"}, Logger: quietLogger()}, fw.spawn)

	got, err := w.Classify(context.Background(), testFrame(1)) // lazy load
	require.NoError(t, err)
	assert.Equal(t, "Garamond", got.Label)
}

func TestWorkerLoadReportsWorkerError(t *testing.T) {
	fw := &fakeWorker{ready: response{Type: msgError, Error: "model file missing"}}
	w := newWorker(Config{Logger: quietLogger()}, fw.spawn)

	err := w.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file missing")
	assert.False(t, w.Stats().Running)
}

func TestWorkerLoadTimeout(t *testing.T) {
	fw := &fakeWorker{} // never sends ready
	w := newWorker(Config{LoadTimeout: 20 * time.Millisecond, Logger: quietLogger()}, fw.spawn)

	err := w.Load(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestWorkerTimeoutRespawns validates a cancelled exchange discards the
// process and the next Classify starts a fresh one.
func TestWorkerTimeoutRespawns(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	fw := &fakeWorker{ready: response{Type: msgReady}}
	fw.handler = func(req request) response {
		if calls.Add(1) == 1 {
			<-release
		}
		return resultFor(req, rankedLabel{Label: "Bodoni", Confidence: 0.8})
	}
	w := newWorker(Config{InputSize: 8, Logger: quietLogger()}, fw.spawn)
	require.NoError(t, w.Load(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Classify(ctx, testFrame(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, w.Stats().Running)

	got, err := w.Classify(context.Background(), testFrame(2))
	require.NoError(t, err)
	assert.Equal(t, "Bodoni", got.Label)
	assert.Equal(t, int32(2), fw.spawns.Load())
	assert.Equal(t, uint64(1), w.Stats().Restarts)
}

func TestWorkerErrorResponseKeepsProcess(t *testing.T) {
	fw := &fakeWorker{
		ready: response{Type: msgReady},
		handler: func(req request) response {
			return response{Type: msgError, Seq: req.Seq, Error: "tensor shape mismatch"}
		},
	}
	w := newWorker(Config{InputSize: 8, Logger: quietLogger()}, fw.spawn)

	_, err := w.Classify(context.Background(), testFrame(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensor shape mismatch")
	assert.True(t, w.Stats().Running)
	assert.Equal(t, int32(1), fw.spawns.Load())
}

func TestWorkerEmptyClassifications(t *testing.T) {
	fw := &fakeWorker{
		ready:   response{Type: msgReady},
		handler: func(req request) response { return resultFor(req) },
	}
	w := newWorker(Config{InputSize: 8, Logger: quietLogger()}, fw.spawn)

	_, err := w.Classify(context.Background(), testFrame(1))
	assert.Error(t, err)
}

func TestNewWorkerRequiresCommand(t *testing.T) {
	_, err := NewWorker(Config{})
	assert.Error(t, err)
}

func TestPrepareCenterCrop(t *testing.T) {
	// 4x2 BGRA frame: blue | red red | green.
	blue := []byte{255, 0, 0, 255}
	red := []byte{0, 0, 255, 255}
	green := []byte{0, 255, 0, 255}
	var data []byte
	for y := 0; y < 2; y++ {
		data = append(data, blue...)
		data = append(data, red...)
		data = append(data, red...)
		data = append(data, green...)
	}
	f := &types.Frame{Width: 4, Height: 2, Format: types.FormatBGRA, Data: data}

	img, err := Prepare(f, 2)
	require.NoError(t, err)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
	assert.Equal(t, []byte{255, 0, 0, 255, 0, 0, 255, 0, 0, 255, 0, 0}, packRGB(img))
}

func TestFrameImageFormats(t *testing.T) {
	rgb := &types.Frame{Width: 1, Height: 1, Format: types.FormatRGB, Data: []byte{1, 2, 3}}
	img, err := FrameImage(rgb)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, img.RGBAAt(0, 0))

	short := &types.Frame{Width: 2, Height: 2, Format: types.FormatBGRA, Data: make([]byte, 8)}
	_, err = FrameImage(short)
	assert.Error(t, err)

	_, err = Prepare(rgb, 0)
	assert.Error(t, err)
}

func TestCodecFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, response{Type: msgReady, Model: "m"}))
	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	var got response
	require.NoError(t, readMessage(&buf, &got))
	assert.Equal(t, msgReady, got.Type)
	assert.Equal(t, "m", got.Model)

	assert.ErrorIs(t, readMessage(&buf, &got), io.EOF)

	var huge bytes.Buffer
	binary.Write(&huge, binary.BigEndian, uint32(maxMessageSize+1))
	assert.Error(t, readMessage(&huge, &got))
}

// shellWorker returns a worker running a real sh process that first replays
// the frames written to a file, then runs tail.
func shellWorker(t *testing.T, tail string, frames ...response) *Worker {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, writeMessage(&buf, f))
	}
	path := filepath.Join(t.TempDir(), "frames.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	w, err := NewWorker(Config{
		Command:     sh,
		Args:        []string{"-c", `cat "$1"; ` + tail, "worker", path},
		LoadTimeout: 5 * time.Second,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	return w
}

// TestProcessErrorBeforeExitIsReported validates an error message written
// right before the process exits reaches Load intact.
func TestProcessErrorBeforeExitIsReported(t *testing.T) {
	for i := 0; i < 50; i++ {
		w := shellWorker(t, "exit 1", response{Type: msgError, Error: "model file missing"})
		err := w.Load(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "model file missing", "attempt %d", i)
		assert.False(t, w.Stats().Running)
	}
}

func TestProcessReadyThenClose(t *testing.T) {
	w := shellWorker(t, "cat >/dev/null", response{Type: msgReady, Model: "fonts-sh"})
	require.NoError(t, w.Load(context.Background()))
	assert.Equal(t, "fonts-sh", w.Stats().Model)

	require.NoError(t, w.Close())
	assert.False(t, w.Stats().Running)
}
