/*
FONT CLASSIFIER WORKER

Manages a model subprocess (e.g. a Python/ONNX runner) that classifies the
font in a prepared image. Go side and model side talk over stdin/stdout with
length-prefixed msgpack messages:

	┌──────────────────┐  classify  ┌────────────────┐
	│ inference.Engine │ ─────────> │ Worker (Go)    │ ── stdin ──> model process
	│  (single-flight) │ <───────── │ this file      │ <─ stdout ── (ready/result/error)
	└──────────────────┘   result   └────────────────┘ <─ stderr ── (logs)

LIFECYCLE:
  Load:     spawn process → wait for {"type":"ready"} (load timeout)
            {"type":"error"} or timeout → model load failure
  Classify: center crop + scale → {"type":"classify", frame_data: RGB} →
            {"type":"result", classifications: [...]} → top-1
            ctx done or pipe error → kill process; next Classify respawns
  Close:    close stdin → wait 2s → kill

One request is outstanding at a time (mutex); the engine above guarantees it
anyway, the mutex keeps the stream in sync for direct callers.
*/

package classifier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

const (
	// DefaultInputSize is the square model input edge in pixels.
	DefaultInputSize = 224

	// DefaultLoadTimeout bounds process start plus model load.
	DefaultLoadTimeout = 30 * time.Second

	closeTimeout = 2 * time.Second
)

// Config contains configuration for the worker process.
type Config struct {
	// Command is the executable (e.g. "models/run_font_worker.sh").
	Command string
	// Args are passed before the generated --model/--input-size flags.
	Args      []string
	ModelPath string
	InputSize int
	// LoadTimeout bounds spawn plus ready handshake.
	LoadTimeout time.Duration
	// Labels maps class indices to names for workers that return indices.
	Labels []string
	Logger *slog.Logger
}

// process is one running worker instance.
type process struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	kill    func() error
	// release frees the read side of stdout after a clean exit. May be nil.
	release func() error
	done    <-chan struct{} // closed when the process exited
	pid     int
}

type spawnFunc func() (*process, error)

// Stats is a snapshot of worker counters.
type Stats struct {
	Running    bool
	Model      string
	Requests   uint64
	Failures   uint64
	Restarts   uint64
	AvgLatency time.Duration
	LastSeenAt time.Time
}

// Worker is an inference.Classifier (and inference.Loader) backed by a
// model subprocess.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	spawn  spawnFunc

	mu          sync.Mutex
	proc        *process
	model       string
	everStarted bool

	requests       atomic.Uint64
	failures       atomic.Uint64
	succeeded      atomic.Uint64
	restarts       atomic.Uint64
	totalLatencyNS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// NewWorker validates cfg. The process is spawned by Load (or lazily by the
// first Classify).
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New("classifier: command is required")
	}
	w := newWorker(cfg, nil)
	w.spawn = w.spawnProcess
	return w, nil
}

func newWorker(cfg Config, spawn spawnFunc) *Worker {
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultInputSize
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{cfg: cfg, logger: logger, spawn: spawn}
	w.lastSeenAt.Store(time.Time{})
	return w
}

// Load spawns the worker and waits for its ready message.
func (w *Worker) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadLocked(ctx)
}

func (w *Worker) loadLocked(ctx context.Context) error {
	if w.proc != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.LoadTimeout)
	defer cancel()

	proc, err := w.spawn()
	if err != nil {
		return fmt.Errorf("classifier: failed to spawn worker: %w", err)
	}

	ch := make(chan exchangeResult, 1)
	go func() {
		var resp response
		err := readMessage(proc.stdout, &resp)
		ch <- exchangeResult{resp: resp, err: err}
	}()

	var res exchangeResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		proc.kill()
		return fmt.Errorf("classifier: worker not ready: %w", ctx.Err())
	}

	switch {
	case res.err != nil:
		proc.kill()
		return fmt.Errorf("classifier: reading ready message: %w", res.err)
	case res.resp.Type == msgError:
		proc.kill()
		return fmt.Errorf("classifier: worker: %s", res.resp.Error)
	case res.resp.Type != msgReady:
		proc.kill()
		return fmt.Errorf("classifier: unexpected %q message during load", res.resp.Type)
	}

	if w.everStarted {
		w.restarts.Add(1)
	}
	w.everStarted = true
	w.proc = proc
	w.model = res.resp.Model

	w.logger.Info("classifier: worker ready",
		"pid", proc.pid,
		"model", res.resp.Model,
		"input_size", w.cfg.InputSize,
	)
	return nil
}

type exchangeResult struct {
	resp response
	err  error
}

// Classify prepares the frame and runs one request/response exchange.
func (w *Worker) Classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error) {
	img, err := Prepare(frame, w.cfg.InputSize)
	if err != nil {
		return types.ClassificationResult{}, err
	}
	req := request{
		Type:        msgClassify,
		Seq:         frame.Seq,
		TraceID:     frame.TraceID,
		Width:       w.cfg.InputSize,
		Height:      w.cfg.InputSize,
		Format:      "rgb",
		Orientation: frame.Orientation.String(),
		FrameData:   packRGB(img),
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc == nil {
		if err := w.loadLocked(ctx); err != nil {
			w.failures.Add(1)
			return types.ClassificationResult{}, fmt.Errorf("classifier: worker unavailable: %w", err)
		}
	}
	proc := w.proc

	w.requests.Add(1)
	start := time.Now()

	ch := make(chan exchangeResult, 1)
	go func() {
		if err := writeMessage(proc.stdin, req); err != nil {
			ch <- exchangeResult{err: err}
			return
		}
		var resp response
		err := readMessage(proc.stdout, &resp)
		ch <- exchangeResult{resp: resp, err: err}
	}()

	var res exchangeResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The stream is now out of sync with the worker.
		w.discardLocked("classification cancelled")
		w.failures.Add(1)
		return types.ClassificationResult{}, fmt.Errorf("classifier: %w", ctx.Err())
	}

	if res.err != nil {
		w.discardLocked("worker i/o failed")
		w.failures.Add(1)
		return types.ClassificationResult{}, fmt.Errorf("classifier: %w", res.err)
	}

	resp := res.resp
	switch {
	case resp.Type == msgError:
		w.failures.Add(1)
		return types.ClassificationResult{}, fmt.Errorf("classifier: worker: %s", resp.Error)
	case resp.Type != msgResult || resp.Seq != req.Seq:
		w.discardLocked("protocol desync")
		w.failures.Add(1)
		return types.ClassificationResult{}, fmt.Errorf("classifier: unexpected %q message for seq %d (got seq %d)",
			resp.Type, req.Seq, resp.Seq)
	}

	result, err := w.topOne(resp.Classifications)
	if err != nil {
		w.failures.Add(1)
		return types.ClassificationResult{}, err
	}

	w.succeeded.Add(1)
	w.totalLatencyNS.Add(uint64(time.Since(start)))
	w.lastSeenAt.Store(time.Now())

	w.logger.Debug("classifier: classified",
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
		"label", result.Label,
		"confidence", result.Confidence,
		"timing", resp.Timing,
	)
	return result, nil
}

// topOne picks the highest-confidence classification.
func (w *Worker) topOne(ranked []rankedLabel) (types.ClassificationResult, error) {
	if len(ranked) == 0 {
		return types.ClassificationResult{}, errors.New("classifier: worker returned no classifications")
	}

	best := ranked[0]
	for _, c := range ranked[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}

	label := best.Label
	if label == "" && best.Index >= 0 && best.Index < len(w.cfg.Labels) {
		label = w.cfg.Labels[best.Index]
	}
	return types.NewClassificationResult(label, best.Confidence)
}

// discardLocked kills the current process; the next Classify respawns.
func (w *Worker) discardLocked(reason string) {
	if w.proc == nil {
		return
	}
	w.logger.Warn("classifier: discarding worker process", "pid", w.proc.pid, "reason", reason)
	if err := w.proc.kill(); err != nil {
		w.logger.Debug("classifier: kill failed", "pid", w.proc.pid, "error", err)
	}
	w.proc = nil
}

// Close stops the worker: closes stdin so it exits on its own, then kills it
// after a short grace period.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	proc := w.proc
	if proc == nil {
		return nil
	}
	w.proc = nil

	proc.stdin.Close()
	select {
	case <-proc.done:
		if proc.release != nil {
			proc.release()
		}
		w.logger.Info("classifier: worker stopped", "pid", proc.pid)
		return nil
	case <-time.After(closeTimeout):
		w.logger.Warn("classifier: worker stop timeout, force killing process", "pid", proc.pid)
		if err := proc.kill(); err != nil {
			return fmt.Errorf("classifier: failed to kill worker: %w", err)
		}
		return nil
	}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	running, model := w.proc != nil, w.model
	w.mu.Unlock()

	var avg time.Duration
	if ok := w.succeeded.Load(); ok > 0 {
		avg = time.Duration(w.totalLatencyNS.Load() / ok)
	}
	lastSeen, _ := w.lastSeenAt.Load().(time.Time)

	return Stats{
		Running:    running,
		Model:      model,
		Requests:   w.requests.Load(),
		Failures:   w.failures.Load(),
		Restarts:   w.restarts.Load(),
		AvgLatency: avg,
		LastSeenAt: lastSeen,
	}
}

// spawnProcess starts the worker executable with piped stdio.
func (w *Worker) spawnProcess() (*process, error) {
	args := append([]string{}, w.cfg.Args...)
	if w.cfg.ModelPath != "" {
		args = append(args, "--model", w.cfg.ModelPath)
	}
	args = append(args, "--input-size", strconv.Itoa(w.cfg.InputSize))

	cmd := exec.Command(w.cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Wait closes pipes made by StdoutPipe on exit, dropping a final message
	// still being read. The read ends here are closed by the worker instead.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	pid := cmd.Process.Pid

	w.logger.Info("classifier: worker process spawned",
		"command", w.cfg.Command,
		"pid", pid,
	)

	go w.logStderr(stderr, pid)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			w.logger.Debug("classifier: worker process exited", "pid", pid, "error", err)
			return
		}
		w.logger.Info("classifier: worker process exited cleanly", "pid", pid)
	}()

	return &process{
		stdin:  stdin,
		stdout: stdout,
		kill: func() error {
			defer stdout.Close()
			return cmd.Process.Kill()
		},
		release: stdout.Close,
		done:    done,
		pid:     pid,
	}, nil
}

// logStderr forwards worker stderr, mapping "[LEVEL]" markers to slog levels.
// It closes stderr once the worker exits.
func (w *Worker) logStderr(stderr io.ReadCloser, pid int) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("classifier: worker error", "pid", pid, "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			w.logger.Warn("classifier: worker warning", "pid", pid, "log", line)
		default:
			w.logger.Debug("classifier: worker log", "pid", pid, "log", line)
		}
	}
}
