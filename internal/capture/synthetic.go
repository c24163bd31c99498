package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// SyntheticConfig configures a SyntheticSource.
type SyntheticConfig struct {
	Width       int
	Height      int
	FPS         float64
	Orientation types.Orientation
	Logger      *slog.Logger
}

// SyntheticSource generates BGRA test-pattern frames at a fixed FPS.
// Used by tests and by the daemon when no camera is configured.
type SyntheticSource struct {
	width       int
	height      int
	interval    time.Duration
	orientation types.Orientation
	logger      *slog.Logger

	lc  lifecycle
	seq uint64 // owned by the generator goroutine
}

// NewSyntheticSource validates cfg and returns a stopped source.
func NewSyntheticSource(cfg SyntheticConfig) (*SyntheticSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid synthetic resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 || cfg.FPS > 240 {
		return nil, fmt.Errorf("capture: invalid synthetic FPS %.2f (must be 0-240)", cfg.FPS)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SyntheticSource{
		width:       cfg.Width,
		height:      cfg.Height,
		interval:    time.Duration(float64(time.Second) / cfg.FPS),
		orientation: cfg.Orientation,
		logger:      logger,
	}, nil
}

// Start begins generating frames. A second Start is a no-op.
func (s *SyntheticSource) Start(ctx context.Context, onFrame func(*types.Frame)) error {
	if onFrame == nil {
		return errNoCallback
	}

	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()

	if s.lc.running() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.lc.cancel = cancel
	s.lc.started = time.Now()
	s.lc.deliv = startDelivery(runCtx, onFrame, s.logger)

	s.lc.wg.Add(1)
	go s.generate(runCtx, s.lc.deliv)

	s.logger.Info("capture: synthetic source started",
		"resolution", fmt.Sprintf("%dx%d", s.width, s.height),
		"interval", s.interval,
	)
	return nil
}

// Stop halts generation. Idempotent.
func (s *SyntheticSource) Stop() error {
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()
	s.lc.stopLocked(s.logger, "synthetic")
	return nil
}

// Stats returns current statistics.
func (s *SyntheticSource) Stats() Stats {
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()

	st := Stats{
		Source:     "synthetic",
		Running:    s.lc.running(),
		Resolution: fmt.Sprintf("%dx%d", s.width, s.height),
	}
	if s.lc.deliv != nil {
		s.lc.deliv.fill(&st)
	}
	return st
}

func (s *SyntheticSource) generate(ctx context.Context, d *delivery) {
	defer s.lc.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.offer(s.createFrame(now))
		}
	}
}

// createFrame renders a moving diagonal gradient so consecutive frames
// differ.
func (s *SyntheticSource) createFrame(now time.Time) *types.Frame {
	s.seq++
	bpp := types.FormatBGRA.BytesPerPixel()
	data := make([]byte, s.width*s.height*bpp)
	shift := byte(s.seq)
	for y := 0; y < s.height; y++ {
		row := y * s.width * bpp
		for x := 0; x < s.width; x++ {
			i := row + x*bpp
			v := byte(x+y) + shift
			data[i] = v       // B
			data[i+1] = v / 2 // G
			data[i+2] = ^v    // R
			data[i+3] = 0xff  // A
		}
	}

	return &types.Frame{
		Seq:         s.seq,
		Timestamp:   now,
		Width:       s.width,
		Height:      s.height,
		Format:      types.FormatBGRA,
		Data:        data,
		Orientation: s.orientation,
		Metadata:    map[string]any{"source": "synthetic"},
		TraceID:     uuid.New().String(),
	}
}
