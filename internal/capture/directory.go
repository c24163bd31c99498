package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// imageExtensions lists the file types DirectorySource replays.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// DirectoryConfig configures a DirectorySource.
type DirectoryConfig struct {
	Dir         string
	FPS         float64
	Orientation types.Orientation
	// Loop replays the directory forever. Otherwise the source goes idle
	// after the last image.
	Loop   bool
	Logger *slog.Logger
}

// DirectorySource replays still images from a directory as a live feed.
// Images are decoded once at Start and converted to BGRA.
type DirectorySource struct {
	dir         string
	interval    time.Duration
	orientation types.Orientation
	loop        bool
	logger      *slog.Logger

	lc     lifecycle
	images []decodedImage
	seq    uint64 // owned by the replay goroutine
}

type decodedImage struct {
	name          string
	width, height int
	bgra          []byte
}

// NewDirectorySource validates cfg and returns a stopped source.
func NewDirectorySource(cfg DirectoryConfig) (*DirectorySource, error) {
	if cfg.Dir == "" {
		return nil, errors.New("capture: directory is required")
	}
	if cfg.FPS <= 0 || cfg.FPS > 240 {
		return nil, fmt.Errorf("capture: invalid directory FPS %.2f (must be 0-240)", cfg.FPS)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectorySource{
		dir:         cfg.Dir,
		interval:    time.Duration(float64(time.Second) / cfg.FPS),
		orientation: cfg.Orientation,
		loop:        cfg.Loop,
		logger:      logger,
	}, nil
}

// Start decodes the directory and begins replay. An unreadable or empty
// directory is reported as CameraUnavailable.
func (s *DirectorySource) Start(ctx context.Context, onFrame func(*types.Frame)) error {
	if onFrame == nil {
		return errNoCallback
	}

	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()

	if s.lc.running() {
		return nil
	}

	images, err := loadImages(s.dir)
	if err != nil {
		s.logger.Error("capture: directory source unavailable", "dir", s.dir, "error", err)
		return types.CameraUnavailable(err)
	}
	s.images = images

	runCtx, cancel := context.WithCancel(ctx)
	s.lc.cancel = cancel
	s.lc.finished.Store(false)
	s.lc.started = time.Now()
	s.lc.deliv = startDelivery(runCtx, onFrame, s.logger)

	s.lc.wg.Add(1)
	go s.replay(runCtx, s.lc.deliv, images)

	s.logger.Info("capture: directory source started",
		"dir", s.dir,
		"images", len(images),
		"interval", s.interval,
		"loop", s.loop,
	)
	return nil
}

// Stop halts replay. Idempotent.
func (s *DirectorySource) Stop() error {
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()
	s.lc.stopLocked(s.logger, "directory")
	return nil
}

// Stats returns current statistics.
func (s *DirectorySource) Stats() Stats {
	s.lc.mu.Lock()
	defer s.lc.mu.Unlock()

	st := Stats{
		Source:  "directory",
		Running: s.lc.producing(),
	}
	if len(s.images) > 0 {
		st.Resolution = fmt.Sprintf("%dx%d", s.images[0].width, s.images[0].height)
	}
	if s.lc.deliv != nil {
		s.lc.deliv.fill(&st)
	}
	return st
}

func (s *DirectorySource) replay(ctx context.Context, d *delivery, images []decodedImage) {
	defer s.lc.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if next == len(images) {
				if !s.loop {
					s.lc.finished.Store(true)
					s.logger.Info("capture: directory replay finished", "dir", s.dir)
					return
				}
				next = 0
			}
			img := images[next]
			next++

			s.seq++
			d.offer(&types.Frame{
				Seq:         s.seq,
				Timestamp:   now,
				Width:       img.width,
				Height:      img.height,
				Format:      types.FormatBGRA,
				Data:        img.bgra,
				Orientation: s.orientation,
				Metadata:    map[string]any{"source": "directory", "file": img.name},
				TraceID:     uuid.New().String(),
			})
		}
	}
}

// loadImages decodes every supported image in dir, sorted by name.
func loadImages(dir string) ([]decodedImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}

	images := make([]decodedImage, 0, len(names))
	for _, name := range names {
		img, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		images = append(images, decodedImage{
			name:   name,
			width:  b.Dx(),
			height: b.Dy(),
			bgra:   ToBGRA(img),
		})
	}
	return images, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// ToBGRA converts any image to tightly packed BGRA bytes.
func ToBGRA(img image.Image) []byte {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	out := rgba.Pix
	for i := 0; i+3 < len(out); i += 4 {
		out[i], out[i+2] = out[i+2], out[i]
	}
	return out
}
