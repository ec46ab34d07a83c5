package screen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"castlink/logging"
)

const (
	defaultFPS     = 10
	defaultQuality = 70
	defaultScale   = 0.5
)

// FrameSender accepts encoded frames for the connected peer.
type FrameSender interface {
	SendFrame(data []byte) error
}

// GrabFunc captures one image of the display at index.
type GrabFunc func(index int) (image.Image, error)

// CapturerConfig controls the capture loop.
type CapturerConfig struct {
	DisplayIndex int
	FPS          int
	// Quality is the JPEG quality, 1..100.
	Quality int
	// Scale downsizes each capture before encoding, (0, 1].
	Scale  float64
	Logger *zap.Logger
	// Grab defaults to capturing the display with screenshot.
	Grab GrabFunc
}

func (c CapturerConfig) withDefaults() CapturerConfig {
	if c.FPS <= 0 {
		c.FPS = defaultFPS
	}
	if c.Quality < 1 || c.Quality > 100 {
		c.Quality = defaultQuality
	}
	if c.Scale <= 0 || c.Scale > 1 {
		c.Scale = defaultScale
	}
	c.Logger = logging.OrNop(c.Logger)
	if c.Grab == nil {
		c.Grab = grabDisplay
	}
	return c
}

// Capturer periodically grabs the display and pushes JPEG frames into a
// FrameSender.
type Capturer struct {
	cfg    CapturerConfig
	sender FrameSender
}

// NewCapturer returns a capturer that sends to sender.
func NewCapturer(cfg CapturerConfig, sender FrameSender) *Capturer {
	return &Capturer{cfg: cfg.withDefaults(), sender: sender}
}

// Run captures at the configured rate until ctx ends. Capture and encode
// failures are logged and the tick is skipped; a send failure ends the loop
// and is returned.
func (c *Capturer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FPS))
	defer ticker.Stop()

	log := c.cfg.Logger
	log.Info("capture started",
		zap.Int("fps", c.cfg.FPS),
		zap.Int("quality", c.cfg.Quality),
		zap.Int("display", c.cfg.DisplayIndex),
	)
	defer log.Info("capture stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := c.Frame()
		if err != nil {
			log.Warn("capture frame", zap.Error(err))
			continue
		}
		if err := c.sender.SendFrame(frame); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
}

// Frame captures and encodes a single frame.
func (c *Capturer) Frame() ([]byte, error) {
	img, err := c.cfg.Grab(c.cfg.DisplayIndex)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}
	return EncodeJPEG(img, c.cfg.Scale, c.cfg.Quality)
}

// EncodeJPEG downscales img by scale and encodes it at quality.
func EncodeJPEG(img image.Image, scale float64, quality int) ([]byte, error) {
	if scale < 1 {
		img = scaleImage(img, scale)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func scaleImage(src image.Image, factor float64) image.Image {
	srcBounds := src.Bounds()
	newW := max(1, int(float64(srcBounds.Dx())*factor))
	newH := max(1, int(float64(srcBounds.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, srcBounds, draw.Over, nil)
	return dst
}

func grabDisplay(index int) (image.Image, error) {
	return screenshot.CaptureRect(screenshot.GetDisplayBounds(index))
}
