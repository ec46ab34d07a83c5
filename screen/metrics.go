// Package screen holds the platform collaborators around a session: the
// display metrics exchanged during negotiation, the capture loop feeding a
// Source, and the sinks that consume frames and motions on each side.
package screen

import (
	"errors"
	"fmt"

	"github.com/kbinani/screenshot"

	"castlink/models"
)

// ErrNoDisplay is returned when no active display can be found and no
// override is configured.
var ErrNoDisplay = errors.New("screen: no active display")

// MetricsConfig selects the display whose geometry is advertised.
type MetricsConfig struct {
	DisplayIndex int
	// Override is used as-is when both dimensions are set.
	Override models.ScreenMetrics
}

// DisplayMetrics returns the geometry advertised in REQUEST and ACCEPT.
func DisplayMetrics(cfg MetricsConfig) (models.ScreenMetrics, error) {
	if cfg.Override.Width > 0 && cfg.Override.Height > 0 {
		return cfg.Override, nil
	}

	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return models.ScreenMetrics{}, ErrNoDisplay
	}
	if cfg.DisplayIndex < 0 || cfg.DisplayIndex >= n {
		return models.ScreenMetrics{}, fmt.Errorf("invalid display index %d, have %d displays", cfg.DisplayIndex, n)
	}

	bounds := screenshot.GetDisplayBounds(cfg.DisplayIndex)
	return models.ScreenMetrics{
		Width:   int32(bounds.Dx()),
		Height:  int32(bounds.Dy()),
		Density: cfg.Override.Density,
	}, nil
}
