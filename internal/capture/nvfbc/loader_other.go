//go:build !linux

package nvfbc

import (
	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

// Loader is unavailable off linux; NvFBC only ships for the linux driver.
type Loader struct{}

func NewLoader() *Loader { return &Loader{} }

func (l *Loader) LoadCompute() (gpu.Compute, error) { return nil, capture.ErrNotSupported }

func (l *Loader) LoadCapture() (capture.Driver, error) { return nil, capture.ErrNotSupported }

func (l *Loader) Close() error { return nil }
