package simdriver

import (
	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

// Loader hands a simulated driver and a host compute device to a
// capture.Runtime. Loading is repeatable; each load after Close starts from
// a fresh driver.
type Loader struct {
	cfg     Config
	compute *gpu.HostCompute
	drv     *Driver
}

func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg}
}

func (l *Loader) LoadCompute() (gpu.Compute, error) {
	if l.compute == nil {
		l.compute = gpu.NewHostCompute()
	}
	return l.compute, nil
}

func (l *Loader) LoadCapture() (capture.Driver, error) {
	if l.compute == nil {
		l.compute = gpu.NewHostCompute()
	}
	if l.drv == nil {
		l.drv = New(l.cfg, l.compute)
	}
	return l.drv, nil
}

// Driver returns the loaded driver, or nil before the runtime initialized.
func (l *Loader) Driver() *Driver { return l.drv }

// Compute returns the loaded host compute device, or nil.
func (l *Loader) Compute() *gpu.HostCompute { return l.compute }

func (l *Loader) Close() error {
	l.drv = nil
	l.compute = nil
	return nil
}
