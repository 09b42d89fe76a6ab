//go:build linux

package nvfbc

import (
	"errors"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

// Loader binds libnvidia-fbc and libcuda for a capture.Runtime.
type Loader struct {
	fbc  *fbcLibrary
	cuda *cudaCompute
}

func NewLoader() *Loader { return &Loader{} }

func (l *Loader) LoadCompute() (gpu.Compute, error) {
	if l.cuda != nil {
		return l.cuda, nil
	}
	c, err := loadCUDA()
	if err != nil {
		return nil, err
	}
	l.cuda = c
	return c, nil
}

func (l *Loader) LoadCapture() (capture.Driver, error) {
	if l.fbc == nil {
		lib, err := loadFBC()
		if err != nil {
			return nil, err
		}
		l.fbc = lib
	}
	return newDriver(l.fbc), nil
}

func (l *Loader) Close() error {
	err := errors.Join(l.fbc.close(), l.cuda.close())
	l.fbc = nil
	l.cuda = nil
	return err
}
