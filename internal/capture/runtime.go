package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("capture")

// Loader binds the vendor capture library and the compute driver.
type Loader interface {
	LoadCapture() (Driver, error)
	LoadCompute() (gpu.Compute, error)
	// Close unloads whatever the loader opened.
	Close() error
}

// Runtime is the process-wide driver state shared by display sessions.
// Init may be retried after a failure; once it succeeds the bound tables are
// read-only until Close.
type Runtime struct {
	loader Loader

	mu          sync.Mutex
	initialized bool
	driver      Driver
	compute     gpu.Compute
}

func NewRuntime(loader Loader) *Runtime {
	return &Runtime{loader: loader}
}

// Init loads the vendor libraries once. Concurrent callers block until the
// first load finishes.
func (r *Runtime) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if r.loader == nil {
		return &DriverError{Op: "init", Message: "no driver loader configured"}
	}

	compute, err := r.loader.LoadCompute()
	if err != nil {
		log.Error("Couldn't load compute driver", "error", err.Error())
		r.loader.Close()
		return wrapDriverErr("load compute driver", err)
	}
	drv, err := r.loader.LoadCapture()
	if err != nil {
		log.Error("Couldn't load capture library", "error", err.Error())
		r.loader.Close()
		return wrapDriverErr("load capture library", err)
	}

	r.driver = drv
	r.compute = compute
	r.initialized = true
	log.Debug("Capture runtime initialized", "compute", compute.Name())
	return nil
}

func wrapDriverErr(op string, err error) error {
	if errors.Is(err, ErrDriver) || errors.Is(err, ErrNotSupported) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &DriverError{Op: op, Message: err.Error()}
}

func (r *Runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Driver returns the capture function table, or nil before Init.
func (r *Runtime) Driver() Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driver
}

// Compute returns the compute function table, or nil before Init.
func (r *Runtime) Compute() gpu.Compute {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compute
}

// Close unloads the libraries. Sessions created from this runtime must be
// closed first.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	r.initialized = false
	r.driver = nil
	r.compute = nil
	return r.loader.Close()
}
