package capture

import (
	"runtime"
)

// contextGuard keeps the driver's device context bound to the calling OS
// thread for the duration of one capture loop. The driver binds contexts per
// thread, so the goroutine is locked to its thread until release.
type contextGuard struct {
	drv    Driver
	handle Handle
	bound  bool
}

func bindContext(drv Driver, h Handle) (*contextGuard, error) {
	runtime.LockOSThread()
	if err := drv.BindContext(h); err != nil {
		runtime.UnlockOSThread()
		log.Error("Couldn't bind capture context", "error", err.Error(), "driver", drv.LastError(h))
		return nil, err
	}
	log.Debug("Capture context bound", "tid", threadID())
	return &contextGuard{drv: drv, handle: h, bound: true}, nil
}

// release is idempotent and must run on the goroutine that bound.
func (g *contextGuard) release() {
	if g == nil || !g.bound {
		return
	}
	g.bound = false
	if err := g.drv.ReleaseContext(g.handle); err != nil {
		log.Warn("Couldn't release capture context", "error", err.Error(), "driver", g.drv.LastError(g.handle))
	}
	runtime.UnlockOSThread()
}
