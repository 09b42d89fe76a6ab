package capture

import (
	"fmt"
	"log/slog"
)

// sessionHandle owns one vendor handle and at most one active capture
// session on it. Teardown is two-stage: stop ends the capture session,
// reset also destroys the handle.
type sessionHandle struct {
	drv    Driver
	handle Handle
	log    *slog.Logger

	handleCreated bool
	captureActive bool

	// hostBuffer is the driver-owned frame buffer on the host-copy path.
	hostBuffer uintptr
}

func newSessionHandle(drv Driver, logger *slog.Logger) (*sessionHandle, error) {
	h, err := drv.CreateHandle()
	if err != nil {
		logger.Error("Couldn't create capture handle", "error", err.Error())
		return nil, fmt.Errorf("%w: create handle: %w", ErrSession, err)
	}
	return &sessionHandle{drv: drv, handle: h, log: logger, handleCreated: true}, nil
}

func (s *sessionHandle) status() (StatusInfo, error) {
	st, err := s.drv.GetStatus(s.handle)
	if err != nil {
		s.log.Error("Couldn't get capture status", "error", err.Error(), "driver", s.drv.LastError(s.handle))
		return StatusInfo{}, fmt.Errorf("%w: get status: %w", ErrSession, err)
	}
	return st, nil
}

// beginCapture starts a session with cfg, stopping any active one first,
// and performs the delivery setup for cfg.Residency.
func (s *sessionHandle) beginCapture(cfg CaptureConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.captureActive {
		if err := s.stop(); err != nil {
			return err
		}
	}

	if err := s.drv.CreateCaptureSession(s.handle, cfg); err != nil {
		s.log.Error("Couldn't create capture session", "error", err.Error(), "driver", s.drv.LastError(s.handle))
		return fmt.Errorf("%w: create capture session: %w", ErrSession, err)
	}
	s.captureActive = true

	buf, err := s.drv.SetupDelivery(s.handle, cfg.Residency)
	if err != nil {
		s.log.Error("Couldn't set up frame delivery",
			"residency", cfg.Residency.String(),
			"error", err.Error(),
			"driver", s.drv.LastError(s.handle))
		return fmt.Errorf("%w: set up %s delivery: %w", ErrSession, cfg.Residency, err)
	}
	s.hostBuffer = buf
	return nil
}

// stop ends the active capture session. It is a no-op when none is active.
func (s *sessionHandle) stop() error {
	if !s.captureActive {
		return nil
	}
	s.captureActive = false
	s.hostBuffer = 0
	if err := s.drv.DestroyCaptureSession(s.handle); err != nil {
		s.log.Error("Couldn't destroy capture session", "error", err.Error(), "driver", s.drv.LastError(s.handle))
		return fmt.Errorf("%w: destroy capture session: %w", ErrSession, err)
	}
	return nil
}

// reset releases everything. Failures are logged, never returned.
func (s *sessionHandle) reset() {
	if s == nil {
		return
	}
	_ = s.stop()
	if !s.handleCreated {
		return
	}
	s.handleCreated = false
	if err := s.drv.DestroyHandle(s.handle); err != nil {
		s.log.Error("Couldn't destroy capture handle", "error", err.Error(), "driver", s.drv.LastError(s.handle))
	}
}

func (s *sessionHandle) Close() error {
	s.reset()
	return nil
}
