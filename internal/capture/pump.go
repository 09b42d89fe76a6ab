package capture

import (
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

const (
	// fineSleep is the step used while spinning toward a frame deadline.
	fineSleep = 50 * time.Microsecond
	// timeoutBackoff is the pause before retrying a grab that timed out.
	timeoutBackoff = time.Millisecond
)

// Sink receives each captured frame and returns the image to fill next.
// Returning nil stops the capture loop.
type Sink func(img *gpu.Image) *gpu.Image

// Clock is the time source for frame pacing.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// pacer schedules frame boundaries on a fixed grid. Deadlines advance by
// whole intervals so scheduling jitter does not accumulate.
type pacer struct {
	clock    Clock
	interval time.Duration
	next     time.Time
}

func (p *pacer) start() {
	p.next = p.clock.Now()
}

func (p *pacer) deadline() time.Time { return p.next }

// wait blocks until the current deadline, then advances it. It returns how
// late the caller was released relative to the deadline.
func (p *pacer) wait() time.Duration {
	now := p.clock.Now()
	if p.next.After(now) {
		p.clock.Sleep(p.next.Sub(now) / 3 * 2)
		now = p.clock.Now()
	}
	for p.next.After(now) {
		p.clock.Sleep(fineSleep)
		now = p.clock.Now()
	}

	late := now.Sub(p.next)
	p.next = p.next.Add(p.interval)
	// More than a whole interval behind: restart the grid instead of
	// bursting to catch up.
	if now.Sub(p.next) > p.interval {
		p.next = now
	}
	return late
}

// Capture runs the frame pump until the sink returns nil or the session
// needs recreating. It binds the device context to the calling thread for
// its whole duration, and releases it and the vendor session on return.
// Calling Capture again after a Reinit status starts over with a fresh
// vendor handle.
func (d *DisplaySession) Capture(sink Sink, img *gpu.Image, cursor *atomic.Bool) CaptureStatus {
	if d.closed {
		d.log.Error("Capture on closed display session")
		return StatusError
	}
	if sink == nil {
		d.log.Error("Capture without a sink")
		return StatusError
	}
	if cursor == nil {
		cursor = new(atomic.Bool)
	}
	if img == nil {
		return StatusOK
	}

	if d.handle == nil || !d.handle.handleCreated {
		h, err := newSessionHandle(d.drv, d.log)
		if err != nil {
			d.state = StateFailed
			return StatusError
		}
		d.handle = h
	}

	// Force the first snapshot to configure the session.
	d.cursorVisible = !cursor.Load()

	guard, err := bindContext(d.drv, d.handle.handle)
	if err != nil {
		d.handle.reset()
		d.state = StateFailed
		return StatusError
	}
	defer guard.release()
	defer d.handle.reset()

	d.log.Info("Capture started",
		"width", d.geom.Width,
		"height", d.geom.Height,
		"intervalMs", float64(d.interval.Microseconds())/1000,
		"residency", d.cfg.Residency.String())

	d.state = StateCapturing
	d.pacer.start()
	paced := true
	for img != nil {
		if paced {
			d.metrics.RecordLateness(d.pacer.wait())
		}
		paced = true

		status := d.snapshot(img, d.grabTimeout, cursor.Load())
		switch status {
		case StatusReinit:
			d.state = StateStopped
			return status
		case StatusError:
			d.state = StateFailed
			return status
		case StatusTimeout:
			d.clock.Sleep(timeoutBackoff)
			paced = false
			continue
		case StatusOK:
			start := d.clock.Now()
			img = sink(img)
			d.metrics.RecordSink(d.clock.Now().Sub(start))
		default:
			d.log.Error("Unrecognized capture status", "status", int(status))
			d.state = StateFailed
			return status
		}
	}

	d.state = StateStopped
	d.log.Info("Capture stopped")
	return StatusOK
}
