package capture

import (
	"sync"
	"time"
)

// Metrics tracks capture loop performance for a display session. Read it
// through Snapshot.
type Metrics struct {
	mu sync.RWMutex

	framesCaptured  uint64
	framesDelivered uint64
	directFrames    uint64
	timeouts        uint64
	reinits         uint64
	errors          uint64
	fallbacks       uint64

	lastGrab      time.Duration
	lastSink      time.Duration
	lastLateness  time.Duration
	maxLateness   time.Duration
	totalLateness time.Duration
	pacedFrames   uint64
	startTime     time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordCapture(d time.Duration, direct bool) {
	m.mu.Lock()
	m.framesCaptured++
	if direct {
		m.directFrames++
	}
	m.lastGrab = d
	m.mu.Unlock()
}

func (m *Metrics) RecordSink(d time.Duration) {
	m.mu.Lock()
	m.framesDelivered++
	m.lastSink = d
	m.mu.Unlock()
}

// RecordLateness records how far past its deadline a paced frame started.
func (m *Metrics) RecordLateness(d time.Duration) {
	m.mu.Lock()
	m.pacedFrames++
	m.lastLateness = d
	m.totalLateness += d
	if d > m.maxLateness {
		m.maxLateness = d
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *Metrics) RecordReinit() {
	m.mu.Lock()
	m.reinits++
	m.mu.Unlock()
}

func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// RecordFallback counts sessions that gave up on direct capture.
func (m *Metrics) RecordFallback() {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of metrics for logging.
type MetricsSnapshot struct {
	FramesCaptured  uint64        `json:"framesCaptured"`
	FramesDelivered uint64        `json:"framesDelivered"`
	DirectFrames    uint64        `json:"directFrames"`
	Timeouts        uint64        `json:"timeouts"`
	Reinits         uint64        `json:"reinits"`
	Errors          uint64        `json:"errors"`
	Fallbacks       uint64        `json:"fallbacks"`
	GrabMs          float64       `json:"grabMs"`
	SinkMs          float64       `json:"sinkMs"`
	LatenessMs      float64       `json:"latenessMs"`
	MaxLatenessMs   float64       `json:"maxLatenessMs"`
	AvgLatenessMs   float64       `json:"avgLatenessMs"`
	FPS             float64       `json:"fps"`
	Uptime          time.Duration `json:"uptime"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	fps := float64(0)
	if uptime.Seconds() > 0 {
		fps = float64(m.framesDelivered) / uptime.Seconds()
	}
	avg := float64(0)
	if m.pacedFrames > 0 {
		avg = ms(m.totalLateness) / float64(m.pacedFrames)
	}

	return MetricsSnapshot{
		FramesCaptured:  m.framesCaptured,
		FramesDelivered: m.framesDelivered,
		DirectFrames:    m.directFrames,
		Timeouts:        m.timeouts,
		Reinits:         m.reinits,
		Errors:          m.errors,
		Fallbacks:       m.fallbacks,
		GrabMs:          ms(m.lastGrab),
		SinkMs:          ms(m.lastSink),
		LatenessMs:      ms(m.lastLateness),
		MaxLatenessMs:   ms(m.maxLateness),
		AvgLatenessMs:   avg,
		FPS:             fps,
		Uptime:          uptime,
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
