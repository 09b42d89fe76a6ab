// Package framewriter saves captured frames as PNG files on a bounded pool
// of goroutines, so disk I/O never stalls the capture loop.
package framewriter

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("framewriter")

// Frame is a private copy of one BGRA frame.
type Frame struct {
	Number uint64
	Width  int
	Height int
	Pitch  int
	BGRA   []byte
}

type job struct {
	path  string
	frame Frame
}

// Stats counts what happened to submitted frames.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Writer encodes frames on maxWorkers goroutines from a fixed-size queue.
// A full queue drops the frame instead of blocking.
type Writer struct {
	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func New(maxWorkers, queueSize int) *Writer {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	w := &Writer{queue: make(chan job, queueSize)}
	w.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go w.worker()
	}
	log.Debug("Frame writer started", "workers", maxWorkers, "queueSize", queueSize)
	return w
}

// Submit queues f for writing to path. It returns false when the writer is
// closed or the queue is full.
func (w *Writer) Submit(path string, f Frame) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- job{path: path, frame: f}:
		return true
	default:
		w.dropped.Add(1)
		log.Warn("Frame writer queue full, frame dropped", "frame", f.Number)
		return false
	}
}

// Close stops accepting frames and waits for queued ones, up to ctx's
// deadline. Safe to call more than once.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn("Frame writer drain timed out")
		return ctx.Err()
	}
}

func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for j := range w.queue {
		w.run(j)
	}
}

func (w *Writer) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			log.Error("Frame write panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := WriteFile(j.path, j.frame); err != nil {
		w.failed.Add(1)
		log.Error("Couldn't write frame", "path", j.path, "frame", j.frame.Number, "error", err.Error())
		return
	}
	w.written.Add(1)
	log.Debug("Frame written", "path", j.path, "frame", j.frame.Number)
}

// WriteFile encodes f as PNG at path.
func WriteFile(path string, f Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(out, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Encode writes f as an opaque RGBA PNG.
func Encode(w io.Writer, f Frame) error {
	if f.Width <= 0 || f.Height <= 0 || f.Pitch < f.Width*4 {
		return fmt.Errorf("invalid frame geometry %dx%d pitch %d", f.Width, f.Height, f.Pitch)
	}
	if len(f.BGRA) < f.Pitch*(f.Height-1)+f.Width*4 {
		return fmt.Errorf("frame has %d bytes, too short for %dx%d pitch %d", len(f.BGRA), f.Width, f.Height, f.Pitch)
	}
	return png.Encode(w, toRGBA(f))
}

func toRGBA(f Frame) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.BGRA[y*f.Pitch : y*f.Pitch+f.Width*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+f.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x]
			dst[x+3] = 0xff
		}
	}
	return out
}
