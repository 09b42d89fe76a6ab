package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/config"
	"github.com/breeze-rmm/fbcapture/internal/framewriter"
	"github.com/breeze-rmm/fbcapture/internal/health"
	"github.com/breeze-rmm/fbcapture/internal/logging"
	"github.com/breeze-rmm/fbcapture/internal/procstats"
	"github.com/spf13/cobra"
)

var log = logging.L("fbcap")

var captureFlags struct {
	output     string
	fps        int
	frames     int
	duration   time.Duration
	cursor     bool
	residency  string
	driver     string
	snapshot   string
	dumpDir    string
	dumpEvery  int
	maxReinits int
	convert    bool
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture frames from a display",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyCaptureFlags(cmd, cfg)
		if r := cfg.ValidateTiered(); r.HasFatals() {
			return fmt.Errorf("invalid configuration: %v", r.Fatals[0])
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runCapture(ctx, cfg)
	},
}

func init() {
	f := captureCmd.Flags()
	f.StringVar(&captureFlags.output, "output", "", "output index to capture (default is the whole desktop)")
	f.IntVar(&captureFlags.fps, "fps", 60, "frames per second")
	f.IntVar(&captureFlags.frames, "frames", 0, "stop after this many frames (0 = no limit)")
	f.DurationVar(&captureFlags.duration, "duration", 0, "stop after this long (0 = no limit)")
	f.BoolVar(&captureFlags.cursor, "cursor", false, "composite the cursor into frames")
	f.StringVar(&captureFlags.residency, "residency", "device", "frame residency: device or host")
	f.StringVar(&captureFlags.driver, "driver", "nvfbc", "capture driver: nvfbc or sim")
	f.StringVar(&captureFlags.snapshot, "snapshot", "", "write the first frame to this PNG file")
	f.StringVar(&captureFlags.dumpDir, "dump-dir", "", "directory for periodic PNG frame dumps")
	f.IntVar(&captureFlags.dumpEvery, "dump-every", 0, "dump every Nth frame to --dump-dir (0 = off)")
	f.IntVar(&captureFlags.maxReinits, "max-reinits", 5, "session recreations allowed before giving up")
	f.BoolVar(&captureFlags.convert, "convert", false, "convert every frame to NV12")
}

func applyCaptureFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("output") {
		cfg.Display = captureFlags.output
	}
	if f.Changed("fps") {
		cfg.FPS = captureFlags.fps
	}
	if f.Changed("cursor") {
		cfg.Cursor = captureFlags.cursor
	}
	if f.Changed("residency") {
		cfg.Residency = captureFlags.residency
	}
	if f.Changed("driver") {
		cfg.Driver = captureFlags.driver
	}
	if f.Changed("max-reinits") {
		cfg.MaxReinits = captureFlags.maxReinits
	}
}

// frameSink counts frames, queues PNG snapshots and feeds the encoder
// device. It stops the pump once a limit is reached.
type frameSink struct {
	ctx       context.Context
	compute   gpu.Compute
	limit     int
	deadline  time.Time
	snapshot  string
	dumpDir   string
	dumpEvery int
	writer    *framewriter.Writer
	device    gpu.EncoderDevice

	frames int
	done   bool
	err    error
}

func (s *frameSink) save(path string, img *gpu.Image) {
	f, err := copyFrame(s.compute, img)
	if err != nil {
		log.Error("Couldn't copy frame", "frame", img.FrameNumber, "error", err.Error())
		return
	}
	s.writer.Submit(path, f)
}

func (s *frameSink) sink(img *gpu.Image) *gpu.Image {
	s.frames++
	if s.snapshot != "" {
		s.save(s.snapshot, img)
		s.snapshot = ""
	}
	if s.dumpEvery > 0 && s.frames%s.dumpEvery == 0 {
		s.save(framePath(s.dumpDir, img.FrameNumber), img)
	}
	if s.device != nil {
		if err := s.device.Convert(img); err != nil {
			s.err = fmt.Errorf("convert frame %d: %w", img.FrameNumber, err)
			s.done = true
			return nil
		}
	}

	switch {
	case s.limit > 0 && s.frames >= s.limit,
		!s.deadline.IsZero() && !time.Now().Before(s.deadline),
		s.ctx.Err() != nil:
		s.done = true
		return nil
	}
	return img
}

func runCapture(ctx context.Context, cfg *config.Config) error {
	residency, err := gpu.ParseResidency(cfg.Residency)
	if err != nil {
		return err
	}
	loader, err := newLoader(cfg)
	if err != nil {
		return err
	}
	rt := capture.NewRuntime(loader)
	defer rt.Close()

	metrics := capture.NewMetrics()
	monitor := health.NewMonitor()
	name := cfg.Display
	if name == "" {
		name = "desktop"
	}

	var cursor atomic.Bool
	cursor.Store(cfg.Cursor)

	writer := framewriter.New(2, 8)
	sink := &frameSink{
		ctx:      ctx,
		limit:    captureFlags.frames,
		snapshot: captureFlags.snapshot,
		writer:   writer,
	}
	if captureFlags.dumpDir != "" {
		sink.dumpDir = captureFlags.dumpDir
		sink.dumpEvery = captureFlags.dumpEvery
	}
	if captureFlags.duration > 0 {
		sink.deadline = time.Now().Add(captureFlags.duration)
	}

	start := time.Now()
	reinits := 0
	var status capture.CaptureStatus
	var runErr error
	for {
		status, runErr = captureOnce(rt, cfg, residency, metrics, sink, &cursor)
		if runErr != nil {
			break
		}
		monitor.Observe(name, status)
		if status != capture.StatusReinit || sink.done || ctx.Err() != nil {
			break
		}
		if reinits >= cfg.MaxReinits {
			log.Error("Giving up after repeated session reinits", "reinits", reinits)
			break
		}
		reinits++
		log.Info("Recreating display session", "attempt", reinits)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := writer.Close(drainCtx); err != nil {
		log.Warn("Frame writer did not drain", "error", err.Error())
	}
	if runErr != nil {
		return runErr
	}
	report(metrics, monitor, writer.Stats(), time.Since(start))
	if sink.err != nil {
		return sink.err
	}
	if status == capture.StatusError {
		return fmt.Errorf("capture failed with status %s", status)
	}
	return nil
}

// captureOnce builds a fresh display session and runs the pump until it
// stops. A session is never reused after a reinit.
func captureOnce(rt *capture.Runtime, cfg *config.Config, residency gpu.Residency, metrics *capture.Metrics, sink *frameSink, cursor *atomic.Bool) (capture.CaptureStatus, error) {
	sess, err := capture.NewDisplaySession(rt, cfg.Display, cfg.FPS,
		capture.WithResidency(residency),
		capture.WithGrabTimeout(time.Duration(cfg.GrabTimeoutMs)*time.Millisecond),
		capture.WithDirectAttempts(cfg.DirectAttempts),
		capture.WithMetrics(metrics))
	if err != nil {
		return capture.StatusError, fmt.Errorf("create display session: %w", err)
	}
	defer sess.Close()

	img, err := sess.AllocImage()
	if err != nil {
		return capture.StatusError, err
	}
	defer img.Close()

	sink.compute = rt.Compute()
	sink.device = nil
	if captureFlags.convert {
		dev, err := newEncoderDevice(sess)
		if err != nil {
			return capture.StatusError, err
		}
		defer dev.Close()
		sink.device = dev
	}

	geom := sess.Geometry()
	log.Info("Capturing",
		logging.KeySession, sess.ID(),
		"width", geom.Width,
		"height", geom.Height,
		"fps", cfg.FPS,
		"residency", residency.String())
	return sess.Capture(sink.sink, img, cursor), nil
}

func newEncoderDevice(sess *capture.DisplaySession) (gpu.EncoderDevice, error) {
	dev, err := sess.MakeEncoderDevice()
	if err != nil {
		return nil, fmt.Errorf("create encoder device: %w", err)
	}
	geom := sess.Geometry()
	if err := dev.SetFrame(gpu.NewNV12Frame(geom.Width, geom.Height)); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.SetColorspace(gpu.ColorspaceBT709, gpu.RangeLimited); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

func report(metrics *capture.Metrics, monitor *health.Monitor, written framewriter.Stats, elapsed time.Duration) {
	snap := metrics.Snapshot()
	log.Info("Capture finished",
		logging.KeyDurationMs, elapsed.Milliseconds(),
		"framesCaptured", snap.FramesCaptured,
		"framesDelivered", snap.FramesDelivered,
		"directFrames", snap.DirectFrames,
		"timeouts", snap.Timeouts,
		"reinits", snap.Reinits,
		"errors", snap.Errors,
		"fallbacks", snap.Fallbacks,
		"fps", snap.FPS,
		"avgLatenessMs", snap.AvgLatenessMs,
		"maxLatenessMs", snap.MaxLatenessMs)
	log.Info("Capture health", "status", string(monitor.Overall()))
	if written.Written+written.Dropped+written.Failed > 0 {
		log.Info("Frames saved",
			"written", written.Written,
			"dropped", written.Dropped,
			"failed", written.Failed)
	}

	stats, err := procstats.Sample(os.Getpid())
	if err != nil {
		log.Warn("Couldn't sample process stats", "error", err.Error())
		return
	}
	log.Info("Process stats", stats.LogArgs()...)
}
