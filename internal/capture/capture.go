// Package capture implements C1: opening the input device, selecting
// the target channel, framing to exactly 1,280-sample chunks at 16kHz,
// and forwarding frames over a bounded queue.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/audit"
	"github.com/loqa-edge/wakegate/internal/gatewayerr"
)

// Config mirrors config.CaptureConfig without importing it, keeping
// this package free of a config-package dependency.
type Config struct {
	DeviceName    string
	SampleRate    int
	Channels      int
	TargetChannel int
	QueueDepth    int
}

// Capture owns the input device and emits fixed-size audio.Frame
// values on Frames(). Exactly one frame per 1,280 accumulated target-
// channel samples; no partial frames are ever sent.
type Capture struct {
	cfg     Config
	backend Backend
	log     *slog.Logger

	frames chan audio.Frame

	resampler *Resampler
	accum     []int16

	dropped  atomic.Int64
	recorder *audit.Recorder
}

// New constructs a Capture bound to backend. Call Start to open the
// device and begin producing frames.
func New(cfg Config, backend Backend, log *slog.Logger) *Capture {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	return &Capture{
		cfg:     cfg,
		backend: backend,
		log:     log,
		frames:  make(chan audio.Frame, cfg.QueueDepth),
	}
}

// SetRecorder attaches an audit recorder for queue-depth reporting. Nil
// is safe and disables reporting.
func (c *Capture) SetRecorder(r *audit.Recorder) { c.recorder = r }

// Frames returns the channel of completed 80ms frames at 16kHz on the
// target channel. Closed when the capture device stops.
func (c *Capture) Frames() <-chan audio.Frame { return c.frames }

// DroppedCount returns the number of frames dropped so far because the
// downstream queue was full (OverflowDropped).
func (c *Capture) DroppedCount() int64 { return c.dropped.Load() }

// Start opens the device at the configured sample rate (resampling to
// 16kHz whenever that rate is not 16kHz; it does not probe whether the
// device could open at 16kHz) and begins delivering frames until ctx
// is cancelled or Stop is called.
func (c *Capture) Start(ctx context.Context) error {
	openRate := c.cfg.SampleRate
	if openRate != audio.SampleRate {
		c.resampler = NewResampler(openRate, audio.SampleRate)
	}

	err := c.backend.Open(ctx, openRate, c.cfg.Channels, c.onSamples)
	if err != nil {
		return gatewayerr.New(gatewayerr.DeviceOpenFailed, err)
	}
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Stop closes the capture device and the Frames channel.
func (c *Capture) Stop() error {
	err := c.backend.Close()
	close(c.frames)
	return err
}

// onSamples runs on the driver's callback goroutine: demultiplex the
// target channel, resample if needed, accumulate to exactly
// audio.FrameSamples, and enqueue. Never blocks.
func (c *Capture) onSamples(interleaved []int16) {
	channels := c.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	target := c.cfg.TargetChannel
	n := len(interleaved) / channels
	mono := make([]int16, 0, n)
	for i := 0; i < n; i++ {
		idx := i*channels + target
		if idx < len(interleaved) {
			mono = append(mono, interleaved[idx])
		}
	}

	if c.resampler != nil {
		mono = c.resampler.Process(mono)
	}

	c.accum = append(c.accum, mono...)
	for len(c.accum) >= audio.FrameSamples {
		frame := make(audio.Frame, audio.FrameSamples)
		copy(frame, c.accum[:audio.FrameSamples])
		c.accum = c.accum[audio.FrameSamples:]

		select {
		case c.frames <- frame:
		default:
			c.dropped.Add(1)
			if c.log != nil {
				c.log.Debug("capture: frame dropped, downstream queue full",
					"dropped_total", c.dropped.Load())
			}
			c.recorder.QueueDepth("capture.frames", len(c.frames))
		}
	}
}
