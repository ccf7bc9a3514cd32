// Package sink implements C8: the playback audio engine. A dedicated
// audio thread owns a bounded command channel and a lock-free sample
// ring consumed by the hardware callback; the stream-switch protocol
// lets a new stream id pre-empt a stale one at buffer granularity,
// with no device reinit and no audible click.
package sink

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/capture"
	"github.com/loqa-edge/wakegate/internal/gatewayerr"
)

// Config tunes the sink. DeviceSampleRate is the hardware's native
// rate; audio.SampleRate (16kHz) is always the wire/pipeline rate, so
// the audio thread resamples on write when they differ.
type Config struct {
	DeviceName       string
	DeviceSampleRate int
	Channels         int
	CommandQueueSize int
	RingMillis       int // ring capacity in milliseconds of device audio
	DrainThresholdMS int // "near-empty" threshold for completion, default 20ms
}

type commandKind int

const (
	cmdWriteChunk commandKind = iota
	cmdAbort
)

type command struct {
	kind     commandKind
	streamID uint64
	data     audio.Frame // raw s16 mono samples at 16kHz, any length
	done     chan struct{}
}

// waiter is a pending EndStream completion. It's resolved either by
// the drain-check loop (normal completion) or by Abort/stream-switch
// (early release).
type waiter struct {
	streamID uint64
	done     chan struct{}
}

// Sink owns the playback device and the single audio thread that
// feeds it. WriteChunk/EndStream/Abort are safe to call from any
// goroutine; all ring/stream-id mutation happens on the audio thread.
type Sink struct {
	cfg     Config
	backend Backend
	log     *slog.Logger

	cmds    chan command
	waiters chan waiter
	ring    *sampleRing

	resampler *capture.Resampler

	currentStreamID atomic.Uint64
	pending         []waiter // owned by the audio thread
}

// New constructs a Sink bound to backend. Call Start before accepting
// the first producer connection (pre-initialization avoids the
// device's open latency truncating the start of the first utterance).
func New(cfg Config, backend Backend, log *slog.Logger) *Sink {
	if cfg.CommandQueueSize <= 0 {
		cfg.CommandQueueSize = 20
	}
	if cfg.RingMillis <= 0 {
		cfg.RingMillis = 500
	}
	if cfg.DrainThresholdMS <= 0 {
		cfg.DrainThresholdMS = 20
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	ringCap := cfg.DeviceSampleRate * cfg.Channels * cfg.RingMillis / 1000
	return &Sink{
		cfg:     cfg,
		backend: backend,
		log:     log,
		cmds:    make(chan command, cfg.CommandQueueSize),
		waiters: make(chan waiter, cfg.CommandQueueSize),
		ring:    newSampleRing(ringCap),
	}
}

// Start opens the hardware device and launches the audio thread.
func (s *Sink) Start(ctx context.Context) error {
	if s.cfg.DeviceSampleRate != audio.SampleRate {
		s.resampler = capture.NewResampler(audio.SampleRate, s.cfg.DeviceSampleRate)
	}
	if err := s.backend.Open(ctx, s.cfg.DeviceSampleRate, s.cfg.Channels, s.onNeedSamples); err != nil {
		return gatewayerr.New(gatewayerr.DeviceOpenFailed, err)
	}
	go s.runAudioThread(ctx)
	return nil
}

// Stop closes the hardware device.
func (s *Sink) Stop() error {
	return s.backend.Close()
}

// WriteChunk enqueues PCM samples for streamID. Non-blocking: a full
// command queue drops the chunk, matching the requirement that the
// producer's read loop never blocks on the sink.
func (s *Sink) WriteChunk(data audio.Frame, streamID uint64) {
	select {
	case s.cmds <- command{kind: cmdWriteChunk, streamID: streamID, data: data}:
	default:
		if s.log != nil {
			s.log.Warn("sink: command queue full, dropping chunk", "stream_id", streamID)
		}
	}
}

// EndStream requests non-blocking completion monitoring for streamID.
// The returned channel closes once the audio thread observes: the
// command queue empty, the sample ring near-empty, and the current
// stream id matching streamID. If streamID is not the current stream
// when the audio thread takes the request, or the request queue is
// full, the channel is closed right away.
func (s *Sink) EndStream(streamID uint64) <-chan struct{} {
	done := make(chan struct{})
	select {
	case s.waiters <- waiter{streamID: streamID, done: done}:
	default:
		close(done)
	}
	return done
}

// Abort drains pending chunks, clears the ring, and releases any
// outstanding completion waiters immediately.
func (s *Sink) Abort() {
	done := make(chan struct{})
	// Unlike WriteChunk, a full command queue blocks this send instead
	// of dropping the abort; the audio thread keeps consuming commands.
	s.cmds <- command{kind: cmdAbort, done: done}
	<-done
}

// CurrentStreamID reports the stream the audio thread is currently
// playing. Safe to call from any goroutine.
func (s *Sink) CurrentStreamID() uint64 { return s.currentStreamID.Load() }

// RingOccupancy reports the sample ring's current fill level, for the
// telemetry gauge. Safe to call from any goroutine; the ring's
// head/tail cursors are already atomic.
func (s *Sink) RingOccupancy() int { return s.ring.Len() }

func (s *Sink) runAudioThread(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case w := <-s.waiters:
			if w.streamID != s.currentStreamID.Load() {
				close(w.done)
				continue
			}
			s.pending = append(s.pending, w)
		case <-ticker.C:
			s.checkDrain()
		}
	}
}

func (s *Sink) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdWriteChunk:
		s.handleWriteChunk(cmd)
	case cmdAbort:
		s.handleAbort(cmd)
	}
}

func (s *Sink) handleWriteChunk(cmd command) {
	if cmd.streamID != s.currentStreamID.Load() {
		s.switchStream(cmd.streamID)
	}
	s.writeResampled(cmd.data)
	s.checkDrain()
}

func (s *Sink) writeResampled(data audio.Frame) {
	samples := []int16(data)
	if s.resampler != nil {
		samples = s.resampler.Process(samples)
	}
	s.ring.Write(samples)
}

// switchStream implements the stream-switch protocol: drop any
// already-queued chunks for streams other than newID, clear the
// ring, and adopt newID. Waiters pending for the old stream are
// released, since that stream will never drain further (it no longer
// owns the device).
func (s *Sink) switchStream(newID uint64) {
	drained := 0
	var survivors []audio.Frame
	for {
		select {
		case next := <-s.cmds:
			if next.kind == cmdWriteChunk {
				if next.streamID == newID {
					survivors = append(survivors, next.data)
				} else {
					drained++
				}
				continue
			}
			// An Abort queued mid-switch still applies.
			s.handleAbort(next)
			return
		default:
			s.ring.Clear()
			s.currentStreamID.Store(newID)
			for _, data := range survivors {
				s.writeResampled(data)
			}
			s.releasePending(func(w waiter) bool { return w.streamID != newID })
			if s.log != nil && drained > 0 {
				s.log.Debug("sink: dropped stale chunks on stream switch", "count", drained, "new_stream_id", newID)
			}
			return
		}
	}
}

func (s *Sink) handleAbort(cmd command) {
	drained := 0
	for {
		select {
		case next := <-s.cmds:
			drained++
			_ = next
		default:
			s.ring.Clear()
			s.releasePending(func(waiter) bool { return true })
			if s.log != nil {
				s.log.Debug("sink: abort drained pending commands", "count", drained)
			}
			if cmd.done != nil {
				close(cmd.done)
			}
			return
		}
	}
}

// checkDrain resolves any pending waiter whose stream has drained:
// command queue empty, ring near-empty, current stream id matches.
func (s *Sink) checkDrain() {
	if len(s.pending) == 0 {
		return
	}
	if len(s.cmds) != 0 || s.ring.Len() > s.drainThresholdSamples() {
		return
	}
	current := s.currentStreamID.Load()
	s.releasePending(func(w waiter) bool { return w.streamID == current })
}

// releasePending closes and removes every waiter matching match,
// leaving the rest pending.
func (s *Sink) releasePending(match func(waiter) bool) {
	kept := s.pending[:0]
	for _, w := range s.pending {
		if match(w) {
			close(w.done)
		} else {
			kept = append(kept, w)
		}
	}
	s.pending = kept
}

func (s *Sink) drainThresholdSamples() int {
	return s.cfg.DeviceSampleRate * s.cfg.Channels * s.cfg.DrainThresholdMS / 1000
}

// onNeedSamples runs on the driver's own callback thread; it only
// ever reads from the lock-free ring, never touches the command
// channel or currentStreamID.
func (s *Sink) onNeedSamples(out []int16) {
	s.ring.Read(out)
}
