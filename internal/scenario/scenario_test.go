// Package scenario exercises the gateway's black-box behaviors end to
// end: real capture/pipeline/consumer wiring driven by synthetic PCM
// from internal/wavfixture, and a real producer/sink pairing driven
// over an actual TCP connection rather than the per-package unit
// tests' net.Pipe-and-handleConn shortcut.
package scenario

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/bargein"
	"github.com/loqa-edge/wakegate/internal/capture"
	"github.com/loqa-edge/wakegate/internal/consumer"
	"github.com/loqa-edge/wakegate/internal/producer"
	"github.com/loqa-edge/wakegate/internal/sink"
	"github.com/loqa-edge/wakegate/internal/wakeword/model"
	"github.com/loqa-edge/wakegate/internal/wakeword/pipeline"
	"github.com/loqa-edge/wakegate/internal/wavfixture"
	"github.com/loqa-edge/wakegate/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCaptureBackend hands the test direct access to Capture's
// onSamples callback, standing in for a real malgo input device.
type fakeCaptureBackend struct {
	onSamples func([]int16)
}

func (f *fakeCaptureBackend) Open(_ context.Context, _, _ int, onSamples func([]int16)) error {
	f.onSamples = onSamples
	return nil
}

func (f *fakeCaptureBackend) Close() error { return nil }

// fakeSinkBackend stands in for a real malgo output device. Chunks
// written below the sink's drain threshold complete without anything
// ever pulling from onNeedSamples, exactly as the sink package's own
// tests rely on.
type fakeSinkBackend struct {
	onNeedSamples func([]int16)
}

func (f *fakeSinkBackend) Open(_ context.Context, _, _ int, onNeedSamples func([]int16)) error {
	f.onNeedSamples = onNeedSamples
	return nil
}

func (f *fakeSinkBackend) Close() error { return nil }

func lowConfidenceModel() *model.FakeModel {
	return &model.FakeModel{Fn: func([]float32) []float32 { return []float32{0.01} }}
}

func highConfidenceModel() *model.FakeModel {
	return &model.FakeModel{Fn: func([]float32) []float32 { return []float32{0.99} }}
}

func newDetectionPipeline(keyword model.Model, debounce time.Duration) *pipeline.Pipeline {
	mel := &model.FakeModel{OutputSize: 160}
	emb := &model.FakeModel{OutputSize: 96}
	return pipeline.New(pipeline.Config{DebounceInterval: debounce}, mel, emb, []pipeline.KeywordModel{
		{Name: "hey_test", Model: keyword, Threshold: 0.5},
	})
}

// dialConsumer starts s.Serve in the background, waits for it to
// bind, connects, reads Connected, and subscribes.
func dialConsumer(t *testing.T, s *consumer.Server, ctx context.Context) net.Conn {
	t.Helper()
	go s.Serve(ctx)
	waitForAddr(t, func() string { return s.Addr() })

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial consumer: %v", err)
	}
	if _, err := wire.ReadFrame(conn); err != nil {
		t.Fatalf("read Connected: %v", err)
	}
	subPayload, err := wire.EncodeConsumerMessage(wire.Subscribe{ID: "scenario-client"})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := wire.WriteFrame(conn, subPayload); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return conn
}

// dialProducer mirrors dialConsumer for the producer endpoint, which
// has no subscribe handshake beyond the initial Connected.
func dialProducer(t *testing.T, s *producer.Server, ctx context.Context) net.Conn {
	t.Helper()
	go s.Serve(ctx)
	waitForAddr(t, func() string { return s.Addr() })

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial producer: %v", err)
	}
	if _, err := wire.ReadFrame(conn); err != nil {
		t.Fatalf("read Connected: %v", err)
	}
	return conn
}

func waitForAddr(t *testing.T, addr func() string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for server to bind")
		}
		time.Sleep(time.Millisecond)
	}
}

// feedCapture pushes pcm through a fakeCaptureBackend-backed Capture
// and drains exactly wantFrames frames, running each through pipe and
// broadcasting it on cons exactly as the runtime's detection loop does.
func feedCapture(t *testing.T, pcm []int16, wantFrames int, pipe *pipeline.Pipeline, cons *consumer.Server) {
	t.Helper()
	fb := &fakeCaptureBackend{}
	c := capture.New(capture.Config{SampleRate: audio.SampleRate, Channels: 1, QueueDepth: wantFrames + 1}, fb, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	fb.onSamples(pcm)

	for i := 0; i < wantFrames; i++ {
		frame := <-c.Frames()
		ev, detected := pipe.Feed(frame)
		cons.BroadcastAudio(frame, false)
		if detected {
			cons.BroadcastWakeword(consumer.WakeEvent{
				ModelName:   ev.ModelName,
				TimestampMS: uint64(ev.Timestamp.UnixMilli()),
			})
		}
	}
}

// readAudioAndWakewordCounts drains exactly wantAudio Audio messages
// from conn and reports how many WakewordDetected messages arrived
// interleaved with them. It reports failure via the returned error
// rather than calling t.Fatalf directly, since it also runs on a
// goroutine other than the test's own inside feedAndCollect.
func readAudioAndWakewordCounts(conn net.Conn, wantAudio int) (audioCount, wakewordCount int, err error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for audioCount < wantAudio {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return audioCount, wakewordCount, fmt.Errorf("read frame: %w", err)
		}
		msg, err := wire.DecodeConsumerMessage(payload)
		if err != nil {
			return audioCount, wakewordCount, fmt.Errorf("decode frame: %w", err)
		}
		switch msg.(type) {
		case wire.Audio:
			audioCount++
		case wire.WakewordDetected:
			wakewordCount++
		default:
			return audioCount, wakewordCount, fmt.Errorf("unexpected message type %T", msg)
		}
	}
	return audioCount, wakewordCount, nil
}

// feedAndCollect runs the reader concurrently with feedCapture so a
// large run of frames never stalls the server's write loop waiting on
// a client that is still busy producing audio, then returns the
// reader's tallies. t.Fatalf only ever runs on the test's own
// goroutine here, since the reader reports back over a channel.
func feedAndCollect(t *testing.T, conn net.Conn, pcm []int16, wantFrames int, pipe *pipeline.Pipeline, cons *consumer.Server) (audioCount, wakewordCount int) {
	t.Helper()
	type result struct {
		audio, wakeword int
		err             error
	}
	results := make(chan result, 1)
	go func() {
		a, w, err := readAudioAndWakewordCounts(conn, wantFrames)
		results <- result{a, w, err}
	}()

	feedCapture(t, pcm, wantFrames, pipe, cons)

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("reading broadcast frames: %v", r.err)
		}
		return r.audio, r.wakeword
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for reader to drain %d frames", wantFrames)
		return 0, 0
	}
}

// Quiet room: 10s of silence broadcasts 125 frames and never trips
// the classifier.
func TestQuietRoomBroadcastsFramesWithNoDetections(t *testing.T) {
	s := consumer.New(consumer.Config{Addr: "127.0.0.1:0", ClientQueueSize: 256}, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := dialConsumer(t, s, ctx)
	defer conn.Close()

	pipe := newDetectionPipeline(lowConfidenceModel(), time.Second)
	pcm := wavfixture.Silence(10000)
	wantFrames := len(pcm) / audio.FrameSamples

	gotAudio, gotWakeword := feedAndCollect(t, conn, pcm, wantFrames, pipe, s)
	if gotAudio != 125 {
		t.Fatalf("expected 125 audio frames for 10s of silence, got %d", gotAudio)
	}
	if gotWakeword != 0 {
		t.Fatalf("expected zero wakeword detections on silence, got %d", gotWakeword)
	}
}

// A 0.95s wake-word sample padded to 2s (25 frames) trips the
// classifier exactly once.
func TestWakeWordSampleEmitsExactlyOneDetection(t *testing.T) {
	s := consumer.New(consumer.Config{Addr: "127.0.0.1:0", ClientQueueSize: 256}, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := dialConsumer(t, s, ctx)
	defer conn.Close()

	pipe := newDetectionPipeline(highConfidenceModel(), time.Minute)
	pcm := wavfixture.PadTo(wavfixture.WakeWordPattern(950), 2000)
	wantFrames := len(pcm) / audio.FrameSamples

	gotAudio, gotWakeword := feedAndCollect(t, conn, pcm, wantFrames, pipe, s)
	if gotAudio != 25 {
		t.Fatalf("expected 25 audio frames for a 2s sample, got %d", gotAudio)
	}
	if gotWakeword != 1 {
		t.Fatalf("expected exactly one wakeword detection, got %d", gotWakeword)
	}
}

// Two wake-word occurrences close enough together that every
// classification after the first falls inside the debounce interval
// collapse to a single WakewordDetected broadcast.
func TestRepeatedWakeWordsWithinDebounceEmitOnlyOnce(t *testing.T) {
	s := consumer.New(consumer.Config{Addr: "127.0.0.1:0", ClientQueueSize: 256}, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := dialConsumer(t, s, ctx)
	defer conn.Close()

	pipe := newDetectionPipeline(highConfidenceModel(), time.Hour)
	pcm := wavfixture.Concat(
		wavfixture.WakeWordPattern(950),
		wavfixture.Silence(300),
		wavfixture.WakeWordPattern(950),
	)
	wantFrames := len(pcm) / audio.FrameSamples

	_, gotWakeword := feedAndCollect(t, conn, pcm, wantFrames, pipe, s)
	if gotWakeword != 1 {
		t.Fatalf("expected exactly one detection despite two occurrences within the debounce window, got %d", gotWakeword)
	}
}

// newRealSink wires a real Sink to a fake backend and starts its
// audio thread, returning the Sink and a cancel func.
func newRealSink(t *testing.T, ctx context.Context) *sink.Sink {
	t.Helper()
	sk := sink.New(sink.Config{DeviceSampleRate: audio.SampleRate, Channels: 1}, &fakeSinkBackend{}, newTestLogger())
	if err := sk.Start(ctx); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	return sk
}

// smallChunk returns durationMS of silent PCM small enough to stay
// under the sink's default drain threshold (20ms of 16kHz audio, 320
// samples), so a single chunk "drains" without a real device ever
// pulling from the ring.
func smallChunk(durationMS int) string {
	return base64.StdEncoding.EncodeToString(wavfixture.PCMBytes(wavfixture.Silence(durationMS)))
}

func readProducerMessage(t *testing.T, conn net.Conn) wire.ProducerMessage {
	t.Helper()
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := wire.DecodeProducerMessage(payload)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func expectNoMessageWithin(t *testing.T, conn net.Conn, d time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	_, err := wire.ReadFrame(conn)
	if err == nil {
		t.Fatalf("expected no message within %s, but one arrived", d)
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected a read timeout, got: %v", err)
	}
}

// Play then EndOfStream on a chunk small enough to already be under
// the drain threshold produces exactly one PlaybackComplete, wired
// through a real Sink rather than the per-package unit tests' mock.
func TestPlayThenEndOfStreamCompletesPlaybackOverRealSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sk := newRealSink(t, ctx)
	bus := bargein.New(4)
	s := producer.New(producer.Config{Addr: "127.0.0.1:0"}, sk, bus, newTestLogger())
	conn := dialProducer(t, s, ctx)
	defer conn.Close()

	playPayload, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 100, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, playPayload); err != nil {
		t.Fatalf("write Play: %v", err)
	}
	eosPayload, _ := wire.EncodeProducerMessage(wire.EndOfStream{StreamID: 100})
	if err := wire.WriteFrame(conn, eosPayload); err != nil {
		t.Fatalf("write EndOfStream: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg := readProducerMessage(t, conn)
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete, got %T", msg)
	}
}

// Playing a new stream id without ending the prior one switches the
// sink's output within the protocol's next chunk and produces no
// PlaybackComplete until the new stream is explicitly ended.
func TestStreamSwitchWithoutEndOfStreamDefersCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sk := newRealSink(t, ctx)
	bus := bargein.New(4)
	s := producer.New(producer.Config{Addr: "127.0.0.1:0"}, sk, bus, newTestLogger())
	conn := dialProducer(t, s, ctx)
	defer conn.Close()

	playOld, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 100, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, playOld); err != nil {
		t.Fatalf("write Play(100): %v", err)
	}
	playNew, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 200, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, playNew); err != nil {
		t.Fatalf("write Play(200): %v", err)
	}

	expectNoMessageWithin(t, conn, 150*time.Millisecond)

	waitForStreamID(t, sk, 200)

	eos, _ := wire.EncodeProducerMessage(wire.EndOfStream{StreamID: 200})
	if err := wire.WriteFrame(conn, eos); err != nil {
		t.Fatalf("write EndOfStream(200): %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg := readProducerMessage(t, conn)
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete for stream 200, got %T", msg)
	}
}

func waitForStreamID(t *testing.T, sk *sink.Sink, want uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for sk.CurrentStreamID() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for sink to adopt stream %d, currently %d", want, sk.CurrentStreamID())
		}
		time.Sleep(time.Millisecond)
	}
}

// A barge-in signal during playback stops the current stream and
// emits PlaybackComplete without waiting for EndOfStream; a stale
// Play for the interrupted stream is then dropped silently while a
// new stream id is accepted.
func TestBargeInStopsPlaybackAndDropsStaleStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sk := newRealSink(t, ctx)
	bus := bargein.New(4)
	s := producer.New(producer.Config{Addr: "127.0.0.1:0"}, sk, bus, newTestLogger())
	conn := dialProducer(t, s, ctx)
	defer conn.Close()

	play100, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 100, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, play100); err != nil {
		t.Fatalf("write Play(100): %v", err)
	}
	waitForStreamID(t, sk, 100)

	bus.Notify()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	msg := readProducerMessage(t, conn)
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete from barge-in, got %T", msg)
	}

	staleReplay, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 100, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, staleReplay); err != nil {
		t.Fatalf("write stale Play(100): %v", err)
	}
	expectNoMessageWithin(t, conn, 150*time.Millisecond)

	play200, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 200, Data: smallChunk(5)})
	if err := wire.WriteFrame(conn, play200); err != nil {
		t.Fatalf("write Play(200): %v", err)
	}
	eos200, _ := wire.EncodeProducerMessage(wire.EndOfStream{StreamID: 200})
	if err := wire.WriteFrame(conn, eos200); err != nil {
		t.Fatalf("write EndOfStream(200): %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg = readProducerMessage(t, conn)
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete for stream 200, got %T", msg)
	}
}
