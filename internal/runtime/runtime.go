// Package runtime implements C11, the process supervisor: it
// constructs every component in dependency order, wires the detection
// and playback data paths between them, serves the HTTP telemetry
// endpoints, and drives graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqa-edge/wakegate/internal/audit"
	"github.com/loqa-edge/wakegate/internal/bargein"
	"github.com/loqa-edge/wakegate/internal/bus"
	"github.com/loqa-edge/wakegate/internal/capture"
	"github.com/loqa-edge/wakegate/internal/config"
	"github.com/loqa-edge/wakegate/internal/consumer"
	"github.com/loqa-edge/wakegate/internal/eventstore"
	"github.com/loqa-edge/wakegate/internal/mediaplayer"
	"github.com/loqa-edge/wakegate/internal/natsserver"
	"github.com/loqa-edge/wakegate/internal/producer"
	"github.com/loqa-edge/wakegate/internal/sink"
	"github.com/loqa-edge/wakegate/internal/vad"
	"github.com/loqa-edge/wakegate/internal/wakeword/model"
	"github.com/loqa-edge/wakegate/internal/wakeword/pipeline"
	"github.com/loqa-edge/wakegate/internal/wakewordplugin"
)

// Runtime owns every long-lived component and the goroutines that
// connect them.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	metrics *Metrics

	natsEmbedded *natsserver.EmbeddedServer
	busClient    *bus.Client
	eventStore   *eventstore.Store
	recorder     *audit.Recorder

	capture    *capture.Capture
	pipeline   *pipeline.Pipeline
	plugin     *wakewordplugin.Plugin
	vadGate    *vad.Gate
	sink       *sink.Sink
	bargeinBus *bargein.Bus
	mediaCtrl  *mediaplayer.Controller
	consumer   *consumer.Server
	producer   *producer.Server

	// captureSessionID groups this process's detection events under a
	// single audit session row; the microphone is one shared capture
	// stream, not per-consumer, so there is no client id to key off.
	captureSessionID string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger, captureSessionID: uuid.NewString()}
}

// pluginScorer adapts wakewordplugin.Plugin's context-taking Score to
// pipeline.Scorer's plain signature; the supervisor owns the context
// lifetime, not the pipeline.
type pluginScorer struct {
	ctx context.Context
	p   *wakewordplugin.Plugin
}

func (s pluginScorer) Score(confidences []float32) ([]float32, error) {
	return s.p.Score(s.ctx, confidences)
}

// Start builds every component in dependency order and blocks until
// ctx is cancelled, then drives graceful shutdown.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = newMetrics(r.logger)

	if err := r.startAuditBus(ctx); err != nil {
		return fmt.Errorf("failed to start audit bus: %w", err)
	}

	// Sink is constructed and started before anything else touches
	// audio hardware: opening the playback device has 50-200ms of
	// latency that would otherwise truncate the first utterance if it
	// happened lazily on the first producer connection.
	if err := r.startSink(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	if err := r.startDetectionPipeline(ctx); err != nil {
		return fmt.Errorf("failed to start detection pipeline: %w", err)
	}

	r.bargeinBus = bargein.New(4)
	r.mediaCtrl = mediaplayer.New(mediaplayer.Config{
		PlayerPrefix:    r.cfg.MediaPlayer.PlayerPrefix,
		Timeout:         time.Duration(r.cfg.MediaPlayer.TimeoutMS) * time.Millisecond,
		CommandTemplate: r.cfg.MediaPlayer.CommandTmpl,
	}, r.logger.With(slog.String("component", "mediaplayer")))

	if err := r.startCapture(ctx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	r.consumer = consumer.New(consumer.Config{
		Addr:            r.cfg.Consumer.Addr,
		ClientQueueSize: r.cfg.Consumer.ClientQueueSize,
		ClientCacheSize: r.cfg.Consumer.ClientCacheSize,
	}, r.logger.With(slog.String("component", "consumer")))
	r.consumer.SetRecorder(r.recorder)

	r.producer = producer.New(producer.Config{Addr: r.cfg.Producer.Addr}, r.sink, r.bargeinBus,
		r.logger.With(slog.String("component", "producer")))
	r.producer.SetRecorder(r.recorder)

	r.metrics.registerGauges(r.logger,
		func() int64 { return int64(r.consumer.ClientCount()) },
		func() int64 { return int64(r.sink.RingOccupancy()) },
		r.capture.DroppedCount,
		r.pipeline.EmbeddingsProduced,
		r.pipeline.ClassificationsRun,
		r.producer.TransitionCount,
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.consumer.Serve(ctx); err != nil {
			r.logger.Error("consumer server exited", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.producer.Serve(ctx); err != nil {
			r.logger.Error("producer server exited", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runDetectionLoop(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("telemetry_addr", addr),
		slog.String("consumer_addr", r.cfg.Consumer.Addr), slog.String("producer_addr", r.cfg.Producer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	return r.shutdown()
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.capture != nil {
		if err := r.capture.Stop(); err != nil {
			r.logger.Warn("capture stop error", slog.String("error", err.Error()))
		}
	}
	if r.plugin != nil {
		if err := r.plugin.Close(shutdownCtx); err != nil {
			r.logger.Warn("plugin close error", slog.String("error", err.Error()))
		}
	}
	if r.sink != nil {
		if err := r.sink.Stop(); err != nil {
			r.logger.Warn("sink stop error", slog.String("error", err.Error()))
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}

	r.wg.Wait()

	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	if r.natsEmbedded != nil {
		r.natsEmbedded.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// startAuditBus brings up C13's internal telemetry/audit side channel:
// the embedded NATS server (or a connection to an external one), the
// SQLite event store, the publish-side Recorder, and the subscriber
// goroutine that persists every published event.
func (r *Runtime) startAuditBus(ctx context.Context) error {
	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return err
		}
		r.natsEmbedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.busClient = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return err
	}
	r.eventStore = store

	r.recorder = audit.New(busClient.Conn(), r.logger.With(slog.String("component", "audit")))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := audit.Subscribe(ctx, busClient.Conn(), store, r.logger.With(slog.String("component", "audit-subscriber"))); err != nil {
			r.logger.Warn("audit subscriber exited", slog.String("error", err.Error()))
		}
	}()

	return nil
}

func (r *Runtime) startSink(ctx context.Context) error {
	backend := &sink.MalgoBackend{DeviceName: r.cfg.Sink.OutputDevice}
	s := sink.New(sink.Config{
		DeviceName:       r.cfg.Sink.OutputDevice,
		DeviceSampleRate: r.cfg.Sink.SampleRate,
		Channels:         1,
		CommandQueueSize: r.cfg.Sink.CommandQueueSize,
		RingMillis:       r.cfg.Sink.RingCapacityMS,
	}, backend, r.logger.With(slog.String("component", "sink")))
	if err := s.Start(ctx); err != nil {
		return err
	}
	r.sink = s
	return nil
}

func (r *Runtime) startDetectionPipeline(ctx context.Context) error {
	melModel, err := model.LoadTFLite(r.cfg.Wakeword.MelspecModelPath, 0)
	if err != nil {
		return err
	}
	embeddingModel, err := model.LoadTFLite(r.cfg.Wakeword.EmbeddingModelPath, 0)
	if err != nil {
		return err
	}

	var keywords []pipeline.KeywordModel
	for _, path := range r.cfg.Wakeword.KeywordModelPaths {
		km, err := model.LoadTFLite(path, 0)
		if err != nil {
			return fmt.Errorf("load keyword model %q: %w", path, err)
		}
		keywords = append(keywords, pipeline.KeywordModel{
			Name:      keywordModelName(path),
			Model:     km,
			Threshold: float32(r.cfg.Wakeword.Threshold),
		})
	}

	p := pipeline.New(pipeline.Config{
		DebounceInterval: time.Duration(r.cfg.Wakeword.DebounceMS) * time.Millisecond,
	}, melModel, embeddingModel, keywords)

	if r.cfg.Plugin.ModulePath != "" {
		plug, err := wakewordplugin.Load(ctx, r.cfg.Plugin.ModulePath, wakewordplugin.Host{
			Logger: r.logger.With(slog.String("component", "wakewordplugin")),
		})
		if err != nil {
			return fmt.Errorf("load wakeword plugin: %w", err)
		}
		r.plugin = plug
		p.SetScorer(pluginScorer{ctx: ctx, p: plug})
	}

	r.pipeline = p
	r.vadGate = vad.New(vad.Config{Enabled: r.cfg.VAD.Enabled, Multiplier: r.cfg.VAD.Multiplier})
	return nil
}

func (r *Runtime) startCapture(ctx context.Context) error {
	backend := &capture.MalgoBackend{DeviceName: r.cfg.Capture.InputDevice}
	c := capture.New(capture.Config{
		DeviceName:    r.cfg.Capture.InputDevice,
		SampleRate:    r.cfg.Capture.SampleRate,
		Channels:      r.cfg.Capture.Channels,
		TargetChannel: r.cfg.Capture.TargetChannel,
		QueueDepth:    r.cfg.Capture.QueueDepth,
	}, backend, r.logger.With(slog.String("component", "capture")))
	c.SetRecorder(r.recorder)
	if err := c.Start(ctx); err != nil {
		return err
	}
	r.capture = c
	return nil
}

// runDetectionLoop is the single goroutine driving the real-time path:
// every captured frame is classified for speech, broadcast to
// consumers, and fed through the wake-word pipeline; a debounced
// detection fans out to the consumer broadcast, the barge-in bus, the
// media-player ducking helper, and the audit recorder.
func (r *Runtime) runDetectionLoop(ctx context.Context) {
	for frame := range r.capture.Frames() {
		r.metrics.FramesCaptured.Add(ctx, 1)

		speech := r.vadGate.Decide(frame)
		r.consumer.BroadcastAudio(frame, speech)
		r.metrics.ConsumerBroadcasts.Add(ctx, 1)

		ev, detected := r.pipeline.Feed(frame)
		if !detected {
			continue
		}
		r.metrics.DetectionsEmitted.Add(ctx, 1)
		r.recorder.Detection(r.captureSessionID, ev.ModelName, ev.Confidence, ev.Timestamp)
		r.bargeinBus.Notify()

		go func(ev pipeline.DetectionEvent) {
			paused := r.mediaCtrl.PauseActive(ctx)
			r.consumer.BroadcastWakeword(consumer.WakeEvent{
				ModelName:        ev.ModelName,
				SpotifyWasPaused: paused,
				TimestampMS:      uint64(ev.Timestamp.UnixMilli()),
			})
		}(ev)
	}
}

// keywordModelName derives a human-readable model name from a .tflite
// artifact path for use in DetectionEvent/WakewordDetected payloads.
func keywordModelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
