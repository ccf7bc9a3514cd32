package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics wraps the OTel instruments the supervisor updates directly
// from the detection/capture/playback hot paths, following the
// registry's meter + observable-gauge-callback shape. Cumulative
// counts that some other component already tracks (dropped frames,
// embeddings, classifications, producer transitions) are read as
// observable counters off that component rather than duplicated here.
type Metrics struct {
	meter metric.Meter

	FramesCaptured     metric.Int64Counter
	DetectionsEmitted  metric.Int64Counter
	ConsumerBroadcasts metric.Int64Counter

	consumerClients     func() int64
	sinkOccupancy       func() int64
	framesDropped       func() int64
	embeddingsProduced  func() int64
	classificationsRun  func() int64
	producerTransitions func() int64
}

func newMetrics(log *slog.Logger) *Metrics {
	m := &Metrics{meter: otel.Meter("github.com/loqa-edge/wakegate/runtime")}

	var err error
	if m.FramesCaptured, err = m.meter.Int64Counter("wakegate.frames.captured"); err != nil {
		log.Warn("metric init failed", slog.String("name", "frames.captured"), slog.String("error", err.Error()))
	}
	if m.DetectionsEmitted, err = m.meter.Int64Counter("wakegate.detections.emitted"); err != nil {
		log.Warn("metric init failed", slog.String("name", "detections.emitted"), slog.String("error", err.Error()))
	}
	if m.ConsumerBroadcasts, err = m.meter.Int64Counter("wakegate.consumer.broadcasts"); err != nil {
		log.Warn("metric init failed", slog.String("name", "consumer.broadcasts"), slog.String("error", err.Error()))
	}
	return m
}

// registerGauges wires observable instruments that sample live
// component state by closure: consumer client count and sink ring
// occupancy as gauges, and the cumulative counters each component
// already tracks itself (dropped frames, embeddings, classifications,
// producer state transitions) as observable counters.
func (m *Metrics) registerGauges(
	log *slog.Logger,
	consumerClients func() int64,
	sinkOccupancy func() int64,
	framesDropped func() int64,
	embeddingsProduced func() int64,
	classificationsRun func() int64,
	producerTransitions func() int64,
) {
	m.consumerClients = consumerClients
	m.sinkOccupancy = sinkOccupancy
	m.framesDropped = framesDropped
	m.embeddingsProduced = embeddingsProduced
	m.classificationsRun = classificationsRun
	m.producerTransitions = producerTransitions

	clientGauge, err := m.meter.Int64ObservableGauge("wakegate.consumer.clients")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "consumer.clients"), slog.String("error", err.Error()))
		return
	}
	ringGauge, err := m.meter.Int64ObservableGauge("wakegate.sink.ring_occupancy")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "sink.ring_occupancy"), slog.String("error", err.Error()))
		return
	}
	droppedCounter, err := m.meter.Int64ObservableCounter("wakegate.frames.dropped")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "frames.dropped"), slog.String("error", err.Error()))
		return
	}
	embeddingsCounter, err := m.meter.Int64ObservableCounter("wakegate.embeddings.produced")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "embeddings.produced"), slog.String("error", err.Error()))
		return
	}
	classificationsCounter, err := m.meter.Int64ObservableCounter("wakegate.classifications.run")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "classifications.run"), slog.String("error", err.Error()))
		return
	}
	transitionsCounter, err := m.meter.Int64ObservableCounter("wakegate.producer.transitions")
	if err != nil {
		log.Warn("metric init failed", slog.String("name", "producer.transitions"), slog.String("error", err.Error()))
		return
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		if m.consumerClients != nil {
			obs.ObserveInt64(clientGauge, m.consumerClients())
		}
		if m.sinkOccupancy != nil {
			obs.ObserveInt64(ringGauge, m.sinkOccupancy())
		}
		if m.framesDropped != nil {
			obs.ObserveInt64(droppedCounter, m.framesDropped())
		}
		if m.embeddingsProduced != nil {
			obs.ObserveInt64(embeddingsCounter, m.embeddingsProduced())
		}
		if m.classificationsRun != nil {
			obs.ObserveInt64(classificationsCounter, m.classificationsRun())
		}
		if m.producerTransitions != nil {
			obs.ObserveInt64(transitionsCounter, m.producerTransitions())
		}
		return nil
	}, clientGauge, ringGauge, droppedCounter, embeddingsCounter, classificationsCounter, transitionsCounter)
	if err != nil {
		log.Warn("metric callback registration failed", slog.String("error", err.Error()))
	}
}
