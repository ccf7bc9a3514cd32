// Package audit implements C13's publish side: small, non-blocking
// helpers that C1-C10 call to emit summary events onto the internal
// NATS bus. Publishing never blocks the caller and never fails loud;
// a disconnected bus simply means no audit trail, not a broken
// pipeline.
package audit

import (
	"encoding/json"
	"log/slog"
	"time"
)

const (
	SubjectDetectionEvent  = "gateway.detection.event"
	SubjectQueueDepth      = "gateway.queue.depth"
	SubjectClientConnected = "gateway.client.connected"
	SubjectProducerState   = "gateway.producer.state"
)

// Publisher is the narrow NATS surface audit needs; satisfied by
// *nats.Conn or internal/bus.Client.Conn().
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Recorder fans summary events out to the bus. A nil or disconnected
// conn makes every method a silent no-op.
type Recorder struct {
	conn Publisher
	log  *slog.Logger
}

func New(conn Publisher, log *slog.Logger) *Recorder {
	return &Recorder{conn: conn, log: log}
}

type detectionPayload struct {
	ClientID   string    `json:"clientId"`
	Model      string    `json:"model"`
	Confidence float32   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Detection reports a debounced wake-word detection. clientID names the
// capture session the detection belongs to, so it shares a grouping key
// with that client's connect/disconnect events.
func (r *Recorder) Detection(clientID, model string, confidence float32, ts time.Time) {
	r.publish(SubjectDetectionEvent, detectionPayload{ClientID: clientID, Model: model, Confidence: confidence, Timestamp: ts})
}

type queueDepthPayload struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

// QueueDepth reports a point-in-time depth sample for a named bounded
// queue (capture overflow counters, per-client consumer queues, the
// sink command queue).
func (r *Recorder) QueueDepth(queue string, depth int) {
	r.publish(SubjectQueueDepth, queueDepthPayload{Queue: queue, Depth: depth})
}

type clientConnectedPayload struct {
	ClientID  string `json:"clientId"`
	Connected bool   `json:"connected"`
}

// ClientConnected reports a consumer client connect/disconnect.
func (r *Recorder) ClientConnected(clientID string, connected bool) {
	r.publish(SubjectClientConnected, clientConnectedPayload{ClientID: clientID, Connected: connected})
}

type producerStatePayload struct {
	State    string `json:"state"`
	StreamID uint64 `json:"streamId"`
}

// ProducerState reports a producer state-machine transition.
func (r *Recorder) ProducerState(state string, streamID uint64) {
	r.publish(SubjectProducerState, producerStatePayload{State: state, StreamID: streamID})
}

func (r *Recorder) publish(subject string, payload any) {
	if r == nil || r.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.conn.Publish(subject, data); err != nil && r.log != nil {
		r.log.Debug("audit: publish failed", "subject", subject, "error", err)
	}
}
