package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/loqa-edge/wakegate/internal/config"
	"github.com/loqa-edge/wakegate/internal/eventstore"
)

type capturingPublisher struct {
	subject string
	data    []byte
}

func (c *capturingPublisher) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return nil
}

func TestDetectionPublishesExpectedSubjectAndPayload(t *testing.T) {
	pub := &capturingPublisher{}
	r := New(pub, nil)
	ts := time.Unix(1700000000, 0)
	r.Detection("client-1", "hey_test", 0.91, ts)

	if pub.subject != SubjectDetectionEvent {
		t.Fatalf("expected subject %q, got %q", SubjectDetectionEvent, pub.subject)
	}
	var got detectionPayload
	if err := json.Unmarshal(pub.data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.ClientID != "client-1" || got.Model != "hey_test" || got.Confidence != 0.91 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNilRecorderIsANoop(t *testing.T) {
	var r *Recorder
	r.Detection("client-1", "model", 0.5, time.Now()) // must not panic
}

func TestRecorderWithNilConnIsANoop(t *testing.T) {
	r := New(nil, nil)
	r.ClientConnected("client-1", true) // must not panic
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startEmbeddedNATS spins up an in-process nats-server so Subscribe can
// exercise a real conn, matching how internal/natsserver stands the bus
// up for the gateway itself.
func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &server.Options{Host: "127.0.0.1", Port: -1}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("embedded nats not ready")
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect to embedded nats: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

// TestSubscribePersistsDetectionEventsWithSessionRow drives Recorder ->
// Subscribe -> a real, non-ephemeral eventstore.Store end to end, which
// is the path the FK constraint on events.session_id actually gates.
func TestSubscribePersistsDetectionEventsWithSessionRow(t *testing.T) {
	conn := startEmbeddedNATS(t)

	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newTestLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	subDone := make(chan error, 1)
	go func() { subDone <- Subscribe(ctx, conn, store, newTestLogger()) }()

	// Subscribe races the goroutine's subject registration against the
	// publish below; give it a moment to attach.
	time.Sleep(100 * time.Millisecond)

	r := New(conn, newTestLogger())
	r.Detection("client-42", "hey_test", 0.87, time.Now())
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var events []eventstore.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err = store.ListSessionEvents(context.Background(), "client-42", 10)
		if err != nil {
			t.Fatalf("list session events: %v", err)
		}
		if len(events) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted detection event, got %d", len(events))
	}
	if events[0].Type != "detection" {
		t.Fatalf("unexpected event type: %q", events[0].Type)
	}
	var payload detectionPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal persisted payload: %v", err)
	}
	if payload.ClientID != "client-42" || payload.Model != "hey_test" {
		t.Fatalf("unexpected persisted payload: %+v", payload)
	}

	cancel()
	<-subDone
}
