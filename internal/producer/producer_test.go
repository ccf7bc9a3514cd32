package producer

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/bargein"
	"github.com/loqa-edge/wakegate/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSink struct {
	mu      sync.Mutex
	writes  []uint64
	ended   []uint64
	aborted int
	doneFor map[uint64]chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{doneFor: make(map[uint64]chan struct{})}
}

func (f *fakeSink) WriteChunk(_ audio.Frame, streamID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, streamID)
}

func (f *fakeSink) EndStream(streamID uint64) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, streamID)
	ch := make(chan struct{})
	f.doneFor[streamID] = ch
	return ch
}

func (f *fakeSink) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	for _, ch := range f.doneFor {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// completeDrain simulates the sink finishing a drain for streamID.
func (f *fakeSink) completeDrain(streamID uint64) {
	f.mu.Lock()
	ch := f.doneFor[streamID]
	f.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	if err := wire.WriteFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSecondConnectionRejected(t *testing.T) {
	sink := newFakeSink()
	s := New(Config{}, sink, bargein.New(4), newTestLogger())

	serverConn1, clientConn1 := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !s.tryAcquire() {
		t.Fatalf("expected first acquire to succeed")
	}
	go s.handleConn(ctx, serverConn1)
	defer clientConn1.Close()

	if _, err := wire.ReadFrame(clientConn1); err != nil {
		t.Fatalf("read Connected: %v", err)
	}

	serverConn2, clientConn2 := net.Pipe()
	defer clientConn2.Close()
	s.rejectSecondConnection(serverConn2)

	payload, err := wire.ReadFrame(clientConn2)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	msg, err := wire.DecodeProducerMessage(payload)
	if err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if _, ok := msg.(wire.ProducerErrorMsg); !ok {
		t.Fatalf("expected ProducerErrorMsg, got %T", msg)
	}
}

func TestPlayThenEndOfStreamCompletesAfterDrain(t *testing.T) {
	sink := newFakeSink()
	bus := bargein.New(4)
	s := New(Config{}, sink, bus, newTestLogger())

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.tryAcquire()
	go s.handleConn(ctx, serverConn)
	defer clientConn.Close()

	mustRead(t, clientConn) // Connected

	playPayload, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 1, Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})})
	writeFrame(t, clientConn, playPayload)

	eosPayload, _ := wire.EncodeProducerMessage(wire.EndOfStream{StreamID: 1, Timestamp: 123})
	writeFrame(t, clientConn, eosPayload)

	waitForCondition(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.ended) == 1 && sink.ended[0] == 1
	})

	sink.completeDrain(1)

	payload := mustRead(t, clientConn)
	msg, err := wire.DecodeProducerMessage(payload)
	if err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete, got %T", msg)
	}
}

func TestStaleStreamChunksDroppedAfterBargeIn(t *testing.T) {
	sink := newFakeSink()
	bus := bargein.New(4)
	s := New(Config{}, sink, bus, newTestLogger())

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.tryAcquire()
	go s.handleConn(ctx, serverConn)
	defer clientConn.Close()

	mustRead(t, clientConn) // Connected

	playPayload, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 5, Data: base64.StdEncoding.EncodeToString([]byte{9})})
	writeFrame(t, clientConn, playPayload)

	waitForCondition(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.writes) == 1
	})

	bus.Notify()

	// Barge-in aborts stream 5 and emits PlaybackComplete.
	payload := mustRead(t, clientConn)
	msg, err := wire.DecodeProducerMessage(payload)
	if err != nil {
		t.Fatalf("decode barge-in completion: %v", err)
	}
	if _, ok := msg.(wire.PlaybackComplete); !ok {
		t.Fatalf("expected PlaybackComplete after barge-in, got %T", msg)
	}

	// A stale chunk for stream 5 (the interrupted id) must be dropped.
	stalePayload, _ := wire.EncodeProducerMessage(wire.Play{StreamID: 5, Data: base64.StdEncoding.EncodeToString([]byte{9})})
	writeFrame(t, clientConn, stalePayload)

	time.Sleep(100 * time.Millisecond)
	sink.mu.Lock()
	writes := len(sink.writes)
	sink.mu.Unlock()
	if writes != 1 {
		t.Fatalf("expected stale post-barge-in chunk to be dropped, sink saw %d writes", writes)
	}
}

func mustRead(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return payload
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for condition")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}
